package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSBackend stores blobs as objects in a Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket *storage.BucketHandle
	owned  bool
}

// OpenGCS connects with application default credentials and checks that
// bucket is reachable.
func OpenGCS(ctx context.Context, bucket string) (*GCSBackend, error) {
	if bucket == "" {
		return nil, errors.New("no bucket configured")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	b := NewGCSBackend(client, bucket)
	b.owned = true
	if _, err := b.bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("checking bucket %s: %w", bucket, err)
	}
	return b, nil
}

// NewGCSBackend wraps an existing client. The caller keeps ownership of it.
func NewGCSBackend(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: client.Bucket(bucket)}
}

func (b *GCSBackend) Name() string { return "gcs" }

func (b *GCSBackend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

func (b *GCSBackend) Read(ctx context.Context, key string, generation int64) ([]byte, error) {
	obj := b.bucket.Object(key)
	if generation != 0 {
		obj = obj.Generation(generation)
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, gcsErr(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, gcsErr(err)
	}
	return data, nil
}

func (b *GCSBackend) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return gcsErr(err)
	}
	return gcsErr(w.Close())
}

func (b *GCSBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.write(ctx, b.bucket.Object(key), data)
}

func (b *GCSBackend) Create(ctx context.Context, key string, data []byte) error {
	obj := b.bucket.Object(key).If(storage.Conditions{DoesNotExist: true})
	return b.write(ctx, obj, data)
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	return gcsErr(b.bucket.Object(key).Delete(ctx))
}

func (b *GCSBackend) List(ctx context.Context, prefix string) ([]Object, error) {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var out []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, gcsErr(err)
		}
		out = append(out, Object{Key: attrs.Name, Generation: attrs.Generation})
	}
	return out, nil
}

// gcsErr maps Cloud Storage errors onto the package sentinels.
func gcsErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed:
			return ErrExists
		}
	}
	return err
}
