package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Create when the key is already taken.
	ErrExists = errors.New("already exists")
)

// Object identifies a stored blob. Generation is the backend's version
// counter for the blob; zero means "latest".
type Object struct {
	Key        string
	Generation int64
}

// Backend is a flat key/blob store. Writes to a single key are atomic:
// readers see either the old or the new bytes.
type Backend interface {
	// Read returns the blob at key. A non-zero generation pins the read to
	// that version and reports ErrNotFound once it has been replaced.
	Read(ctx context.Context, key string, generation int64) ([]byte, error)
	// Write creates or overwrites key.
	Write(ctx context.Context, key string, data []byte) error
	// Create writes key only if it does not exist yet, else ErrExists.
	Create(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Name() string
	Close() error
}
