package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of gcs, fs, redis, sqlite.
	Backend   string
	Bucket    string
	Prefix    string
	DataDir   string
	RedisAddr string
	Logger    *slog.Logger
}

const openTimeout = 15 * time.Second

// FallbackDir is where records go when the configured backend is
// unavailable.
func FallbackDir(dataDir string) string {
	return filepath.Join(dataDir, "job_queue")
}

// Open returns a Store on the configured backend. When that backend cannot
// be reached the local filesystem is used instead and the failure is logged;
// only a failure to set up the filesystem fallback is returned.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	octx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	var (
		b   Backend
		err error
	)
	switch opts.Backend {
	case "gcs":
		b, err = OpenGCS(octx, opts.Bucket)
	case "redis":
		b, err = OpenRedis(octx, opts.RedisAddr)
	case "sqlite":
		b, err = OpenSQLite(opts.DataDir)
	case "fs", "":
	default:
		err = fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		logger.Error("job storage backend unavailable, falling back to local filesystem",
			"backend", opts.Backend, "error", err, "dir", FallbackDir(opts.DataDir))
		b = nil
	}

	if b == nil {
		fsb, err := NewFSBackend(FallbackDir(opts.DataDir))
		if err != nil {
			return nil, fmt.Errorf("opening local job storage: %w", err)
		}
		b = fsb
	}

	logger.Info("job storage ready", "backend", b.Name(), "prefix", opts.Prefix)
	return New(b, opts.Prefix, logger), nil
}
