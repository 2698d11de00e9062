// Package blob stores uploaded archives and export artifacts.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned by GetObjectStream for a missing key.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value object store.
type Store interface {
	// EnsureBucket creates the bucket or directory on first use. It is safe
	// to call repeatedly and concurrently.
	EnsureBucket(ctx context.Context) error
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend  string // local or gcs
	Bucket   string
	Project  string
	Endpoint string
	LocalDir string
	Logger   zerolog.Logger
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.LocalDir), nil
	case "gcs":
		return NewGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// ImportKey is where an uploaded archive is kept until its job runs.
func ImportKey(userID, jobID fmt.Stringer, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload.pgn"
	}
	return fmt.Sprintf("imports/%s/%s/%s", userID, jobID, name)
}

// ExportKey is the artifact key of an export job.
func ExportKey(userID, jobID fmt.Stringer) string {
	return fmt.Sprintf("exports/%s/%s.pgn", userID, jobID)
}

// cleanKey rejects keys that would escape the bucket root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return k, nil
}
