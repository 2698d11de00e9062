package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// GCS stores objects in one Google Cloud Storage bucket.
type GCS struct {
	client  *storage.Client
	bucket  string
	project string
	log     zerolog.Logger

	mu    sync.Mutex
	ready bool
}

var _ Store = (*GCS)(nil)

// NewGCS creates the storage client. A non-empty Endpoint points the client
// at an emulator without credentials.
func NewGCS(ctx context.Context, cfg Config) (*GCS, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{
		client:  client,
		bucket:  cfg.Bucket,
		project: cfg.Project,
		log:     cfg.Logger.With().Str("component", "blob").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) EnsureBucket(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	b := g.client.Bucket(g.bucket)
	_, err := b.Attrs(ctx)
	switch {
	case errors.Is(err, storage.ErrBucketNotExist):
		if err := b.Create(ctx, g.project, nil); err != nil {
			return fmt.Errorf("create bucket %q: %w", g.bucket, err)
		}
		g.log.Info().Msg("created bucket")
	case err != nil:
		return fmt.Errorf("bucket %q attrs: %w", g.bucket, err)
	}
	g.ready = true
	return nil
}

func (g *GCS) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if err := g.EnsureBucket(ctx); err != nil {
		return err
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(k).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// GetObjectStream returns a reader that is bound to ctx.
func (g *GCS) GetObjectStream(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	r, err := g.client.Bucket(g.bucket).Object(k).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open GCS object %q: %w", key, err)
	}
	return r, nil
}
