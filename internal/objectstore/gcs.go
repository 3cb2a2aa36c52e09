// Package objectstore provides download-by-reference and artifact upload
// against Google Cloud Storage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Store is the object-storage surface the pipeline consumes.
type Store interface {
	// Download returns the raw bytes behind a file reference. The reference
	// is either a full gs:// URI or an object name in the default bucket.
	Download(ctx context.Context, ref string) ([]byte, error)
	// Upload writes an artifact under key in the default bucket.
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

// GCS implements Store on a Google Cloud Storage bucket. It assumes
// Application Default Credentials are configured.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a store with the given default bucket.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Download(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, err := g.resolve(ref)
	if err != nil {
		return nil, err
	}

	r, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open object reader %s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, object, err)
	}

	return data, nil
}

func (g *GCS) Upload(ctx context.Context, key, contentType string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object %s: %w", key, err)
	}

	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload %s: %w", key, err)
	}

	return nil
}

// resolve splits a gs:// URI into bucket and object, or applies the default
// bucket for bare object names.
func (g *GCS) resolve(ref string) (string, string, error) {
	if !strings.HasPrefix(ref, "gs://") {
		if ref == "" {
			return "", "", fmt.Errorf("empty file reference")
		}
		return g.bucket, ref, nil
	}

	trimmed := strings.TrimPrefix(ref, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", ref)
	}
	return parts[0], parts[1], nil
}
