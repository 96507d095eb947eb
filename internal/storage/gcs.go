package storage

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"taskrunner/internal/apperrors"
)

// Signed URLs require an expiration; match the original 30-day window.
const urlDuration = 30 * 24 * time.Hour

// GCS is the Google Cloud Storage ObjectStore.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS opens a client from a service-account key file against one bucket.
func NewGCS(ctx context.Context, credentialsFilePath, bucket string) (*GCS, error) {
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(credentialsFilePath))
	if err != nil {
		return nil, apperrors.Storage("storage.newClient", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) Upload(ctx context.Context, key string, data []byte) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return apperrors.Storage("storage.upload", err)
	}
	if err := w.Close(); err != nil {
		return apperrors.Storage("storage.upload", err)
	}
	return nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return apperrors.Storage("storage.delete", err)
	}
	return nil
}

func (g *GCS) URLFor(ctx context.Context, key string) (string, error) {
	url, err := g.client.Bucket(g.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(urlDuration),
	})
	if err != nil {
		return "", apperrors.Storage("storage.urlFor", err)
	}
	return url, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

var _ ObjectStore = (*GCS)(nil)
