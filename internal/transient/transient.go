package transient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
)

// SignedURLTTL bounds how long a transient object stays readable. Any retry
// past this window must request a fresh URL rather than reuse a stale one.
const SignedURLTTL = 60 * time.Second

// Store holds short-lived upload objects whose only purpose is to pass bytes
// to the extraction call. Objects are deleted after processing. It assumes
// Application Default Credentials are configured.
type Store struct {
	bucket string
}

// NewStore creates a transient object store on the given bucket.
func NewStore(bucket string) *Store {
	return &Store{bucket: bucket}
}

// Upload writes data to the transient bucket under objectPath.
func (s *Store) Upload(ctx context.Context, objectPath, contentType string, data []byte) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("transient: create storage client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := client.Bucket(s.bucket).Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("transient: copy to storage writer: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("transient: finalize upload: %w", err)
	}

	return nil
}

// SignedURL issues a time-boxed unauthenticated read URL for objectPath.
func (s *Store) SignedURL(ctx context.Context, objectPath string) (string, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("transient: create storage client: %w", err)
	}
	defer client.Close()

	url, err := client.Bucket(s.bucket).SignedURL(objectPath, &storage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(SignedURLTTL),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("transient: signing URL for %s: %w", objectPath, err)
	}

	return url, nil
}

// Delete removes a transient object once processing is done.
func (s *Store) Delete(ctx context.Context, objectPath string) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("transient: create storage client: %w", err)
	}
	defer client.Close()

	if err := client.Bucket(s.bucket).Object(objectPath).Delete(ctx); err != nil {
		return fmt.Errorf("transient: deleting %s: %w", objectPath, err)
	}

	return nil
}
