package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC. Set GCS_CREDENTIALS_JSON to pass explicit JSON (e.g. locally).
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

type GCSEvidenceStore struct {
	Bucket string
}

func (s *GCSEvidenceStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	wc := client.Bucket(s.Bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		return fmt.Errorf("failed to upload evidence to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %v", err)
	}
	return nil
}

func (s *GCSEvidenceStore) Get(ctx context.Context, key string) ([]byte, error) {
	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	rc, err := client.Bucket(s.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
