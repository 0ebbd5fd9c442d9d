package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	StorageProviderGCS   = "gcs"
	StorageProviderLocal = "local"
)

// EvidenceStore keeps normalized evidence images addressed by key.
type EvidenceStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// NewEvidenceStore picks the backend by name ("local" or "gcs").
func NewEvidenceStore(provider string, dir string) (EvidenceStore, error) {
	switch strings.TrimSpace(strings.ToLower(provider)) {
	case "", StorageProviderLocal:
		if dir == "" {
			dir = "./uploads"
		}
		return &LocalEvidenceStore{Dir: dir}, nil
	case StorageProviderGCS:
		bucket := os.Getenv("GCS_BUCKET")
		if bucket == "" {
			return nil, errors.New("GCS_BUCKET is required")
		}
		return &GCSEvidenceStore{Bucket: bucket}, nil
	default:
		return nil, fmt.Errorf("unknown evidence storage provider %q", provider)
	}
}

type LocalEvidenceStore struct {
	Dir string
}

func (s *LocalEvidenceStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid evidence key %q", key)
	}
	return filepath.Join(s.Dir, clean), nil
}

func (s *LocalEvidenceStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (s *LocalEvidenceStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrorRecordNotFound
	}
	return data, err
}
