package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// UploadsPathPrefix is where the server exposes the local upload directory.
const UploadsPathPrefix = "/uploads/"

// LocalStore writes images under a directory that the HTTP server serves
// statically. It has no real presigning: PresignedGet returns the public URL.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: baseURL}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Backend() string { return BackendLocal }

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (Object, error) {
	if err := ValidateKey(key); err != nil {
		return Object{}, err
	}
	path := filepath.Join(s.dir, key)
	// Names are unique per upload; O_EXCL keeps a collision from overwriting.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Object{}, fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return Object{}, fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return Object{}, fmt.Errorf("close %s: %w", key, err)
	}
	return Object{
		Backend: BackendLocal,
		Key:     key,
		Locator: path,
		Path:    UploadsPathPrefix + key,
	}, nil
}

func (s *LocalStore) PresignedGet(ctx context.Context, key string, _ time.Duration) (string, error) {
	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.baseURL + UploadsPathPrefix + key, nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.dir, key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}
