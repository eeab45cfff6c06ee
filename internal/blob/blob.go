// Package blob stores uploaded images. Keys are flat object names; the
// same key addresses the object in every backend.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

const (
	BackendMinio = "minio"
	BackendLocal = "local"
)

// Object describes where a Put landed.
type Object struct {
	Backend string
	Key     string
	// Locator is the backend-native address (s3://bucket/key or a file path).
	Locator string
	// Path is the server-relative URL path the object can be fetched from.
	Path string
}

// Store is the blob store contract shared by object storage and local disk.
type Store interface {
	Backend() string
	Put(ctx context.Context, key string, data []byte, contentType string) (Object, error)
	PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ValidateKey rejects keys that could escape a bucket or directory.
func ValidateKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
