package blob

import (
	"context"
	"log/slog"
	"time"
)

// FallbackStore writes to primary and degrades to local when primary fails.
// A Put only errors when both backends refuse the object.
type FallbackStore struct {
	primary Store
	local   *LocalStore
}

func NewFallbackStore(primary Store, local *LocalStore) *FallbackStore {
	return &FallbackStore{primary: primary, local: local}
}

func (s *FallbackStore) Backend() string { return s.primary.Backend() }

func (s *FallbackStore) Put(ctx context.Context, key string, data []byte, contentType string) (Object, error) {
	obj, err := s.primary.Put(ctx, key, data, contentType)
	if err == nil {
		return obj, nil
	}
	slog.Warn("object storage put failed, falling back to local disk",
		"key", key, "backend", s.primary.Backend(), "error", err)
	return s.local.Put(ctx, key, data, contentType)
}

// PresignedGet serves local copies first, since a key only lands there after
// a primary failure.
func (s *FallbackStore) PresignedGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ok, err := s.local.Exists(ctx, key); err == nil && ok {
		return s.local.PresignedGet(ctx, key, ttl)
	}
	return s.primary.PresignedGet(ctx, key, ttl)
}

func (s *FallbackStore) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := s.local.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return s.primary.Exists(ctx, key)
}
