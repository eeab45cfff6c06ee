package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ninjaorg/hyadmin/internal/api/response"
	"github.com/ninjaorg/hyadmin/internal/blob"
)

// NewFileRedirectHandler returns an http.HandlerFunc for GET /api/v1/files/*.
// Existing objects are redirected to a presigned URL.
func NewFileRedirectHandler(blobs blob.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := fileKey(w, r)
		if !ok {
			return
		}
		exists, err := blobs.Exists(r.Context(), key)
		if err != nil {
			writeBlobError(w, key, err)
			return
		}
		if !exists {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "File not found", nil)
			return
		}
		u, err := blobs.PresignedGet(r.Context(), key, ttl)
		if err != nil {
			writeBlobError(w, key, err)
			return
		}
		http.Redirect(w, r, u, http.StatusFound)
	}
}

// NewFileHeadHandler returns an http.HandlerFunc for HEAD /api/v1/files/*.
func NewFileHeadHandler(blobs blob.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := fileKey(w, r)
		if !ok {
			return
		}
		exists, err := blobs.Exists(r.Context(), key)
		if err != nil {
			writeBlobError(w, key, err)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-File-Exists", "true")
		w.WriteHeader(http.StatusOK)
	}
}

func fileKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "*")
	if err := blob.ValidateKey(key); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid file path", nil)
		return "", false
	}
	return key, true
}

func writeBlobError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, blob.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "File not found", nil)
		return
	}
	slog.Error("file lookup failed", "key", key, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}
