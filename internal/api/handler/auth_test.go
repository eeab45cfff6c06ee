package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mw "github.com/ninjaorg/hyadmin/internal/api/middleware"
	"github.com/ninjaorg/hyadmin/internal/auth"
	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUser(t *testing.T, st *store.MemoryStore, username, password string) *models.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	u := &models.User{Username: username, PasswordHash: hash}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

func login(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLogin_Success(t *testing.T) {
	st := store.NewMemoryStore()
	u := seedUser(t, st, "coach", "hunter2")
	tokens := auth.NewTokenService("secret", time.Hour)
	h := NewLoginHandler(st, tokens)

	rec := login(h, `{"username":"coach","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeData(t, rec)
	claims, err := tokens.Verify(data["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "coach", claims.Username)

	user := data["user"].(map[string]any)
	assert.Equal(t, "1", user["id"])
	assert.Equal(t, "coach", user["username"])
	assert.NotNil(t, user["lastLoginAt"], "last login is recorded before the reply")

	stored, err := st.GetUserByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)
}

func TestLogin_Rejections(t *testing.T) {
	st := store.NewMemoryStore()
	seedUser(t, st, "coach", "hunter2")
	h := NewLoginHandler(st, auth.NewTokenService("secret", time.Hour))

	tests := []struct {
		body   string
		status int
	}{
		{`{`, http.StatusBadRequest},
		{`{"username":"coach"}`, http.StatusBadRequest},
		{`{"username":"nobody","password":"x"}`, http.StatusUnauthorized},
		{`{"username":"coach","password":"wrong"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := login(h, tt.body)
		assert.Equal(t, tt.status, rec.Code, tt.body)
	}
}

func TestProfile(t *testing.T) {
	st := store.NewMemoryStore()
	u := seedUser(t, st, "coach", "hunter2")
	h := NewProfileHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req = req.WithContext(mw.SetUser(req.Context(), u.ID, u.Username))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "coach", data["username"])
	assert.Nil(t, data["lastLoginAt"])

	req = httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req = req.WithContext(mw.SetUser(req.Context(), 99, "ghost"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
