package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ninjaorg/hyadmin/internal/ai"
	"github.com/ninjaorg/hyadmin/internal/ai/mock"
	"github.com/ninjaorg/hyadmin/internal/api"
	"github.com/ninjaorg/hyadmin/internal/api/handler"
	mw "github.com/ninjaorg/hyadmin/internal/api/middleware"
	"github.com/ninjaorg/hyadmin/internal/auth"
	"github.com/ninjaorg/hyadmin/internal/blob"
	"github.com/ninjaorg/hyadmin/internal/cache"
	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseURL = "http://localhost:3000"

// --- stub cache ---

type stubCache struct{}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *stubCache) Ping(_ context.Context) error                                      { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- router wiring ---

type testServer struct {
	router    http.Handler
	store     *store.MemoryStore
	uploadDir string
}

func newTestServer(t *testing.T, wf *mock.WorkflowClient) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	uploadDir := filepath.Join(t.TempDir(), "uploads")
	local, err := blob.NewLocalStore(uploadDir, baseURL)
	require.NoError(t, err)

	tokens := auth.NewTokenService("test-secret", time.Hour)
	svc := ai.NewService(st, local, wf, ai.InlineDispatcher{}, &stubCache{}, ai.Options{BaseURL: baseURL})

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	require.NoError(t, st.CreateUser(context.Background(), &models.User{Username: "coach", PasswordHash: hash}))

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(tokens),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
		UploadDir: uploadDir,
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		},
		LoginHandler:    handler.NewLoginHandler(st, tokens),
		ProfileHandler:  handler.NewProfileHandler(st),
		CallbackHandler: handler.NewCallbackHandler(svc),
		FileGetHandler:  handler.NewFileRedirectHandler(local, time.Hour),
		FileHeadHandler: handler.NewFileHeadHandler(local),
		CreateParses:    handler.NewCreateParsesHandler(svc, handler.UploadLimits{}),
		ListParses:      handler.NewListParsesHandler(svc),
		GetParse:        handler.NewGetParseHandler(svc),
		CancelParse:     handler.NewCancelParseHandler(svc),
	})
	return &testServer{router: router, store: st, uploadDir: uploadDir}
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"coach","password":"hunter2"}`))
	w := s.serve(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return dataOf(t, w)["token"].(string)
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Data
}

func uploadRequest(t *testing.T, token string, size int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	require.NoError(t, mpw.WriteField("workflow_url", "https://dify.local/v1"))
	require.NoError(t, mpw.WriteField("workflow_api_key", "app-key"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="roster.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mpw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte{7}, size))
	require.NoError(t, err)
	require.NoError(t, mpw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/7/parses", &buf)
	req.Header.Set("Content-Type", mpw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// --- router tests ---

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	s := newTestServer(t, &mock.WorkflowClient{})

	w := s.serve(httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	s := newTestServer(t, &mock.WorkflowClient{})

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/v1/auth/profile"},
		{"POST", "/api/v1/sessions/7/parses"},
		{"GET", "/api/v1/sessions/7/parses"},
		{"GET", "/api/v1/ai-parses/1"},
		{"DELETE", "/api/v1/ai-parses/1"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := s.serve(httptest.NewRequest(ep.method, ep.path, nil))
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "UNAUTHORIZED", errObj["code"])
		})
	}
}

func TestRouter_CallbackIsPublic(t *testing.T) {
	s := newTestServer(t, &mock.WorkflowClient{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai-parses/callback",
		strings.NewReader(`{"id":1,"status":"succeeded"}`))
	w := s.serve(req)
	assert.Equal(t, http.StatusNotFound, w.Code, "reaches the handler without a token")
}

func TestRouter_UploadThenPoll(t *testing.T) {
	s := newTestServer(t, mock.NewWorkflowClient("succeeded", map[string]any{"x": 1}))
	token := s.login(t)

	w := s.serve(uploadRequest(t, token, 10*1024))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := dataOf(t, w)
	assert.Equal(t, "queued", created["status"])
	id := int64(created["id"].(float64))
	imagePath := created["url"].(string)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/ai-parses/%d", id), nil)
	req.Header.Set("Authorization", token)
	w = s.serve(req)
	require.Equal(t, http.StatusOK, w.Code)
	job := dataOf(t, w)
	assert.Equal(t, "succeeded", job["status"])
	assert.Equal(t, float64(1), job["data"].(map[string]any)["outputs"].(map[string]any)["x"])

	// The stored image is served from the upload directory.
	w = s.serve(httptest.NewRequest(http.MethodGet, imagePath, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10*1024, w.Body.Len())

	// Cancelling a finished job conflicts.
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/ai-parses/%d", id), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = s.serve(req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRouter_Profile(t *testing.T) {
	s := newTestServer(t, &mock.WorkflowClient{})
	token := s.login(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := s.serve(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "coach", dataOf(t, w)["username"])
}

func TestRouter_UploadsNoListing(t *testing.T) {
	s := newTestServer(t, &mock.WorkflowClient{})
	require.NoError(t, os.WriteFile(filepath.Join(s.uploadDir, "a.png"), []byte("x"), 0o644))

	w := s.serve(httptest.NewRequest(http.MethodGet, "/uploads/", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.serve(httptest.NewRequest(http.MethodGet, "/uploads/a.png", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	s := newTestServer(t, &mock.WorkflowClient{})

	w := s.serve(httptest.NewRequest("GET", "/api/v1/nonexistent", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_NotImplementedPlaceholder(t *testing.T) {
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(auth.NewTokenService("s", time.Hour)),
		RateLimit: mw.NewRateLimit(&stubCache{}, 60),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

var _ cache.Cache = (*stubCache)(nil)
