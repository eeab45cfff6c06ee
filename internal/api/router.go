package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	mw "github.com/ninjaorg/hyadmin/internal/api/middleware"
	"github.com/ninjaorg/hyadmin/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	// UploadDir is served at /uploads/ when set.
	UploadDir string

	HealthHandler   http.HandlerFunc
	LoginHandler    http.HandlerFunc
	ProfileHandler  http.HandlerFunc
	CallbackHandler http.HandlerFunc
	FileGetHandler  http.HandlerFunc
	FileHeadHandler http.HandlerFunc

	CreateParses http.HandlerFunc
	ListParses   http.HandlerFunc
	GetParse     http.HandlerFunc
	CancelParse  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/auth/login", orNotImplemented(deps.LoginHandler))
	r.Post("/api/v1/ai-parses/callback", orNotImplemented(deps.CallbackHandler))
	r.Get("/api/v1/files/*", orNotImplemented(deps.FileGetHandler))
	r.Head("/api/v1/files/*", orNotImplemented(deps.FileHeadHandler))
	if deps.UploadDir != "" {
		r.Handle("/uploads/*", uploadsHandler(deps.UploadDir))
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/auth/profile", orNotImplemented(deps.ProfileHandler))

		r.Post("/api/v1/sessions/{sessionId}/parses", orNotImplemented(deps.CreateParses))
		r.Get("/api/v1/sessions/{sessionId}/parses", orNotImplemented(deps.ListParses))

		r.Get("/api/v1/ai-parses/{id}", orNotImplemented(deps.GetParse))
		r.Delete("/api/v1/ai-parses/{id}", orNotImplemented(deps.CancelParse))
	})

	return r
}

// uploadsHandler serves stored images without directory listings.
func uploadsHandler(dir string) http.Handler {
	fs := http.StripPrefix("/uploads/", http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
