package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mw "github.com/ninjaorg/hyadmin/internal/api/middleware"
	"github.com/ninjaorg/hyadmin/internal/api/response"
	"github.com/ninjaorg/hyadmin/internal/auth"
	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
)

// UserStore is the subset of store.Store the auth handlers use.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	UpdateUserLastLogin(ctx context.Context, id int64) (*models.User, error)
}

// TokenIssuer signs access tokens.
type TokenIssuer interface {
	Issue(userID int64, username string) (string, error)
}

type userView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt"`
}

func newUserView(u *models.User) userView {
	return userView{
		ID:          strconv.FormatInt(u.ID, 10),
		Username:    u.Username,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

// NewLoginHandler returns an http.HandlerFunc for POST /api/v1/auth/login.
func NewLoginHandler(users UserStore, tokens TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFieldBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}
		if req.Username == "" || req.Password == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required", nil)
			return
		}

		user, err := users.GetUserByUsername(r.Context(), req.Username)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("login lookup failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password", nil)
			return
		}

		token, err := tokens.Issue(user.ID, user.Username)
		if err != nil {
			slog.Error("issue token failed", "error", err, "user_id", user.ID)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		refreshed, err := users.UpdateUserLastLogin(r.Context(), user.ID)
		if err != nil {
			slog.Warn("record last login failed", "error", err, "user_id", user.ID)
			refreshed = user
		}

		response.JSON(w, map[string]any{
			"token": token,
			"user":  newUserView(refreshed),
		})
	}
}

// NewProfileHandler returns an http.HandlerFunc for GET /api/v1/auth/profile.
func NewProfileHandler(users UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Not authenticated", nil)
			return
		}
		user, err := users.GetUserByID(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "User not found", nil)
			return
		}
		if err != nil {
			slog.Error("profile lookup failed", "error", err, "user_id", id)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, newUserView(user))
	}
}
