package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ninjaorg/hyadmin/internal/ai"
	"github.com/ninjaorg/hyadmin/internal/api/response"
	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
)

// CallbackTokenHeader carries the per-job callback token.
const CallbackTokenHeader = "X-Callback-Token"

const maxFieldBytes = 64 << 10

// ParseService is the subset of ai.Service the parse handlers use.
type ParseService interface {
	Ingest(ctx context.Context, req ai.IngestRequest) ([]ai.IngestedJob, error)
	ListBySession(ctx context.Context, filter store.ParseJobFilter) ([]*models.ParseJob, int, store.ParseJobFilter, error)
	Get(ctx context.Context, id int64) (*models.ParseJob, error)
	ApplyCallback(ctx context.Context, req ai.CallbackRequest) error
	Cancel(ctx context.Context, req ai.CancelRequest) error
}

// UploadLimits bounds multipart parse requests.
type UploadLimits struct {
	MaxFileBytes    int64
	MaxRequestBytes int64
}

// NewCreateParsesHandler returns an http.HandlerFunc for
// POST /api/v1/sessions/{sessionId}/parses.
func NewCreateParsesHandler(svc ParseService, limits UploadLimits) http.HandlerFunc {
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = ai.DefaultMaxFileBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if limits.MaxRequestBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limits.MaxRequestBytes)
		}

		req, err := readIngestForm(r, limits.MaxFileBytes)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
					fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		req.SessionID = chi.URLParam(r, "sessionId")

		results, err := svc.Ingest(r.Context(), req)
		if err != nil && len(results) > 0 {
			// Earlier files already have dispatched jobs; report them.
			slog.Error("parse upload partially failed", "error", err, "created", len(results))
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Some files could not be stored", map[string]any{"items": results, "total": len(results)})
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}

		if len(results) == 1 {
			response.Created(w, results[0])
			return
		}
		response.Created(w, map[string]any{"items": results, "total": len(results)})
	}
}

// readIngestForm streams the multipart body. Each file is read up to one
// byte past the limit so the service can reject it as too large.
func readIngestForm(r *http.Request, maxFileBytes int64) (ai.IngestRequest, error) {
	var req ai.IngestRequest
	mr, err := r.MultipartReader()
	if err != nil {
		return req, fmt.Errorf("expected multipart/form-data body: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return req, err
		}

		name := part.FormName()
		if name == "file" {
			data, err := io.ReadAll(io.LimitReader(part, maxFileBytes+1))
			part.Close()
			if err != nil {
				return req, err
			}
			req.Files = append(req.Files, ai.Upload{
				Filename: part.FileName(),
				MIME:     partMIME(part.Header.Get("Content-Type")),
				Data:     data,
			})
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		part.Close()
		if err != nil {
			return req, err
		}
		v := string(value)
		switch name {
		case "request_id":
			req.RequestID = v
		case "workflow_url":
			req.WorkflowURL = v
		case "workflow_api_key":
			req.WorkflowAPIKey = v
		case "workflow_file_var":
			req.FileVar = v
		case "workflow_response_mode":
			req.ResponseMode = v
		case "workflow_user":
			req.User = v
		case "workflow_inputs":
			// Not an object: ignored.
			var inputs map[string]any
			if json.Unmarshal(value, &inputs) == nil {
				req.Inputs = inputs
			}
		}
	}
	return req, nil
}

func partMIME(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}

type parseListItem struct {
	ID        int64            `json:"id"`
	Status    models.JobStatus `json:"status"`
	URL       string           `json:"url"`
	Mime      string           `json:"mime"`
	Data      map[string]any   `json:"data"`
	Error     *string          `json:"error"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// NewListParsesHandler returns an http.HandlerFunc for
// GET /api/v1/sessions/{sessionId}/parses.
func NewListParsesHandler(svc ParseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionId"), 10, 64)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid session id", nil)
			return
		}

		filter := store.ParseJobFilter{
			SessionID: sessionID,
			Page:      queryInt(r, "page"),
			Limit:     queryInt(r, "pageSize"),
		}
		jobs, total, filter, err := svc.ListBySession(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		items := make([]parseListItem, 0, len(jobs))
		for _, j := range jobs {
			items = append(items, parseListItem{
				ID:        j.ID,
				Status:    j.Status,
				URL:       j.ImageURL,
				Mime:      j.Mime,
				Data:      j.Data,
				Error:     j.Error,
				CreatedAt: j.CreatedAt,
				UpdatedAt: j.UpdatedAt,
			})
		}
		response.Page(w, items, filter.Page, filter.Limit, total)
	}
}

// queryInt returns 0 for a missing or malformed value, which the filter
// normalizes to its default.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

type parseDetail struct {
	ID        int64            `json:"id"`
	Status    models.JobStatus `json:"status"`
	Data      map[string]any   `json:"data"`
	Error     *string          `json:"error"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// NewGetParseHandler returns an http.HandlerFunc for GET /api/v1/ai-parses/{id}.
func NewGetParseHandler(svc ParseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, parseDetail{
			ID:        job.ID,
			Status:    job.Status,
			Data:      job.Data,
			Error:     job.Error,
			UpdatedAt: job.UpdatedAt,
		})
	}
}

// NewCancelParseHandler returns an http.HandlerFunc for
// DELETE /api/v1/ai-parses/{id}. The JSON body is optional.
func NewCancelParseHandler(svc ParseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}

		var body struct {
			CancelURL      string `json:"cancel_url"`
			WorkflowAPIKey string `json:"workflow_api_key"`
		}
		if r.Body != nil {
			err := json.NewDecoder(io.LimitReader(r.Body, maxFieldBytes)).Decode(&body)
			if err != nil && !errors.Is(err, io.EOF) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
				return
			}
		}

		err := svc.Cancel(r.Context(), ai.CancelRequest{
			ID:        id,
			CancelURL: body.CancelURL,
			APIKey:    body.WorkflowAPIKey,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, map[string]any{"id": id, "status": models.JobStatusCanceled})
	}
}

type callbackBody struct {
	ID            json.Number    `json:"id"`
	Status        string         `json:"status"`
	Data          map[string]any `json:"data"`
	Error         any            `json:"error"`
	AITraceID     *string        `json:"ai_trace_id"`
	CallbackToken string         `json:"callback_token"`
}

// NewCallbackHandler returns an http.HandlerFunc for
// POST /api/v1/ai-parses/callback. The route is unauthenticated; the
// per-job token is checked by the service when enforcement is on.
func NewCallbackHandler(svc ParseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body callbackBody
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON body", nil)
			return
		}
		id, err := body.ID.Int64()
		if err != nil || id <= 0 || body.Status == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "id and status are required", nil)
			return
		}

		token := r.Header.Get(CallbackTokenHeader)
		if token == "" {
			token = body.CallbackToken
		}

		err = svc.ApplyCallback(r.Context(), ai.CallbackRequest{
			ID:        id,
			Status:    body.Status,
			Data:      body.Data,
			Error:     errorString(body.Error),
			AITraceID: body.AITraceID,
			Token:     token,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, map[string]bool{"ok": true})
	}
}

// errorString flattens a callback error that may be a string or an object.
func errorString(v any) *string {
	switch e := v.(type) {
	case nil:
		return nil
	case string:
		return &e
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return nil
		}
		s := string(b)
		return &s
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid id", nil)
		return 0, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ai.ErrPayloadTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error(), nil)
	case errors.Is(err, ai.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, ai.ErrInvalidCallbackToken):
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid callback token", nil)
	case errors.Is(err, ai.ErrConflict):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		slog.Error("parse request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
