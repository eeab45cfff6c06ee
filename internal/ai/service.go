package ai

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ninjaorg/hyadmin/internal/ai/workflow"
	"github.com/ninjaorg/hyadmin/internal/blob"
	"github.com/ninjaorg/hyadmin/internal/cache"
	"github.com/ninjaorg/hyadmin/internal/store"
	"github.com/ninjaorg/hyadmin/pkg/models"
)

// DefaultMaxFileBytes is the per-image upload limit.
const DefaultMaxFileBytes = 8 << 20

var allowedMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
}

// Options configures a Service.
type Options struct {
	// BaseURL is the externally reachable origin of this server, used to
	// build absolute image URLs and the callback URL.
	BaseURL               string
	MaxFileBytes          int64
	CallbackTokenRequired bool
	JobCacheTTL           time.Duration
}

// Upload is one file from an ingest request.
type Upload struct {
	Filename string
	MIME     string
	Data     []byte
}

// IngestRequest carries everything needed to create and dispatch parse jobs.
// SessionID is the raw path value; it is validated with the rest.
type IngestRequest struct {
	SessionID      string
	RequestID      string
	WorkflowURL    string
	WorkflowAPIKey string
	FileVar        string
	ResponseMode   string
	User           string
	Inputs         map[string]any
	Files          []Upload
}

// IngestedJob is the per-file result of Ingest.
type IngestedJob struct {
	ID        int64            `json:"id"`
	Status    models.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	URL       string           `json:"url"`
}

// CallbackRequest is a status report from the workflow engine.
type CallbackRequest struct {
	ID        int64
	Status    string
	Data      map[string]any
	Error     *string
	AITraceID *string
	Token     string
}

// CancelRequest cancels a job. CancelURL and APIKey are optional and only
// used to notify the engine.
type CancelRequest struct {
	ID        int64
	CancelURL string
	APIKey    string
}

// Service is the parse job pipeline: ingest, dispatch, callback, cancel.
type Service struct {
	store      store.Store
	blobs      blob.Store
	workflow   workflow.Client
	dispatcher Dispatcher
	cache      cache.Cache
	opts       Options
	lastMS     atomic.Int64
	now        func() time.Time
}

// NewService creates a new Service. ca may be nil to disable job caching.
func NewService(st store.Store, blobs blob.Store, wf workflow.Client, d Dispatcher, ca cache.Cache, opts Options) *Service {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	return &Service{
		store:      st,
		blobs:      blobs,
		workflow:   wf,
		dispatcher: d,
		cache:      ca,
		opts:       opts,
		now:        time.Now,
	}
}

// Ingest validates every file before touching storage, then stores each
// image, records a queued job and hands it to the dispatcher. Dispatch
// outcomes never fail the call. If a later file fails to store, the jobs
// already created for earlier files are returned along with the error.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) ([]IngestedJob, error) {
	sessionID, err := s.validateIngest(req)
	if err != nil {
		return nil, err
	}

	results := make([]IngestedJob, 0, len(req.Files))
	for i, f := range req.Files {
		res, err := s.ingestOne(ctx, sessionID, i, f, req)
		if err != nil {
			return results, fmt.Errorf("file %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) validateIngest(req IngestRequest) (int64, error) {
	u, err := url.Parse(req.WorkflowURL)
	if err != nil || req.WorkflowURL == "" || u.Host == "" {
		return 0, invalidf("workflow_url is missing or invalid")
	}
	if !isHTTPURL(req.WorkflowURL) {
		return 0, invalidf("workflow_url must be http or https")
	}
	if req.WorkflowAPIKey == "" {
		return 0, invalidf("workflow_api_key is required")
	}
	sessionID, err := strconv.ParseInt(req.SessionID, 10, 64)
	if err != nil || sessionID <= 0 {
		return 0, invalidf("invalid session id %q", req.SessionID)
	}
	if len(req.Files) == 0 {
		return 0, invalidf("missing file field: file")
	}
	// The longest derived id is the one given to the last file.
	if req.RequestID != "" {
		if n := len(derivedRequestID(req.RequestID, len(req.Files)-1)); n > models.MaxRequestIDLen {
			return 0, invalidf("request_id too long: derived id is %d bytes, max %d", n, models.MaxRequestIDLen)
		}
	}
	for i, f := range req.Files {
		if _, ok := allowedMIME[f.MIME]; !ok {
			return 0, invalidf("file %d: unsupported type %q", i+1, f.MIME)
		}
		if int64(len(f.Data)) > s.opts.MaxFileBytes {
			return 0, tooLargef("file %d exceeds %d bytes", i+1, s.opts.MaxFileBytes)
		}
	}
	return sessionID, nil
}

// derivedRequestID names the index-th job of a request.
func derivedRequestID(requestID string, index int) string {
	return fmt.Sprintf("%s#%d", requestID, index)
}

func (s *Service) ingestOne(ctx context.Context, sessionID int64, index int, f Upload, req IngestRequest) (IngestedJob, error) {
	sum := sha256.Sum256(f.Data)
	fingerprint := hex.EncodeToString(sum[:])
	key := s.storageName(fingerprint, allowedMIME[f.MIME])

	obj, err := s.blobs.Put(ctx, key, f.Data, f.MIME)
	if err != nil {
		return IngestedJob{}, fmt.Errorf("storing image: %w", err)
	}

	token, err := newCallbackToken()
	if err != nil {
		return IngestedJob{}, err
	}

	job := &models.ParseJob{
		SessionID:     sessionID,
		ImageURL:      obj.Path,
		ImagePath:     obj.Locator,
		Mime:          f.MIME,
		SizeBytes:     int64(len(f.Data)),
		ContentSHA256: fingerprint,
		Status:        models.JobStatusQueued,
		CallbackToken: token,
	}
	if req.RequestID != "" {
		rid := derivedRequestID(req.RequestID, index)
		job.RequestID = &rid
	}
	if err := s.store.CreateParseJob(ctx, job); err != nil {
		return IngestedJob{}, fmt.Errorf("creating job: %w", err)
	}

	// Best effort: a job left queued is still a valid dispatch source.
	if _, err := store.SetProcessing(ctx, s.store, job.ID); err != nil {
		slog.Warn("set processing failed", "job_id", job.ID, "error", err)
	}

	trigger := workflow.TriggerRequest{
		Endpoint:      req.WorkflowURL,
		APIKey:        req.WorkflowAPIKey,
		JobID:         job.ID,
		ImageURL:      s.opts.BaseURL + obj.Path,
		Filename:      key,
		SizeBytes:     job.SizeBytes,
		FileVar:       req.FileVar,
		ResponseMode:  req.ResponseMode,
		User:          req.User,
		Inputs:        req.Inputs,
		CallbackURL:   s.opts.BaseURL + "/api/v1/ai-parses/callback",
		CallbackToken: token,
	}
	jobID := job.ID
	s.dispatcher.Go(func(ctx context.Context) {
		s.dispatch(ctx, jobID, trigger)
	})

	return IngestedJob{
		ID:        job.ID,
		Status:    models.JobStatusQueued,
		CreatedAt: job.CreatedAt,
		URL:       obj.Path,
	}, nil
}

// dispatch triggers the remote workflow and records its outcome. It recovers
// from panics and never leaves a job it failed to handle in an active state.
func (s *Service) dispatch(ctx context.Context, jobID int64, req workflow.TriggerRequest) {
	// The outcome is recorded even if ctx was canceled mid-call.
	writeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in dispatch", "error", r, "job_id", jobID)
			s.apply(writeCtx, jobID, workflow.FailureUpdate(fmt.Errorf("panic: %v", r)))
		}
	}()

	resp, err := s.workflow.Trigger(ctx, req)
	if err != nil {
		slog.Warn("workflow trigger failed", "job_id", jobID, "error", err)
		s.apply(writeCtx, jobID, workflow.FailureUpdate(err))
		return
	}
	s.apply(writeCtx, jobID, workflow.Interpret(resp))
}

// apply writes a dispatch outcome. A rejected guard means another mutator
// got there first; that is logged, not retried.
func (s *Service) apply(ctx context.Context, jobID int64, upd models.JobUpdate) {
	if upd.IsEmpty() {
		return
	}
	ok, err := s.store.UpdateParseJob(ctx, jobID, upd, models.ActiveStatuses()...)
	if err != nil {
		slog.Error("recording dispatch outcome failed", "job_id", jobID, "error", err)
		return
	}
	attrs := []any{"job_id", jobID, "applied", ok}
	if upd.Status != nil {
		attrs = append(attrs, "status", *upd.Status)
	}
	slog.Info("dispatch outcome", attrs...)
}

// Get returns a job by id. Terminal jobs are served from cache when possible.
func (s *Service) Get(ctx context.Context, id int64) (*models.ParseJob, error) {
	if s.cache != nil {
		job, found, err := cache.GetParseJob(ctx, s.cache, id)
		if err != nil {
			slog.Warn("job cache read failed", "job_id", id, "error", err)
		}
		if found {
			return job, nil
		}
	}

	job, err := s.store.GetParseJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && job.IsTerminal() {
		if err := cache.SetParseJob(ctx, s.cache, job, s.opts.JobCacheTTL); err != nil {
			slog.Warn("job cache write failed", "job_id", id, "error", err)
		}
	}
	return job, nil
}

// ListBySession returns one page of a session's jobs, newest first, and the
// normalized filter that was applied.
func (s *Service) ListBySession(ctx context.Context, filter store.ParseJobFilter) ([]*models.ParseJob, int, store.ParseJobFilter, error) {
	filter = filter.Normalize()
	jobs, total, err := s.store.ListParseJobs(ctx, filter)
	if err != nil {
		return nil, 0, filter, err
	}
	return jobs, total, filter, nil
}

// FindByRequestID resolves a derived request id such as "abc#0".
func (s *Service) FindByRequestID(ctx context.Context, requestID string) (*models.ParseJob, error) {
	return s.store.GetParseJobByRequestID(ctx, requestID)
}

// ApplyCallback applies a remote status report through the same guard as
// dispatch. "stopped" is accepted as canceled; "queued" is never a target.
func (s *Service) ApplyCallback(ctx context.Context, req CallbackRequest) error {
	if req.ID <= 0 || req.Status == "" {
		return invalidf("id and status are required")
	}
	status, ok := workflow.MapStatus(req.Status)
	if !ok {
		status, ok = models.ParseJobStatus(req.Status)
	}
	if !ok || models.SourcesFor(status) == nil {
		return invalidf("unsupported status %q", req.Status)
	}
	if req.AITraceID != nil && len(*req.AITraceID) > models.MaxTraceIDLen {
		return invalidf("ai_trace_id exceeds %d bytes", models.MaxTraceIDLen)
	}

	job, err := s.store.GetParseJob(ctx, req.ID)
	if err != nil {
		return err
	}

	if s.opts.CallbackTokenRequired &&
		subtle.ConstantTimeCompare([]byte(req.Token), []byte(job.CallbackToken)) != 1 {
		return ErrInvalidCallbackToken
	}

	upd := models.JobUpdate{
		Status:    &status,
		Data:      req.Data,
		Error:     req.Error,
		AITraceID: req.AITraceID,
	}
	ok, err = s.store.UpdateParseJob(ctx, req.ID, upd, models.SourcesFor(status)...)
	if err != nil {
		return fmt.Errorf("applying callback: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: job %d not in an updatable state", ErrConflict, req.ID)
	}
	slog.Info("callback applied", "job_id", req.ID, "status", status)
	return nil
}

// Cancel moves an active job to canceled. The engine is notified first when
// an http(s) cancel URL is given; its answer does not affect the local outcome.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) error {
	job, err := s.store.GetParseJob(ctx, req.ID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("%w: job %d is %s", ErrJobTerminal, req.ID, job.Status)
	}

	if isHTTPURL(req.CancelURL) {
		err := s.workflow.Cancel(ctx, workflow.CancelRequest{URL: req.CancelURL, APIKey: req.APIKey, JobID: req.ID})
		if err != nil {
			slog.Warn("remote cancel failed", "job_id", req.ID, "error", err)
		}
	}

	ok, err := s.store.UpdateParseJob(ctx, req.ID,
		models.JobUpdate{Status: models.StatusPtr(models.JobStatusCanceled)},
		models.SourcesFor(models.JobStatusCanceled)...)
	if err != nil {
		return fmt.Errorf("canceling job: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: job %d not in an updatable state", ErrConflict, req.ID)
	}
	return nil
}

// storageName derives {ms}-{sha8}{ext}. The millisecond part is strictly
// increasing within the process, so two uploads never share a name.
func (s *Service) storageName(fingerprint, ext string) string {
	ms := s.now().UnixMilli()
	for {
		last := s.lastMS.Load()
		next := max(ms, last+1)
		if s.lastMS.CompareAndSwap(last, next) {
			return fmt.Sprintf("%d-%s%s", next, fingerprint[:8], ext)
		}
	}
}

func newCallbackToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating callback token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}

// IsInputError reports whether err should be shown to the caller as-is.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
