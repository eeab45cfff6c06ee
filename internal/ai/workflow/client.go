// Package workflow talks to the external workflow engine that parses images.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for dispatch failures.
var (
	ErrUnreachable = errors.New("workflow engine unreachable")
	ErrTimeout     = errors.New("workflow engine timeout")
	ErrRejected    = errors.New("workflow engine rejected request")
)

const (
	ModeBlocking  = "blocking"
	ModeStreaming = "streaming"

	DefaultFileVar = "images"
	DefaultUser    = "web-user"

	runPath      = "/workflows/run"
	maxBodyBytes = 1 << 20
	logBodyBytes = 800
)

// Client is the interface for the workflow engine.
type Client interface {
	Trigger(ctx context.Context, req TriggerRequest) (*Response, error)
	Cancel(ctx context.Context, req CancelRequest) error
}

// TriggerRequest describes one job to start remotely.
type TriggerRequest struct {
	Endpoint      string
	APIKey        string
	JobID         int64
	ImageURL      string
	Filename      string
	SizeBytes     int64
	FileVar       string
	ResponseMode  string
	User          string
	Inputs        map[string]any
	CallbackURL   string
	CallbackToken string
}

// CancelRequest asks the engine to stop a job. Only URL is required.
type CancelRequest struct {
	URL    string
	APIKey string
	JobID  int64
}

// Response is what came back from a trigger call that reached the engine.
type Response struct {
	StatusCode   int
	ContentType  string
	ResponseMode string
	Body         []byte
}

// HTTPClient implements Client over plain HTTP with bearer auth.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a workflow client whose calls give up after timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Trigger posts the job to the engine. A non-nil error means the engine was
// never reached or never answered; any HTTP status comes back as a Response.
func (c *HTTPClient) Trigger(ctx context.Context, req TriggerRequest) (*Response, error) {
	req = withDefaults(req)
	endpoint := NormalizeEndpoint(req.Endpoint)

	payload, err := json.Marshal(buildBody(req))
	if err != nil {
		return nil, fmt.Errorf("encoding workflow body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	slog.Info("workflow trigger start",
		"job_id", req.JobID,
		"endpoint_host", httpReq.URL.Host,
		"file_var", req.FileVar,
		"response_mode", req.ResponseMode,
	)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(err)
	}

	slog.Info("workflow trigger done",
		"job_id", req.JobID,
		"status", resp.StatusCode,
		"body", truncate(string(body), logBodyBytes),
	)

	return &Response{
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ResponseMode: req.ResponseMode,
		Body:         body,
	}, nil
}

// Cancel notifies the engine that a job should stop.
func (c *HTTPClient) Cancel(ctx context.Context, req CancelRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid cancel url %q", ErrRejected, req.URL)
	}

	payload, err := json.Marshal(map[string]any{"job_id": req.JobID})
	if err != nil {
		return fmt.Errorf("encoding cancel body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

// NormalizeEndpoint points a workflow URL at its run sub-path. URLs already
// ending in /workflows/run are returned unchanged.
func NormalizeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	p := strings.TrimRight(u.Path, "/")
	if strings.HasSuffix(p, runPath) {
		return raw
	}
	u.Path = p + runPath
	return u.String()
}

func withDefaults(req TriggerRequest) TriggerRequest {
	if req.FileVar == "" {
		req.FileVar = DefaultFileVar
	}
	if req.ResponseMode == "" {
		req.ResponseMode = ModeBlocking
	}
	if req.User == "" {
		req.User = DefaultUser
	}
	if req.Filename == "" {
		req.Filename = "image.jpg"
	}
	return req
}

// buildBody assembles {inputs, response_mode, user}. The image goes into the
// declared file variable, appended to any list the caller already put there,
// and into absoluteImageUrl.
func buildBody(req TriggerRequest) map[string]any {
	inputs := maps.Clone(req.Inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}

	image := map[string]any{
		"type":            "image",
		"transfer_method": "remote_url",
		"url":             req.ImageURL,
		"filename":        req.Filename,
		"size":            req.SizeBytes,
	}
	inputs["absoluteImageUrl"] = []any{image}

	files, _ := inputs[req.FileVar].([]any)
	inputs[req.FileVar] = append(files[:len(files):len(files)], image)

	inputs["job_id"] = req.JobID
	if req.CallbackURL != "" {
		inputs["callback_url"] = req.CallbackURL
	}
	if req.CallbackToken != "" {
		inputs["callback_token"] = req.CallbackToken
	}

	return map[string]any{
		"inputs":        inputs,
		"response_mode": req.ResponseMode,
		"user":          req.User,
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
