package models

import (
	"slices"
	"time"
)

// JobStatus is the lifecycle state of a ParseJob.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
	JobStatusTimeout    JobStatus = "timeout"
)

var allStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusSucceeded,
	JobStatusFailed,
	JobStatusCanceled,
	JobStatusTimeout,
}

// ParseJobStatus converts a raw string into a known JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(s)
	return st, slices.Contains(allStatuses, st)
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled, JobStatusTimeout:
		return true
	}
	return false
}

// ActiveStatuses is the source set every terminal transition is guarded by.
// Callers get a fresh slice so they may not alter the shared one.
func ActiveStatuses() []JobStatus {
	return []JobStatus{JobStatusQueued, JobStatusProcessing}
}

// SourcesFor returns the statuses a job must be in for a move to target to be
// legal. A nil result means target can never be reached through an update.
//
//	queued -> processing
//	queued|processing -> succeeded|failed|canceled|timeout
//
// processing -> processing is allowed so trace data can be attached while the
// remote run is in flight.
func SourcesFor(target JobStatus) []JobStatus {
	if target == JobStatusProcessing || target.IsTerminal() {
		return ActiveStatuses()
	}
	return nil
}

// Column widths of ai_parse_jobs.
const (
	MaxRequestIDLen = 128
	MaxTraceIDLen   = 128
)

// ParseJob is one asynchronous image-parsing task tied to a session.
type ParseJob struct {
	ID            int64          `db:"id"             json:"id"`
	SessionID     int64          `db:"session_id"     json:"session_id"`
	RequestID     *string        `db:"request_id"     json:"request_id,omitempty"`
	ImageURL      string         `db:"image_url"      json:"image_url"`
	ImagePath     string         `db:"image_path"     json:"image_path"`
	Mime          string         `db:"mime"           json:"mime"`
	SizeBytes     int64          `db:"size_bytes"     json:"size_bytes"`
	ContentSHA256 string         `db:"content_sha256" json:"content_sha256"`
	Status        JobStatus      `db:"status"         json:"status"`
	Data          map[string]any `db:"data"           json:"data,omitempty"`
	Error         *string        `db:"error"          json:"error,omitempty"`
	AITraceID     *string        `db:"ai_trace_id"    json:"ai_trace_id,omitempty"`
	CallbackToken string         `db:"callback_token" json:"-"`
	Version       int            `db:"version"        json:"version"`
	CreatedAt     time.Time      `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"     json:"updated_at"`
}

// IsTerminal reports whether the job has reached a final state.
func (j *ParseJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// JobUpdate is the set of fields a guarded update may change. Nil fields are
// left untouched.
type JobUpdate struct {
	Status    *JobStatus
	Data      map[string]any
	Error     *string
	AITraceID *string
}

// IsEmpty reports whether the update would change nothing besides the version.
func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Data == nil && u.Error == nil && u.AITraceID == nil
}

// StatusPtr returns a pointer to s, for building updates inline.
func StatusPtr(s JobStatus) *JobStatus {
	return &s
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
