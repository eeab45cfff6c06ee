package store

import (
	"context"
	"errors"
	"time"

	"github.com/ninjaorg/hyadmin/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
//
// UpdateParseJob is the only write path for a parse job after creation: it
// applies upd and bumps the version in one atomic step, and only when the
// job's current status is one of from. It reports whether a row changed.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	UpdateUserLastLogin(ctx context.Context, id int64) (*models.User, error)

	CreateParseJob(ctx context.Context, job *models.ParseJob) error
	GetParseJob(ctx context.Context, id int64) (*models.ParseJob, error)
	GetParseJobByRequestID(ctx context.Context, requestID string) (*models.ParseJob, error)
	ListParseJobs(ctx context.Context, filter ParseJobFilter) ([]*models.ParseJob, int, error)
	UpdateParseJob(ctx context.Context, id int64, upd models.JobUpdate, from ...models.JobStatus) (bool, error)
	TimeoutStaleParseJobs(ctx context.Context, staleBefore time.Time, reason string) (int64, error)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type ParseJobFilter struct {
	SessionID int64
	Page      int
	Limit     int
}

// Normalize clamps Page to >= 1 and Limit to [1, MaxPageSize]. A zero Limit
// means DefaultPageSize.
func (f ParseJobFilter) Normalize() ParseJobFilter {
	switch {
	case f.Limit == 0:
		f.Limit = DefaultPageSize
	case f.Limit < 1:
		f.Limit = 1
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	if f.Page < 1 {
		f.Page = 1
	}
	return f
}

func (f ParseJobFilter) bounds() (limit, offset int) {
	n := f.Normalize()
	return n.Limit, (n.Page - 1) * n.Limit
}

// SetProcessing moves a queued job to processing.
func SetProcessing(ctx context.Context, s Store, id int64) (bool, error) {
	return s.UpdateParseJob(ctx, id,
		models.JobUpdate{Status: models.StatusPtr(models.JobStatusProcessing)},
		models.JobStatusQueued)
}

func sourcesOrDefault(from []models.JobStatus) []models.JobStatus {
	if len(from) == 0 {
		return models.ActiveStatuses()
	}
	return from
}
