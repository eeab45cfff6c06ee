package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ninjaorg/hyadmin/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local runs without
// Postgres. A single mutex makes every UpdateParseJob a compare-and-swap.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[int64]*models.ParseJob
	users   map[int64]*models.User
	nextJob int64
	nextUsr int64
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[int64]*models.ParseJob),
		users: make(map[int64]*models.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicateKey
		}
	}
	m.nextUsr++
	user.ID = m.nextUsr
	user.CreatedAt = m.now()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateUserLastLogin(_ context.Context, id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.now()
	u.LastLoginAt = &now
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateParseJob(_ context.Context, job *models.ParseJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	m.nextJob++
	now := m.now()
	job.ID = m.nextJob
	job.Version = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) GetParseJob(_ context.Context, id int64) (*models.ParseJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) GetParseJobByRequestID(_ context.Context, requestID string) (*models.ParseJob, error) {
	if requestID == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.ParseJob
	for _, j := range m.jobs {
		if j.RequestID != nil && *j.RequestID == requestID && (found == nil || j.ID < found.ID) {
			found = j
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneJob(found), nil
}

func (m *MemoryStore) ListParseJobs(_ context.Context, filter ParseJobFilter) ([]*models.ParseJob, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.ParseJob
	for _, j := range m.jobs {
		if j.SessionID == filter.SessionID {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})

	total := len(matched)
	limit, offset := filter.bounds()
	out := []*models.ParseJob{}
	for i := offset; i < total && i < offset+limit; i++ {
		out = append(out, cloneJob(matched[i]))
	}
	return out, total, nil
}

func (m *MemoryStore) UpdateParseJob(_ context.Context, id int64, upd models.JobUpdate, from ...models.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !slices.Contains(sourcesOrDefault(from), j.Status) {
		return false, nil
	}
	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.Data != nil {
		j.Data = maps.Clone(upd.Data)
	}
	if upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	if upd.AITraceID != nil {
		t := *upd.AITraceID
		j.AITraceID = &t
	}
	j.Version++
	j.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) TimeoutStaleParseJobs(_ context.Context, staleBefore time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for _, j := range m.jobs {
		if j.IsTerminal() || !j.UpdatedAt.Before(staleBefore) {
			continue
		}
		r := reason
		j.Status = models.JobStatusTimeout
		j.Error = &r
		j.Version++
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// Backdate shifts a job's UpdatedAt into the past. Tests use it to exercise
// the timeout sweep without sleeping.
func (m *MemoryStore) Backdate(id int64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = j.UpdatedAt.Add(-d)
	}
}

func cloneJob(j *models.ParseJob) *models.ParseJob {
	cp := *j
	cp.Data = maps.Clone(j.Data)
	if j.RequestID != nil {
		r := *j.RequestID
		cp.RequestID = &r
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.AITraceID != nil {
		t := *j.AITraceID
		cp.AITraceID = &t
	}
	return &cp
}
