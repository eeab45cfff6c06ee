package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ninjaorg/hyadmin/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)
		 RETURNING id, created_at`,
		user.Username, user.PasswordHash,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, last_login_at, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, last_login_at, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUserLastLogin(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1
		 RETURNING id, username, password_hash, last_login_at, created_at`, id,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.LastLoginAt, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update user last login: %w", err)
	}
	return &u, nil
}

// --- Parse Jobs ---

const parseJobColumns = `id, session_id, request_id, image_url, image_path, mime, size_bytes, content_sha256,
	status, data, error, ai_trace_id, callback_token, version, created_at, updated_at`

func (s *PostgresStore) CreateParseJob(ctx context.Context, job *models.ParseJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	data, err := marshalData(job.Data)
	if err != nil {
		return fmt.Errorf("create parse job: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO ai_parse_jobs (session_id, request_id, image_url, image_path, mime, size_bytes,
		   content_sha256, status, data, error, ai_trace_id, callback_token)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, version, created_at, updated_at`,
		job.SessionID, job.RequestID, job.ImageURL, job.ImagePath, job.Mime, job.SizeBytes,
		job.ContentSHA256, job.Status, data, job.Error, job.AITraceID, job.CallbackToken,
	).Scan(&job.ID, &job.Version, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create parse job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetParseJob(ctx context.Context, id int64) (*models.ParseJob, error) {
	job, err := scanParseJob(s.pool.QueryRow(ctx,
		`SELECT `+parseJobColumns+` FROM ai_parse_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get parse job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetParseJobByRequestID(ctx context.Context, requestID string) (*models.ParseJob, error) {
	if requestID == "" {
		return nil, ErrNotFound
	}
	job, err := scanParseJob(s.pool.QueryRow(ctx,
		`SELECT `+parseJobColumns+` FROM ai_parse_jobs WHERE request_id = $1 ORDER BY id LIMIT 1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get parse job by request id: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListParseJobs(ctx context.Context, filter ParseJobFilter) ([]*models.ParseJob, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ai_parse_jobs WHERE session_id = $1`, filter.SessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count parse jobs: %w", err)
	}

	limit, offset := filter.bounds()
	rows, err := s.pool.Query(ctx,
		`SELECT `+parseJobColumns+` FROM ai_parse_jobs WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		filter.SessionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list parse jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.ParseJob{}
	for rows.Next() {
		job, err := scanParseJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan parse job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// UpdateParseJob applies upd with a single conditional UPDATE. Postgres
// re-checks the status predicate after waiting on a concurrent writer, so two
// racing updates cannot both match the same source status.
func (s *PostgresStore) UpdateParseJob(ctx context.Context, id int64, upd models.JobUpdate, from ...models.JobStatus) (bool, error) {
	query := `UPDATE ai_parse_jobs SET version = version + 1, updated_at = $2`
	args := []any{id, time.Now().UTC()}
	argIdx := 3

	if upd.Status != nil {
		query += fmt.Sprintf(", status = $%d", argIdx)
		args = append(args, string(*upd.Status))
		argIdx++
	}
	if upd.Data != nil {
		data, err := marshalData(upd.Data)
		if err != nil {
			return false, fmt.Errorf("update parse job: %w", err)
		}
		query += fmt.Sprintf(", data = $%d", argIdx)
		args = append(args, data)
		argIdx++
	}
	if upd.Error != nil {
		query += fmt.Sprintf(", error = $%d", argIdx)
		args = append(args, *upd.Error)
		argIdx++
	}
	if upd.AITraceID != nil {
		query += fmt.Sprintf(", ai_trace_id = $%d", argIdx)
		args = append(args, *upd.AITraceID)
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, statusStrings(sourcesOrDefault(from)))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update parse job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TimeoutStaleParseJobs(ctx context.Context, staleBefore time.Time, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ai_parse_jobs
		 SET status = $1, error = $2, version = version + 1, updated_at = NOW()
		 WHERE status = ANY($3) AND updated_at < $4`,
		string(models.JobStatusTimeout), reason, statusStrings(models.ActiveStatuses()), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("timeout stale parse jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanParseJob(row pgx.Row) (*models.ParseJob, error) {
	var (
		j    models.ParseJob
		data []byte
	)
	if err := row.Scan(&j.ID, &j.SessionID, &j.RequestID, &j.ImageURL, &j.ImagePath, &j.Mime,
		&j.SizeBytes, &j.ContentSHA256, &j.Status, &data, &j.Error, &j.AITraceID,
		&j.CallbackToken, &j.Version, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &j.Data); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return &j, nil
}

// marshalData returns nil for a nil map so the column stays NULL.
func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return b, nil
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
