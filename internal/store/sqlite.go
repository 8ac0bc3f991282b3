package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jnyjxn/angiogen-render/internal/model"
)

type SQLite struct {
	db *sql.DB
}

// pragmas makes writers wait for the lock instead of failing with SQLITE_BUSY.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Open opens (or creates) the job database at path. Jobs report from many
// goroutines, so the pool is limited to one connection and writes serialize.
func Open(path string) (*SQLite, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+pragmas)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  progress INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  total INTEGER NOT NULL,
  time_seconds REAL,
  request_json TEXT NOT NULL
);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.JobSnapshot, requestJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, status, progress, failed, total, time_seconds, request_json)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(job.Status),
		job.Progress,
		job.Failed,
		job.Total,
		nullableFloat64(job.Time),
		requestJSON,
	)
	return err
}

const selectJob = `SELECT id, created_at, updated_at, status, progress, failed, total, time_seconds FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.JobSnapshot, error) {
	var (
		jid, statusStr          string
		createdMs, updatedMs    int64
		progress, failed, total int
		seconds                 sql.NullFloat64
	)
	if err := row.Scan(&jid, &createdMs, &updatedMs, &statusStr, &progress, &failed, &total, &seconds); err != nil {
		return model.JobSnapshot{}, err
	}
	job := model.JobSnapshot{
		ID:        jid,
		Status:    model.JobStatus(statusStr),
		Progress:  progress,
		Failed:    failed,
		Total:     total,
		CreatedAt: time.UnixMilli(createdMs).UTC(),
		UpdatedAt: time.UnixMilli(updatedMs).UTC(),
	}
	if seconds.Valid {
		v := seconds.Float64
		job.Time = &v
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.JobSnapshot, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobSnapshot{}, model.ErrNotFound
	}
	return job, err
}

// GetRequest returns the request body a job was submitted with.
func (s *SQLite) GetRequest(ctx context.Context, id string) (string, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT request_json FROM jobs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	return body, err
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.JobSnapshot, error) {
	if limit <= 0 {
		limit = 25
	}

	query := selectJob
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ?"
	args = append(args, limit)

	return s.query(ctx, query, args...)
}

// ListRunning returns jobs still marked running, oldest first.
func (s *SQLite) ListRunning(ctx context.Context) ([]model.JobSnapshot, error) {
	return s.query(ctx, selectJob+` WHERE status = ? ORDER BY created_at ASC`, string(model.JobRunning))
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]model.JobSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JobSnapshot
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?,
             status = COALESCE(?, status),
             progress = COALESCE(?, progress),
             failed = COALESCE(?, failed),
             time_seconds = COALESCE(?, time_seconds)
         WHERE id = ?`,
		now,
		nullableStatus(patch.Status),
		nullableInt(patch.Progress),
		nullableInt(patch.Failed),
		nullableFloat64(patch.Time),
		id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CloseInterrupted completes jobs a previous process left running. Their
// unreported tasks count as failed. It returns the jobs it closed.
func (s *SQLite) CloseInterrupted(ctx context.Context) ([]model.JobSnapshot, error) {
	running, err := s.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	status := model.JobCompleted
	for i, job := range running {
		failed := job.Total - job.Progress
		if err := s.UpdateJob(ctx, job.ID, model.JobPatch{Status: &status, Failed: &failed}); err != nil {
			return running[:i], err
		}
		running[i].Status = status
		running[i].Failed = failed
	}
	return running, nil
}

func nullableStatus(v *model.JobStatus) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
