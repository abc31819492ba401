package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"iavatar/internal/file"
)

// Ledger abstracts the durable job-state record keyed by token. The poll
// handler trusts the ledger, never filesystem presence. The default
// implementation is SQLite-backed; the interface keeps tests and future
// backends decoupled from the driver.
type Ledger interface {
	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, token string) (*Job, error)
	Recent(ctx context.Context, limit int) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	MarkRunning(ctx context.Context, token string, at time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, token, outputPath string, at time.Time) error
	MarkFailed(ctx context.Context, token, kind, message string, at time.Time) error
	CancelQueued(ctx context.Context, token string, at time.Time) (bool, error)
	MarkCanceled(ctx context.Context, token string, at time.Time) error
	ResetInterrupted(ctx context.Context) (int64, error)
	Delete(ctx context.Context, token string) error
	Close() error
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    token TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    preprocess TEXT NOT NULL DEFAULT 'crop',
    still INTEGER NOT NULL DEFAULT 0,
    use_enhancer INTEGER NOT NULL DEFAULT 0,
    image_path TEXT NOT NULL,
    audio_path TEXT NOT NULL,
    output_path TEXT,
    error_kind TEXT,
    error_message TEXT,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

const jobColumns = `token, status, preprocess, still, use_enhancer, image_path, audio_path,
    output_path, error_kind, error_message, created_at, started_at, finished_at`

// sqliteLedger implements Ledger on a local SQLite database.
type sqliteLedger struct {
	db   *sql.DB
	path string
}

// OpenLedger initializes or connects to the job database at dbPath.
func OpenLedger(dbPath string) (Ledger, error) { //nolint:ireturn
	if dbPath == "" {
		return nil, errors.New("empty ledger path")
	}
	if err := file.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteLedger{db: db, path: dbPath}, nil
}

func (s *sqliteLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *sqliteLedger) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *sqliteLedger) Insert(ctx context.Context, j *Job) error {
	now := ts(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            token, status, preprocess, still, use_enhancer,
            image_path, audio_path, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Token,
		string(j.Status),
		j.Options.Preprocess,
		boolToInt(j.Options.Still),
		boolToInt(j.Options.UseEnhancer),
		j.ImagePath,
		j.AudioPath,
		ts(j.CreatedAt),
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *sqliteLedger) Get(ctx context.Context, token string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE token = ?`, token)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *sqliteLedger) Recent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := make([]*Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *sqliteLedger) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// MarkRunning flips queued to running. The guard makes worker pickup and
// cancellation race-safe: false means the job was no longer queued.
func (s *sqliteLedger) MarkRunning(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE token = ? AND status = ?`,
		string(StatusRunning), ts(at), ts(time.Now()), token, string(StatusQueued),
	)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark running rows: %w", err)
	}
	return affected > 0, nil
}

func (s *sqliteLedger) MarkSucceeded(ctx context.Context, token, outputPath string, at time.Time) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, output_path = ?, finished_at = ?, updated_at = ?
         WHERE token = ? AND status = ?`,
		string(StatusSucceeded), outputPath, ts(at), ts(time.Now()), token, string(StatusRunning),
	); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

func (s *sqliteLedger) MarkFailed(ctx context.Context, token, kind, message string, at time.Time) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?, updated_at = ?
         WHERE token = ? AND status IN (?, ?)`,
		string(StatusFailed), kind, message, ts(at), ts(time.Now()),
		token, string(StatusQueued), string(StatusRunning),
	); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// CancelQueued cancels a job that has not started. False means it was
// already picked up or finished.
func (s *sqliteLedger) CancelQueued(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, finished_at = ?, updated_at = ?
         WHERE token = ? AND status = ?`,
		string(StatusCanceled), KindCanceled, ts(at), ts(time.Now()), token, string(StatusQueued),
	)
	if err != nil {
		return false, fmt.Errorf("cancel queued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel queued rows: %w", err)
	}
	return affected > 0, nil
}

// MarkCanceled records cancellation of a running job.
func (s *sqliteLedger) MarkCanceled(ctx context.Context, token string, at time.Time) error {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, finished_at = ?, updated_at = ?
         WHERE token = ? AND status = ?`,
		string(StatusCanceled), KindCanceled, ts(at), ts(time.Now()), token, string(StatusRunning),
	); err != nil {
		return fmt.Errorf("mark canceled: %w", err)
	}
	return nil
}

// ResetInterrupted fails every queued or running row left behind by a
// previous process, so no token can report "processing" forever after a
// crash.
func (s *sqliteLedger) ResetInterrupted(ctx context.Context) (int64, error) {
	now := ts(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, finished_at = ?, updated_at = ?
         WHERE status IN (?, ?)`,
		string(StatusFailed), KindInterrupted, "interrupted by restart", now, now,
		string(StatusQueued), string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("reset interrupted: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset interrupted rows: %w", err)
	}
	return affected, nil
}

func (s *sqliteLedger) Delete(ctx context.Context, token string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		status     string
		still      int
		enhancer   int
		outputPath sql.NullString
		errorKind  sql.NullString
		errorMsg   sql.NullString
		createdAt  string
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	if err := row.Scan(
		&j.Token, &status, &j.Options.Preprocess, &still, &enhancer,
		&j.ImagePath, &j.AudioPath,
		&outputPath, &errorKind, &errorMsg,
		&createdAt, &startedAt, &finishedAt,
	); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with operation context
	}
	j.Status = Status(status)
	j.Options.Still = still != 0
	j.Options.UseEnhancer = enhancer != 0
	j.OutputPath = outputPath.String
	j.ErrorKind = errorKind.String
	j.ErrorMsg = errorMsg.String
	j.CreatedAt = parseTS(createdAt)
	if startedAt.Valid {
		t := parseTS(startedAt.String)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := parseTS(finishedAt.String)
		j.FinishedAt = &t
	}
	return &j, nil
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
