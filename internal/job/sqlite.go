package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Each connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so sibling stores can share one database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			room_key     TEXT NOT NULL,
			source       TEXT NOT NULL,
			callback_url TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			progress     INTEGER NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			result       TEXT,
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_room_key     ON jobs(room_key);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
	`)
	return err
}

const jobColumns = `id, owner_id, room_key, source, callback_url, status, progress, error,
	result, created_at, started_at, completed_at`

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, owner_id, room_key, source, callback_url, status, progress, created_at)
		VALUES
			(?, ?, ?, ?, ?, ?, 0, ?)
	`,
		j.ID,
		j.OwnerID,
		j.RoomKey,
		j.Source,
		j.CallbackURL,
		StatusPending,
		j.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var result sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&j.ID, &j.OwnerID, &j.RoomKey, &j.Source, &j.CallbackURL, &j.Status,
		&j.Progress, &j.Error, &result, &j.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?
	`, StatusProcessing, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, progress int) (bool, error) {
	progress = min(max(progress, 0), 100)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?
		WHERE id = ? AND progress < ? AND status IN (?, ?)
	`, progress, id, progress, StatusPending, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, progress = 100, result = ?, error = '', completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusCompleted, nullableJSON(result), time.Now().UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, result = NULL, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusFailed, errMsg, time.Now().UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

func (s *SQLiteStore) Cancel(ctx context.Context, id string, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusFailed, reason, time.Now().UTC(), id, StatusPending, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n == 0 {
		// Either missing or already terminal; only the former is an error.
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) Reprocess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, progress = 0, error = '', result = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?
	`, StatusPending, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("reprocess job %s: %w", id, err)
	}
	return s.expectOne(ctx, res, id)
}

// expectOne turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (s *SQLiteStore) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for job %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ResetProcessing(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status IN (?, ?)`, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query unfinished jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unfinished jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	// Progress is kept: it only ever moves forward for observers.
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL WHERE status = ?
	`, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("reset processing jobs: %w", err)
	}
	return ids, nil
}

// List returns jobs ordered by created_at DESC with pagination, and the total count.
// An empty roomKey lists every room.
func (s *SQLiteStore) List(ctx context.Context, roomKey string, limit, offset int) ([]*Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE (? = '' OR room_key = ?)`, roomKey, roomKey,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE (? = '' OR room_key = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, roomKey, roomKey, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, StatusCompleted, StatusFailed, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// nullableJSON returns nil if b is empty, otherwise returns the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
