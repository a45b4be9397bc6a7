package notification

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps notifications next to the jobs table. It shares the caller's *sql.DB.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore runs migrations on db and returns a store bound to it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate notifications: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			type       TEXT NOT NULL,
			title      TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			metadata   TEXT,
			read       INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_notifications_user_read    ON notifications(user_id, read);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, n *Notification) error {
	var metadata any
	if len(n.Metadata) > 0 {
		metadata = string(n.Metadata)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, metadata, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, metadata, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// List returns page (1-based) of the user's notifications, newest first.
func (s *SQLiteStore) List(ctx context.Context, userID string, page, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	var total, unread int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0)
		FROM notifications WHERE user_id = ?
	`, userID).Scan(&total, &unread)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, title, message, metadata, read, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		var n Notification
		var metadata sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &metadata, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if metadata.Valid {
			n.Metadata = []byte(metadata.String)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}

	pages := (total + limit - 1) / limit
	if pages == 0 {
		pages = 1
	}
	return &Page{
		Items:       items,
		UnreadCount: unread,
		Pagination:  Pagination{Page: page, Limit: limit, Total: total, Pages: pages},
	}, nil
}

// MarkRead is idempotent: marking an already-read notification succeeds without changes.
func (s *SQLiteStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = 1 WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return expectRow(res, id)
}

func (s *SQLiteStore) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return expectRow(res, id)
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete all notifications: %w", err)
	}
	return res.RowsAffected()
}

// DeleteBefore enforces the retention window across all users.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return res.RowsAffected()
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for notification %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
