package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowatch/flowatch/internal/core/notify"
	"github.com/flowatch/flowatch/internal/data/db"
)

// maxNotifications bounds the persisted notification log.
const maxNotifications = 500

// NotifyStore implements notify.Store using SQLite.
type NotifyStore struct {
	db *db.DB
}

var _ notify.Store = (*NotifyStore)(nil)

// NewNotifyStore creates a new SQLite-backed notification store.
func NewNotifyStore(database *db.DB) *NotifyStore {
	return &NotifyStore{db: database}
}

// Save persists a notification and prunes the log past its cap. Insert and
// prune share one transaction so the log is never observable above the cap.
func (s *NotifyStore) Save(ctx context.Context, n notify.Notification) (int64, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	var id int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (level, message, task_id, sound, created_at) VALUES (?, ?, ?, ?, ?)`,
			string(n.Level), n.Message, n.TaskID, boolToInt(n.Sound), n.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("notification id: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM notifications WHERE id NOT IN
			 (SELECT id FROM notifications ORDER BY created_at DESC, id DESC LIMIT ?)`,
			maxNotifications)
		if err != nil {
			return fmt.Errorf("prune notifications: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save notification: %w", err)
	}
	return id, nil
}

// List returns all notifications, newest first.
func (s *NotifyStore) List(ctx context.Context) ([]notify.Notification, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT id, level, message, task_id, sound, created_at FROM notifications
		 ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notify.Notification
	for rows.Next() {
		var (
			n         notify.Notification
			level     string
			sound     int
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &level, &n.Message, &n.TaskID, &sound, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Level = notify.Level(level)
		n.Sound = sound != 0
		n.CreatedAt = time.Unix(0, createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Clear removes all notifications.
func (s *NotifyStore) Clear(ctx context.Context) error {
	if _, err := s.db.Conn().ExecContext(ctx, `DELETE FROM notifications`); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	return nil
}

// Count returns the number of stored notifications.
func (s *NotifyStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
