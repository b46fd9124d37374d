package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir(), DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func notificationCount(t *testing.T, database *DB) int {
	t.Helper()
	var count int
	require.NoError(t, database.Conn().QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM notifications`).Scan(&count))
	return count
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		database := openTestDB(t)

		err := database.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO notifications (level, message, created_at) VALUES ('info', 'hello', 1)`)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, notificationCount(t, database))
	})

	t.Run("rolls back when the function fails", func(t *testing.T) {
		database := openTestDB(t)
		boom := errors.New("boom")

		err := database.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO notifications (level, message, created_at) VALUES ('info', 'hello', 1)`); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, notificationCount(t, database), "insert rolled back")
	})
}
