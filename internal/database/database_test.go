package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndMigrate(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sampler.db")

	db, err := Open(ctx, Config{Path: path, WALMode: true, BusyTimeout: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx), "migrate is idempotent")
	require.NoError(t, db.HealthCheck(ctx))
	assert.Equal(t, path, db.Path())

	for _, table := range []string{"config_entries", "restore_state"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestPeriodConstraint(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	_, err = db.ExecContext(ctx, `INSERT INTO config_entries (id, title, entity_id, period, created_at, updated_at)
		VALUES ('a', 'A', 'sensor.a', 0, 'now', 'now')`)
	assert.Error(t, err)
}
