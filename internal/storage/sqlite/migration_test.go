package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/aperio/internal/common"
)

func newTestStorageConfig() *common.StorageConfig {
	return &common.StorageConfig{
		StoragePath: ".",
		WorkingDir:  ".",
		SQLite: common.SQLiteConfig{
			Path:           ":memory:",
			MaxConnections: 1,
			BusyTimeoutMS:  5000,
			CacheSizeMB:    16,
			WALMode:        false,
		},
	}
}

func TestMigrationsApply(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := NewManager(logger, newTestStorageConfig())
	require.NoError(t, err)
	defer manager.Close()

	require.NoError(t, manager.Ping(context.Background()))
	assert.NotNil(t, manager.JobStorage())
}

func TestMigrationsAreIdempotent(t *testing.T) {
	logger := arbor.NewLogger()

	manager, err := NewManager(logger, newTestStorageConfig())
	require.NoError(t, err)

	// Re-running migrations against the same handle must be a no-op
	sqliteManager := manager.(*Manager)
	require.NoError(t, sqliteManager.db.migrate())
	require.NoError(t, sqliteManager.db.migrate())

	var count int
	err = sqliteManager.db.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "each migration recorded exactly once")

	require.NoError(t, manager.Close())
}

func TestJobsTableShape(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := NewManager(logger, newTestStorageConfig())
	require.NoError(t, err)
	defer manager.Close()

	sqliteManager := manager.(*Manager)

	rows, err := sqliteManager.db.DB().Query(`PRAGMA table_info(jobs)`)
	require.NoError(t, err)
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt interface{}
		require.NoError(t, rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk))
		columns[name] = true
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{
		"id", "url", "priority", "status",
		"downloaded_path", "processed_path", "error_message",
		"processing_time_seconds", "created_at", "updated_at",
	} {
		assert.True(t, columns[want], "missing column %s", want)
	}
}

func TestJobsIndexesExist(t *testing.T) {
	logger := arbor.NewLogger()
	manager, err := NewManager(logger, newTestStorageConfig())
	require.NoError(t, err)
	defer manager.Close()

	sqliteManager := manager.(*Manager)

	rows, err := sqliteManager.db.DB().Query(
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'jobs'`)
	require.NoError(t, err)
	defer rows.Close()

	indexes := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes[name] = true
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{
		"idx_jobs_status", "idx_jobs_created", "idx_jobs_url",
		"idx_jobs_status_created", "idx_jobs_updated",
	} {
		assert.True(t, indexes[want], "missing index %s", want)
	}
}
