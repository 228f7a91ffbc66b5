package sqlite

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
)

// Manager implements the StorageManager interface
type Manager struct {
	db     *SQLiteDB
	job    interfaces.JobStorage
	logger arbor.ILogger
}

// NewManager creates a new SQLite storage manager
func NewManager(logger arbor.ILogger, config *common.StorageConfig) (interfaces.StorageManager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}

	return &Manager{
		db:     db,
		job:    NewJobStorage(db, logger),
		logger: logger,
	}, nil
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// Ping verifies the database connection
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return common.NewError(common.KindStorageUnavailable, "database not initialized")
	}
	return m.db.Ping(ctx)
}

// DB returns the underlying database connection
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.DB()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
