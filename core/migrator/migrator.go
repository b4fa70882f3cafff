package migrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/AvaProtocol/ap-uopool/core/backup"
	"github.com/AvaProtocol/ap-uopool/pkg/logger"
	"github.com/AvaProtocol/ap-uopool/storage"
)

// MigrationFunc rewrites stored data and returns the number of records it touched
type MigrationFunc func(db storage.Storage) (int, error)

type Migration struct {
	// Name is recorded once applied; prefix it with YYYYMMDD-HHMMSS so keys sort by age
	Name     string
	Function MigrationFunc
}

// Migrator applies pending migrations once, after taking a backup
type Migrator struct {
	db         storage.Storage
	migrations []Migration
	backup     *backup.Service
	logger     logging.Logger
	mu         sync.Mutex
}

func NewMigrator(db storage.Storage, backup *backup.Service, migrations []Migration, l logging.Logger) *Migrator {
	return &Migrator{
		db:         db,
		migrations: migrations,
		backup:     backup,
		logger:     logger.EnsureLogger(l),
	}
}

func (m *Migrator) Register(name string, fn MigrationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.migrations = append(m.migrations, Migration{
		Name:     name,
		Function: fn,
	})
}

func migrationKey(name string) []byte {
	return []byte(fmt.Sprintf("migration:%s", name))
}

func (m *Migrator) pending() ([]Migration, error) {
	var out []Migration
	for _, migration := range m.migrations {
		exists, err := m.db.Exist(migrationKey(migration.Name))
		if err != nil {
			return nil, err
		}
		if !exists {
			out = append(out, migration)
		}
	}
	return out, nil
}

// Run executes every registered migration that has not been applied yet
func (m *Migrator) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.pending()
	if err != nil {
		return fmt.Errorf("cannot read migration state: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	if m.backup != nil {
		m.logger.Info("pending migrations found, creating database backup first", "count", len(pending))
		backupFile, err := m.backup.PerformBackup(ctx)
		if err != nil {
			return fmt.Errorf("failed to create backup before migrations: %w", err)
		}
		m.logger.Info("database backup created", "file", backupFile)
	}

	for _, migration := range pending {
		m.logger.Info("running migration", "name", migration.Name)
		recordsUpdated, err := migration.Function(m.db)
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", migration.Name, err)
		}
		m.logger.Info("migration completed", "name", migration.Name, "records", recordsUpdated)

		record := fmt.Sprintf("records=%d,ts=%d", recordsUpdated, time.Now().UnixMilli())
		if err := m.db.Set(migrationKey(migration.Name), []byte(record)); err != nil {
			return fmt.Errorf("failed to mark migration as complete in database: %w", err)
		}
	}

	return nil
}
