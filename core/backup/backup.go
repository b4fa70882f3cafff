package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-uopool/pkg/logger"
	"github.com/AvaProtocol/ap-uopool/storage"
)

const (
	filePrefix = "uopool-"
	fileSuffix = ".bak"

	// DefaultRetain is how many snapshots survive pruning when none is configured
	DefaultRetain = 7
)

// Service takes periodic full snapshots of the pool database. Snapshot names embed a ULID
// so lexical order is creation order.
type Service struct {
	logger    logging.Logger
	db        storage.Storage
	backupDir string
	retain    int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewService(l logging.Logger, db storage.Storage, backupDir string, retain int) *Service {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Service{
		logger:    logger.EnsureLogger(l),
		db:        db,
		backupDir: backupDir,
		retain:    retain,
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartPeriodicBackup snapshots the database every interval until ctx is done or
// StopPeriodicBackup is called
func (s *Service) StartPeriodicBackup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("backup service already running")
	}

	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.backupLoop(ctx, interval, s.done)

	s.logger.Info("started periodic backup", "interval", interval, "dir", s.backupDir)
	return nil
}

func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("stopped periodic backup")
}

func (s *Service) backupLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			backupFile, err := s.PerformBackup(ctx)
			if err != nil {
				s.logger.Error("periodic backup failed", "error", err)
				continue
			}
			s.logger.Info("periodic backup completed", "file", backupFile)
		case <-ctx.Done():
			return
		}
	}
}

// PerformBackup writes a full snapshot and prunes old ones beyond the retention count
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	backupFile := filepath.Join(s.backupDir, filePrefix+ulid.Make().String()+fileSuffix)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}

	s.logger.Debug("running backup", "file", backupFile)
	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		f.Close()
		os.Remove(backupFile)
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to flush backup file: %w", err)
	}

	if err := s.prune(); err != nil {
		s.logger.Warn("cannot prune old backups", "error", err)
	}
	return backupFile, nil
}

// List returns snapshot paths, oldest first
func (s *Service) List() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		name := e.Name()
		return filepath.Join(s.backupDir, name), !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
	})
	sort.Strings(names)
	return names, nil
}

// Latest returns the newest snapshot, or an empty string when there is none
func (s *Service) Latest() (string, error) {
	names, err := s.List()
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

func (s *Service) prune() error {
	names, err := s.List()
	if err != nil {
		return err
	}
	if len(names) <= s.retain {
		return nil
	}

	for _, name := range names[:len(names)-s.retain] {
		if err := os.Remove(name); err != nil {
			return err
		}
		s.logger.Debug("pruned backup", "file", name)
	}
	return nil
}

// Restore loads a snapshot into the database. The pool must be reloaded afterwards.
func (s *Service) Restore(ctx context.Context, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("cannot open backup file: %w", err)
	}
	defer f.Close()

	if err := s.db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore from %s failed: %w", backupFile, err)
	}
	s.logger.Info("restored backup", "file", backupFile)
	return nil
}
