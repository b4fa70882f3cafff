package backup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-uopool/core/testutil"
	"github.com/AvaProtocol/ap-uopool/storage"
)

func TestBackup(t *testing.T) {
	t.Run("StartPeriodicBackup", func(t *testing.T) {
		db := testutil.TestMustDB()
		defer storage.Destroy(db.(*storage.BadgerStorage))

		service := NewService(testutil.GetLogger(), db, t.TempDir(), 0)

		err := service.StartPeriodicBackup(context.Background(), 1*time.Hour)
		if err != nil {
			t.Fatalf("Failed to start periodic backup: %v", err)
		}

		if !service.Running() {
			t.Error("Backup service should be enabled after starting")
		}

		err = service.StartPeriodicBackup(context.Background(), 1*time.Hour)
		if err == nil {
			t.Error("Starting backup service twice should return an error")
		}

		service.StopPeriodicBackup()
		if service.Running() {
			t.Error("Backup service should be disabled after stopping")
		}

		// no-op when not running
		service.StopPeriodicBackup()
	})

	t.Run("RejectsZeroInterval", func(t *testing.T) {
		service := NewService(nil, nil, t.TempDir(), 0)
		assert.Error(t, service.StartPeriodicBackup(context.Background(), 0))
	})

	t.Run("PeriodicLoopWritesSnapshots", func(t *testing.T) {
		db := testutil.TestMustDB()
		defer storage.Destroy(db.(*storage.BadgerStorage))

		service := NewService(testutil.GetLogger(), db, t.TempDir(), 0)
		require.NoError(t, service.StartPeriodicBackup(context.Background(), 20*time.Millisecond))
		defer service.StopPeriodicBackup()

		assert.Eventually(t, func() bool {
			names, _ := service.List()
			return len(names) > 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("PerformBackup", func(t *testing.T) {
		db := testutil.TestMustDB()
		defer storage.Destroy(db.(*storage.BadgerStorage))

		service := NewService(testutil.GetLogger(), db, t.TempDir(), 0)

		backupFile, err := service.PerformBackup(context.Background())
		if err != nil {
			t.Fatalf("Failed to perform backup: %v", err)
		}

		if _, err := os.Stat(backupFile); os.IsNotExist(err) {
			t.Errorf("Backup file %s does not exist", backupFile)
		}

		latest, err := service.Latest()
		require.NoError(t, err)
		assert.Equal(t, backupFile, latest)
	})
}

func TestBackupRetention(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	service := NewService(testutil.GetLogger(), db, t.TempDir(), 2)

	var files []string
	for i := 0; i < 4; i++ {
		f, err := service.PerformBackup(context.Background())
		require.NoError(t, err)
		files = append(files, f)
	}

	names, err := service.List()
	require.NoError(t, err)
	assert.Equal(t, files[2:], names)
}

func TestBackupRestore(t *testing.T) {
	src := testutil.TestMustDB()
	defer storage.Destroy(src.(*storage.BadgerStorage))

	require.NoError(t, src.Set([]byte("uo:test:h:1"), []byte("payload")))

	service := NewService(testutil.GetLogger(), src, t.TempDir(), 0)
	backupFile, err := service.PerformBackup(context.Background())
	require.NoError(t, err)

	dst := testutil.TestMustDB()
	defer storage.Destroy(dst.(*storage.BadgerStorage))

	restorer := NewService(testutil.GetLogger(), dst, t.TempDir(), 0)
	require.NoError(t, restorer.Restore(context.Background(), backupFile))

	value, err := dst.GetKey([]byte("uo:test:h:1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), value)

	assert.Error(t, restorer.Restore(context.Background(), backupFile+".missing"))
}
