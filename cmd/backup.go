package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-uopool/core/backup"
	"github.com/AvaProtocol/ap-uopool/pkg/logger"
	"github.com/AvaProtocol/ap-uopool/storage"
)

var (
	backupDir   string
	dbPath      string
	retain      int
	restoreFile string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the pool database",
		Long: `Write a full snapshot of the pool database into --dir.

The node must be stopped, badger holds an exclusive lock on its directory.
Snapshots are named uopool-<ulid>.bak and only the newest --retain are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewWithPath(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			file, err := backup.NewService(logger.NewNoOpLogger(), db, backupDir, retain).PerformBackup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Backup completed successfully to %s\n", file)
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore the pool database from a snapshot",
		Long: `Load a snapshot into the database at --db-path.

Use --file to pick a snapshot, otherwise the newest one in --dir is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := storage.NewWithPath(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			svc := backup.NewService(logger.NewNoOpLogger(), db, backupDir, retain)
			file := restoreFile
			if file == "" {
				if file, err = svc.Latest(); err != nil {
					return err
				}
				if file == "" {
					return fmt.Errorf("no snapshot found in %s", backupDir)
				}
			}

			if err := svc.Restore(context.Background(), file); err != nil {
				return err
			}
			fmt.Printf("Restore from %s completed successfully\n", file)
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{backupCmd, restoreCmd} {
		c.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
		c.Flags().StringVar(&backupDir, "dir", "./backup", "Directory holding snapshots")
		c.Flags().IntVar(&retain, "retain", backup.DefaultRetain, "Number of snapshots to keep")
		c.MarkFlagRequired("db-path")
		rootCmd.AddCommand(c)
	}
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Snapshot to restore, defaults to the newest in --dir")
}
