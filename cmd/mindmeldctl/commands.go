package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindmeld/collabd/internal/adminfacade"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create an online backup of the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		compress, _ := cmd.Flags().GetBool("compress")
		password, _ := cmd.Flags().GetString("password")
		keepNewest, _ := cmd.Flags().GetInt("keep-newest")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.Backup(ctx, adminfacade.BackupOptions{
			Compress:   compress,
			Password:   password,
			KeepNewest: keepNewest,
		})
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the database from a backup file",
	RunE: func(cmd *cobra.Command, args []string) error {
		backupPath, _ := cmd.Flags().GetString("backup")
		password, _ := cmd.Flags().GetString("password")
		noSafety, _ := cmd.Flags().GetBool("no-safety-backup")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.Restore(ctx, adminfacade.RestoreOptions{
			BackupPath:     backupPath,
			Password:       password,
			NoSafetyBackup: noSafety,
		})
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		backups, err := facade.Backups()
		if err != nil {
			return err
		}
		return emit(backups)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <backup-path>",
	Short: "Verify a backup file's integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := facade.Verify(ctx, args[0], password); err != nil {
			return err
		}
		return emit(map[string]string{"path": args[0], "status": "valid"})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old backups per a retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		keepNewest, _ := cmd.Flags().GetInt("keep-newest")
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		deleted, err := facade.Cleanup(adminfacade.BackupOptions{KeepNewest: keepNewest, DeleteOlderThan: olderThan})
		if err != nil {
			return err
		}
		return emit(map[string]any{"deleted": deleted, "count": len(deleted)})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export maps to JSON, CSV, or SQL",
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("dest")
		format, _ := cmd.Flags().GetString("format")
		compress, _ := cmd.Flags().GetBool("compress")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		nameContains, _ := cmd.Flags().GetString("name-contains")
		if dest == "" {
			return fmt.Errorf("--dest is required")
		}

		opts := adminfacade.ExportOptions{
			Format:       adminfacade.Format(format),
			Dest:         dest,
			Compress:     compress,
			NameContains: nameContains,
		}
		var err error
		if since != "" {
			if opts.Since, err = time.Parse(time.RFC3339, since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
		}
		if until != "" {
			if opts.Until, err = time.Parse(time.RFC3339, until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
		}

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.Export(ctx, opts, stderrProgress)
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import maps from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, _ := cmd.Flags().GetString("policy")
		rollbackOnError, _ := cmd.Flags().GetBool("rollback-on-error")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.Import(ctx, adminfacade.ImportOptions{
			Path:            args[0],
			Policy:          adminfacade.ConflictPolicy(policy),
			RollbackOnError: rollbackOnError,
			BatchSize:       batchSize,
		}, stderrProgress)
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.Migrate(ctx, dryRun)
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back the last migration, or every migration after --to-version",
	RunE: func(cmd *cobra.Command, args []string) error {
		toVersion, _ := cmd.Flags().GetString("to-version")

		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		rolledBack, err := facade.Rollback(ctx, adminfacade.RollbackOptions{ToVersion: toVersion})
		if err != nil {
			return err
		}
		return emit(map[string]any{"rolled_back": rolledBack})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current migration version and any pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.Status(ctx)
		if err != nil {
			return err
		}
		return emit(res)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List every applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		facade, engine, err := openFacade(ctx)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := facade.History(ctx)
		if err != nil {
			return err
		}
		return emit(res)
	},
}

func init() {
	backupCmd.Flags().Bool("compress", false, "gzip the backup")
	backupCmd.Flags().String("password", "", "encrypt the backup with AES-256-GCM under this password")
	backupCmd.Flags().Int("keep-newest", 0, "after backing up, prune down to this many newest backups (0 disables)")

	restoreCmd.Flags().String("backup", "", "path to the backup file to restore (defaults to the newest backup when omitted)")
	restoreCmd.Flags().String("password", "", "password for an encrypted backup")
	restoreCmd.Flags().Bool("no-safety-backup", false, "skip taking a safety backup of the live database before restoring")

	verifyCmd.Flags().String("password", "", "password for an encrypted backup")

	cleanupCmd.Flags().Int("keep-newest", 5, "keep this many newest backups")
	cleanupCmd.Flags().Duration("older-than", 0, "additionally delete backups older than this duration (0 disables)")

	exportCmd.Flags().String("dest", "", "output file path")
	exportCmd.Flags().String("format", "json", "json, csv, or sql")
	exportCmd.Flags().Bool("compress", false, "gzip the export")
	exportCmd.Flags().String("since", "", "only maps updated at or after this RFC3339 timestamp")
	exportCmd.Flags().String("until", "", "only maps updated at or before this RFC3339 timestamp")
	exportCmd.Flags().String("name-contains", "", "only maps whose name contains this substring")

	importCmd.Flags().String("policy", "skip", "conflict policy for existing ids: skip, overwrite, or merge")
	importCmd.Flags().Bool("rollback-on-error", false, "restore a safety backup if any batch fails")
	importCmd.Flags().Int("batch-size", 50, "records per transaction")

	migrateCmd.Flags().Bool("dry-run", false, "report what would be applied without writing anything")

	rollbackCmd.Flags().String("to-version", "", "roll back every migration after this version (defaults to rolling back only the last one)")
}
