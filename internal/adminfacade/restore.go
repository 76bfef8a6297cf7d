package adminfacade

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mindmeld/collabd/internal/apperr"
)

// RestoreOptions controls one `restore` invocation (spec §4.F).
type RestoreOptions struct {
	BackupPath     string // explicit path; empty selects the newest backup
	Password       string
	NoSafetyBackup bool
}

// RestoreResult is the structured output of a restore run.
type RestoreResult struct {
	RestoredFrom    string
	SafetyBackup    string
	SafetyBackupKept bool
	Duration        time.Duration
}

// Restore swaps the live database file for the contents of a backup.
// It always takes a safety backup of the current database first
// (unless disabled) and, when the swap or the reopen after it fails,
// puts that safety backup back and reopens the handle, per spec §4.F
// and §5's "exclusive file-level coordination" requirement. Callers
// are expected to have already stopped routing new writes and
// sessions to the engine before calling Restore, since the engine's
// handle is closed and reopened in place around the swap.
func (f *Facade) Restore(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	start := time.Now()
	if err := f.ensureDirs(); err != nil {
		return nil, err
	}

	backupPath := opts.BackupPath
	if backupPath == "" {
		selected, err := f.newestBackupPath()
		if err != nil {
			return nil, err
		}
		backupPath = selected
	}

	raw, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "read backup file", err)
	}
	plain, err := decodeBackup(raw, backupPath, opts.Password)
	if err != nil {
		return nil, err
	}

	staged := f.stagingFile("restore-" + randomSuffix() + ".sqlite")
	defer os.Remove(staged)
	if err := os.WriteFile(staged, plain, 0o600); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "stage restore candidate", err)
	}
	if err := verifyFile(ctx, staged); err != nil {
		return nil, apperr.Wrap(apperr.KindCorruption, "restore candidate failed integrity check", err)
	}

	livePath := f.engine.Path()
	result := &RestoreResult{RestoredFrom: backupPath}

	var safetyPath string
	if !opts.NoSafetyBackup {
		safetyPath = f.stagingFile("safety-" + randomSuffix() + ".sqlite")
		if err := copyFile(livePath, safetyPath); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "create safety backup", err)
		}
		result.SafetyBackup = safetyPath
	}

	if err := f.engine.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "close live handle before swap", err)
	}

	if err := swapFile(staged, livePath); err != nil {
		// Roll back: restore the original file and reopen the handle
		// the caller still holds a reference to.
		if safetyPath != "" {
			_ = swapFile(safetyPath, livePath)
		}
		if reopenErr := f.reopenEngine(ctx); reopenErr != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "reopen engine after failed restore", reopenErr)
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "swap live database file", err)
	}

	if err := f.reopenEngine(ctx); err != nil {
		// Roll back: put the safety copy back and reopen on it.
		if safetyPath != "" {
			if cerr := copyFile(safetyPath, livePath); cerr == nil {
				_ = f.reopenEngine(ctx)
			}
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "reopen engine after restore", err)
	}

	result.SafetyBackupKept = safetyPath != ""
	result.Duration = time.Since(start)
	return result, nil
}

// reopenEngine re-opens the engine's handle against its original
// path. Facade does not own a *Config, so it reuses the now-closed
// engine's recorded path and options.
func (f *Facade) reopenEngine(ctx context.Context) error {
	return f.engine.Reopen(ctx)
}

func (f *Facade) newestBackupPath() (string, error) {
	metas, err := f.Backups()
	if err != nil {
		return "", err
	}
	if len(metas) == 0 {
		return "", apperr.New(apperr.KindNotFound, "no backups found")
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	path := f.pathForMeta(metas[0])
	if path == "" {
		return "", apperr.New(apperr.KindNotFound, "newest backup's data file is missing")
	}
	return path, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(dst, data, 0o600)
}

// swapFile atomically replaces dst's contents with src via rename
// where possible, falling back to copy when they are on different
// filesystems (tmp dir vs. data dir in different mounts).
func swapFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
