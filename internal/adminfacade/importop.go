package adminfacade

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/mindmeld"
)

// ConflictPolicy selects what Import does when an incoming record's
// id already exists (spec §4.F).
type ConflictPolicy string

const (
	ConflictSkip      ConflictPolicy = "skip"
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictMerge     ConflictPolicy = "merge"
)

// ImportOptions controls one `import` invocation. Only the JSON
// export form is accepted as input, per spec §4.F.
type ImportOptions struct {
	Path            string
	Policy          ConflictPolicy
	RollbackOnError bool
	BatchSize       int
}

// ImportResult is the structured output of an import run.
type ImportResult struct {
	Total           int
	Imported        int
	Skipped         int
	Failed          int
	RolledBack      bool
	SafetyBackup    string
	Duration        time.Duration
}

// Import reads a JSON export, validates each record, and writes it
// into the `maps` table per the chosen conflict policy. On
// RollbackOnError, a failed batch restores the safety backup taken
// before the import started instead of leaving a partially-imported
// database.
func (f *Facade) Import(ctx context.Context, opts ImportOptions, progress ProgressFunc) (*ImportResult, error) {
	start := time.Now()
	if opts.Policy == "" {
		opts.Policy = ConflictSkip
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNotFound, "read import file", err)
	}
	var records []exportRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "parse import file: expected JSON export form", err)
	}

	var safetyPath string
	if opts.RollbackOnError {
		if err := f.ensureDirs(); err != nil {
			return nil, err
		}
		safetyPath = f.stagingFile("import-safety-" + randomSuffix() + ".sqlite")
		if err := copyFile(f.engine.Path(), safetyPath); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "create safety backup before import", err)
		}
		defer os.Remove(safetyPath)
	}

	result := &ImportResult{Total: len(records), SafetyBackup: safetyPath}

	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		err := f.engine.WithTxn(ctx, func(tx *sql.Tx) error {
			for _, rec := range batch {
				imported, err := importOne(ctx, tx, rec, opts.Policy)
				if err != nil {
					return err
				}
				if imported {
					result.Imported++
				} else {
					result.Skipped++
				}
			}
			return nil
		})
		if err != nil {
			result.Failed = len(records) - result.Imported - result.Skipped
			if opts.RollbackOnError && safetyPath != "" {
				if rerr := f.rollbackToSafety(ctx, safetyPath); rerr != nil {
					return nil, apperr.Wrap(apperr.KindStorageUnavailable, "rollback import after batch failure", rerr)
				}
				result.RolledBack = true
				result.Imported = 0
				result.Skipped = 0
			}
			result.Duration = time.Since(start)
			return result, apperr.Wrap(apperr.KindInvalid, "import batch failed", err)
		}
		report(progress, start, end, len(records))
	}

	result.Duration = time.Since(start)
	return result, nil
}

// importOne validates and writes a single record, returning whether a
// row was actually written (false for a skip).
func importOne(ctx context.Context, tx *sql.Tx, rec exportRecord, policy ConflictPolicy) (bool, error) {
	doc, err := mindmeld.Parse([]byte(rec.StateJSON))
	if err != nil {
		return false, apperr.Wrap(apperr.KindInvalid, "import record "+rec.ID+" has malformed state", err)
	}
	if err := mindmeld.Validate(doc); err != nil {
		return false, apperr.Wrap(apperr.KindInvalid, "import record "+rec.ID+" failed validation", err)
	}

	var existingVersion int64
	var existingName, existingState string
	err = tx.QueryRowContext(ctx, "SELECT version, name, state_json FROM maps WHERE id = ?", rec.ID).
		Scan(&existingVersion, &existingName, &existingState)
	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES (?, ?, 1, ?, ?, ?, ?)`,
			rec.ID, rec.Name, now, now, rec.StateJSON, len(rec.StateJSON))
		if err != nil {
			return false, apperr.Wrap(apperr.KindStorageUnavailable, "insert imported record", err)
		}
		return true, nil
	case err != nil:
		return false, apperr.Wrap(apperr.KindStorageUnavailable, "query existing record for import", err)
	}

	switch policy {
	case ConflictSkip:
		return false, nil
	case ConflictOverwrite, ConflictMerge:
		name := rec.Name
		state := rec.StateJSON
		if policy == ConflictMerge {
			// Field-wise last-writer-wins: the incoming record only
			// overrides a field it actually set; version and
			// updated_at are always recomputed locally so this
			// database's own monotonic history is never rewritten by
			// an import (spec §4.F Open Question (a)).
			if name == "" {
				name = existingName
			}
			if state == "" {
				state = existingState
			}
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		newVersion := existingVersion + 1
		_, err := tx.ExecContext(ctx,
			`UPDATE maps SET name = ?, version = ?, updated_at = ?, state_json = ?, size_bytes = ? WHERE id = ?`,
			name, newVersion, now, state, len(state), rec.ID)
		if err != nil {
			return false, apperr.Wrap(apperr.KindStorageUnavailable, "update imported record", err)
		}
		return true, nil
	default:
		return false, apperr.New(apperr.KindInvalid, "unknown conflict policy: "+string(policy))
	}
}

func (f *Facade) rollbackToSafety(ctx context.Context, safetyPath string) error {
	if err := f.engine.Close(); err != nil {
		return err
	}
	if err := copyFile(safetyPath, f.engine.Path()); err != nil {
		return err
	}
	return f.engine.Reopen(ctx)
}
