package adminfacade

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sort"
	"time"

	"github.com/mindmeld/collabd/internal/apperr"
)

// Migration is one schema change plus its optional rollback and data
// transformation, per spec §4.F's migration record shape.
type Migration struct {
	Version            string
	Name               string
	SQL                string
	RollbackSQL        string
	DataTransformation func(ctx context.Context, tx *sql.Tx) error
	DependsOn          []string
}

func (m Migration) checksum() string {
	sum := sha256.Sum256([]byte(m.Version + m.Name + m.SQL))
	return hex.EncodeToString(sum[:])
}

// builtinMigrations is the repository's own migration history. The
// initial schema (internal/sqlstore/schema.go) is applied unversioned
// by Engine.Open, so migration 0.1.0 here is a no-op marker that
// records that baseline in the migrations table the first time
// Migrate runs against a fresh database — everything after 0.1.0 is a
// real, additive schema change.
var builtinMigrations = []Migration{
	{
		Version: "0.1.0",
		Name:    "baseline schema",
		SQL:     "SELECT 1", // schema already applied by Engine.Open
	},
}

// AppliedMigration is one row of the `migrations` table.
type AppliedMigration struct {
	Version         string
	Name            string
	AppliedAt       time.Time
	ExecutionTimeMs int64
	Checksum        string
}

// MigrateResult is the structured output of a `migrate` invocation.
type MigrateResult struct {
	Applied []AppliedMigration
	DryRun  bool
}

// Migrate applies every pending migration from builtinMigrations, in
// dependency order, each inside its own transaction alongside any
// DataTransformation. DryRun validates and orders migrations without
// writing anything.
func (f *Facade) Migrate(ctx context.Context, dryRun bool) (*MigrateResult, error) {
	ordered, err := orderMigrations(builtinMigrations)
	if err != nil {
		return nil, err
	}

	applied, err := f.History(ctx)
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.Version] = true
	}

	result := &MigrateResult{DryRun: dryRun}
	for _, m := range ordered {
		if appliedSet[m.Version] {
			continue
		}
		if dryRun {
			result.Applied = append(result.Applied, AppliedMigration{Version: m.Version, Name: m.Name, Checksum: m.checksum()})
			continue
		}

		start := time.Now()
		err := f.engine.WithTxn(ctx, func(tx *sql.Tx) error {
			if m.SQL != "" {
				if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
					return apperr.Wrap(apperr.KindStorageUnavailable, "apply migration sql", err)
				}
			}
			if m.DataTransformation != nil {
				if err := m.DataTransformation(ctx, tx); err != nil {
					return apperr.Wrap(apperr.KindStorageUnavailable, "apply migration data transformation", err)
				}
			}
			now := time.Now().UTC().Format(time.RFC3339Nano)
			_, err := tx.ExecContext(ctx,
				`INSERT INTO migrations (version, name, applied_at, execution_time_ms, checksum) VALUES (?, ?, ?, ?, ?)`,
				m.Version, m.Name, now, time.Since(start).Milliseconds(), m.checksum())
			if err != nil {
				return apperr.Wrap(apperr.KindStorageUnavailable, "record applied migration", err)
			}
			return nil
		})
		if err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, AppliedMigration{
			Version: m.Version, Name: m.Name, AppliedAt: time.Now().UTC(),
			ExecutionTimeMs: time.Since(start).Milliseconds(), Checksum: m.checksum(),
		})
		appliedSet[m.Version] = true
	}
	return result, nil
}

// RollbackOptions selects how far back Rollback unwinds.
type RollbackOptions struct {
	ToVersion string // empty means rollback-last
}

// Rollback undoes the most recently applied migration, or every
// migration after ToVersion, provided each affected migration
// supplies a RollbackSQL. A migration with no rollback script fails
// the whole call with KindInvalid and leaves the database unchanged
// (spec §4.F).
func (f *Facade) Rollback(ctx context.Context, opts RollbackOptions) ([]string, error) {
	applied, err := f.History(ctx)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return nil, apperr.New(apperr.KindInvalid, "no migrations to roll back")
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i].AppliedAt.After(applied[j].AppliedAt) })

	byVersion := make(map[string]Migration, len(builtinMigrations))
	for _, m := range builtinMigrations {
		byVersion[m.Version] = m
	}

	var toRollback []AppliedMigration
	if opts.ToVersion == "" {
		toRollback = applied[:1]
	} else {
		for _, a := range applied {
			if a.Version == opts.ToVersion {
				break
			}
			toRollback = append(toRollback, a)
		}
	}

	for _, a := range toRollback {
		m, ok := byVersion[a.Version]
		if !ok || m.RollbackSQL == "" {
			return nil, apperr.New(apperr.KindInvalid, "migration "+a.Version+" has no rollback script")
		}
	}

	var rolledBack []string
	for _, a := range toRollback {
		m := byVersion[a.Version]
		err := f.engine.WithTxn(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.RollbackSQL); err != nil {
				return apperr.Wrap(apperr.KindStorageUnavailable, "apply rollback sql", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM migrations WHERE version = ?", a.Version); err != nil {
				return apperr.Wrap(apperr.KindStorageUnavailable, "remove migration record", err)
			}
			return nil
		})
		if err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, a.Version)
	}
	return rolledBack, nil
}

// StatusResult reports the current migration head.
type StatusResult struct {
	CurrentVersion string
	Pending        []string
}

// Status reports the most recently applied migration version and any
// migrations from builtinMigrations that have not yet been applied.
func (f *Facade) Status(ctx context.Context) (*StatusResult, error) {
	applied, err := f.History(ctx)
	if err != nil {
		return nil, err
	}
	appliedSet := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedSet[a.Version] = true
	}

	ordered, err := orderMigrations(builtinMigrations)
	if err != nil {
		return nil, err
	}

	status := &StatusResult{}
	if len(applied) > 0 {
		sort.Slice(applied, func(i, j int) bool { return applied[i].AppliedAt.After(applied[j].AppliedAt) })
		status.CurrentVersion = applied[0].Version
	}
	for _, m := range ordered {
		if !appliedSet[m.Version] {
			status.Pending = append(status.Pending, m.Version)
		}
	}
	return status, nil
}

// History returns every row of the `migrations` table, oldest first.
func (f *Facade) History(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := f.engine.DB().QueryContext(ctx,
		"SELECT version, name, applied_at, execution_time_ms, checksum FROM migrations ORDER BY applied_at")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "query migration history", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var appliedAt string
		if err := rows.Scan(&a.Version, &a.Name, &appliedAt, &a.ExecutionTimeMs, &a.Checksum); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan migration row", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// orderMigrations topologically sorts by DependsOn; builtinMigrations
// has no dependencies today, but import/export tooling or future
// migrations may add them, so Migrate never assumes slice order is
// dependency order.
func orderMigrations(migrations []Migration) ([]Migration, error) {
	byVersion := make(map[string]Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	var ordered []Migration
	visited := make(map[string]int) // 0 unvisited, 1 visiting, 2 done
	var visit func(v string) error
	visit = func(v string) error {
		switch visited[v] {
		case 2:
			return nil
		case 1:
			return apperr.New(apperr.KindInvalid, "migration dependency cycle at "+v)
		}
		visited[v] = 1
		m, ok := byVersion[v]
		if !ok {
			return apperr.New(apperr.KindInvalid, "migration depends on unknown version "+v)
		}
		for _, dep := range m.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[v] = 2
		ordered = append(ordered, m)
		return nil
	}

	for _, m := range migrations {
		if err := visit(m.Version); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
