// Command mindmeldctl is the operator CLI for the MindMeld server's
// backup, restore, export/import, and migration surfaces (spec §4.F,
// §6). It never touches the running HTTP process; it opens its own
// storage engine against the same SQLite file and drives
// internal/adminfacade directly, the same way cuemby-warren's
// warren-migrate tool operates on a bolt file out-of-process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mindmeld/collabd/internal/adminfacade"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

var (
	sqliteFile string
	backupDir  string
	tmpDir     string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mindmeldctl: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mindmeldctl",
	Short: "Operate a MindMeld server's database: backup, restore, export, import, and migrate",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sqliteFile, "db", envOr("SQLITE_FILE", "./data/mindmeld.sqlite"), "path to the server's SQLite database")
	rootCmd.PersistentFlags().StringVar(&backupDir, "backup-dir", "./backups", "directory holding backup files")
	rootCmd.PersistentFlags().StringVar(&tmpDir, "tmp-dir", "./tmp", "staging directory for in-progress operations")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "emit structured output as JSON instead of a table")

	rootCmd.AddCommand(backupCmd, restoreCmd, listCmd, verifyCmd, cleanupCmd,
		exportCmd, importCmd, migrateCmd, rollbackCmd, statusCmd, historyCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func openFacade(ctx context.Context) (*adminfacade.Facade, *sqlstore.Engine, error) {
	log := obslog.Noop()
	engine, err := sqlstore.Open(ctx, sqliteFile, sqlstore.DefaultOptions(), log)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", sqliteFile, err)
	}
	return adminfacade.New(engine, backupDir, tmpDir, log), engine, nil
}

// stderrProgress reports batch/record progress while a long-running
// operation is in flight, so a CLI user watching a large export or
// import is not left staring at a silent terminal.
func stderrProgress(p adminfacade.Progress) {
	fmt.Fprintf(os.Stderr, "\r%d/%d (%.0f%%) elapsed=%s", p.Completed, p.Total, p.Percent, p.Elapsed.Round(time.Millisecond))
	if p.Completed >= p.Total {
		fmt.Fprintln(os.Stderr)
	}
}

// emit prints result either as a JSON document or as a tab-aligned
// key/value table, matching the spec's "structured output (tabular or
// machine-readable)" requirement for every mindmeldctl command.
func emit(result any) error {
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fields, err := flattenFields(result)
	if err != nil {
		return err
	}
	for _, f := range fields {
		fmt.Fprintf(tw, "%s\t%v\n", f.key, f.value)
	}
	return nil
}

type field struct {
	key   string
	value any
}

// flattenFields round-trips result through JSON to get a stable,
// exported-field-only view without hand-writing a formatter per result
// type.
func flattenFields(result any) ([]field, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	switch v := decoded.(type) {
	case map[string]any:
		fields := make([]field, 0, len(v))
		for k, val := range v {
			fields = append(fields, field{key: k, value: val})
		}
		return fields, nil
	case []any:
		fields := make([]field, 0, len(v))
		for i, val := range v {
			fields = append(fields, field{key: fmt.Sprint(i), value: val})
		}
		return fields, nil
	default:
		return []field{{key: "result", value: v}}, nil
	}
}
