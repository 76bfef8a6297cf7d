package adminfacade

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mindmeld/collabd/internal/apperr"
)

// Format selects the export/import wire shape (spec §4.F).
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatSQL  Format = "sql"
)

// ExportOptions controls one `export` invocation.
type ExportOptions struct {
	Format       Format
	Dest         string
	Compress     bool
	Since        time.Time
	Until        time.Time
	NameContains string
}

// ExportResult is the structured output of an export run.
type ExportResult struct {
	Path      string
	Format    Format
	Records   int
	SizeBytes int64
	Duration  time.Duration
}

// exportRecord is the row-level shape exported/imported. It mirrors
// the `maps` table directly (spec §4.B's state_json column holds the
// canonical mindmeld.Document JSON already, so export reuses it
// as-is rather than re-decoding and re-encoding it).
type exportRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updatedAt"`
	CreatedAt string `json:"createdAt"`
	StateJSON string `json:"stateJson"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Export writes the `maps` table (optionally filtered by date range
// or name substring) to Dest in the requested format.
func (f *Facade) Export(ctx context.Context, opts ExportOptions, progress ProgressFunc) (*ExportResult, error) {
	start := time.Now()
	records, err := f.queryExportRows(ctx, opts)
	if err != nil {
		return nil, err
	}

	var body []byte
	switch opts.Format {
	case FormatJSON, "":
		body, err = json.MarshalIndent(records, "", "  ")
	case FormatCSV:
		body, err = encodeCSV(records)
	case FormatSQL:
		body = encodeSQL(records)
	default:
		return nil, apperr.New(apperr.KindInvalid, "unknown export format: "+string(opts.Format))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode export", err)
	}

	for i := range records {
		report(progress, start, i+1, len(records))
	}

	if opts.Compress {
		body, err = gzipBytes(body)
		if err != nil {
			return nil, err
		}
	}

	if err := os.WriteFile(opts.Dest, body, 0o644); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "write export file", err)
	}
	info, err := os.Stat(opts.Dest)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "stat export file", err)
	}

	return &ExportResult{
		Path:      opts.Dest,
		Format:    opts.Format,
		Records:   len(records),
		SizeBytes: info.Size(),
		Duration:  time.Since(start),
	}, nil
}

func (f *Facade) queryExportRows(ctx context.Context, opts ExportOptions) ([]exportRecord, error) {
	query := "SELECT id, name, version, updated_at, created_at, state_json, size_bytes FROM maps WHERE 1=1"
	var args []any
	if !opts.Since.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if !opts.Until.IsZero() {
		query += " AND updated_at <= ?"
		args = append(args, opts.Until.UTC().Format(time.RFC3339Nano))
	}
	if opts.NameContains != "" {
		query += " AND name LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(opts.NameContains)+"%")
	}
	query += " ORDER BY updated_at, id"

	rows, err := f.engine.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "query export rows", err)
	}
	defer rows.Close()

	var out []exportRecord
	for rows.Next() {
		var r exportRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Version, &r.UpdatedAt, &r.CreatedAt, &r.StateJSON, &r.SizeBytes); err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan export row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "iterate export rows", err)
	}
	return out, nil
}

func encodeCSV(records []exportRecord) ([]byte, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "name", "version", "updatedAt", "createdAt", "stateJson", "sizeBytes"}); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{r.ID, r.Name, strconv.FormatInt(r.Version, 10), r.UpdatedAt, r.CreatedAt, r.StateJSON, strconv.FormatInt(r.SizeBytes, 10)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func encodeSQL(records []exportRecord) []byte {
	var b strings.Builder
	b.WriteString("-- mindmeld export: schema + data\n")
	b.WriteString(strings.TrimLeft(mapsTableDDL, "\n"))
	b.WriteString("\n")
	for _, r := range records {
		fmt.Fprintf(&b, "INSERT INTO maps (id, name, version, updated_at, created_at, state_json, size_bytes) VALUES (%s, %s, %d, %s, %s, %s, %d);\n",
			sqlQuote(r.ID), sqlQuote(r.Name), r.Version, sqlQuote(r.UpdatedAt), sqlQuote(r.CreatedAt), sqlQuote(r.StateJSON), r.SizeBytes)
	}
	return []byte(b.String())
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

const mapsTableDDL = `
CREATE TABLE IF NOT EXISTS maps (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 1,
	updated_at  TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	state_json  TEXT NOT NULL,
	size_bytes  INTEGER NOT NULL
);
`

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
