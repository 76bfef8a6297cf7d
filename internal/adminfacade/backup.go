package adminfacade

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

// BackupOptions controls one `backup` invocation (spec §4.F).
type BackupOptions struct {
	Compress        bool
	Password        string // non-empty enables AES-256-GCM encryption
	KeepNewest      int    // 0 disables keep-N-newest retention
	DeleteOlderThan time.Duration
}

// BackupResult is the structured output of a backup run.
type BackupResult struct {
	Path       string
	MetaPath   string
	SizeBytes  int64
	Checksum   string
	Duration   time.Duration
	RecordCount int
	Deleted    []string // backups removed by retention policy
}

// backupMeta is the `.meta.json` sidecar spec §6 names.
type backupMeta struct {
	FormatVersion int       `json:"formatVersion"`
	SourcePath    string    `json:"sourcePath"`
	RecordCount   int       `json:"recordCount"`
	Compressed    bool      `json:"compressed"`
	Encrypted     bool      `json:"encrypted"`
	Checksum      string    `json:"checksum"`
	SizeBytes     int64     `json:"sizeBytes"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Backup creates a timestamped, optionally compressed/encrypted copy
// of the live database using the engine's online backup, verifies its
// integrity, writes a metadata sidecar, and applies retention.
func (f *Facade) Backup(ctx context.Context, opts BackupOptions) (*BackupResult, error) {
	start := time.Now()
	if err := f.ensureDirs(); err != nil {
		return nil, err
	}

	staged := f.stagingFile(backupFilename(false, false) + ".staging")
	defer os.Remove(staged)

	if err := f.engine.OnlineBackup(ctx, staged); err != nil {
		return nil, err
	}

	if err := verifyFile(ctx, staged); err != nil {
		os.Remove(staged)
		return nil, apperr.Wrap(apperr.KindCorruption, "backup failed integrity check", err)
	}

	recordCount, err := countMaps(ctx, staged)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(staged)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "read staged backup", err)
	}

	if opts.Compress {
		data, err = gzipBytes(data)
		if err != nil {
			return nil, err
		}
	}
	if opts.Password != "" {
		data, err = encryptBackup(data, opts.Password)
		if err != nil {
			return nil, err
		}
	}

	finalName := backupFilename(opts.Compress, opts.Password != "")
	finalPath := filepath.Join(f.backupDir, finalName)
	if err := os.WriteFile(finalPath, data, 0o600); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "write backup file", err)
	}

	checksum, size, err := checksumFile(finalPath)
	if err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	meta := backupMeta{
		FormatVersion: 1,
		SourcePath:    f.engine.Path(),
		RecordCount:   recordCount,
		Compressed:    opts.Compress,
		Encrypted:     opts.Password != "",
		Checksum:      checksum,
		SizeBytes:     size,
		CreatedAt:     start.UTC(),
	}
	metaPath := finalPath + ".meta.json"
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		os.Remove(finalPath)
		return nil, apperr.Wrap(apperr.KindInternal, "marshal backup metadata", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o600); err != nil {
		os.Remove(finalPath)
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "write backup metadata", err)
	}

	deleted, err := f.applyRetention(opts)
	if err != nil {
		return nil, err
	}

	return &BackupResult{
		Path:        finalPath,
		MetaPath:    metaPath,
		SizeBytes:   size,
		Checksum:    checksum,
		Duration:    time.Since(start),
		RecordCount: recordCount,
		Deleted:     deleted,
	}, nil
}

// verifyFile opens path as a fresh SQLite handle and runs
// PRAGMA integrity_check via Engine.IntegrityCheck, the same check the
// /ready endpoint runs on the live database (spec §4.F "Integrity is
// verified post-copy").
func verifyFile(ctx context.Context, path string) error {
	e, err := sqlstore.Open(ctx, path, sqlstore.DefaultOptions(), obslog.Noop())
	if err != nil {
		return err
	}
	defer e.Close()
	_, err = e.IntegrityCheck(ctx)
	return err
}

func countMaps(ctx context.Context, path string) (int, error) {
	e, err := sqlstore.Open(ctx, path, sqlstore.DefaultOptions(), obslog.Noop())
	if err != nil {
		return 0, err
	}
	defer e.Close()
	var n int
	if err := e.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM maps").Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.KindStorageUnavailable, "count maps", err)
	}
	return n, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "gzip write", err)
	}
	if err := zw.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "gzip close", err)
	}
	return buf.Bytes(), nil
}

// Backups lists the backups present in the backup directory, newest
// first, reading each `.meta.json` sidecar.
func (f *Facade) Backups() ([]backupMeta, error) {
	entries, err := os.ReadDir(f.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "read backup directory", err)
	}
	var metas []backupMeta
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.backupDir, e.Name()))
		if err != nil {
			continue
		}
		var m backupMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Verify decrypts/decompresses the backup at path (if needed) and
// runs an integrity check against it, without touching the live
// database.
func (f *Facade) Verify(ctx context.Context, path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, "read backup file", err)
	}
	data, err = decodeBackup(data, path, password)
	if err != nil {
		return err
	}
	staged := f.stagingFile("verify-" + randomSuffix() + ".sqlite")
	defer os.Remove(staged)
	if err := os.WriteFile(staged, data, 0o600); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "stage backup for verification", err)
	}
	return verifyFile(ctx, staged)
}

// decodeBackup reverses the compression/encryption backup applied,
// inferring which steps were used from the filename suffixes.
func decodeBackup(data []byte, path, password string) ([]byte, error) {
	name := path
	if strings.HasSuffix(name, ".enc") {
		if password == "" {
			return nil, apperr.New(apperr.KindInvalid, "backup is encrypted; password required")
		}
		plain, err := decryptBackup(data, password)
		if err != nil {
			return nil, err
		}
		data = plain
		name = strings.TrimSuffix(name, ".enc")
	}
	if strings.HasSuffix(name, ".gz") {
		plain, err := gunzipBytes(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	return data, nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruption, "open gzip reader", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorruption, "gzip decompress", err)
	}
	return out, nil
}

// Cleanup applies retention policy to the backup directory without
// performing a new backup first.
func (f *Facade) Cleanup(opts BackupOptions) ([]string, error) {
	return f.applyRetention(opts)
}

func (f *Facade) applyRetention(opts BackupOptions) ([]string, error) {
	if opts.KeepNewest <= 0 && opts.DeleteOlderThan <= 0 {
		return nil, nil
	}
	metas, err := f.Backups()
	if err != nil {
		return nil, err
	}
	var toDelete []backupMeta
	if opts.KeepNewest > 0 && len(metas) > opts.KeepNewest {
		toDelete = append(toDelete, metas[opts.KeepNewest:]...)
		metas = metas[:opts.KeepNewest]
	}
	if opts.DeleteOlderThan > 0 {
		cutoff := time.Now().Add(-opts.DeleteOlderThan)
		var kept []backupMeta
		for _, m := range metas {
			if m.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, m)
			} else {
				kept = append(kept, m)
			}
		}
		metas = kept
	}

	var deleted []string
	for _, m := range toDelete {
		path := f.pathForMeta(m)
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if f.log != nil {
				f.log.Warn("retention: failed to remove backup", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		os.Remove(path + ".meta.json")
		deleted = append(deleted, path)
	}
	return deleted, nil
}

// pathForMeta recovers a backup's data-file path from its sidecar by
// re-listing the directory, since backupMeta itself only stores the
// original live-db source path, not the backup's own filename.
func (f *Facade) pathForMeta(m backupMeta) string {
	entries, err := os.ReadDir(f.backupDir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		metaPath := filepath.Join(f.backupDir, e.Name()+".meta.json")
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var candidate backupMeta
		if err := json.Unmarshal(raw, &candidate); err != nil {
			continue
		}
		if candidate.Checksum == m.Checksum && candidate.CreatedAt.Equal(m.CreatedAt) {
			return filepath.Join(f.backupDir, e.Name())
		}
	}
	return ""
}
