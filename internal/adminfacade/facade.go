// Package adminfacade is the Admin Facade (spec §4.F): offline
// backup/restore/export/import/migration operations over the same
// Storage Engine the server uses, each a single-shot call with
// structured output. None of these run on the request path: the CLI
// in cmd/mindmeldctl drives them all, and cmd/mindmeldserver calls
// only Migrate, once at startup.
package adminfacade

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/apperr"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

// Facade bundles the Storage Engine with the directories admin
// operations read and write (spec §6 "Persisted state layout").
type Facade struct {
	engine    *sqlstore.Engine
	backupDir string
	tmpDir    string
	log       *zap.Logger
}

func New(engine *sqlstore.Engine, backupDir, tmpDir string, log *zap.Logger) *Facade {
	return &Facade{engine: engine, backupDir: backupDir, tmpDir: tmpDir, log: log}
}

// Progress is streamed by long-running operations per spec §4.F
// "Both operations stream progress callbacks".
type Progress struct {
	Completed      int
	Total          int
	Percent        float64
	Elapsed        time.Duration
	EstimatedTotal time.Duration
}

// ProgressFunc receives Progress updates. A nil func is valid and
// simply means the caller does not want progress reporting.
type ProgressFunc func(Progress)

func report(fn ProgressFunc, start time.Time, completed, total int) {
	if fn == nil {
		return
	}
	elapsed := time.Since(start)
	p := Progress{Completed: completed, Total: total, Elapsed: elapsed}
	if total > 0 {
		p.Percent = float64(completed) / float64(total) * 100
		if completed > 0 {
			p.EstimatedTotal = time.Duration(float64(elapsed) / float64(completed) * float64(total))
		}
	}
	fn(p)
}

// backupFilename follows spec §6's naming convention:
// mindmeld-backup-<ISO-compact>-<random>.sqlite[.gz|.enc]
func backupFilename(compress, encrypt bool) string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	suffix := randomSuffix()
	name := fmt.Sprintf("mindmeld-backup-%s-%s.sqlite", stamp, suffix)
	if compress {
		name += ".gz"
	}
	if encrypt {
		name += ".enc"
	}
	return name
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "000000"
	}
	return hex.EncodeToString(buf)
}

func checksumFile(path string) (string, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorageUnavailable, "read file for checksum", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (f *Facade) ensureDirs() error {
	if err := os.MkdirAll(f.backupDir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "create backup directory", err)
	}
	if err := os.MkdirAll(f.tmpDir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "create tmp directory", err)
	}
	return nil
}

// stagingFile returns a path under tmpDir that Cleanup-on-error
// callers can safely remove without touching real output.
func (f *Facade) stagingFile(name string) string {
	return filepath.Join(f.tmpDir, name)
}
