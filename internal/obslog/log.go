// Package obslog builds the process-wide structured logger.
//
// Unlike nodestorage's nstlog (a package-level *zap.Logger behind a
// mutex), callers here get a *zap.Logger back from New and thread it
// through constructors. The spec's design notes call out that the
// storage handle and document registry must be injectable rather than
// read off a global, and the logger follows the same rule.
package obslog

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a JSON-encoded zap logger at the given level.
// Accepted levels: debug, info, warn, error, dpanic, panic, fatal.
// An empty level means info; any other unknown level returns an error.
func New(level string) (*zap.Logger, error) {
	var zl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zl = zapcore.DebugLevel
	case "", "info":
		zl = zapcore.InfoLevel
	case "warn":
		zl = zapcore.WarnLevel
	case "error":
		zl = zapcore.ErrorLevel
	case "dpanic":
		zl = zapcore.DPanicLevel
	case "panic":
		zl = zapcore.PanicLevel
	case "fatal":
		zl = zapcore.FatalLevel
	default:
		return nil, fmt.Errorf("obslog: unknown log level %q", level)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		zl,
	)

	return zap.New(core, zap.AddCaller()), nil
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *zap.Logger {
	return zap.NewNop()
}
