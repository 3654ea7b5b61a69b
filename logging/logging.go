// Package logging builds the zap logger used by the CLI, with optional file rotation.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"pagedldap/errors"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	File       string // empty logs to stderr
	MaxSizeMB  int    // size before rotation
	MaxBackups int    // rotated files kept
	MaxAgeDays int    // days rotated files are kept
	Compress   bool   // gzip rotated files
}

// DefaultConfig logs info and above to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28, Compress: true}
}

var levels = map[string]zapcore.Level{
	"debug":   zap.DebugLevel,
	"info":    zap.InfoLevel,
	"warn":    zap.WarnLevel,
	"warning": zap.WarnLevel,
	"error":   zap.ErrorLevel,
}

// ParseLevel maps a level name to a zap level. An empty name is info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zap.InfoLevel, nil
	}
	l, ok := levels[s]
	if !ok {
		return zap.InfoLevel, errors.New(errors.InvalidArgument, "unknown log level %q", s)
	}
	return l, nil
}

/*
New returns a JSON logger writing to stderr, or to cfg.File through a lumberjack rotator when set.
The returned cleanup flushes the logger and closes the file; call it on shutdown.
*/
func New(cfg Config) (*zap.Logger, func() error, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var ws zapcore.WriteSyncer
	closeFile := func() error { return nil }
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, errors.Wrap(err, errors.InvalidArgument, "log directory for %s", cfg.File)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		ws = zapcore.AddSync(lj)
		closeFile = lj.Close
	} else {
		ws = zapcore.Lock(os.Stderr)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zap.NewAtomicLevelAt(lvl))
	log := zap.New(core, zap.WithCaller(true))

	cleanup := func() error {
		// Sync on stderr fails on some terminals, only the close error matters.
		_ = log.Sync()
		return closeFile()
	}
	return log, cleanup, nil
}
