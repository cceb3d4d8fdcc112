// SPDX-License-Identifier: Apache-2.0

// Package log wires the process-wide logrus logger used across
// vaccel-go: one root entry, a per-subsystem WithField hierarchy hung
// off it, and level/destination driven by the VACCEL_LOG_* environment
// variables.
package log

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Level mirrors vaccel_log_level_t: higher is more verbose.
type Level int

const (
	LevelError Level = iota + 1
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) toLogrus() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.WarnLevel
	}
}

// base is the root logger every subsystem's *logrus.Entry descends from.
var base = logrus.New()
var root = logrus.NewEntry(base)

// Root returns the root *logrus.Entry, as a base for subsystem loggers
// that haven't been rewired with SetLogger.
func Root() *logrus.Entry { return root }

// SetLogger replaces the root logger with logger at level.
func SetLogger(logger *logrus.Entry, level Level) {
	root = logger.WithFields(logrus.Fields{"source": "vaccel"})
	root.Logger.SetLevel(level.toLogrus())
}

// Init configures the root logger's level and output destination,
// mirroring vaccel_log_init/set_debug_level/set_log_file. dest may be
// "/dev/stdout", "/dev/stderr", empty (defaults to stdout) or a file
// path, matching CONFIG_LOG_FILE_ENV's semantics.
func Init(level Level, dest string) error {
	base.SetLevel(level.toLogrus())
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch dest {
	case "", "/dev/stdout":
		base.SetOutput(os.Stdout)
	case "/dev/stderr":
		base.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to open log file %q", dest)
		}
		base.SetOutput(f)
	}

	return nil
}

// envLevel and envFile name the env vars config reads level/destination
// from; config.go owns parsing them into a Config, but log tests and
// standalone callers may want the names without importing pkg/config.
const (
	envLevel    = "VACCEL_LOG_LEVEL"
	envLevelOld = "VACCEL_DEBUG_LEVEL"
	envFile     = "VACCEL_LOG_FILE"
)

// LevelFromEnv mirrors config_ulong_from_env's deprecated-alias handling
// for the log level: VACCEL_LOG_LEVEL wins over the legacy
// VACCEL_DEBUG_LEVEL, defaulting to LevelWarn.
func LevelFromEnv() Level {
	raw := os.Getenv(envLevel)
	if raw == "" {
		raw = os.Getenv(envLevelOld)
	}
	if raw == "" {
		return LevelWarn
	}

	if n, err := strconv.Atoi(raw); err == nil {
		return Level(n)
	}

	switch strings.ToLower(raw) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelWarn
	}
}

// FileFromEnv returns VACCEL_LOG_FILE, or "" (stdout) if unset.
func FileFromEnv() string {
	return os.Getenv(envFile)
}
