// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package cx holds ambient, cross-cutting helpers shared by every actor in
// the trading engine: logging and error kinds. It has
// no knowledge of orders, exchanges, or the overlay.
package cx

import (
	"fmt"
	"os"

	"github.com/decred/slog"
)

// Logger is used by every actor in the engine. All logging goes through a
// Logger obtained from a LoggerMaker so that subsystems can be leveled
// independently.
type Logger = slog.Logger

// LoggerMaker creates per-subsystem Loggers with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// SubLogger creates a Logger named "parent[name]" using parent's configured
// level, or DefaultLevel if parent has none set.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a Logger for the named subsystem.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// StdOutLogger returns a Logger backed by a fresh os.Stdout backend, for use
// outside of a shared LoggerMaker (tests, short-lived tools).
func StdOutLogger(name string, lvl slog.Level) Logger {
	bknd := slog.NewBackend(os.Stdout)
	l := bknd.Logger(name)
	l.SetLevel(lvl)
	return l
}
