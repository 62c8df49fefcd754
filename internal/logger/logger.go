// Copyright 2024 Stackblaze Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide leveled logger. It wraps
// log/slog with the severity vocabulary used throughout the codebase and
// optional rotation when logging to a file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels accepted by Setup, in increasing order.
const (
	SeverityTrace   = "TRACE"
	SeverityDebug   = "DEBUG"
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
	SeverityOff     = "OFF"
)

// slog has no TRACE level; place it below DEBUG.
const (
	levelTrace = slog.Level(-8)
	levelOff   = slog.Level(12)
)

// Config controls the process logger.
type Config struct {
	// One of the Severity constants above.
	Severity string

	// "text" or "json".
	Format string

	// Path of the log file, or empty to log to stderr.
	FilePath string

	// Rotation policy, used only when FilePath is set.
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

var (
	defaultLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, "text", defaultLevel))
)

// Setup replaces the process logger according to cfg. Call once at startup,
// before anything logs.
func Setup(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}

	level, err := parseSeverity(cfg.Severity)
	if err != nil {
		return err
	}

	defaultLevel.Set(level)
	defaultLogger = slog.New(newHandler(w, cfg.Format, defaultLevel))
	return nil
}

func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), levelTrace, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func parseSeverity(s string) (slog.Level, error) {
	switch s {
	case SeverityTrace:
		return levelTrace, nil
	case SeverityDebug, "":
		return slog.LevelDebug, nil
	case SeverityInfo:
		return slog.LevelInfo, nil
	case SeverityWarning:
		return slog.LevelWarn, nil
	case SeverityError:
		return slog.LevelError, nil
	case SeverityOff:
		return levelOff, nil
	default:
		return 0, fmt.Errorf("invalid log severity: %q", s)
	}
}

func newHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceSeverity,
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// Render the level attribute with the severity names used by our tooling,
// including the custom TRACE level.
func replaceSeverity(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}

	level := a.Value.Any().(slog.Level)
	a.Key = "severity"
	switch {
	case level <= levelTrace:
		a.Value = slog.StringValue(SeverityTrace)
	case level <= slog.LevelDebug:
		a.Value = slog.StringValue(SeverityDebug)
	case level <= slog.LevelInfo:
		a.Value = slog.StringValue(SeverityInfo)
	case level <= slog.LevelWarn:
		a.Value = slog.StringValue(SeverityWarning)
	default:
		a.Value = slog.StringValue(SeverityError)
	}

	return a
}
