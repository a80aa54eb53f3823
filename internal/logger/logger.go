// Copyright 2023 Google Inc. All Rights Reserved.
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

// Package logger provides a process-wide structured logger, text or JSON,
// writing to stderr, a rotated file, or syslog. It adds TRACE and OFF levels
// around the four log/slog levels so severity can be tuned the way virtiofsd's
// reference implementation's -d/-o debug flags do.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Severity levels, ordered finer-to-coarser. TRACE and OFF sit outside
// slog's four built-in levels (Debug=-4 .. Error=8), spaced the same 4
// apart so a LevelVar threshold comparison works the same way.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelDebug slog.Level = slog.LevelDebug
	LevelInfo  slog.Level = slog.LevelInfo
	LevelWarn  slog.Level = slog.LevelWarn
	LevelError slog.Level = slog.LevelError
	LevelOff   slog.Level = slog.LevelError + 4
)

// Severity name constants, as accepted by SetSeverity and a Config's
// Severity field.
const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

// RotateConfig controls file rotation when logging to a file, mirroring
// lumberjack.Logger's own knobs so InitLogFile can pass it straight through.
type RotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultRotateConfig matches virtiofsd's reference logrotate defaults: a
// generous 512MB per file, keep a handful of backups, compress the rest.
func DefaultRotateConfig() RotateConfig {
	return RotateConfig{MaxFileSizeMB: 512, BackupFileCount: 9, Compress: true}
}

// FileConfig configures InitLogFile: where to write, at what severity and
// format, and how to rotate.
type FileConfig struct {
	Path     string
	Severity string
	Format   string // "text" or "json"; "" defaults to json
	Rotate   RotateConfig
}

type loggerFactory struct {
	file      *os.File
	sysWriter io.Writer // set when logging to syslog instead of a file
	out       io.Writer // the writer handlers are actually built against (an *AsyncLogger wrapping file/rotation, sysWriter, or stderr)
	format    string
	level     string
	rotate    RotateConfig
}

func (f *loggerFactory) writer() io.Writer {
	if f.out != nil {
		return f.out
	}
	if f.sysWriter != nil {
		return f.sysWriter
	}
	return os.Stderr
}

var (
	defaultLoggerFactory = &loggerFactory{level: Info, rotate: DefaultRotateConfig()}
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, levelVarFor(Info), ""))
)

func levelVarFor(severity string) *slog.LevelVar {
	v := new(slog.LevelVar)
	setLoggingLevel(severity, v)
	return v
}

func setLoggingLevel(severity string, v *slog.LevelVar) {
	switch strings.ToUpper(severity) {
	case Trace:
		v.Set(LevelTrace)
	case Debug:
		v.Set(LevelDebug)
	case Warning:
		v.Set(LevelWarn)
	case Error:
		v.Set(LevelError)
	case Off:
		v.Set(LevelOff)
	default:
		v.Set(LevelInfo)
	}
}

// createJsonOrTextHandler builds the handler backing every logger this
// package creates. Text records render as
// `time="..." severity=LEVEL message="..."`; JSON records render as
// `{"timestamp":"...","severity":"LEVEL","message":"..."}` — both renaming
// slog's default time/level/msg keys to match the vocabulary the rest of
// this stack's telemetry uses for the same concepts.
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	ef := f.format
	if ef == "" {
		ef = "json"
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				a.Key = "severity"
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(lvl))
				}
			case slog.MessageKey:
				a.Key = "message"
				if prefix != "" {
					a.Value = slog.StringValue(prefix + a.Value.String())
				}
			case slog.TimeKey:
				if ef == "json" {
					a.Key = "timestamp"
				} else {
					a.Value = slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000"))
				}
			}
			return a
		},
	}
	if ef == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func levelName(l slog.Level) string {
	switch l {
	case LevelTrace:
		return Trace
	case LevelDebug:
		return Debug
	case LevelInfo:
		return Info
	case LevelWarn:
		return Warning
	case LevelError:
		return Error
	default:
		return l.String()
	}
}

// InitLogFile redirects the default logger to a rotated file. Call once at
// startup, before the vhost-user socket is accepted.
func InitLogFile(cfg FileConfig) error {
	if cfg.Path == "" {
		return fmt.Errorf("logger: empty file path")
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open %s: %w", cfg.Path, err)
	}
	lj := newRotatingWriter(cfg.Path, cfg.Rotate)

	defaultLoggerFactory = &loggerFactory{
		file:   f,
		out:    lj,
		format: cfg.Format,
		level:  cfg.Severity,
		rotate: cfg.Rotate,
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(lj, levelVarFor(cfg.Severity), ""))
	return nil
}

// SetLogFormat switches the default logger's output format ("text" or
// "json") without touching its destination or severity.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.writer(), levelVarFor(defaultLoggerFactory.level), ""))
}

// SetSeverity changes the default logger's minimum severity at runtime.
func SetSeverity(severity string) {
	defaultLoggerFactory.level = severity
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.writer(), levelVarFor(severity), ""))
}

// UseSyslogWriter redirects the default logger to w (a *syslog.Writer in
// production; any io.Writer in tests), for daemonized runs where stderr and
// any log file are unavailable. The caller owns w's lifetime.
func UseSyslogWriter(w io.Writer) {
	defaultLoggerFactory.sysWriter = w
	defaultLoggerFactory.out = nil
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, levelVarFor(defaultLoggerFactory.level), ""))
}

func logf(ctx context.Context, level slog.Level, format string, v ...any) {
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logf(context.Background(), LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logf(context.Background(), LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logf(context.Background(), LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logf(context.Background(), LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logf(context.Background(), LevelError, format, v...) }
