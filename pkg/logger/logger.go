// Package logger defines the small leveled logging interface the
// storysync packages log through, plus constructors for the two backends
// the project uses: log/slog handlers for library components and a
// zerolog builder for process-level daemon output.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the leveled logger accepted by storysync components.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) Logger {
	return &slogLogger{logger: slog.New(h)}
}

// Discard returns a Logger that drops everything. Components treat a nil
// Logger the same way; Discard exists for call sites that want to be
// explicit.
func Discard() Logger {
	return &slogLogger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

const permission = 0664

// Build configures a zerolog process logger.
type Build struct {
	writer io.Writer
	path   string
}

// NewBuild starts a zerolog logger build. With no writer or path
// configured, Make logs to stdout.
func NewBuild() *Build {
	return &Build{}
}

func (b *Build) FromPath(path string) *Build {
	b.path = path
	return b
}

func (b *Build) FromWriter(w io.Writer) *Build {
	b.writer = w
	return b
}

// Make builds the zerolog logger. When a path was configured the returned
// file is open and owned by the caller.
func (b *Build) Make() (zerolog.Logger, *os.File, error) {
	writer := b.writer
	var file *os.File
	if b.path != "" {
		var err error
		file, err = os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writer = zerolog.SyncWriter(file)
	}
	if writer == nil {
		writer = os.Stdout
	}
	return zerolog.New(writer).With().Timestamp().Logger(), file, nil
}
