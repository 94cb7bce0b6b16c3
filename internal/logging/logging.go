// Package logging builds the zerolog logger used across gauntlet: console
// output (pretty on a TTY, JSON otherwise), an optional rotating log file,
// and redaction of resolved credential values.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Level      string
	Verbose    bool
	Quiet      bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console overrides the console sink. Nil selects stderr.
	Console io.Writer
}

// New builds a logger and returns a closer for the file sink, if any.
// Every sink is wrapped by redactor so registered secrets never reach disk.
func New(opts Options, redactor *Redactor) (zerolog.Logger, io.Closer, error) {
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.DurationFieldInteger = true

	console := opts.Console
	if console == nil {
		console = selectOutput()
	}
	writers := []io.Writer{redactor.Wrap(console)}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, redactor.Wrap(lj))
		closer = lj
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(selectLevel(opts)).
		With().Timestamp().Logger()
	return logger, closer, nil
}

func selectLevel(opts Options) zerolog.Level {
	switch {
	case opts.Verbose:
		return zerolog.DebugLevel
	case opts.Quiet:
		return zerolog.WarnLevel
	}
	if lvl, err := zerolog.ParseLevel(strings.ToLower(opts.Level)); err == nil && opts.Level != "" {
		return lvl
	}
	return zerolog.InfoLevel
}

func selectOutput() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return os.Stderr
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
