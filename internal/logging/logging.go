// Package logging builds the component loggers of a tasksync process.
//
// Every component takes a *log.Logger with a bracketed prefix ("[sync] ",
// "[cache] ", ...). A Factory creates them over one shared writer: stderr by
// default, or a size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures log output.
type Options struct {
	// File enables rotation into this file. Empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Factory hands out loggers that share one writer.
type Factory struct {
	w      io.Writer
	closer io.Closer
}

// New creates a factory for opts.
func New(opts Options) *Factory {
	if opts.File == "" {
		return &Factory{w: os.Stderr}
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return &Factory{w: lj, closer: lj}
}

// Discard returns a factory whose loggers write nowhere.
func Discard() *Factory {
	return &Factory{w: io.Discard}
}

// Logger returns a logger for component, e.g. Logger("sync") prefixes
// every line with "[sync] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared writer.
func (f *Factory) Writer() io.Writer {
	return f.w
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
