// Package logging builds the process loggers. Every component takes a
// *log.Logger; this package decides where their output goes.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log output.
type Options struct {
	// File receives log output when set. It is rotated by size.
	File string

	// MaxSizeMB is the size at which File is rotated (default: 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep (default: 3)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (0 keeps them)
	MaxAgeDays int

	// Compress gzips rotated files
	Compress bool

	// Stderr also copies output to stderr when File is set
	Stderr bool
}

// Logs owns the shared log destination.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger
}

// Open prepares the log destination described by opts. Without a file,
// output goes to stderr.
func Open(opts Options) (*Logs, error) {
	if opts.File == "" {
		return &Logs{out: os.Stderr}, nil
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}

	var out io.Writer = file
	if opts.Stderr {
		out = io.MultiWriter(file, os.Stderr)
	}
	return &Logs{out: out, file: file}, nil
}

// Discard returns Logs that drop everything.
func Discard() *Logs {
	return &Logs{out: io.Discard}
}

// New returns a logger prefixed with the component name, e.g. "[feed] ".
func (l *Logs) New(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared destination.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close flushes and closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
