// Package logging sets up the component loggers and the user-facing
// message sink.
//
// Component loggers are plain *log.Logger values prefixed with
// "[component] ". When a log file is configured they write through a
// size-rotated lumberjack file, optionally teed to stderr.
//
// The Sink carries messages meant for the user, such as a project that
// failed to decode. Each entry is tagged with the display name of the tree
// node it concerns.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log output.
type Options struct {
	// File is the log file path. Empty means stderr only.
	File string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool

	// Stderr also writes to stderr when a file is configured.
	Stderr bool
}

// DefaultOptions returns stderr-only logging with rotation defaults used
// when a file is later configured.
func DefaultOptions() Options {
	return Options{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// Output is the shared destination of every component logger.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Open returns the output described by opts.
func Open(opts Options) *Output {
	if opts.File == "" {
		return &Output{w: os.Stderr}
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	var w io.Writer = file
	if opts.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}
	return &Output{w: w, file: file}
}

// Discard returns an output that drops everything.
func Discard() *Output {
	return &Output{w: io.Discard}
}

// New returns a logger for component.
func (o *Output) New(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer { return o.w }

// Rotate forces a rotation of the log file, if any.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}
