// Package logging builds the process-wide log sink and the per-component
// loggers handed to every syncd package.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File enables a size-rotated log file. Empty means stderr.
	File string

	// MaxSizeMB rotates the file once it reaches this size (default: 10)
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int

	// MaxAgeDays removes rotated files older than this (0 keeps them)
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool

	// Quiet discards everything. Useful for scripted one-shot commands.
	Quiet bool

	// Stderr is the console writer (default: os.Stderr). When File is set,
	// Verbose mirrors output here as well.
	Stderr  io.Writer
	Verbose bool
}

// Sink owns the log output and hands out component loggers.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger
}

// Open creates the sink described by config.
func Open(config Config) (*Sink, error) {
	stderr := config.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if config.Quiet {
		return &Sink{out: io.Discard}, nil
	}
	if config.File == "" {
		return &Sink{out: stderr}, nil
	}

	if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := config.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	file := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}

	var out io.Writer = file
	if config.Verbose {
		out = io.MultiWriter(file, stderr)
	}
	return &Sink{out: out, file: file}, nil
}

// Logger returns a logger whose lines start with "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.out
}

// Rotate closes the current log file and starts a new one.
// It is a no-op when logging to stderr.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return nil
}

// Close flushes and closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
