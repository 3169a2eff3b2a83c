// Package logging builds the log sink shared by every component and the
// prefixed loggers written to it.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/tracksync/internal/config"
)

// Sink is where log lines go. Close flushes and releases the log file.
type Sink struct {
	io.Writer
	file *lumberjack.Logger
}

// Close closes the rotating file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Rotating reports whether the sink writes to a log file.
func (s *Sink) Rotating() bool {
	return s.file != nil
}

// Setup returns stderr when cfg.File is empty. Otherwise it returns a
// rotating, compressed file, tee'd to stderr when cfg.Stderr is set.
func Setup(cfg config.LogConfig) (*Sink, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LogConfig, stderr io.Writer) (*Sink, error) {
	if cfg.File == "" {
		return &Sink{Writer: stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	if cfg.Stderr {
		return &Sink{Writer: io.MultiWriter(file, stderr), file: file}, nil
	}
	return &Sink{Writer: file, file: file}, nil
}

// New returns a logger writing "[name] " prefixed lines to w.
func New(w io.Writer, name string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.New(w, "["+name+"] ", log.LstdFlags)
}
