// Package logging builds the per-component loggers the daemon uses.
//
// Components log through a stdlib *log.Logger with a "[component]" prefix.
// When a log directory is configured the underlying writer is a rotating
// file; otherwise everything goes to stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Factory hands out component loggers sharing one writer.
type Factory struct {
	w io.Writer
}

// NewFactory creates a logger factory. If dir is non-empty, logs rotate in
// dir/codesyncd.log; otherwise they go to stderr.
func NewFactory(dir string) *Factory {
	if dir == "" {
		return &Factory{w: os.Stderr}
	}
	return &Factory{w: &lumberjack.Logger{
		Filename:   filepath.Join(dir, "codesyncd.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}}
}

// For returns a logger for the named component.
func (f *Factory) For(component string) *log.Logger {
	return log.New(f.w, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
