package logging

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Options controls how the daemon logger is set up
type Options struct {
	// Level is any level understood by logrus.ParseLevel. Empty means info
	Level string
	// File is the path the log is appended to. Empty means stderr
	File string
	// Text switches from JSON to the logrus text formatter, used in debug
	// run mode
	Text bool
}

// ConfigureLogrusJSON sets the logger to emit JSON logs with a GCP severity field.
func ConfigureLogrusJSON(logger *log.Logger) {
	if logger == nil {
		return
	}

	logger.SetFormatter(&log.JSONFormatter{})
	logger.AddHook(OtelSeverityHook{})
}

// Configure applies the options to the logger and returns the writer that
// owns the log destination so that it can be reopened after rotation
func Configure(logger *log.Logger, opts Options) (*ReopenableFile, error) {
	if opts.Text {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		ConfigureLogrusJSON(logger)
	}

	if opts.Level == "" {
		logger.SetLevel(log.InfoLevel)
	} else {
		lvl, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("could not parse log level %q: %w", opts.Level, err)
		}
		logger.SetLevel(lvl)
	}

	if opts.File == "" {
		return nil, nil
	}

	rf, err := OpenReopenableFile(opts.File)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(rf)

	return rf, nil
}

// OtelSeverityHook adds a GCP-compatible severity field to log entries.
type OtelSeverityHook struct{}

func (OtelSeverityHook) Levels() []log.Level {
	return log.AllLevels
}

func (OtelSeverityHook) Fire(entry *log.Entry) error {
	if entry == nil {
		return nil
	}
	if _, ok := entry.Data["severity"]; ok {
		return nil
	}

	entry.Data["severity"] = severityForLevel(entry.Level)
	return nil
}

func severityForLevel(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return "EMERGENCY"
	case log.FatalLevel:
		return "CRITICAL"
	case log.ErrorLevel:
		return "ERROR"
	case log.WarnLevel:
		return "WARNING"
	case log.InfoLevel:
		return "INFO"
	case log.DebugLevel, log.TraceLevel:
		return "DEBUG"
	default:
		return "DEFAULT"
	}
}

// ReopenableFile is an append-only log destination that can be closed and
// opened again at the same path, so that external rotation tools can move
// the file away and signal the daemon
type ReopenableFile struct {
	path string

	mu sync.Mutex
	f  *os.File
}

var _ io.Writer = (*ReopenableFile)(nil)

func OpenReopenableFile(path string) (*ReopenableFile, error) {
	rf := &ReopenableFile{path: path}
	if err := rf.Reopen(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *ReopenableFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return 0, os.ErrClosed
	}
	return r.f.Write(p)
}

// Reopen closes the current handle and opens the path again
func (r *ReopenableFile) Reopen() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open log file %v: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (r *ReopenableFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *ReopenableFile) Path() string {
	return r.path
}
