package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger appends timestamped session events to a log file. It is safe
// for concurrent use, and prefix-scoped children share the same file and
// lock so interleaved writes stay line-atomic.
type FileLogger struct {
	file   *os.File
	prefix string
	mu     *sync.Mutex
	closed *bool
}

// NewFileLogger opens (or creates) the log file at path in append mode.
func NewFileLogger(path string) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	closed := false
	return &FileLogger{
		file:   file,
		mu:     &sync.Mutex{},
		closed: &closed,
	}, nil
}

// WithPrefix returns a logger that tags every line with the given prefix.
// The child shares the parent's file, so closing either closes both.
func (l *FileLogger) WithPrefix(prefix string) *FileLogger {
	if l == nil {
		return nil
	}
	return &FileLogger{
		file:   l.file,
		prefix: prefix,
		mu:     l.mu,
		closed: l.closed,
	}
}

// Log writes one formatted line with a timestamp. Calls after Close are
// silently dropped.
func (l *FileLogger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if *l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, l.prefix, msg)
	} else {
		fmt.Fprintf(l.file, "%s %s\n", timestamp, msg)
	}
}

// Close flushes and closes the underlying file. Safe to call more than once.
func (l *FileLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if *l.closed {
		return nil
	}

	*l.closed = true
	return l.file.Close()
}
