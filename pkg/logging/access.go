package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AccessLogger appends one line per endpoint invocation to daily log
// files named access-YYYY-MM-DD.log. All methods are safe on a nil
// receiver so callers can treat the logger as optional.
type AccessLogger struct {
	dir     string
	file    *os.File
	path    string
	mu      sync.Mutex
	lastDay string
}

// NewAccessLogger creates an access logger writing under dir.
func NewAccessLogger(dir string) (*AccessLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create access log dir: %w", err)
	}

	l := &AccessLogger{dir: dir}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// Record appends an invocation line. Outcome is "ok" or the rejection
// reason; instances is how many input vectors the request carried.
func (l *AccessLogger) Record(endpoint string, status int, outcome string, instances int, latency time.Duration) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if today := now.Format("2006-01-02"); today != l.lastDay {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	if l.file == nil {
		return nil
	}

	_, err := fmt.Fprintf(l.file, "[%s] endpoint=%s status=%d outcome=%s instances=%d latency=%s\n",
		now.Format("15:04:05"), endpoint, status, outcome, instances, latency.Round(time.Microsecond))
	return err
}

// Path returns the current log file path.
func (l *AccessLogger) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Close closes the current log file.
func (l *AccessLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *AccessLogger) rotateLocked() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	today := time.Now().Format("2006-01-02")
	l.lastDay = today
	l.path = filepath.Join(l.dir, "access-"+today+".log")

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open access log: %w", err)
	}
	l.file = file
	return nil
}
