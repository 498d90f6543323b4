package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newtron-network/newtexec/pkg/util"
)

// Logger defines the interface for audit logging backends
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// backupStamp names rotated files; it sorts lexically in time order.
const backupStamp = "20060102-150405.000000"

// maxLineSize bounds one JSON line. Error text from a broken session can be
// long, so this is well above bufio's default.
const maxLineSize = 1 << 20

// FileLogger logs audit events to a JSON-lines file. The file may contain
// commands with sensitive arguments, so it is created owner-only.
//
// When the file grows past RotationConfig.MaxSize it is renamed to
// <path>.<timestamp> and a fresh file started. Query reads the retained
// backups as well as the live file, so a batch that straddles a rotation
// is still returned whole.
type FileLogger struct {
	path     string
	rotation RotationConfig

	mu   sync.RWMutex
	file *os.File
	size int64
}

// RotationConfig configures log file rotation
type RotationConfig struct {
	MaxSize    int64 // bytes; 0 disables rotation
	MaxBackups int   // rotated files kept; 0 keeps all
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(path string, rotation RotationConfig) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	l := &FileLogger{path: path, rotation: rotation}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the log file location.
func (l *FileLogger) Path() string {
	return l.path
}

func (l *FileLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("opening audit log: %w", err)
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// Log appends one event. Each event is written with a single Write so
// concurrent runs never interleave lines.
func (l *FileLogger) Log(event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.path)
	}
	if l.rotation.MaxSize > 0 && l.size > 0 && l.size+int64(len(line)) > l.rotation.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotating audit log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	return err
}

// Query returns the events matching filter in the order they were logged,
// oldest first. Offset and Limit page backwards from the newest match:
// Limit 10 yields the ten most recent events.
func (l *FileLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	files, err := l.backups()
	if err != nil {
		return nil, err
	}
	files = append(files, l.path)

	events := []*Event{}
	for _, path := range files {
		if err := scanFile(path, func(e *Event) {
			if filter.matches(e) {
				events = append(events, e)
			}
		}); err != nil {
			return nil, err
		}
	}
	return filter.window(events), nil
}

// Close closes the log file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func scanFile(path string, fn func(*Event)) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			util.Warnf("audit: skipping malformed entry at %s:%d: %v", filepath.Base(path), lineNum, err)
			continue
		}
		fn(&event)
	}
	return scanner.Err()
}

func (f Filter) matches(event *Event) bool {
	switch {
	case f.Device != "" && event.Device != f.Device,
		f.User != "" && event.User != f.User,
		f.Protocol != "" && !strings.EqualFold(event.Protocol, f.Protocol),
		f.Command != "" && !strings.Contains(event.Command, f.Command),
		f.BatchID != "" && event.BatchID != f.BatchID,
		!f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime),
		!f.EndTime.IsZero() && event.Timestamp.After(f.EndTime),
		f.SuccessOnly && !event.Success,
		f.FailureOnly && event.Success:
		return false
	}
	return true
}

// window applies Offset and Limit counted from the newest event.
func (f Filter) window(events []*Event) []*Event {
	end := len(events) - f.Offset
	if end <= 0 {
		return []*Event{}
	}
	start := 0
	if f.Limit > 0 && end > f.Limit {
		start = end - f.Limit
	}
	return events[start:end]
}

// backups lists rotated files, oldest first.
func (l *FileLogger) backups() ([]string, error) {
	matches, err := filepath.Glob(l.path + ".*")
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(l.path) + "."
	var files []string
	for _, m := range matches {
		stamp := strings.TrimPrefix(filepath.Base(m), prefix)
		if _, err := time.Parse(backupStamp, stamp); err == nil {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file = nil

	stamp := time.Now()
	rotated := l.path + "." + stamp.Format(backupStamp)
	for {
		if _, err := os.Stat(rotated); os.IsNotExist(err) {
			break
		}
		stamp = stamp.Add(time.Microsecond)
		rotated = l.path + "." + stamp.Format(backupStamp)
	}
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}
	if err := l.open(); err != nil {
		return err
	}
	l.prune()
	return nil
}

// prune removes the oldest backups beyond MaxBackups.
func (l *FileLogger) prune() {
	if l.rotation.MaxBackups <= 0 {
		return
	}
	files, err := l.backups()
	if err != nil {
		util.Warnf("audit: listing backups: %v", err)
		return
	}
	for len(files) > l.rotation.MaxBackups {
		if err := os.Remove(files[0]); err != nil {
			util.Warnf("audit: removing %s: %v", files[0], err)
		}
		files = files[1:]
	}
}

// loggerHolder wraps a Logger so atomic.Value always stores the same concrete type.
type loggerHolder struct {
	logger Logger
}

var defaultLogger atomic.Value

// SetDefaultLogger sets the default audit logger
func SetDefaultLogger(logger Logger) {
	defaultLogger.Store(loggerHolder{logger: logger})
}

func getDefaultLogger() Logger {
	v := defaultLogger.Load()
	if v == nil {
		return nil
	}
	return v.(loggerHolder).logger
}

// Log logs an event using the default logger
func Log(event *Event) error {
	l := getDefaultLogger()
	if l == nil {
		return nil
	}
	return l.Log(event)
}

// Query queries events from the default logger
func Query(filter Filter) ([]*Event, error) {
	l := getDefaultLogger()
	if l == nil {
		return []*Event{}, nil
	}
	return l.Query(filter)
}
