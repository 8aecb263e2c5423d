package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 50 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
)

// LogEntry is one line of the audit log.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	RunID      string    `json:"run_id,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Visit      string    `json:"visit,omitempty"`
	Stage      *int      `json:"stage,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Count      int       `json:"count,omitempty"`
	RuntimeSec float64   `json:"runtime_sec,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
}

// EntryFromEvent flattens a bus event into an audit entry.
func EntryFromEvent(ev Event) LogEntry {
	e := LogEntry{
		Timestamp:  ev.Timestamp,
		EventType:  string(ev.Type),
		RunID:      ev.RunID,
		ProposalID: ev.Task.ProposalID,
		Visit:      ev.Task.Visit,
		PID:        ev.PID,
		Priority:   ev.Priority,
		Reason:     ev.Reason,
		Count:      ev.Count,
		RuntimeSec: ev.Runtime.Seconds(),
	}
	switch ev.Type {
	case EventTaskQueued, EventTaskDuplicate, EventTaskStarted, EventSlotReleased:
		stage := ev.Task.Stage
		e.Stage = &stage
	}
	return e
}

// AuditLogger appends lifecycle entries to a JSONL file and rotates it into an
// archive directory once it grows past maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
	checksum    bool
	rotations   int
}

func NewAuditLogger(logPath string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if !strings.HasSuffix(logPath, LogFileExtension) {
		logPath += LogFileExtension
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	l := &AuditLogger{logPath: logPath, maxSize: maxSize, checksum: true}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.currentSize = st.Size()
	return nil
}

// Attach subscribes the logger to every event on bus. Write failures are
// reported to onErr when it is non-nil.
func (l *AuditLogger) Attach(bus *Bus, onErr func(error)) func() {
	return bus.Subscribe(func(ev Event) {
		entry := EntryFromEvent(ev)
		if err := l.WriteEntry(&entry); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

func (l *AuditLogger) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log %s is closed", l.logPath)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Checksum = ""
	if l.checksum {
		sum, err := checksum(*entry)
		if err != nil {
			return err
		}
		entry.Checksum = sum
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize > 0 && l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	l.file = nil

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	l.rotations++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), l.rotations, LogFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return l.open()
}

func checksum(entry LogEntry) (string, error) {
	entry.Checksum = ""
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// EnableChecksum turns per-entry checksums on or off.
func (l *AuditLogger) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checksum = enable
}

func (l *AuditLogger) Path() string {
	return l.logPath
}

func (l *AuditLogger) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// VerifyLog reads an audit log and returns the number of entries and how many
// of them are intact. Malformed lines count as entries that fail verification;
// entries without a checksum are accepted.
func VerifyLog(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		total++
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Checksum == "" {
			valid++
			continue
		}
		if sum, err := checksum(e); err == nil && sum == e.Checksum {
			valid++
		}
	}
	if err := sc.Err(); err != nil {
		return total, valid, fmt.Errorf("read audit log: %w", err)
	}
	return total, valid, nil
}
