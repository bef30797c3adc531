package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxLogSize is the size at which the audit log rotates (10MB).
	DefaultMaxLogSize = 10 * 1024 * 1024
	// ArchiveDir holds rotated audit logs, next to the live file.
	ArchiveDir = "archive"
)

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     EventType      `json:"event"`
	ItemID    string         `json:"item_id,omitempty"`
	Session   string         `json:"session,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLog is an append-only JSONL record of every item event, kept so an
// operator can tell after the fact which rows the bot touched and how each
// one ended. It rotates into ArchiveDir once maxSize is reached.
type AuditLog struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	session     string
	currentSize int64
	maxSize     int64
	rotations   int
}

// OpenAuditLog opens (or creates) the audit log at path.
func OpenAuditLog(path, session string, maxSize int64) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	a := &AuditLog{path: path, session: session, maxSize: maxSize}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = f
	a.currentSize = info.Size()
	return nil
}

// Record appends e as one JSON line and fsyncs it.
func (a *AuditLog) Record(e Event) error {
	entry := AuditEntry{
		Timestamp: e.Timestamp,
		Event:     e.Type,
		ItemID:    e.ItemID,
		Session:   a.session,
		Details:   e.Data,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("audit log %s is closed", a.path)
	}
	if a.currentSize > 0 && a.currentSize+int64(len(data)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}

	n, err := a.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	a.currentSize += int64(n)
	return nil
}

func (a *AuditLog) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close current audit log: %w", err)
	}
	a.file = nil

	archiveDir := filepath.Join(filepath.Dir(a.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	a.rotations++
	base := filepath.Base(a.path)
	ext := filepath.Ext(base)
	name := fmt.Sprintf("%s.%s.%d%s",
		strings.TrimSuffix(base, ext),
		time.Now().Format("20060102_150405"),
		a.rotations,
		ext)
	if err := os.Rename(a.path, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return a.open()
}

// ReadAudit returns every well-formed entry in the audit file at path.
// Malformed lines, such as a torn final line after a crash, are skipped.
func ReadAudit(path string) ([]AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []AuditEntry
	dec := json.NewDecoder(f)
	for {
		var entry AuditEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Path returns the live audit file path.
func (a *AuditLog) Path() string { return a.path }

// Close syncs and closes the audit file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	f := a.file
	a.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
