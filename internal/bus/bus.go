// Package bus implements the append-only coordination channels shared
// by every orchestrator process: the JSONL event log, the audit trail,
// and the per-task command and report documents. All files live under
// the orchestrator root and are guarded by advisory per-file locks, so
// the MCP server, the CLI, and background cycles can interleave safely.
package bus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewkit/crewkit/internal/common/fslock"
	"github.com/crewkit/crewkit/internal/store"
)

// Event is a single append-only bus record. Events are never rewritten;
// consumers track their position with a cursor over line numbers.
type Event struct {
	EventID   string                 `json:"event_id"`
	Timestamp string                 `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
}

// IndexedEvent pairs an event with its 0-based line number in the log.
// A cursor equal to Index+1 has consumed this event.
type IndexedEvent struct {
	Index int
	Event *Event
}

// AuditRecord captures one tool invocation for the audit trail.
type AuditRecord struct {
	Timestamp  string                 `json:"timestamp"`
	Tool       string                 `json:"tool"`
	Status     string                 `json:"status"`
	DurationMS int64                  `json:"duration_ms"`
	Source     string                 `json:"source,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Bus provides append and replay access to the coordination files under
// one bus directory, conventionally <orchestrator root>/bus.
type Bus struct {
	root        string
	eventsPath  string
	auditPath   string
	commandsDir string
	reportsDir  string

	mu      sync.Mutex
	waiters []chan struct{}
}

// New creates the bus directory tree under root if needed.
func New(root string) (*Bus, error) {
	b := &Bus{
		root:        root,
		eventsPath:  filepath.Join(root, "events.jsonl"),
		auditPath:   filepath.Join(root, "audit.jsonl"),
		commandsDir: filepath.Join(root, "commands"),
		reportsDir:  filepath.Join(root, "reports"),
	}
	for _, dir := range []string{b.root, b.commandsDir, b.reportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create bus directory: %w", err)
		}
	}
	return b, nil
}

// EventsPath returns the path of the event log.
func (b *Bus) EventsPath() string {
	return b.eventsPath
}

// CommandPath returns the command document path for a task.
func (b *Bus) CommandPath(taskID string) string {
	return filepath.Join(b.commandsDir, taskID+".json")
}

// ReportPath returns the report document path for a task.
func (b *Bus) ReportPath(taskID string) string {
	return filepath.Join(b.reportsDir, taskID+".json")
}

// Emit appends an event to the log and wakes in-process pollers. The
// line is flushed to disk before the lock is released so a reader that
// observes the new count can always read the full line.
func (b *Bus) Emit(eventType, source string, payload map[string]interface{}) (*Event, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	event := &Event{
		EventID:   newEventID(),
		Timestamp: isoNow(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
	}
	line, err := marshalLine(event)
	if err != nil {
		return nil, err
	}

	release, err := fslock.Exclusive(fslock.PathFor(b.eventsPath))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := appendLine(b.eventsPath, line); err != nil {
		return nil, err
	}
	b.notifyAppend()
	return event, nil
}

// Events returns every parseable event in log order.
func (b *Bus) Events() ([]*Event, error) {
	indexed, err := b.EventsFrom(0)
	if err != nil {
		return nil, err
	}
	events := make([]*Event, 0, len(indexed))
	for _, entry := range indexed {
		events = append(events, entry.Event)
	}
	return events, nil
}

// EventsFrom returns events whose 0-based index is at least start.
// Blank and malformed lines still occupy an index so cursors remain
// stable line positions even when the log has damage in the middle.
func (b *Bus) EventsFrom(start int) ([]IndexedEvent, error) {
	var out []IndexedEvent
	err := b.scanLog(b.eventsPath, func(lineNo int, line []byte) {
		idx := lineNo - 1
		if idx < start {
			return
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			return
		}
		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return
		}
		out = append(out, IndexedEvent{Index: idx, Event: &event})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountEvents returns the number of lines in the event log, parseable
// or not. The count is the cursor position of a fully caught-up reader.
func (b *Bus) CountEvents() (int, error) {
	count := 0
	err := b.scanLog(b.eventsPath, func(lineNo int, line []byte) {
		count = lineNo
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// WaitForEventIndex blocks until the log grows past start, the timeout
// elapses, or ctx is cancelled. It wakes early on same-process appends
// and otherwise rechecks the file on a short cadence so appends from
// other processes are picked up promptly.
func (b *Bus) WaitForEventIndex(ctx context.Context, start int, timeout time.Duration) error {
	if start < 0 {
		start = 0
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	wake := b.appendWait()
	for {
		count, err := b.CountEvents()
		if err != nil {
			return err
		}
		if count > start {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
		case <-wake:
			wake = b.appendWait()
		}
	}
}

// WriteCommand atomically writes the command document for a task and
// returns its path.
func (b *Bus) WriteCommand(taskID string, doc interface{}) (string, error) {
	return b.writeDoc(b.CommandPath(taskID), doc)
}

// WriteReport atomically writes the report document for a task and
// returns its path.
func (b *Bus) WriteReport(taskID string, doc interface{}) (string, error) {
	return b.writeDoc(b.ReportPath(taskID), doc)
}

// ReadReport returns the stored report for a task, or nil when no
// report has been filed.
func (b *Bus) ReadReport(taskID string) (map[string]interface{}, error) {
	path := b.ReportPath(taskID)
	release, err := fslock.Shared(fslock.PathFor(path))
	if err != nil {
		return nil, err
	}
	defer release()

	var doc map[string]interface{}
	found, err := store.ReadFile(path, &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return doc, nil
}

// AppendAudit appends one record to the audit trail.
func (b *Bus) AppendAudit(rec AuditRecord) error {
	if rec.Timestamp == "" {
		rec.Timestamp = isoNow()
	}
	line, err := marshalLine(rec)
	if err != nil {
		return err
	}
	release, err := fslock.Exclusive(fslock.PathFor(b.auditPath))
	if err != nil {
		return err
	}
	defer release()
	return appendLine(b.auditPath, line)
}

// ReadAudit returns the most recent audit records, newest last. When
// tool or status are non-empty only matching records count toward the
// limit; a non-positive limit returns every match.
func (b *Bus) ReadAudit(limit int, tool, status string) ([]*AuditRecord, error) {
	var rows []*AuditRecord
	err := b.scanLog(b.auditPath, func(lineNo int, line []byte) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			return
		}
		var rec AuditRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			return
		}
		if tool != "" && rec.Tool != tool {
			return
		}
		if status != "" && rec.Status != status {
			return
		}
		if limit > 0 && len(rows) == limit {
			copy(rows, rows[1:])
			rows[limit-1] = &rec
			return
		}
		rows = append(rows, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*AuditRecord{}
	}
	return rows, nil
}

func (b *Bus) writeDoc(path string, doc interface{}) (string, error) {
	release, err := fslock.Exclusive(fslock.PathFor(path))
	if err != nil {
		return "", err
	}
	defer release()
	if err := store.WriteAtomic(path, doc); err != nil {
		return "", err
	}
	return path, nil
}

// scanLog reads a JSONL file line by line under a shared lock. A
// missing file reads as empty. Line numbers are 1-based and include a
// trailing line with no newline.
func (b *Bus) scanLog(path string, fn func(lineNo int, line []byte)) error {
	release, err := fslock.Shared(fslock.PathFor(path))
	if err != nil {
		return err
	}
	defer release()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			fn(lineNo, line)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
		}
	}
}

func (b *Bus) appendWait() <-chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) notifyAppend() {
	b.mu.Lock()
	for _, ch := range b.waiters {
		close(ch)
	}
	b.waiters = nil
	b.mu.Unlock()
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append to %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	return nil
}

// marshalLine renders v as a single compact JSON line ending in \n.
func marshalLine(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func newEventID() string {
	id := uuid.New()
	return "EVT-" + hex.EncodeToString(id[:])[:10]
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
