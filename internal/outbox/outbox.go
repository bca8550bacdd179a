// Package outbox implements the durable, append-only event journal that
// records every terminal InspectionRunEvent. Two backends are
// interchangeable at startup (JSONL file or SQLite); both share a DLQ
// fallback and a process-level write mutex so appends are never
// interleaved or reordered.
package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Backend is the durable primary store an Outbox writes to.
type Backend interface {
	// writeLine appends one already-newline-free JSON line.
	writeLine(eventID string, line []byte) error
}

// Outbox appends InspectionRunEvent (or any serializable payload) to a
// primary backend, falling back to a DLQ file when the primary write
// fails. All writes are serialized by writeMu so appends across goroutines
// never interleave.
type Outbox struct {
	writeMu sync.Mutex
	backend Backend
	dlqPath string
}

// NewFile builds a JSONL-file-backed outbox. Parent directories of both
// paths are created if missing.
func NewFile(path, dlqPath string) (*Outbox, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	if err := ensureParentDir(dlqPath); err != nil {
		return nil, err
	}
	return &Outbox{backend: &fileBackend{path: path}, dlqPath: dlqPath}, nil
}

// NewSQLite builds a SQLite-backed outbox. The database is opened in WAL
// mode and the outbox_events table is created if missing.
func NewSQLite(dbPath, dlqPath string) (*Outbox, error) {
	if err := ensureParentDir(dbPath); err != nil {
		return nil, err
	}
	if err := ensureParentDir(dlqPath); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("set outbox wal mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS outbox_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("create outbox_events table: %w", err)
	}
	return &Outbox{backend: &sqliteBackend{db: db}, dlqPath: dlqPath}, nil
}

// Append serializes event to JSON and writes it to the primary backend. If
// the primary write fails, the same line is written to the DLQ (best
// effort); DLQ failure escalates the original error rather than masking it.
// Callers must treat a non-nil error as a warning, not a call failure: the
// outbox contract is "persist or fail loud", never "block the call".
func (o *Outbox) Append(event any) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	eventID := extractEventID(line)

	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	primaryErr := o.backend.writeLine(eventID, line)
	if primaryErr == nil {
		return nil
	}

	if dlqErr := appendDLQLine(o.dlqPath, line); dlqErr != nil {
		return fmt.Errorf("primary outbox write failed (%v) and dlq write failed (%v)", primaryErr, dlqErr)
	}
	return fmt.Errorf("primary outbox write failed, recorded to dlq: %w", primaryErr)
}

func extractEventID(line []byte) string {
	var probe struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(line, &probe); err == nil && probe.EventID != "" {
		return probe.EventID
	}
	return uuid.New().String()
}

func ensureParentDir(path string) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func appendDLQLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
