package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	murmur "github.com/Paranoid-AF/murmur"
)

const journalQueue = 256

// Journal persists history records to SQLite. Writes are queued and applied
// by a single background goroutine so appends never wait on the disk.
type Journal struct {
	db    *sql.DB
	queue chan murmur.HistoryRecord
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// OpenJournal opens (or creates) the database at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		source TEXT NOT NULL,
		command TEXT NOT NULL,
		cwd TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		session_id TEXT NOT NULL DEFAULT ''
	)`)
	if err == nil {
		_, err = db.Exec(`CREATE INDEX IF NOT EXISTS history_cwd ON history(cwd)`)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}

	j := &Journal{
		db:    db,
		queue: make(chan murmur.HistoryRecord, journalQueue),
		done:  make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

// Enqueue schedules rec for persistence. If the queue is full the record is
// dropped from the journal (it stays in memory) and a warning is logged.
func (j *Journal) Enqueue(rec murmur.HistoryRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- rec:
	default:
		slog.Warn("history journal queue full, record not persisted", "command", rec.Command)
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for rec := range j.queue {
		if err := j.Save(rec); err != nil {
			slog.Warn("failed to persist history record", "error", err)
		}
	}
}

// Save inserts rec synchronously.
func (j *Journal) Save(rec murmur.HistoryRecord) error {
	_, err := j.db.Exec(`INSERT INTO history
		(timestamp, source, command, cwd, exit_code, session_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.Source,
		rec.Command,
		rec.Cwd,
		rec.ExitCode,
		rec.SessionID,
	)
	return err
}

// Load returns the newest limit records, oldest first.
func (j *Journal) Load(limit int) ([]murmur.HistoryRecord, error) {
	rows, err := j.db.Query(`SELECT timestamp, source, command, cwd, exit_code, session_id
		FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []murmur.HistoryRecord
	for rows.Next() {
		var rec murmur.HistoryRecord
		var ts string
		if err := rows.Scan(&ts, &rec.Source, &rec.Command, &rec.Cwd, &rec.ExitCode, &rec.SessionID); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, k := 0, len(records)-1; i < k; i, k = i+1, k-1 {
		records[i], records[k] = records[k], records[i]
	}
	return records, nil
}

// Close drains queued writes and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
