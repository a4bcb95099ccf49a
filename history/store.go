// Package history keeps the cross-tool log of executed commands.
//
// Records are appended by context/update notifications and read newest first.
// The in-memory log is bounded; when a journal is attached every record is
// also persisted to SQLite and the newest records are reloaded on startup.
package history

import (
	"log/slog"
	"sync"
	"time"

	murmur "github.com/Paranoid-AF/murmur"
)

// DefaultMaxEntries is used when Options.MaxEntries is not positive.
const DefaultMaxEntries = 10000

// Options configures a Store.
type Options struct {
	MaxEntries int
	// Journal persists records. Optional.
	Journal *Journal
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is an append-only, bounded command log. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	ring    []murmur.HistoryRecord
	start   int // index of the oldest record
	count   int
	journal *Journal
	now     func() time.Time
}

// New creates a store. If opts.Journal is set, its newest records are loaded.
func New(opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		ring:    make([]murmur.HistoryRecord, opts.MaxEntries),
		journal: opts.Journal,
		now:     opts.Now,
	}
	if s.journal != nil {
		records, err := s.journal.Load(opts.MaxEntries)
		if err != nil {
			slog.Warn("failed to load history journal", "error", err)
		}
		for _, rec := range records {
			s.push(rec)
		}
		slog.Debug("history loaded", "records", len(records))
	}
	return s
}

// Append records rec, stamping it with the current time if it has none, and
// returns the stored record. The oldest record is dropped when the log is full.
func (s *Store) Append(rec murmur.HistoryRecord) murmur.HistoryRecord {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}
	s.mu.Lock()
	s.push(rec)
	s.mu.Unlock()

	if s.journal != nil {
		s.journal.Enqueue(rec)
	}
	return rec
}

func (s *Store) push(rec murmur.HistoryRecord) {
	if s.count < len(s.ring) {
		s.ring[(s.start+s.count)%len(s.ring)] = rec
		s.count++
		return
	}
	s.ring[s.start] = rec
	s.start = (s.start + 1) % len(s.ring)
}

// List returns up to limit records, newest first. A non-empty cwd keeps only
// records from that directory.
func (s *Store) List(cwd string, limit int) []murmur.HistoryRecord {
	out := []murmur.HistoryRecord{}
	if limit <= 0 {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := s.count - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.ring[(s.start+i)%len(s.ring)]
		if cwd != "" && rec.Cwd != cwd {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Commands returns up to limit distinct commands run in cwd, newest first.
func (s *Store) Commands(cwd string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := s.count - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.ring[(s.start+i)%len(s.ring)]
		if (cwd != "" && rec.Cwd != cwd) || seen[rec.Command] {
			continue
		}
		seen[rec.Command] = true
		out = append(out, rec.Command)
	}
	return out
}

// Len returns the number of records held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Close flushes and closes the journal, if any.
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}
