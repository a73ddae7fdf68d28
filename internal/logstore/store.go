// Package logstore is the authoritative, persisted, per-session log of
// committed browsing events. Entries are immutable once written except
// for point removal; a session boundary never mixes entries from two
// session ids.
package logstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/nav"
	"github.com/tracelab/surveytrace/internal/shared/id"
	"github.com/tracelab/surveytrace/internal/storage"
)

const stateKey = "log_state"

// ErrNotFound is returned when a removal targets an unknown entry id.
var ErrNotFound = errors.New("log entry not found")

// Entry is one committed browsing event.
type Entry struct {
	ID            string     `json:"id"`
	Timestamp     time.Time  `json:"ts"`
	URL           string     `json:"url"`
	QuestionID    string     `json:"questionId"`
	SessionID     string     `json:"sessionId"`
	Source        nav.Source `json:"source"`
	SearchResults []string   `json:"searchResults,omitempty"`
}

// State is the durable blob: the ordered entry list plus removal and
// sync bookkeeping for one session.
type State struct {
	SessionID    string     `json:"sessionId"`
	Entries      []Entry    `json:"entries"`
	RemovedCount int        `json:"removedCount"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// SnapshotEntry is the privacy-reduced view handed to the review
// surface: timestamp and URL only, never enrichment payloads.
type SnapshotEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	URL       string    `json:"url"`
}

// Snapshot is the review surface's view of the log.
type Snapshot struct {
	SessionID    string          `json:"sessionId"`
	RemovedCount int             `json:"removedCount"`
	SyncedAt     *time.Time      `json:"syncedAt,omitempty"`
	Entries      []SnapshotEntry `json:"entries"`
}

// Store owns the durable log state. Every mutation persists before
// returning; a failed persist is logged and in-memory state stays
// authoritative until the next successful write.
type Store struct {
	mu     sync.Mutex
	kv     *storage.Store
	log    *logging.Logger
	state  State
	loaded bool
}

// Open loads the persisted log state.
func Open(kv *storage.Store, logger *logging.Logger) (*Store, error) {
	s := &Store{kv: kv, log: logger}
	if _, err := kv.Get(stateKey, &s.state); err != nil {
		return nil, err
	}
	s.loaded = true
	return s, nil
}

// Append commits an entry under sessionID, assigning it a fresh id.
// When the store's session differs it is reset first, which guarantees
// session isolation. Returns the committed entry and whether a reset
// happened (the caller must then drop its pending upload queue). A
// no-op when sessionID is empty.
func (s *Store) Append(sessionID string, e Entry) (Entry, bool, error) {
	if sessionID == "" {
		return Entry{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reset := false
	if s.state.SessionID != sessionID {
		s.resetLocked(sessionID)
		reset = true
	}

	e.ID = id.NewEntryID().String()
	e.SessionID = sessionID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.state.Entries = append(s.state.Entries, e)
	s.state.UpdatedAt = time.Now()
	s.persist()

	return e, reset, nil
}

// RemoveByID removes an entry, increments the removed count, and
// returns the removed entry for a possible rollback.
func (s *Store) RemoveByID(entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.state.Entries {
		if e.ID != entryID {
			continue
		}
		s.state.Entries = append(s.state.Entries[:i], s.state.Entries[i+1:]...)
		s.state.RemovedCount++
		s.state.UpdatedAt = time.Now()
		s.persist()
		return e, nil
	}
	return Entry{}, ErrNotFound
}

// Restore reinserts a removed entry and decrements the removed count,
// the rollback half of the removal/resync contract. Entry ids are
// monotonic ULIDs, so the id alone recovers the slot even when appends
// landed while the resync was in flight. A no-op when the log has since
// moved to another session: a stale entry must not cross the boundary.
func (s *Store) Restore(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SessionID != e.SessionID {
		return
	}

	i := sort.Search(len(s.state.Entries), func(i int) bool {
		return s.state.Entries[i].ID > e.ID
	})
	s.state.Entries = append(s.state.Entries[:i], append([]Entry{e}, s.state.Entries[i:]...)...)
	if s.state.RemovedCount > 0 {
		s.state.RemovedCount--
	}
	s.state.UpdatedAt = time.Now()
	s.persist()
}

// Reset atomically replaces the log with an empty one for a new
// session id.
func (s *Store) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(sessionID)
	s.persist()
}

// resetLocked clears entries and the removed count. Callers hold s.mu.
func (s *Store) resetLocked(sessionID string) {
	s.state = State{
		SessionID: sessionID,
		Entries:   nil,
		UpdatedAt: time.Now(),
	}
}

// MarkSynced records a successful full resync.
func (s *Store) MarkSynced(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SyncedAt = &t
	s.persist()
}

// SessionID returns the session the log currently belongs to.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// RemovedCount returns the number of removed entries this session.
func (s *Store) RemovedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RemovedCount
}

// Entries returns a copy of the committed entries in record order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.state.Entries))
	copy(out, s.state.Entries)
	return out
}

// Snapshot returns the privacy-reduced view for the review surface.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]SnapshotEntry, len(s.state.Entries))
	for i, e := range s.state.Entries {
		entries[i] = SnapshotEntry{ID: e.ID, Timestamp: e.Timestamp, URL: e.URL}
	}
	return Snapshot{
		SessionID:    s.state.SessionID,
		RemovedCount: s.state.RemovedCount,
		SyncedAt:     s.state.SyncedAt,
		Entries:      entries,
	}
}

// persist writes the blob synchronously. Callers hold s.mu.
func (s *Store) persist() {
	if err := s.kv.Set(stateKey, &s.state); err != nil {
		s.log.Warn("log state persist failed", zap.Error(err))
	}
}
