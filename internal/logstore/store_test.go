package logstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/nav"
	"github.com/tracelab/surveytrace/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(storage.Open(t.TempDir()), logging.NewNop())
	require.NoError(t, err)
	return s
}

func entry(url, question string) Entry {
	return Entry{URL: url, QuestionID: question, Source: nav.SourceSameTab}
}

func TestAppendAssignsIdentity(t *testing.T) {
	s := newStore(t)

	e, reset, err := s.Append("R_1", entry("https://example.com/a", "Q1"))
	require.NoError(t, err)
	assert.True(t, reset) // empty store adopts the session
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "R_1", e.SessionID)
	assert.False(t, e.Timestamp.IsZero())

	e2, reset, err := s.Append("R_1", entry("https://example.com/b", "Q1"))
	require.NoError(t, err)
	assert.False(t, reset)
	assert.NotEqual(t, e.ID, e2.ID)

	assert.Len(t, s.Entries(), 2)
	assert.Equal(t, "R_1", s.SessionID())
}

func TestAppendEmptySessionNoOp(t *testing.T) {
	s := newStore(t)

	e, reset, err := s.Append("", entry("https://example.com/a", "Q1"))
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Empty(t, e.ID)
	assert.Empty(t, s.Entries())
}

func TestAppendSessionIsolation(t *testing.T) {
	s := newStore(t)

	_, _, err := s.Append("R_1", entry("https://example.com/a", "Q1"))
	require.NoError(t, err)
	_, _, err = s.Append("R_1", entry("https://example.com/b", "Q2"))
	require.NoError(t, err)

	_, err = s.RemoveByID(s.Entries()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.RemovedCount())

	// A new session id wipes entries and the removed count in the same
	// append: no entry from R_1 can coexist with R_2's.
	e, reset, err := s.Append("R_2", entry("https://example.com/c", "Q1"))
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, "R_2", s.SessionID())
	assert.Equal(t, 0, s.RemovedCount())

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
}

func TestRemoveByID(t *testing.T) {
	s := newStore(t)

	a, _, _ := s.Append("R_1", entry("https://example.com/a", "Q1"))
	b, _, _ := s.Append("R_1", entry("https://example.com/b", "Q1"))
	c, _, _ := s.Append("R_1", entry("https://example.com/c", "Q1"))

	removed, err := s.RemoveByID(b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, removed.ID)
	assert.Equal(t, 1, s.RemovedCount())

	ids := []string{s.Entries()[0].ID, s.Entries()[1].ID}
	assert.Equal(t, []string{a.ID, c.ID}, ids)
}

func TestRemoveByIDNotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.RemoveByID("ev_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreRoundTrip(t *testing.T) {
	s := newStore(t)

	s.Append("R_1", entry("https://example.com/a", "Q1"))
	b, _, _ := s.Append("R_1", entry("https://example.com/b", "Q1"))
	s.Append("R_1", entry("https://example.com/c", "Q1"))

	before := s.Entries()

	removed, err := s.RemoveByID(b.ID)
	require.NoError(t, err)

	// Resync failed: put it back where it was.
	s.Restore(removed)

	after := s.Entries()
	require.Len(t, after, 3)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
	assert.Equal(t, 0, s.RemovedCount())
}

func TestRestoreKeepsIDOrder(t *testing.T) {
	s := newStore(t)

	a, _, _ := s.Append("R_1", entry("https://example.com/a", "Q1"))
	b, _, _ := s.Append("R_1", entry("https://example.com/b", "Q1"))

	removed, err := s.RemoveByID(a.ID)
	require.NoError(t, err)

	// An append lands while the resync is still in flight.
	c, _, _ := s.Append("R_1", entry("https://example.com/c", "Q1"))

	s.Restore(removed)

	entries := s.Entries()
	require.Len(t, entries, 3)
	// Ids are monotonic, so the restored entry slots back in front.
	assert.Equal(t, a.ID, entries[0].ID)
	assert.Equal(t, b.ID, entries[1].ID)
	assert.Equal(t, c.ID, entries[2].ID)
	assert.Equal(t, 0, s.RemovedCount())
}

func TestRestoreStaleSessionNoOp(t *testing.T) {
	s := newStore(t)

	a, _, _ := s.Append("R_1", entry("https://example.com/a", "Q1"))
	removed, err := s.RemoveByID(a.ID)
	require.NoError(t, err)

	// The log moved to a new session while the resync was in flight;
	// the stale entry must not cross the boundary.
	b, _, _ := s.Append("R_2", entry("https://example.com/b", "Q1"))
	s.Restore(removed)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, b.ID, entries[0].ID)
	assert.Equal(t, 0, s.RemovedCount())
}

func TestMarkSynced(t *testing.T) {
	s := newStore(t)
	s.Append("R_1", entry("https://example.com/a", "Q1"))

	now := time.Now()
	s.MarkSynced(now)

	snap := s.Snapshot()
	require.NotNil(t, snap.SyncedAt)
	assert.True(t, snap.SyncedAt.Equal(now))
}

func TestSnapshotOmitsPayloads(t *testing.T) {
	s := newStore(t)

	e := entry("https://google.com/search?q=x", "Q1")
	e.SearchResults = []string{"[summary] secret", "https://a.example"}
	s.Append("R_1", e)

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "https://google.com/search?q=x", snap.Entries[0].URL)
	assert.NotEmpty(t, snap.Entries[0].ID)
	// SnapshotEntry has no field for enrichment payloads or question ids.
}

func TestPersistedAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(storage.Open(dir), logging.NewNop())
	require.NoError(t, err)
	s.Append("R_1", entry("https://example.com/a", "Q1"))
	s.Append("R_1", entry("https://example.com/b", "Q2"))
	s.RemoveByID(s.Entries()[0].ID)

	reopened, err := Open(storage.Open(dir), logging.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "R_1", reopened.SessionID())
	assert.Equal(t, 1, reopened.RemovedCount())
	require.Len(t, reopened.Entries(), 1)
	assert.Equal(t, "https://example.com/b", reopened.Entries()[0].URL)
}
