// Package tabs answers "which question does this tab's external
// browsing belong to?". Tabs are stamped with a question id on their
// first loggable navigation and keep that stamp until they close.
package tabs

import "sync"

// Record is the per-tab bookkeeping entry.
type Record struct {
	OnSurveySite    bool
	StampedQuestion string
}

// Map tracks browser tabs by id. Ephemeral: losing it across a restart
// only degrades attribution precision for tabs opened before.
type Map struct {
	mu   sync.Mutex
	tabs map[int64]*Record
}

// NewMap creates an empty tab map.
func NewMap() *Map {
	return &Map{tabs: make(map[int64]*Record)}
}

func (m *Map) record(tabID int64) *Record {
	rec, ok := m.tabs[tabID]
	if !ok {
		rec = &Record{}
		m.tabs[tabID] = rec
	}
	return rec
}

// Resolve returns the question id a navigation in tabID is charged to,
// stamping the tab as a side effect. Priority:
//  1. an existing stamp wins;
//  2. a survey-site tab leaving the survey is stamped with the active
//     question and loses its survey-site flag;
//  3. an already-open, un-stamped external tab is stamped with the
//     active question on first touch.
//
// Returns "" when no attribution is possible (no active question).
func (m *Map) Resolve(tabID int64, activeQuestion string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(tabID)
	if rec.StampedQuestion != "" {
		return rec.StampedQuestion
	}
	if activeQuestion == "" {
		return ""
	}
	if rec.OnSurveySite {
		rec.OnSurveySite = false
	}
	rec.StampedQuestion = activeQuestion
	return activeQuestion
}

// Inherit stamps a freshly created tab from its opener: the opener's
// stamp if it has one, else the active question when the opener is a
// survey-site tab. Idempotent: the host fires both created-target and
// tab-created for the same tab and neither is guaranteed alone.
// Returns the stamped question, "" when nothing was inherited.
func (m *Map) Inherit(openerID, tabID int64, activeQuestion string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.tabs[tabID]; ok && rec.StampedQuestion != "" {
		return rec.StampedQuestion
	}

	opener, ok := m.tabs[openerID]
	if !ok {
		return ""
	}

	q := opener.StampedQuestion
	if q == "" && opener.OnSurveySite {
		q = activeQuestion
	}
	if q == "" {
		return ""
	}

	m.record(tabID).StampedQuestion = q
	return q
}

// SetSurveySite flags a tab as currently on the survey host. The flag
// is independent of stamping and follows committed URLs.
func (m *Map) SetSurveySite(tabID int64, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !on {
		if rec, ok := m.tabs[tabID]; ok {
			rec.OnSurveySite = false
		}
		return
	}
	m.record(tabID).OnSurveySite = true
}

// IsSurveySite reports whether the tab is currently on the survey host.
func (m *Map) IsSurveySite(tabID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tabs[tabID]
	return ok && rec.OnSurveySite
}

// Remove deletes a tab's record when the tab closes.
func (m *Map) Remove(tabID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tabs, tabID)
}

// Clear drops all records, used on survey stop.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs = make(map[int64]*Record)
}

// Len returns the number of tracked tabs.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}
