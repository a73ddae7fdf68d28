// Package tracker composes the session state, tab attribution map,
// classifier, enrichment gateway, log store, and upload pipeline into
// one owned aggregate. All handlers run through it; no other package
// holds mutable tracking state.
package tracker

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracelab/surveytrace/internal/enrich"
	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/logstore"
	"github.com/tracelab/surveytrace/internal/monitoring"
	"github.com/tracelab/surveytrace/internal/nav"
	"github.com/tracelab/surveytrace/internal/session"
	"github.com/tracelab/surveytrace/internal/tabs"
	"github.com/tracelab/surveytrace/internal/uploader"
)

// Tracker is the process-wide tracking aggregate. Handler state
// mutations are serialized by its mutex; enrichment and collector I/O
// run outside the lock, so session identity is re-checked before every
// durable append and removal rollback reinserts by entry id rather
// than position.
type Tracker struct {
	mu         sync.Mutex
	session    *session.State
	tabs       *tabs.Map
	classifier *nav.Classifier
	gateway    *enrich.Gateway
	store      *logstore.Store
	uploader   *uploader.Uploader
	metrics    *monitoring.Metrics
	log        *logging.Logger
	surveyHost *regexp.Regexp
}

// New wires the aggregate together.
func New(
	sess *session.State,
	tabMap *tabs.Map,
	classifier *nav.Classifier,
	gateway *enrich.Gateway,
	store *logstore.Store,
	up *uploader.Uploader,
	metrics *monitoring.Metrics,
	surveyHost *regexp.Regexp,
	logger *logging.Logger,
) *Tracker {
	return &Tracker{
		session:    sess,
		tabs:       tabMap,
		classifier: classifier,
		gateway:    gateway,
		store:      store,
		uploader:   up,
		metrics:    metrics,
		log:        logger,
		surveyHost: surveyHost,
	}
}

// Start activates tracking, adopting sessionID when provided. A
// changed session identity drops the enrichment signature cache: the
// durable log's own reset is lazy (it fires on the next append), which
// is after the cache has already been consulted, so clearing must
// happen here or the new session's first revisit of a page is
// suppressed as a duplicate.
func (t *Tracker) Start(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Start(sessionID) {
		t.gateway.ClearSession()
	}
	t.metrics.SessionsStarted.Inc()
}

// Stop deactivates tracking without touching attribution state.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.Stop()
}

// ContextUpdate applies a question/session report from the survey page.
func (t *Tracker) ContextUpdate(questionID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	questionChanged, adopted := t.session.ContextUpdate(questionID, sessionID)
	if questionChanged {
		t.classifier.ClearFocus()
	}
	if adopted {
		// Same session-identity change as Start.
		t.gateway.ClearSession()
		t.metrics.SessionsStarted.Inc()
	}
}

// SurveyStop handles survey completion: tears down attribution state
// and flushes whatever is still queued. Idempotent unless force.
func (t *Tracker) SurveyStop(ctx context.Context, reason string, force bool) {
	t.mu.Lock()
	if !t.session.SurveyStop(reason, force) {
		t.mu.Unlock()
		return
	}

	t.tabs.Clear()
	t.classifier.Clear()
	t.gateway.ClearSession()
	t.metrics.SurveyStops.Inc()
	t.metrics.TrackedTabs.Set(0)
	t.mu.Unlock()

	if err := t.uploader.Flush(ctx); err != nil {
		t.log.Warn("final flush failed, events remain queued", zap.Error(err))
	}
}

// HandleSignal classifies a raw navigation/focus signal and, when it
// survives classification and enrichment, commits it to the durable
// log and queues it for upload. Returns whether an event was logged.
func (t *Tracker) HandleSignal(ctx context.Context, sig nav.Signal) bool {
	t.metrics.SignalsTotal.WithLabelValues(string(sig.Kind)).Inc()

	t.mu.Lock()
	ev, reject := t.classifier.Classify(sig)
	t.mu.Unlock()
	if reject != nav.RejectNone {
		t.metrics.SignalsRejected.WithLabelValues(string(reject)).Inc()
		return false
	}

	if nav.IsSearchResults(ev.CanonicalURL) {
		t.metrics.EnrichAttempts.Inc()
	}

	// Enrichment does network I/O; other handlers may interleave here.
	results, outcome := t.gateway.Process(ctx, *ev)
	switch outcome {
	case enrich.OutcomeDropped:
		t.metrics.EnrichDropped.Inc()
		return false
	case enrich.OutcomeDuplicate:
		t.metrics.EnrichDuplicates.Inc()
		return false
	}

	return t.commit(ctx, ev, results)
}

// commit re-checks session identity and appends. The re-check guards
// against a session change that happened while enrichment was in
// flight: a stale event must not leak into the new session's log.
func (t *Tracker) commit(ctx context.Context, ev *nav.Event, results []string) bool {
	t.mu.Lock()
	if !t.session.Active() || t.session.SessionID() != ev.SessionID {
		t.mu.Unlock()
		t.metrics.SignalsRejected.WithLabelValues("stale_session").Inc()
		return false
	}

	entry, reset, err := t.store.Append(ev.SessionID, logstore.Entry{
		Timestamp:     time.Now(),
		URL:           ev.URL,
		QuestionID:    ev.QuestionID,
		Source:        ev.Source,
		SearchResults: results,
	})
	if err != nil {
		t.mu.Unlock()
		t.log.Error("append failed", zap.Error(err))
		return false
	}
	if reset {
		// Queued events from the prior session must not be sent under
		// the new identity.
		t.uploader.Clear()
	}
	flush := t.uploader.Enqueue(entry)
	t.mu.Unlock()

	t.metrics.EventsLogged.WithLabelValues(string(ev.Source)).Inc()
	t.log.Info("event logged",
		zap.String("id", entry.ID),
		zap.String("question_id", entry.QuestionID),
		zap.String("source", string(entry.Source)),
		zap.String("url", entry.URL))

	if flush {
		if err := t.uploader.Flush(ctx); err != nil {
			// Requeued; the periodic tick retries.
			t.log.Debug("threshold flush failed", zap.Error(err))
		}
	}
	return true
}

// TabCreated stamps a freshly created tab from its opener. Runs on the
// generic tab-created signal; created-target handles its own
// inheritance, and both are idempotent because the host guarantees
// neither fires alone.
func (t *Tracker) TabCreated(tabID, openerID int64) {
	if openerID == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs.Inherit(openerID, tabID, t.session.QuestionID())
	t.metrics.TrackedTabs.Set(float64(t.tabs.Len()))
}

// TabRemoved tears down all per-tab state.
func (t *Tracker) TabRemoved(tabID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs.Remove(tabID)
	t.classifier.TabClosed(tabID)
	t.metrics.TrackedTabs.Set(float64(t.tabs.Len()))
}

// TabUpdated maintains the survey-site flag from a tab's committed URL.
func (t *Tracker) TabUpdated(tabID int64, url string) {
	if url == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tabs.SetSurveySite(tabID, t.surveyHost.MatchString(nav.Host(url)))
	t.metrics.TrackedTabs.Set(float64(t.tabs.Len()))
}

// Snapshot returns the review surface's view of the log.
func (t *Tracker) Snapshot() logstore.Snapshot {
	return t.store.Snapshot()
}

// RemoveLog removes an entry and resyncs the collector. The removal
// only takes effect once the remote side agrees: a failed resync rolls
// the entry back. The lock is released for the resync itself, so
// events committed while it is in flight are safe; the rollback
// reinserts by entry id and skips entirely if the session moved on.
func (t *Tracker) RemoveLog(ctx context.Context, entryID string) (logstore.Snapshot, error) {
	t.mu.Lock()
	entry, err := t.store.RemoveByID(entryID)
	if err != nil {
		t.mu.Unlock()
		return logstore.Snapshot{}, err
	}
	entries := t.store.Entries()
	sessionID := t.store.SessionID()
	removed := t.store.RemovedCount()
	t.mu.Unlock()

	err = t.uploader.SyncAll(ctx, entries, sessionID, removed)
	if err != nil {
		t.mu.Lock()
		t.store.Restore(entry)
		t.mu.Unlock()
		t.metrics.Rollbacks.Inc()
		t.log.Warn("resync failed, removal rolled back",
			zap.String("id", entryID),
			zap.Error(err))
		return logstore.Snapshot{}, err
	}

	t.mu.Lock()
	t.store.MarkSynced(time.Now())
	snap := t.store.Snapshot()
	t.mu.Unlock()

	t.log.Info("entry removed and resynced", zap.String("id", entryID))
	return snap, nil
}

// Status summarizes tracker state for the health surface.
type Status struct {
	Active       bool       `json:"active"`
	SessionID    string     `json:"sessionId,omitempty"`
	QuestionID   string     `json:"questionId,omitempty"`
	Stopped      bool       `json:"stopped"`
	StopReason   string     `json:"stopReason,omitempty"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
	Entries      int        `json:"entries"`
	Pending      int        `json:"pending"`
	RemovedCount int        `json:"removedCount"`
}

// Status returns the current tracker status.
func (t *Tracker) Status() Status {
	stopped, reason, at := t.session.StopInfo()
	st := Status{
		Active:       t.session.Active(),
		SessionID:    t.session.SessionID(),
		QuestionID:   t.session.QuestionID(),
		Stopped:      stopped,
		StopReason:   reason,
		Entries:      len(t.store.Entries()),
		Pending:      t.uploader.Pending(),
		RemovedCount: t.store.RemovedCount(),
	}
	if stopped && !at.IsZero() {
		st.StoppedAt = &at
	}
	return st
}

// Close stops the session keep-alive lease.
func (t *Tracker) Close() {
	t.session.Close()
}
