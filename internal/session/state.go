// Package session holds the survey session state machine: tracking
// flag, session identity, active question, and stop bookkeeping. One
// live instance exists per process; every field needed across a restart
// round-trips through the durable store.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/storage"
)

// Durable store keys. These mirror the persisted surface the review UI
// reads, so renaming them is a breaking change.
const (
	keyActive     = "tracking_active"
	keySessionID  = "session_id"
	keyQuestionID = "active_question_id"
	keyStopped    = "stopped_by_survey"
	keyStopReason = "stop_reason"
	keyStoppedAt  = "stopped_at"
	keyHeartbeat  = "heartbeat_at"
)

// State is the process-wide session state. Mutated only by explicit
// control signals; all reads and writes are serialized by its mutex.
type State struct {
	mu    sync.Mutex
	store *storage.Store
	log   *logging.Logger

	active     bool
	sessionID  string
	questionID string
	stopped    bool
	stopReason string
	stoppedAt  time.Time

	heartbeatInterval time.Duration
	leaseStop         chan struct{}
}

// Load restores session state from its persisted snapshot.
func Load(store *storage.Store, heartbeatInterval time.Duration, logger *logging.Logger) (*State, error) {
	s := &State{
		store:             store,
		log:               logger,
		heartbeatInterval: heartbeatInterval,
	}

	if _, err := store.Get(keyActive, &s.active); err != nil {
		return nil, err
	}
	if _, err := store.Get(keySessionID, &s.sessionID); err != nil {
		return nil, err
	}
	if _, err := store.Get(keyQuestionID, &s.questionID); err != nil {
		return nil, err
	}
	if _, err := store.Get(keyStopped, &s.stopped); err != nil {
		return nil, err
	}
	if _, err := store.Get(keyStopReason, &s.stopReason); err != nil {
		return nil, err
	}
	if _, err := store.Get(keyStoppedAt, &s.stoppedAt); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.syncLease()
	s.mu.Unlock()

	return s, nil
}

// Start activates tracking, adopting sessionID when provided, and
// clears any prior stop marker. Returns whether the session identity
// changed: the caller must then drop per-session caches, because the
// durable log's lazy reset only fires on the next append, after those
// caches have already been consulted.
func (s *State) Start(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := sessionID != "" && sessionID != s.sessionID

	s.active = true
	if sessionID != "" {
		s.sessionID = sessionID
	}
	s.stopped = false
	s.stopReason = ""
	s.stoppedAt = time.Time{}
	s.persist()
	s.syncLease()

	s.log.Info("tracking started", zap.String("session_id", s.sessionID))
	return changed
}

// Stop deactivates tracking. Attribution state (tab stamps, caches)
// survives an explicit user stop; only the flag flips.
func (s *State) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	s.persist()
	s.syncLease()

	s.log.Info("tracking stopped")
}

// ContextUpdate applies a question/session report from the survey page.
// The survey page is the source of truth for session identity: a
// session id arriving while none is set is adopted and tracking
// auto-activates. Returns whether the active question changed (the
// caller must clear the focus throttle) and whether a session id was
// adopted.
func (s *State) ContextUpdate(questionID, sessionID string) (questionChanged, adopted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" && s.sessionID == "" {
		s.sessionID = sessionID
		s.active = true
		s.stopped = false
		s.stopReason = ""
		s.stoppedAt = time.Time{}
		adopted = true
	}

	if questionID != "" && questionID != s.questionID {
		s.questionID = questionID
		questionChanged = true
	}

	if questionChanged || adopted {
		s.persist()
		s.syncLease()
		s.log.Info("context updated",
			zap.String("question_id", s.questionID),
			zap.String("session_id", s.sessionID),
			zap.Bool("adopted", adopted))
	}
	return questionChanged, adopted
}

// SurveyStop records a survey-driven stop. Idempotent unless force is
// set: an explicit external stop always re-applies. Returns whether the
// stop took effect so the caller can tear down attribution state and
// trigger the final flush.
func (s *State) SurveyStop(reason string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped && !force {
		return false
	}

	s.active = false
	s.questionID = ""
	s.stopped = true
	s.stopReason = reason
	s.stoppedAt = time.Now()
	s.persist()
	s.syncLease()

	s.log.Info("stopped by survey", zap.String("reason", reason))
	return true
}

// Active reports whether tracking is on.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SessionID returns the current session id, empty when unset.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// QuestionID returns the active question id, empty when none seen yet.
func (s *State) QuestionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questionID
}

// StopInfo returns the stop marker for the review surface.
func (s *State) StopInfo() (stopped bool, reason string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, s.stopReason, s.stoppedAt
}

// Close stops the keep-alive lease.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLease()
}

// persist writes all session fields in one durable write. Callers must
// hold s.mu. A failed write leaves in-memory state authoritative until
// the next successful one.
func (s *State) persist() {
	err := s.store.SetAll(map[string]interface{}{
		keyActive:     s.active,
		keySessionID:  s.sessionID,
		keyQuestionID: s.questionID,
		keyStopped:    s.stopped,
		keyStopReason: s.stopReason,
		keyStoppedAt:  s.stoppedAt,
	})
	if err != nil {
		s.log.Warn("session persist failed", zap.Error(err))
	}
}

// syncLease starts or stops the keep-alive lease to match the rule:
// lease held while tracking is active and a question is known. Callers
// must hold s.mu.
func (s *State) syncLease() {
	want := s.active && s.questionID != "" && s.heartbeatInterval > 0
	if want && s.leaseStop == nil {
		s.leaseStop = make(chan struct{})
		go s.leaseLoop(s.leaseStop)
	} else if !want {
		s.stopLease()
	}
}

func (s *State) stopLease() {
	if s.leaseStop != nil {
		close(s.leaseStop)
		s.leaseStop = nil
	}
}

// leaseLoop renews the persisted heartbeat timestamp so a restarted
// process can tell how stale its attribution state is.
func (s *State) leaseLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.store.Set(keyHeartbeat, time.Now()); err != nil {
				s.log.Warn("heartbeat persist failed", zap.Error(err))
			}
		case <-stop:
			return
		}
	}
}
