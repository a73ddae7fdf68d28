// Package nav classifies raw browser navigation and focus signals into
// loggable, question-attributed events. The host fires overlapping
// signals for one logical navigation (committed + history-update,
// created-target + tab-created), so classification leans on dedup and
// suppression rather than assuming each fires exactly once.
package nav

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/tracelab/surveytrace/internal/tabs"
)

// Kind tags a raw signal variant.
type Kind string

const (
	KindCommitted     Kind = "committed"
	KindHistoryUpdate Kind = "history_update"
	KindCreatedTarget Kind = "created_target"
	KindFocus         Kind = "focus"
)

// Source labels how a logged navigation happened.
type Source string

const (
	SourceSameTab  Source = "same_tab"
	SourceNewTab   Source = "new_tab"
	SourceTabFocus Source = "tab_focus"
)

// Signal is a raw navigation/focus signal from the host.
type Signal struct {
	Kind           Kind   `json:"kind"`
	TabID          int64  `json:"tabId"`
	OpenerTabID    int64  `json:"openerTabId,omitempty"`
	URL            string `json:"url"`
	TransitionType string `json:"transitionType,omitempty"`
	FrameID        int    `json:"frameId"`
}

// Event is a classified, attributed navigation ready for enrichment
// and logging.
type Event struct {
	TabID        int64
	URL          string
	CanonicalURL string
	QuestionID   string
	SessionID    string
	Source       Source
}

// Reject names why a signal produced no event. Used as a metric label.
type Reject string

const (
	RejectNone           Reject = ""
	RejectSubframe       Reject = "subframe"
	RejectInactive       Reject = "inactive"
	RejectNoSession      Reject = "no_session"
	RejectScheme         Reject = "scheme"
	RejectSurveyHost     Reject = "survey_host"
	RejectTransition     Reject = "transition"
	RejectNoQuestion     Reject = "no_question"
	RejectCreationEcho   Reject = "creation_echo"
	RejectDuplicate      Reject = "duplicate"
	RejectFocusThrottled Reject = "focus_throttled"
	RejectUnattributed   Reject = "unattributed"
)

// allowedTransitions is the transition-type allow set for committed
// navigations. Anything else (auto_subframe, start_page, ...) is
// browser housekeeping, not user browsing.
var allowedTransitions = map[string]bool{
	"link":              true,
	"generated":         true,
	"form_submit":       true,
	"auto_bookmark":     true,
	"typed":             true,
	"keyword":           true,
	"keyword_generated": true,
	"reload":            true,
}

// SessionInfo is the slice of session state the classifier consults.
type SessionInfo interface {
	Active() bool
	SessionID() string
	QuestionID() string
}

type focusMark struct {
	canonical string
	seen      time.Time
}

// Classifier turns raw signals into classified events. Its caches are
// ephemeral; losing them across a restart only risks one extra log
// line per tab, never a corrupt record.
type Classifier struct {
	mu         sync.Mutex
	session    SessionInfo
	tabs       *tabs.Map
	surveyHost *regexp.Regexp

	dedupTTL      time.Duration
	focusThrottle time.Duration

	recent  map[string]time.Time // (tab, canonical URL) -> last seen
	focus   map[int64]focusMark  // per-tab focus throttle
	created map[int64]bool       // tabs whose next commit is a creation echo

	now func() time.Time
}

// NewClassifier creates a classifier over the given session view and
// tab map. surveyHost matches hostnames that belong to the survey
// itself and are never logged.
func NewClassifier(session SessionInfo, tabMap *tabs.Map, surveyHost *regexp.Regexp, dedupTTL, focusThrottle time.Duration) *Classifier {
	return &Classifier{
		session:       session,
		tabs:          tabMap,
		surveyHost:    surveyHost,
		dedupTTL:      dedupTTL,
		focusThrottle: focusThrottle,
		recent:        make(map[string]time.Time),
		focus:         make(map[int64]focusMark),
		created:       make(map[int64]bool),
		now:           time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (c *Classifier) SetNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Classify applies the rejection filters in order and, on acceptance,
// resolves attribution and emits a classified event.
func (c *Classifier) Classify(sig Signal) (*Event, Reject) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sig.Kind != KindFocus && sig.FrameID != 0 {
		return nil, RejectSubframe
	}
	if !c.session.Active() {
		return nil, RejectInactive
	}
	sessionID := c.session.SessionID()
	if sessionID == "" {
		return nil, RejectNoSession
	}
	if !IsHTTP(sig.URL) {
		return nil, RejectScheme
	}
	if c.surveyHost.MatchString(Host(sig.URL)) {
		return nil, RejectSurveyHost
	}
	if sig.TransitionType != "" && !allowedTransitions[sig.TransitionType] {
		return nil, RejectTransition
	}
	question := c.session.QuestionID()
	if question == "" {
		return nil, RejectNoQuestion
	}

	switch sig.Kind {
	case KindCommitted, KindHistoryUpdate:
		return c.classifyNavigation(sig, sessionID, question)
	case KindCreatedTarget:
		return c.classifyCreatedTarget(sig, sessionID, question)
	case KindFocus:
		return c.classifyFocus(sig, sessionID, question)
	default:
		return nil, Reject(fmt.Sprintf("unknown_kind_%s", sig.Kind))
	}
}

// classifyNavigation handles committed and history-update signals, both
// labeled same_tab. Callers hold c.mu.
func (c *Classifier) classifyNavigation(sig Signal, sessionID, question string) (*Event, Reject) {
	// The first commit of a created-target tab is the browser's own
	// echo of the creation navigation already logged as new_tab.
	if c.created[sig.TabID] {
		delete(c.created, sig.TabID)
		return nil, RejectCreationEcho
	}

	canonical := Canonicalize(sig.URL)
	if c.isDup(sig.TabID, canonical) {
		return nil, RejectDuplicate
	}

	attributed := c.tabs.Resolve(sig.TabID, question)
	if attributed == "" {
		return nil, RejectUnattributed
	}

	c.markDedup(sig.TabID, canonical)
	return &Event{
		TabID:        sig.TabID,
		URL:          sig.URL,
		CanonicalURL: canonical,
		QuestionID:   attributed,
		SessionID:    sessionID,
		Source:       SourceSameTab,
	}, RejectNone
}

// classifyCreatedTarget handles a tab opened from another tab. Callers
// hold c.mu.
func (c *Classifier) classifyCreatedTarget(sig Signal, sessionID, question string) (*Event, Reject) {
	attributed := c.tabs.Inherit(sig.OpenerTabID, sig.TabID, question)
	if attributed == "" {
		return nil, RejectUnattributed
	}

	canonical := Canonicalize(sig.URL)

	// Suppress the commit echo that follows creation, and mark dedup in
	// case the echo arrives as a history update instead.
	c.created[sig.TabID] = true
	c.markDedup(sig.TabID, canonical)

	return &Event{
		TabID:        sig.TabID,
		URL:          sig.URL,
		CanonicalURL: canonical,
		QuestionID:   attributed,
		SessionID:    sessionID,
		Source:       SourceNewTab,
	}, RejectNone
}

// classifyFocus handles tab activation. Focus always reflects "now":
// it attributes to the current question and never stamps the tab.
// Callers hold c.mu.
func (c *Classifier) classifyFocus(sig Signal, sessionID, question string) (*Event, Reject) {
	canonical := Canonicalize(sig.URL)

	prev, ok := c.focus[sig.TabID]
	now := c.now()
	if ok && prev.canonical == canonical && now.Sub(prev.seen) < c.focusThrottle {
		return nil, RejectFocusThrottled
	}
	c.focus[sig.TabID] = focusMark{canonical: canonical, seen: now}

	return &Event{
		TabID:        sig.TabID,
		URL:          sig.URL,
		CanonicalURL: canonical,
		QuestionID:   question,
		SessionID:    sessionID,
		Source:       SourceTabFocus,
	}, RejectNone
}

// isDup probes the raw-dedup cache without re-marking; stale entries
// are evicted on probe. Callers hold c.mu.
func (c *Classifier) isDup(tabID int64, canonical string) bool {
	key := dedupKey(tabID, canonical)
	seen, ok := c.recent[key]
	if !ok {
		return false
	}
	if c.now().Sub(seen) > c.dedupTTL {
		delete(c.recent, key)
		return false
	}
	return true
}

func (c *Classifier) markDedup(tabID int64, canonical string) {
	c.recent[dedupKey(tabID, canonical)] = c.now()
}

func dedupKey(tabID int64, canonical string) string {
	return fmt.Sprintf("%d|%s", tabID, canonical)
}

// ClearFocus drops the focus throttle cache. A question change
// invalidates prior "same focus" comparisons; stamps are untouched.
func (c *Classifier) ClearFocus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focus = make(map[int64]focusMark)
}

// Clear drops all ephemeral caches, used on survey stop.
func (c *Classifier) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = make(map[string]time.Time)
	c.focus = make(map[int64]focusMark)
	c.created = make(map[int64]bool)
}

// TabClosed drops per-tab suppression state when a tab goes away.
func (c *Classifier) TabClosed(tabID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.created, tabID)
	delete(c.focus, tabID)
}
