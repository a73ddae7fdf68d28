// Package enrich optionally augments a classified navigation event
// with extracted search-result content before it is committed to the
// log. At-most-once, best-effort: a page that never stabilizes within
// the retry budget produces no event at all, and the navigation is not
// retried.
package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/nav"
)

// sigNone is the content signature recorded for events without an
// enrichment payload, so plain navigations still participate in the
// signature dedup layer.
const sigNone = "-"

// Outcome reports what the gateway decided for one event.
type Outcome string

const (
	OutcomeKeep       Outcome = "keep"
	OutcomeDropped    Outcome = "dropped"    // content never settled
	OutcomeDuplicate  Outcome = "duplicate"  // identical content already logged
	OutcomeUnenriched Outcome = "unenriched" // kept, no payload attached
)

// Gateway is the boundary to the page-scraping collaborator.
type Gateway struct {
	extractor Extractor
	log       *logging.Logger

	attempts int
	delay    time.Duration
	enabled  bool

	mu   sync.Mutex
	sigs map[string]string // (tab, canonical URL, question) -> content signature
}

// NewGateway creates a gateway with a bounded retry budget. attempts is
// the total number of extraction tries per event; delay is the fixed
// wait between them.
func NewGateway(extractor Extractor, attempts int, delay time.Duration, enabled bool, logger *logging.Logger) *Gateway {
	if attempts < 1 {
		attempts = 1
	}
	return &Gateway{
		extractor: extractor,
		log:       logger,
		attempts:  attempts,
		delay:     delay,
		enabled:   enabled,
		sigs:      make(map[string]string),
	}
}

// Process runs enrichment for a classified event. It returns the
// search-result lines to attach (nil for a plain navigation) and an
// outcome; only OutcomeKeep and OutcomeUnenriched commit the event.
func (g *Gateway) Process(ctx context.Context, ev nav.Event) ([]string, Outcome) {
	var items []string

	if g.enabled && nav.IsSearchResults(ev.CanonicalURL) {
		res, ok := g.extract(ctx, ev.URL)
		if !ok {
			return nil, OutcomeDropped
		}
		items = assemble(res)
	}

	sig := signature(items)
	key := fmt.Sprintf("%d|%s|%s", ev.TabID, ev.CanonicalURL, ev.QuestionID)

	g.mu.Lock()
	prev, seen := g.sigs[key]
	if seen && prev == sig {
		g.mu.Unlock()
		return nil, OutcomeDuplicate
	}
	g.sigs[key] = sig
	g.mu.Unlock()

	if items == nil {
		return nil, OutcomeUnenriched
	}
	return items, OutcomeKeep
}

// extract drives the retry loop: fixed attempt count, fixed delay,
// terminating with either a ready result or a drop.
func (g *Gateway) extract(ctx context.Context, url string) (Result, bool) {
	for attempt := 1; attempt <= g.attempts; attempt++ {
		res, err := g.extractor.Extract(ctx, url)
		if err == nil && res.Ready {
			return res, true
		}
		if err != nil {
			g.log.Debug("extraction attempt failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if attempt == g.attempts {
			break
		}
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return Result{}, false
		}
	}

	g.log.Debug("page content never settled, dropping event", zap.String("url", url))
	return Result{}, false
}

// ClearSession resets the signature cache on session reset.
func (g *Gateway) ClearSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sigs = make(map[string]string)
}

// assemble orders the payload: summary/answer lines prefixed, then
// result URLs, deduplicated.
func assemble(res Result) []string {
	var items []string
	if res.Summary != "" {
		items = append(items, "[summary] "+res.Summary)
	}
	if res.Answer != "" {
		items = append(items, "[answer] "+res.Answer)
	}
	items = append(items, res.Items...)
	return Deduplicate(items)
}

// signature collapses a payload (or its absence) into a comparable key.
func signature(items []string) string {
	if len(items) == 0 {
		return sigNone
	}
	sig := ""
	for _, it := range items {
		sig += it + "\n"
	}
	return sig
}
