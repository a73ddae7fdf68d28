package tracker

import (
	"context"
	"fmt"

	"github.com/tracelab/surveytrace/internal/nav"
)

// HostSignal is the tagged-variant message the browser bridge sends for
// every raw navigation/tab event. One entry point for all variants;
// idempotence comes from the classifier's dedup and suppression layers,
// not from assuming the host fires each signal exactly once.
type HostSignal struct {
	Type           string `json:"type"`
	TabID          int64  `json:"tabId"`
	OpenerTabID    int64  `json:"openerTabId,omitempty"`
	URL            string `json:"url,omitempty"`
	TransitionType string `json:"transitionType,omitempty"`
	FrameID        int    `json:"frameId"`
	Status         string `json:"status,omitempty"`
}

// Host signal types.
const (
	SignalCommitted     = "committed"
	SignalHistoryUpdate = "history_update"
	SignalCreatedTarget = "created_target"
	SignalTabCreated    = "tab_created"
	SignalTabRemoved    = "tab_removed"
	SignalTabUpdated    = "tab_updated"
	SignalTabActivated  = "tab_activated"
)

// Dispatch routes a host signal to the right handler. Returns whether
// an event was logged.
func (t *Tracker) Dispatch(ctx context.Context, sig HostSignal) (bool, error) {
	switch sig.Type {
	case SignalCommitted:
		return t.HandleSignal(ctx, nav.Signal{
			Kind:           nav.KindCommitted,
			TabID:          sig.TabID,
			URL:            sig.URL,
			TransitionType: sig.TransitionType,
			FrameID:        sig.FrameID,
		}), nil
	case SignalHistoryUpdate:
		return t.HandleSignal(ctx, nav.Signal{
			Kind:    nav.KindHistoryUpdate,
			TabID:   sig.TabID,
			URL:     sig.URL,
			FrameID: sig.FrameID,
		}), nil
	case SignalCreatedTarget:
		return t.HandleSignal(ctx, nav.Signal{
			Kind:        nav.KindCreatedTarget,
			TabID:       sig.TabID,
			OpenerTabID: sig.OpenerTabID,
			URL:         sig.URL,
		}), nil
	case SignalTabActivated:
		return t.HandleSignal(ctx, nav.Signal{
			Kind:  nav.KindFocus,
			TabID: sig.TabID,
			URL:   sig.URL,
		}), nil
	case SignalTabCreated:
		t.TabCreated(sig.TabID, sig.OpenerTabID)
		return false, nil
	case SignalTabRemoved:
		t.TabRemoved(sig.TabID)
		return false, nil
	case SignalTabUpdated:
		if sig.Status == "loading" {
			t.TabUpdated(sig.TabID, sig.URL)
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown signal type %q", sig.Type)
	}
}
