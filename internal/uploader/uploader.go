// Package uploader batches committed events and ships them to the
// remote collector, retrying failed sends and supporting a full
// authoritative resync after local edits.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/logstore"
	"github.com/tracelab/surveytrace/internal/monitoring"
	"github.com/tracelab/surveytrace/internal/nav"
)

// wireEvent is the collector's view of a log entry. The internal log id
// never crosses the wire; responseId is the collector's name for the
// session identity.
type wireEvent struct {
	Timestamp     time.Time  `json:"ts"`
	URL           string     `json:"url"`
	QuestionID    string     `json:"questionId"`
	ResponseID    string     `json:"responseId"`
	Source        nav.Source `json:"source"`
	SearchResults []string   `json:"searchResults,omitempty"`
}

type batchBody struct {
	Events []wireEvent `json:"events"`
}

type syncBody struct {
	Events       []wireEvent `json:"events"`
	Overwrite    bool        `json:"overwrite"`
	ResponseID   string      `json:"responseId"`
	RemovedCount int         `json:"removedCount"`
}

// envelope carries a queued event plus the log id it came from, so the
// pending queue can be purged when that entry is removed or resynced.
type envelope struct {
	logID string
	event wireEvent
}

// Config holds collector transport settings.
type Config struct {
	Endpoint  string
	Token     string
	BatchSize int
	Timeout   time.Duration
	Gzip      bool
}

// Uploader owns the in-memory pending queue. The queue is ephemeral by
// design: it is rebuilt from the durable log on resync, and losing it
// across a restart never corrupts the log.
type Uploader struct {
	mu    sync.Mutex
	queue []envelope

	client  *resty.Client
	cfg     Config
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// New creates an uploader. Transport-level retries (connection resets,
// 5xx) ride on retryablehttp like every outbound client here; lasting
// failures fall back to the queue's push-back path.
func New(cfg Config, metrics *monitoring.Metrics, logger *logging.Logger) *Uploader {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil // Disable logging

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "surveytrace/1.0").
		SetTransport(retryClient.HTTPClient.Transport)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &Uploader{
		client:  client,
		cfg:     cfg,
		metrics: metrics,
		log:     logger,
	}
}

// Enqueue appends an entry to the pending queue and reports whether the
// batch threshold was reached, in which case the caller should flush.
func (u *Uploader) Enqueue(e logstore.Entry) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.queue = append(u.queue, envelope{logID: e.ID, event: toWire(e)})
	u.metrics.QueueDepth.Set(float64(len(u.queue)))
	return len(u.queue) >= u.cfg.BatchSize
}

// Flush drains the queue and posts the batch. On failure the drained
// batch goes back to the front of the queue in original order; nothing
// is ever dropped.
func (u *Uploader) Flush(ctx context.Context) error {
	u.mu.Lock()
	if len(u.queue) == 0 || u.cfg.Endpoint == "" {
		u.mu.Unlock()
		return nil
	}
	batch := u.queue
	u.queue = nil
	u.metrics.QueueDepth.Set(0)
	u.mu.Unlock()

	events := make([]wireEvent, len(batch))
	for i, env := range batch {
		events[i] = env.event
	}

	err := u.post(ctx, batchBody{Events: events})
	if err != nil {
		u.mu.Lock()
		u.queue = append(batch, u.queue...)
		u.metrics.QueueDepth.Set(float64(len(u.queue)))
		u.mu.Unlock()

		u.metrics.UploadFailures.Inc()
		u.log.Warn("batch upload failed, requeued",
			zap.Int("events", len(batch)),
			zap.Error(err))
		return err
	}

	u.metrics.UploadBatches.Inc()
	u.metrics.UploadedEvents.Add(float64(len(batch)))
	u.log.Debug("batch uploaded", zap.Int("events", len(batch)))
	return nil
}

// SyncAll uploads the entire current entry set with the overwrite flag
// so the collector reconciles instead of appending. On success, queued
// copies of the synced entries are purged as redundant.
func (u *Uploader) SyncAll(ctx context.Context, entries []logstore.Entry, sessionID string, removedCount int) error {
	if u.cfg.Endpoint == "" {
		return nil
	}

	events := make([]wireEvent, len(entries))
	synced := make(map[string]bool, len(entries))
	for i, e := range entries {
		events[i] = toWire(e)
		synced[e.ID] = true
	}

	err := u.post(ctx, syncBody{
		Events:       events,
		Overwrite:    true,
		ResponseID:   sessionID,
		RemovedCount: removedCount,
	})
	if err != nil {
		u.metrics.UploadFailures.Inc()
		return fmt.Errorf("full resync failed: %w", err)
	}

	u.mu.Lock()
	kept := u.queue[:0]
	for _, env := range u.queue {
		if !synced[env.logID] {
			kept = append(kept, env)
		}
	}
	u.queue = kept
	u.metrics.QueueDepth.Set(float64(len(u.queue)))
	u.mu.Unlock()

	u.metrics.Resyncs.Inc()
	u.log.Info("full resync uploaded",
		zap.Int("events", len(events)),
		zap.Int("removed_count", removedCount))
	return nil
}

// Clear drops the pending queue. Called on session reset: queued events
// from a prior session must not be sent under a new identity.
func (u *Uploader) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queue = nil
	u.metrics.QueueDepth.Set(0)
}

// Pending returns the number of queued events.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}

// PendingIDs returns the log ids of queued events in order.
func (u *Uploader) PendingIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := make([]string, len(u.queue))
	for i, env := range u.queue {
		ids[i] = env.logID
	}
	return ids
}

// Run flushes on a fixed interval until ctx is cancelled, bounding
// worst-case latency for a partially filled batch.
func (u *Uploader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := u.Flush(ctx); err != nil {
				// Requeued; the next tick retries.
				continue
			}
		case <-ctx.Done():
			return
		}
	}
}

// post sends a JSON body to the collector, gzip-compressed when
// configured. Any non-2xx status is a failure.
func (u *Uploader) post(ctx context.Context, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal upload body: %w", err)
	}

	req := u.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")

	if u.cfg.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return fmt.Errorf("failed to compress upload body: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress upload body: %w", err)
		}
		req.SetHeader("Content-Encoding", "gzip")
		raw = buf.Bytes()
	}

	resp, err := req.SetBody(raw).Post(u.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("collector request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode())
	}
	return nil
}

func toWire(e logstore.Entry) wireEvent {
	return wireEvent{
		Timestamp:     e.Timestamp,
		URL:           e.URL,
		QuestionID:    e.QuestionID,
		ResponseID:    e.SessionID,
		Source:        e.Source,
		SearchResults: e.SearchResults,
	}
}
