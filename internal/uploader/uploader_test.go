package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/logstore"
	"github.com/tracelab/surveytrace/internal/monitoring"
	"github.com/tracelab/surveytrace/internal/nav"
)

// collector is a test double for the remote ingest endpoint.
type collector struct {
	mu       sync.Mutex
	srv      *httptest.Server
	bodies   []map[string]interface{}
	requests []*http.Request
	fail     int // number of requests to reject before accepting
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.fail > 0 {
			c.fail--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		var reader io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			zr, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			reader = zr
		}

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(reader).Decode(&body))
		c.bodies = append(c.bodies, body)
		c.requests = append(c.requests, r.Clone(context.Background()))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) received() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies
}

func newUploader(cfg Config) *Uploader {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	return New(cfg, metrics, logging.NewNop())
}

func testEntry(id, url string) logstore.Entry {
	return logstore.Entry{
		ID:         id,
		Timestamp:  time.Now(),
		URL:        url,
		QuestionID: "Q1",
		SessionID:  "R_1",
		Source:     nav.SourceSameTab,
	}
}

func TestEnqueueThreshold(t *testing.T) {
	u := newUploader(Config{Endpoint: "http://unused", BatchSize: 2})

	assert.False(t, u.Enqueue(testEntry("ev_1", "https://example.com/a")))
	assert.True(t, u.Enqueue(testEntry("ev_2", "https://example.com/b")))
	assert.Equal(t, 2, u.Pending())
}

func TestFlushPostsBatch(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, Token: "secret", BatchSize: 1})

	u.Enqueue(testEntry("ev_1", "https://example.com/a"))
	u.Enqueue(testEntry("ev_2", "https://example.com/b"))

	require.NoError(t, u.Flush(context.Background()))
	assert.Zero(t, u.Pending())

	bodies := c.received()
	require.Len(t, bodies, 1)

	events := bodies[0]["events"].([]interface{})
	require.Len(t, events, 2)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "https://example.com/a", first["url"])
	assert.Equal(t, "Q1", first["questionId"])
	assert.Equal(t, "R_1", first["responseId"])
	assert.Equal(t, "same_tab", first["source"])

	assert.Equal(t, "Bearer secret", c.requests[0].Header.Get("Authorization"))
}

func TestFlushEmptyQueueNoOp(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 1})

	require.NoError(t, u.Flush(context.Background()))
	assert.Empty(t, c.received())
}

func TestFlushNoEndpointNoOp(t *testing.T) {
	u := newUploader(Config{BatchSize: 1})
	u.Enqueue(testEntry("ev_1", "https://example.com/a"))

	require.NoError(t, u.Flush(context.Background()))
	// Without an endpoint the queue is held, not dropped.
	assert.Equal(t, 1, u.Pending())
}

func TestFlushFailureRequeuesInOrder(t *testing.T) {
	c := newCollector(t)
	c.fail = 1
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 1})

	u.Enqueue(testEntry("ev_1", "https://example.com/a"))
	u.Enqueue(testEntry("ev_2", "https://example.com/b"))

	require.Error(t, u.Flush(context.Background()))
	assert.Equal(t, []string{"ev_1", "ev_2"}, u.PendingIDs())

	// An event logged during the outage lands behind the requeued batch.
	u.Enqueue(testEntry("ev_3", "https://example.com/c"))
	assert.Equal(t, []string{"ev_1", "ev_2", "ev_3"}, u.PendingIDs())

	require.NoError(t, u.Flush(context.Background()))
	assert.Zero(t, u.Pending())

	bodies := c.received()
	require.Len(t, bodies, 1)
	assert.Len(t, bodies[0]["events"].([]interface{}), 3)
}

func TestFlushGzip(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 1, Gzip: true})

	u.Enqueue(testEntry("ev_1", "https://example.com/a"))
	require.NoError(t, u.Flush(context.Background()))

	bodies := c.received()
	require.Len(t, bodies, 1)
	events := bodies[0]["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "gzip", c.requests[0].Header.Get("Content-Encoding"))
}

func TestSyncAllOverwrite(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 10})

	entries := []logstore.Entry{
		testEntry("ev_1", "https://example.com/a"),
		testEntry("ev_2", "https://example.com/b"),
	}

	require.NoError(t, u.SyncAll(context.Background(), entries, "R_1", 3))

	bodies := c.received()
	require.Len(t, bodies, 1)
	assert.Equal(t, true, bodies[0]["overwrite"])
	assert.Equal(t, "R_1", bodies[0]["responseId"])
	assert.Equal(t, float64(3), bodies[0]["removedCount"])
	assert.Len(t, bodies[0]["events"].([]interface{}), 2)
}

func TestSyncAllPurgesQueuedCopies(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 10})

	a := testEntry("ev_1", "https://example.com/a")
	b := testEntry("ev_2", "https://example.com/b")
	u.Enqueue(a)
	u.Enqueue(b)

	// Only entry a is still in the durable log; b was removed.
	require.NoError(t, u.SyncAll(context.Background(), []logstore.Entry{a}, "R_1", 1))

	// a's queued copy is redundant after the resync, b's was removed.
	assert.Equal(t, []string{"ev_2"}, u.PendingIDs())
}

func TestSyncAllFailureKeepsQueue(t *testing.T) {
	c := newCollector(t)
	c.fail = 1
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 10})

	a := testEntry("ev_1", "https://example.com/a")
	u.Enqueue(a)

	require.Error(t, u.SyncAll(context.Background(), []logstore.Entry{a}, "R_1", 0))
	assert.Equal(t, []string{"ev_1"}, u.PendingIDs())
}

func TestClear(t *testing.T) {
	u := newUploader(Config{Endpoint: "http://unused", BatchSize: 10})
	u.Enqueue(testEntry("ev_1", "https://example.com/a"))
	u.Enqueue(testEntry("ev_2", "https://example.com/b"))

	u.Clear()
	assert.Zero(t, u.Pending())
}

func TestRunPeriodicFlush(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 100})

	u.Enqueue(testEntry("ev_1", "https://example.com/a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return len(c.received()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Len(t, c.received(), 1)
}

func TestWireFormatOmitsLogID(t *testing.T) {
	c := newCollector(t)
	u := newUploader(Config{Endpoint: c.srv.URL, BatchSize: 1})

	e := testEntry("ev_1", "https://google.com/search?q=x")
	e.SearchResults = []string{"[summary] snippet", "https://a.example"}
	u.Enqueue(e)
	require.NoError(t, u.Flush(context.Background()))

	bodies := c.received()
	require.Len(t, bodies, 1)
	ev := bodies[0]["events"].([]interface{})[0].(map[string]interface{})
	_, hasID := ev["id"]
	assert.False(t, hasID)
	assert.Equal(t, []interface{}{"[summary] snippet", "https://a.example"}, ev["searchResults"])
}
