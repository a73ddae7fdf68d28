// Package http holds the gin handlers for the control, review, and
// signal surfaces.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tracelab/surveytrace/internal/logstore"
	"github.com/tracelab/surveytrace/internal/tracker"
)

// Handlers bundles HTTP handlers around the tracker aggregate.
type Handlers struct {
	tracker *tracker.Tracker
}

// NewHandlers creates the handler set.
func NewHandlers(t *tracker.Tracker) *Handlers {
	return &Handlers{tracker: t}
}

// Root returns service identification.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "surveytrace",
		"status":  "running",
	})
}

// Health returns tracker status.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"tracker": h.tracker.Status(),
	})
}

type startRequest struct {
	SessionID string `json:"sessionId"`
}

// Start activates tracking.
func (h *Handlers) Start(c *gin.Context) {
	var req startRequest
	// Body is optional; the session id may only arrive later from the
	// survey page's context reports.
	_ = c.ShouldBindJSON(&req)
	h.tracker.Start(req.SessionID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Stop deactivates tracking.
func (h *Handlers) Stop(c *gin.Context) {
	h.tracker.Stop()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type contextRequest struct {
	QuestionID string `json:"questionId"`
	SessionID  string `json:"sessionId"`
}

// ContextUpdate applies a question/session report from the survey page.
func (h *Handlers) ContextUpdate(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.tracker.ContextUpdate(req.QuestionID, req.SessionID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type surveyStopRequest struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// SurveyStop records a survey-driven stop.
func (h *Handlers) SurveyStop(c *gin.Context) {
	var req surveyStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	h.tracker.SurveyStop(c.Request.Context(), req.Reason, req.Force)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetLogs returns the privacy-reduced log snapshot for the review UI.
func (h *Handlers) GetLogs(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Snapshot())
}

// RemoveLog removes one entry and resyncs the collector.
func (h *Handlers) RemoveLog(c *gin.Context) {
	snapshot, err := h.tracker.RemoveLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "log entry not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Signal ingests one raw host signal over plain HTTP. The WebSocket
// stream is the primary path; this exists for bridges that cannot hold
// a socket open.
func (h *Handlers) Signal(c *gin.Context) {
	var sig tracker.HostSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal body"})
		return
	}

	logged, err := h.tracker.Dispatch(c.Request.Context(), sig)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "logged": logged})
}
