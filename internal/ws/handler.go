// Package ws streams raw browser signals from the host bridge into the
// tracker over a WebSocket connection.
package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tracelab/surveytrace/internal/logging"
	"github.com/tracelab/surveytrace/internal/tracker"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The bridge runs inside the browser; origins vary per profile.
		return true
	},
}

// Handler manages WebSocket connections from the browser bridge.
type Handler struct {
	tracker *tracker.Tracker
	log     *logging.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(t *tracker.Tracker, logger *logging.Logger) *Handler {
	return &Handler{tracker: t, log: logger}
}

// HandleConnection handles WebSocket upgrade and the signal stream.
// Each message is one host signal and is acked with {ok: true}.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	reqCtx := c.Request.Context()
	h.log.Info("bridge connected", zap.String("remote", conn.RemoteAddr().String()))

	for {
		var sig tracker.HostSignal
		if err := conn.ReadJSON(&sig); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		logged, err := h.tracker.Dispatch(reqCtx, sig)
		ack := map[string]interface{}{"ok": err == nil, "logged": logged}
		if err != nil {
			ack["error"] = err.Error()
		}
		if err := conn.WriteJSON(ack); err != nil {
			h.log.Warn("websocket write error", zap.Error(err))
			return
		}
	}
}
