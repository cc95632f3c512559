// Package ingress accepts driver WebSocket connections, parses
// telemetry frames, and dispatches them into the pipeline.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/pipeline"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Processor is the subset of pipeline.Pipeline the handler depends on.
type Processor interface {
	ProcessFrame(ctx context.Context, frame wire.DriverFrame, receivedAt time.Time) error
}

// Handler upgrades driver connections and feeds their frames into a
// Processor. Authentication of the driver client is an external
// collaborator's responsibility; the upgrade is accepted unconditionally.
type Handler struct {
	processor Processor
	logger    *zap.Logger
}

func NewHandler(processor Processor, logger *zap.Logger) *Handler {
	return &Handler{processor: processor, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("driver websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.ConnectedMessage{Type: "connected", Message: "Connected to driver location service"}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		frame, parseErr := parseFrame(data)
		if parseErr != nil {
			conn.WriteJSON(wire.ErrorMessage{Type: "error", Message: parseErr.Error()})
			continue
		}

		if err := h.processor.ProcessFrame(r.Context(), frame, time.Now()); err != nil {
			conn.WriteJSON(wire.ErrorMessage{Type: "error", Message: err.Error()})
		}
	}
}

var errMissingBusID = errors.New("missing busId")

func parseFrame(data []byte) (wire.DriverFrame, error) {
	var frame wire.DriverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return wire.DriverFrame{}, err
	}
	if frame.BusID == "" {
		return wire.DriverFrame{}, errMissingBusID
	}
	return frame, nil
}
