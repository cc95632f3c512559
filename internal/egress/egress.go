// Package egress accepts passenger WebSocket connections scoped to a
// main route and feeds them messages from the subscription registry.
package egress

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/registry"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

var pathPattern = regexp.MustCompile(`^/api/passenger-realtime-ws/(\d+)$`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Subscriber abstracts registry.Registry.Subscribe/Unsubscribe so the
// handler does not depend on the registry package's internal handle
// type.
type Subscriber interface {
	Subscribe(mainRouteID int, conn Conn) Subscription
}

// Conn is the minimal write surface a passenger socket exposes to the
// registry. WriteMessage takes pre-serialized bytes so the registry
// can serialize a broadcast message once and fan the same bytes out
// to every subscriber.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Subscription is returned by Subscribe and must be released exactly
// once via Unsubscribe.
type Subscription interface {
	Unsubscribe()
}

// RegistryAdapter adapts *registry.Registry to the Subscriber
// interface; registry.Registry's own method signatures are pinned to
// its own Conn/Subscription types, so this package's narrower
// interfaces need an adapter rather than direct assignment.
type RegistryAdapter struct {
	Registry *registry.Registry
}

func (a RegistryAdapter) Subscribe(mainRouteID int, conn Conn) Subscription {
	return a.Registry.Subscribe(mainRouteID, conn)
}

// Handler upgrades passenger connections, validates the main-route-id
// path segment, sends the welcome message, and subscribes the
// connection to the registry for the remainder of its lifetime.
type Handler struct {
	subscriber Subscriber
	logger     *zap.Logger
}

func NewHandler(subscriber Subscriber, logger *zap.Logger) *Handler {
	return &Handler{subscriber: subscriber, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matches := pathPattern.FindStringSubmatch(r.URL.Path)
	if matches == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	mainRouteID, err := parseMainRouteID(matches[1])
	if err != nil {
		http.Error(w, "invalid main route id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("passenger websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	welcome := wire.PassengerWelcome{
		Type:      "connection",
		Message:   "Connected to real-time feed for route " + matches[1],
		Timestamp: nowFunc().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		h.logger.Error("marshaling welcome message failed", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return
	}

	sub := h.subscriber.Subscribe(mainRouteID, conn)
	defer sub.Unsubscribe()

	// readPump: the only reads expected from a passenger socket are
	// control frames and the close handshake; any read error or close
	// ends the connection's lifetime.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// parseMainRouteID converts the path's already-\d+-validated segment;
// the only failure mode left is overflow of int.
func parseMainRouteID(s string) (int, error) {
	return strconv.Atoi(s)
}

var nowFunc = time.Now
