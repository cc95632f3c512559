// Package registry maps main routes to their passenger subscriber
// connections and fans pipeline output out to them without letting a
// slow subscriber stall the ingest path.
package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/metrics"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// Conn is a passenger connection's write side. Satisfied by the
// *websocket.Conn the egress package subscribes; kept as an interface
// so the registry can be tested without a real socket.
type Conn interface {
	// WriteMessage writes one pre-serialized text frame. Returning an
	// error marks the connection for removal.
	WriteMessage(messageType int, data []byte) error
	// Close closes the underlying connection.
	Close() error
}

type subscriber struct {
	conn  Conn
	queue chan []byte
	done  chan struct{}
}

// Registry is the main-route-id -> subscriber-set map. One
// registry-wide lock guards it: Subscribe, Unsubscribe and evictions
// take it exclusively, BroadcastToRoute takes it shared while copying
// a route's subscriber set.
type Registry struct {
	mu          sync.RWMutex
	routes      map[int]map[*subscriber]struct{}
	queueSize   int
	logger      *zap.Logger
}

func NewRegistry(queueSize int, logger *zap.Logger) *Registry {
	return &Registry{
		routes:    make(map[int]map[*subscriber]struct{}),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscription is an opaque reference to one subscribed connection,
// returned by Subscribe. Unsubscribe must be called when the
// connection closes.
type Subscription struct {
	registry    *Registry
	mainRouteID int
	sub         *subscriber
}

// Unsubscribe removes the connection this Subscription was created
// for. Safe to call more than once; later calls are a no-op.
func (s *Subscription) Unsubscribe() {
	s.registry.unsubscribe(s)
}

// Subscribe registers conn under mainRouteID and starts its dedicated
// writer goroutine. The returned Subscription's Unsubscribe method
// must be called when the connection closes.
func (r *Registry) Subscribe(mainRouteID int, conn Conn) *Subscription {
	sub := &subscriber{
		conn:  conn,
		queue: make(chan []byte, r.queueSize),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	set, ok := r.routes[mainRouteID]
	if !ok {
		set = make(map[*subscriber]struct{})
		r.routes[mainRouteID] = set
	}
	set[sub] = struct{}{}
	metrics.SubscribersGauge.WithLabelValues(routeLabel(mainRouteID)).Set(float64(len(set)))
	r.mu.Unlock()

	go r.writeLoop(sub)

	return &Subscription{registry: r, mainRouteID: mainRouteID, sub: sub}
}

func (r *Registry) unsubscribe(h *Subscription) {
	r.mu.Lock()
	set, ok := r.routes[h.mainRouteID]
	if ok {
		if _, present := set[h.sub]; present {
			delete(set, h.sub)
			metrics.SubscribersGauge.WithLabelValues(routeLabel(h.mainRouteID)).Set(float64(len(set)))
		}
		if len(set) == 0 {
			delete(r.routes, h.mainRouteID)
		}
	}
	r.mu.Unlock()

	select {
	case <-h.sub.done:
	default:
		close(h.sub.done)
	}
}

// BroadcastToRoute hands message to every open subscriber of
// mainRouteID. message is serialized exactly once and the resulting
// bytes are fanned out to every subscriber's queue; a subscriber whose
// queue is full is dropped rather than allowed to block this call.
func (r *Registry) BroadcastToRoute(mainRouteID int, message interface{}) {
	r.mu.RLock()
	set := r.routes[mainRouteID]
	subs := make([]*subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Error("marshaling broadcast message failed", zap.Error(err))
		return
	}

	for _, s := range subs {
		select {
		case s.queue <- data:
		default:
			metrics.BroadcastDroppedConnectionsTotal.WithLabelValues("queue_full").Inc()
			r.evict(mainRouteID, s)
		}
	}
}

func (r *Registry) evict(mainRouteID int, s *subscriber) {
	r.mu.Lock()
	if set, ok := r.routes[mainRouteID]; ok {
		if _, present := set[s]; present {
			delete(set, s)
			metrics.SubscribersGauge.WithLabelValues(routeLabel(mainRouteID)).Set(float64(len(set)))
		}
		if len(set) == 0 {
			delete(r.routes, mainRouteID)
		}
	}
	r.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.conn.Close()
}

func (r *Registry) writeLoop(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				metrics.BroadcastDroppedConnectionsTotal.WithLabelValues("write_error").Inc()
				s.conn.Close()
				return
			}
		}
	}
}

func routeLabel(mainRouteID int) string {
	return strconv.Itoa(mainRouteID)
}

// CatalogOwner resolves the main route that owns a subline id, used by
// Broadcaster to turn subline-keyed pipeline output into a route-keyed
// fan-out.
type CatalogOwner interface {
	OwningRouteOfSubline(ctx context.Context, sublineID int) (mainRouteID int, ok bool, err error)
}

// Broadcaster turns OutboundMessage values keyed by subline id into
// BroadcastToRoute calls keyed by main route id.
type Broadcaster struct {
	registry *Registry
	catalog  CatalogOwner
	logger   *zap.Logger

	loggedUnknown map[int]struct{}
	mu            sync.Mutex
}

func NewBroadcaster(registry *Registry, catalog CatalogOwner, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry:      registry,
		catalog:       catalog,
		logger:        logger,
		loggedUnknown: make(map[int]struct{}),
	}
}

// Broadcast resolves msg's owning main route and fans it out. A failed
// resolution is logged once per unknown subline id and the message is
// dropped.
func (b *Broadcaster) Broadcast(ctx context.Context, msg wire.OutboundMessage) {
	mainRouteID, ok, err := b.catalog.OwningRouteOfSubline(ctx, msg.SublineID)
	if err != nil {
		b.logger.Warn("owning route lookup failed", zap.Int("subline_id", msg.SublineID), zap.Error(err))
		return
	}
	if !ok {
		b.mu.Lock()
		_, logged := b.loggedUnknown[msg.SublineID]
		if !logged {
			b.loggedUnknown[msg.SublineID] = struct{}{}
		}
		b.mu.Unlock()
		if !logged {
			b.logger.Warn("unknown subline id, dropping message", zap.Int("subline_id", msg.SublineID))
		}
		return
	}

	payload, messageType := payloadOf(msg)
	if payload == nil {
		return
	}
	metrics.BroadcastMessagesTotal.WithLabelValues(messageType).Inc()
	b.registry.BroadcastToRoute(mainRouteID, payload)
}

func payloadOf(msg wire.OutboundMessage) (interface{}, string) {
	switch {
	case msg.Position != nil:
		return msg.Position, "position"
	case msg.Close != nil:
		return msg.Close, "close"
	case msg.EstaInfo != nil:
		return msg.EstaInfo, "esta-info"
	default:
		return nil, ""
	}
}
