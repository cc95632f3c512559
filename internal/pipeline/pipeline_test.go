package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/busstate"
	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

type stubCatalog struct {
	sublines map[int]catalog.Subline
}

func (s stubCatalog) SublinesOfRoute(ctx context.Context, mainRouteID int) (map[int]catalog.Subline, error) {
	return s.sublines, nil
}

type stubMatcher struct {
	result int
	ok     bool
}

func (m stubMatcher) Match(ctx context.Context, mainRouteID int, history []busstate.Sample) (int, bool) {
	return m.result, m.ok
}

type recordingBroadcaster struct {
	messages []wire.OutboundMessage
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, msg wire.OutboundMessage) {
	b.messages = append(b.messages, msg)
}

func noopEsta(sublineID int, pos wire.Coordinate, velocityMS float64, stops []catalog.Stop, now time.Time) (wire.EstaInfoMessage, error) {
	return wire.EstaInfoMessage{Type: "esta-info", RtID: sublineID}, nil
}

func frame(busID string, routeID int, lat, lng, velocity float64) wire.DriverFrame {
	return wire.DriverFrame{BusID: busID, RouteID: routeID, Lat: lat, Lng: lng, Velocity: velocity}
}

func TestProcessFrame_RejectsNonFiniteCoordinate(t *testing.T) {
	store := busstate.NewStore(5)
	p := New(store, stubCatalog{}, stubMatcher{}, &recordingBroadcaster{}, noopEsta, 5, 3, zap.NewNop())

	err := p.ProcessFrame(context.Background(), frame("B1", 101, math.NaN(), 0, 5), time.Now())
	if err != ErrBadInput {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestProcessFrame_SubQuorumEmitsNothing(t *testing.T) {
	store := busstate.NewStore(5)
	bc := &recordingBroadcaster{}
	p := New(store, stubCatalog{}, stubMatcher{ok: true, result: 1011}, bc, noopEsta, 5, 3, zap.NewNop())

	now := time.Now()
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.001, 5), now)

	if len(bc.messages) != 0 {
		t.Fatalf("expected no broadcast messages below quorum, got %d", len(bc.messages))
	}
}

func TestProcessFrame_FirstInferenceEmitsPositionAndEstaInfo(t *testing.T) {
	store := busstate.NewStore(5)
	bc := &recordingBroadcaster{}
	sublines := map[int]catalog.Subline{
		1011: {ID: 1011, Stops: []catalog.Stop{
			{ID: 1, Position: wire.Coordinate{Lat: 0, Lng: 0}},
			{ID: 2, Position: wire.Coordinate{Lat: 0, Lng: 0.01}},
		}},
	}
	p := New(store, stubCatalog{sublines: sublines}, stubMatcher{ok: true, result: 1011}, bc, noopEsta, 5, 3, zap.NewNop())

	now := time.Now()
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.001, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.002, 5), now)

	var gotPosition, gotEsta bool
	for _, m := range bc.messages {
		if m.Position != nil && m.SublineID == 1011 {
			gotPosition = true
		}
		if m.EstaInfo != nil && m.SublineID == 1011 {
			gotEsta = true
		}
		if m.Close != nil {
			t.Errorf("did not expect a close message on first inference, got %+v", m.Close)
		}
	}
	if !gotPosition || !gotEsta {
		t.Fatalf("expected position and esta-info messages, got %+v", bc.messages)
	}
}

func TestProcessFrame_SublineTransitionEmitsCloseThenPosition(t *testing.T) {
	store := busstate.NewStore(5)
	bc := &recordingBroadcaster{}
	sublines := map[int]catalog.Subline{
		1011: {ID: 1011, Stops: []catalog.Stop{
			{ID: 1, Position: wire.Coordinate{Lat: 0, Lng: 0}},
			{ID: 2, Position: wire.Coordinate{Lat: 0, Lng: 0.01}},
		}},
	}
	matcher := &switchableMatcher{result: 1011, ok: true}
	p := New(store, stubCatalog{sublines: sublines}, matcher, bc, noopEsta, 5, 3, zap.NewNop())

	now := time.Now()
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.001, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.002, 5), now)
	bc.messages = nil

	matcher.result = 1012
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.003, 5), now)

	if len(bc.messages) < 2 {
		t.Fatalf("expected at least close+position on transition, got %+v", bc.messages)
	}
	if bc.messages[0].Close == nil || bc.messages[0].SublineID != 1011 {
		t.Fatalf("expected first message to be close for subline 1011, got %+v", bc.messages[0])
	}
	if bc.messages[1].Position == nil || bc.messages[1].SublineID != 1012 {
		t.Fatalf("expected second message to be position for subline 1012, got %+v", bc.messages[1])
	}
}

func TestProcessFrame_RouteChangeEmitsNothingOnFirstNewRouteFrame(t *testing.T) {
	store := busstate.NewStore(5)
	bc := &recordingBroadcaster{}
	p := New(store, stubCatalog{}, stubMatcher{ok: true, result: 1011}, bc, noopEsta, 5, 3, zap.NewNop())

	now := time.Now()
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.001, 5), now)
	p.ProcessFrame(context.Background(), frame("B1", 101, 0, 0.002, 5), now)
	bc.messages = nil

	// Route change: subline tracking is cleared and the matcher is not
	// run on this frame, so nothing is broadcast.
	p.ProcessFrame(context.Background(), frame("B1", 202, 1, 1, 5), now)
	if len(bc.messages) != 0 {
		t.Fatalf("expected no messages immediately after route change, got %+v", bc.messages)
	}
}

type switchableMatcher struct {
	result int
	ok     bool
}

func (m *switchableMatcher) Match(ctx context.Context, mainRouteID int, history []busstate.Sample) (int, bool) {
	return m.result, m.ok
}
