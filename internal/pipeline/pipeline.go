// Package pipeline wires the bus-state store, matcher, estimator, and
// broadcaster together into the per-frame processing pass triggered by
// each inbound driver frame.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/busstate"
	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/geodesy"
	"github.com/transitpulse/realtime-tracker/internal/metrics"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// ErrBadInput is returned when a driver frame fails validation before
// any state mutation; the caller is expected to send an error frame
// back to the offending driver socket and otherwise ignore it.
var ErrBadInput = errors.New("pipeline: bad input")

// CatalogReader is the subset of catalog.Reader the pipeline depends
// on directly, beyond what it hands to the matcher.
type CatalogReader interface {
	SublinesOfRoute(ctx context.Context, mainRouteID int) (map[int]catalog.Subline, error)
}

// Matcher decides the subline id a bus is on.
type Matcher interface {
	Match(ctx context.Context, mainRouteID int, history []busstate.Sample) (sublineID int, ok bool)
}

// Broadcaster enqueues an outbound message for delivery to its
// owning route's subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg wire.OutboundMessage)
}

// EstaInfoBuilder synthesizes the esta-info message for a bus.
type EstaInfoBuilder func(sublineID int, pos wire.Coordinate, velocityMS float64, stops []catalog.Stop, now time.Time) (wire.EstaInfoMessage, error)

// Pipeline processes inbound driver frames.
type Pipeline struct {
	store       *busstate.Store
	catalog     CatalogReader
	matcher     Matcher
	broadcaster Broadcaster
	buildEsta   EstaInfoBuilder

	historySize int
	minSignals  int
	logger      *zap.Logger
}

func New(store *busstate.Store, catalogReader CatalogReader, matcher Matcher, broadcaster Broadcaster, buildEsta EstaInfoBuilder, historySize, minSignals int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:       store,
		catalog:     catalogReader,
		matcher:     matcher,
		broadcaster: broadcaster,
		buildEsta:   buildEsta,
		historySize: historySize,
		minSignals:  minSignals,
		logger:      logger,
	}
}

// ProcessFrame runs one driver frame through the full pipeline. The
// frame must already have been parsed and minimally validated (busId
// present); ProcessFrame validates the coordinate itself.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame wire.DriverFrame, receivedAt time.Time) error {
	pos := wire.Coordinate{Lat: frame.Lat, Lng: frame.Lng}
	if !geodesy.IsFinite(pos) {
		metrics.FramesIngestedTotal.WithLabelValues("bad_input").Inc()
		return ErrBadInput
	}

	var outbound []wire.OutboundMessage

	p.store.Update(frame.BusID, func(prev busstate.State) busstate.State {
		// Step 1: history update.
		next := prev.PushHistory(busstate.Sample{Position: pos, Timestamp: receivedAt}, p.historySize)

		// Step 2: route-change reset.
		routeChanged := !next.HasMainRouteID || next.MainRouteID != frame.RouteID
		if routeChanged {
			next = next.ResetRouteAssignment(frame.RouteID)
		}

		// Step 3: subline inference.
		if !routeChanged && len(next.History) >= p.minSignals {
			if newSublineID, ok := p.matcher.Match(ctx, next.MainRouteID, next.History); ok {
				switch {
				case !next.HasCurrentSubline:
					next.CurrentSublineID = newSublineID
					next.HasCurrentSubline = true
				case next.CurrentSublineID != newSublineID:
					next.CurrentSublineID = newSublineID
					next.HasCurrentSubline = true
					metrics.SublineTransitionsTotal.Inc()
				}
			}
			// matcher returning ok=false retains the previous current_subline_id.
		}

		// Step 4: close emission on transition.
		if next.HasPreviousSubline && next.HasCurrentSubline && next.PreviousSublineID != next.CurrentSublineID {
			// prev.History's newest sample is the previous frame's
			// position, still on the old subline; the new incoming
			// position (pushed into next.History) is what triggered
			// the transition.
			closePos := pos
			closeTime := receivedAt
			if len(prev.History) >= 1 {
				closePos = prev.History[len(prev.History)-1].Position
				closeTime = prev.History[len(prev.History)-1].Timestamp
			}
			ts := wire.FormatTimestamp(closeTime)
			outbound = append(outbound, wire.OutboundMessage{
				SublineID: next.PreviousSublineID,
				Close: &wire.CloseMessage{
					Type:     "close",
					RtID:     next.PreviousSublineID,
					Upd:      ts,
					Date:     ts,
					Del:      0,
					Pass:     "0",
					Lat:      closePos.Lat,
					Lng:      closePos.Lng,
					StopID:   0,
					StopCode: "-",
					StopNam:  "-",
				},
			})
		}

		// Step 5: position emission.
		if next.HasCurrentSubline {
			ts := wire.FormatTimestamp(receivedAt)
			outbound = append(outbound, wire.OutboundMessage{
				SublineID: next.CurrentSublineID,
				Position: &wire.PositionMessage{
					Type: "position",
					RtID: next.CurrentSublineID,
					Upd:  ts,
					Date: ts,
					Lat:  pos.Lat,
					Lng:  pos.Lng,
					Vel:  frame.Velocity * 3.6,
				},
			})
		}

		// Step 6: esta-info emission.
		if next.HasCurrentSubline {
			if !next.HasCachedStops || next.CachedStops.SublineID != next.CurrentSublineID {
				sublines, err := p.catalog.SublinesOfRoute(ctx, next.MainRouteID)
				if err != nil {
					metrics.StorageErrorsTotal.WithLabelValues("pipeline").Inc()
					p.logger.Warn("sublines_of_route failed, skipping esta-info", zap.Error(err))
				} else if sub, ok := sublines[next.CurrentSublineID]; ok {
					next.CachedStops = busstate.CachedStops{SublineID: next.CurrentSublineID, Stops: sub.Stops}
					next.HasCachedStops = true
				}
			}

			if next.HasCachedStops && next.CachedStops.SublineID == next.CurrentSublineID {
				esta, err := p.buildEsta(next.CurrentSublineID, pos, frame.Velocity, next.CachedStops.Stops, receivedAt)
				if err != nil {
					p.logger.Warn("esta-info build failed", zap.Error(err))
				} else {
					outbound = append(outbound, wire.OutboundMessage{SublineID: next.CurrentSublineID, EstaInfo: &esta})
				}
			}
		}

		// Step 7: commit.
		if next.HasCurrentSubline {
			next.PreviousSublineID = next.CurrentSublineID
			next.HasPreviousSubline = true
		}
		next.LastTimestamp = receivedAt
		next.LastVelocityMS = frame.Velocity

		return next
	})

	metrics.FramesIngestedTotal.WithLabelValues("accepted").Inc()
	for _, msg := range outbound {
		p.broadcaster.Broadcast(ctx, msg)
	}
	return nil
}
