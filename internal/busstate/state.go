// Package busstate holds the in-memory, ephemeral per-bus state the
// pipeline reads and mutates on every inbound driver frame: recent
// position history, the driver-declared main route, and the inferred
// subline.
package busstate

import (
	"time"

	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// Sample is one history entry: a position observed at an instant.
type Sample struct {
	Position  wire.Coordinate
	Timestamp time.Time
}

// CachedStops is the ordered stop list for the subline currently
// assigned to a bus, refreshed whenever the subline id changes.
type CachedStops struct {
	SublineID int
	Stops     []catalog.Stop
}

// State is one bus's tracked position and inferred route assignment.
// Zero value is the initial state for a bus id never seen before.
type State struct {
	BusID string

	History []Sample

	MainRouteID    int
	HasMainRouteID bool

	CurrentSublineID    int
	HasCurrentSubline   bool
	PreviousSublineID   int
	HasPreviousSubline  bool

	CachedStops    CachedStops
	HasCachedStops bool

	LastTimestamp time.Time

	// LastVelocityMS is the velocity (m/s) reported on the most recent
	// frame; used by the station-directed query, which has no other
	// source of a bus's current speed.
	LastVelocityMS float64
}

// PushHistory appends sample and truncates to the newest historySize
// entries, oldest first.
func (s State) PushHistory(sample Sample, historySize int) State {
	s.History = append(append([]Sample{}, s.History...), sample)
	if len(s.History) > historySize {
		s.History = s.History[len(s.History)-historySize:]
	}
	return s
}

// ResetRouteAssignment clears subline tracking, used when the driver's
// declared main route changes between frames.
func (s State) ResetRouteAssignment(mainRouteID int) State {
	s.MainRouteID = mainRouteID
	s.HasMainRouteID = true
	s.CurrentSublineID = 0
	s.HasCurrentSubline = false
	s.PreviousSublineID = 0
	s.HasPreviousSubline = false
	s.CachedStops = CachedStops{}
	s.HasCachedStops = false
	return s
}
