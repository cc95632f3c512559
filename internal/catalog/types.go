package catalog

import "github.com/transitpulse/realtime-tracker/internal/wire"

// Stop is immutable within a process lifetime.
type Stop struct {
	ID       int64
	Code     string
	Name     string
	Ref      string
	Position wire.Coordinate
}

// Subline is an ordered sequence of Stops representing one directional
// variant of a main route. Stop N+1 is the immediate
// successor of stop N along the drive path.
type Subline struct {
	ID          int
	MainRouteID int
	Stops       []Stop
}
