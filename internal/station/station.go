// Package station answers "which buses are approaching station X,
// next N" queries on behalf of the REST front door.
package station

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/transitpulse/realtime-tracker/internal/busstate"
	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/geodesy"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// minApproachVelocity below which a bus is treated as stationary for
// arrival-time purposes; such buses get an infinite estimated time.
const minApproachVelocity = 0.5

// DepartureHint describes one bus approaching a station.
type DepartureHint struct {
	SublineID        int             `json:"subline_id"`
	BusID            string          `json:"bus_id"`
	CurrentPos       wire.Coordinate `json:"current_pos"`
	CurrentVelocity  float64         `json:"current_velocity"`
	EstimatedArrival float64         `json:"-"` // seconds, math.Inf(1) when unknown
	DistanceMeters   float64         `json:"distance_meters"`
}

// MarshalJSON renders EstimatedArrival as null when the bus's arrival
// time at the station is unknown; encoding/json has no representation
// for +Inf.
func (h DepartureHint) MarshalJSON() ([]byte, error) {
	type alias DepartureHint // avoid recursing into this method

	var arrival *float64
	if !math.IsInf(h.EstimatedArrival, 1) {
		v := h.EstimatedArrival
		arrival = &v
	}

	return json.Marshal(struct {
		alias
		EstimatedArrival *float64 `json:"estimated_arrival"`
	}{alias(h), arrival})
}

// CatalogReader is the subset of catalog.Reader the station query
// depends on.
type CatalogReader interface {
	SublinesServingStation(ctx context.Context, stationID int64) ([]int, error)
	SublinesOfRoute(ctx context.Context, mainRouteID int) (map[int]catalog.Subline, error)
}

// ActiveBuses is the subset of busstate.Store the station query
// depends on.
type ActiveBuses interface {
	IterateActive(fn func(busstate.State))
}

// Finder answers DeparturesForStation queries.
type Finder struct {
	catalog CatalogReader
	buses   ActiveBuses
}

func NewFinder(catalog CatalogReader, buses ActiveBuses) *Finder {
	return &Finder{catalog: catalog, buses: buses}
}

// DeparturesForStation returns up to n hints for buses approaching
// stationID, sorted by ascending estimated arrival time.
func (f *Finder) DeparturesForStation(ctx context.Context, stationID int64, n int) ([]DepartureHint, error) {
	sublineIDs, err := f.catalog.SublinesServingStation(ctx, stationID)
	if err != nil {
		return nil, err
	}
	if len(sublineIDs) == 0 {
		return nil, nil
	}

	servingSubline := make(map[int]bool, len(sublineIDs))
	for _, id := range sublineIDs {
		servingSubline[id] = true
	}

	stopIndexBySubline := make(map[int]map[int]int)
	stationIndexBySubline := make(map[int]int)
	stopsBySubline := make(map[int][]catalog.Stop)

	seenRoutes := make(map[int]bool)
	var resolveErr error
	f.buses.IterateActive(func(s busstate.State) {
		if resolveErr != nil || !s.HasCurrentSubline || !servingSubline[s.CurrentSublineID] {
			return
		}
		if seenRoutes[s.MainRouteID] {
			return
		}
		seenRoutes[s.MainRouteID] = true

		sublines, err := f.catalog.SublinesOfRoute(ctx, s.MainRouteID)
		if err != nil {
			resolveErr = err
			return
		}
		for id, sub := range sublines {
			if !servingSubline[id] {
				continue
			}
			idx := make(map[int]int, len(sub.Stops))
			stationIdx := -1
			for i, stop := range sub.Stops {
				idx[int(stop.ID)] = i
				if stop.ID == stationID {
					stationIdx = i
				}
			}
			stopIndexBySubline[id] = idx
			stationIndexBySubline[id] = stationIdx
			stopsBySubline[id] = sub.Stops
		}
	})
	if resolveErr != nil {
		return nil, resolveErr
	}

	var hints []DepartureHint
	f.buses.IterateActive(func(s busstate.State) {
		if !s.HasCurrentSubline || !servingSubline[s.CurrentSublineID] {
			return
		}
		stops := stopsBySubline[s.CurrentSublineID]
		stationIdx, ok := stationIndexBySubline[s.CurrentSublineID]
		if !ok || stationIdx < 0 || len(stops) == 0 || len(s.History) == 0 {
			return
		}

		currentPos := s.History[len(s.History)-1].Position
		closestIdx := closestStopIndex(currentPos, stops)
		if stationIdx <= closestIdx {
			return // bus is past the station
		}

		d, err := geodesy.Distance(currentPos, stops[stationIdx].Position)
		if err != nil {
			return
		}

		velocity := s.LastVelocityMS
		t := math.Inf(1)
		if velocity > minApproachVelocity {
			t = d / velocity
		}

		hints = append(hints, DepartureHint{
			SublineID:        s.CurrentSublineID,
			BusID:            s.BusID,
			CurrentPos:       currentPos,
			CurrentVelocity:  velocity,
			EstimatedArrival: t,
			DistanceMeters:   d,
		})
	})

	sort.Slice(hints, func(i, j int) bool {
		return hints[i].EstimatedArrival < hints[j].EstimatedArrival
	})
	if len(hints) > n {
		hints = hints[:n]
	}
	return hints, nil
}

func closestStopIndex(pos wire.Coordinate, stops []catalog.Stop) int {
	best := 0
	bestDist := math.Inf(1)
	for i, stop := range stops {
		d, err := geodesy.Distance(pos, stop.Position)
		if err != nil {
			continue
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}
