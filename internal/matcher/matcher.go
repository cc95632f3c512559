// Package matcher infers which subline a bus is currently serving by
// comparing its recent direction of travel against the bearing of each
// candidate subline's stop-to-stop segments.
package matcher

import (
	"context"
	"sort"

	"github.com/transitpulse/realtime-tracker/internal/busstate"
	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/geodesy"
	"github.com/transitpulse/realtime-tracker/internal/metrics"
)

// CatalogReader is the subset of catalog.Reader the matcher depends on.
type CatalogReader interface {
	SublinesOfRoute(ctx context.Context, mainRouteID int) (map[int]catalog.Subline, error)
}

// Matcher decides the subline id a bus is on, given its main route id
// and recent position history.
type Matcher struct {
	catalog           CatalogReader
	minSignals        int
	matchThresholdDeg float64
	noiseFloorMeters  float64
}

func New(catalog CatalogReader, minSignals int, matchThresholdDeg, noiseFloorMeters float64) *Matcher {
	return &Matcher{
		catalog:           catalog,
		minSignals:        minSignals,
		matchThresholdDeg: matchThresholdDeg,
		noiseFloorMeters:  noiseFloorMeters,
	}
}

// Match returns the best-scoring subline id, or ok=false when history
// is below quorum, the route has no sublines, or no segment fell
// within the acceptance threshold.
func (m *Matcher) Match(ctx context.Context, mainRouteID int, history []busstate.Sample) (sublineID int, ok bool) {
	if len(history) < m.minSignals {
		return 0, false
	}

	samples := make([]geodesy.HistorySample, len(history))
	for i, h := range history {
		samples[i] = geodesy.HistorySample{Position: h.Position}
	}
	beta, haveBearing := geodesy.AverageBearing(samples, m.noiseFloorMeters)
	if !haveBearing {
		return 0, false
	}

	sublines, err := m.catalog.SublinesOfRoute(ctx, mainRouteID)
	if err != nil || len(sublines) == 0 {
		metrics.MatcherInvocationsTotal.WithLabelValues("no_sublines").Inc()
		return 0, false
	}

	ids := make([]int, 0, len(sublines))
	for id := range sublines {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	bestID := 0
	bestScore := -1.0
	found := false

	for _, id := range ids {
		stops := sublines[id].Stops
		if len(stops) < 2 {
			continue
		}
		for i := 0; i+1 < len(stops); i++ {
			alpha, haveAlpha := geodesy.Bearing(stops[i].Position, stops[i+1].Position)
			if !haveAlpha {
				continue
			}
			delta := geodesy.CircularDistance(beta, alpha)
			if delta > m.matchThresholdDeg {
				continue
			}
			score := m.matchThresholdDeg - delta
			if score > bestScore {
				bestScore = score
				bestID = id
				found = true
			}
		}
	}

	if !found {
		metrics.MatcherInvocationsTotal.WithLabelValues("no_match").Inc()
		return 0, false
	}
	metrics.MatcherInvocationsTotal.WithLabelValues("matched").Inc()
	return bestID, true
}
