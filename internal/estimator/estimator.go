// Package estimator turns a bus's current position, velocity, and the
// ordered stop list of its inferred subline into the upcoming-stops
// arrival estimates broadcast to passengers.
package estimator

import (
	"time"

	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/geodesy"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

// DefaultUpcomingCount is the number of stops ahead of the bus's
// closest stop included in an esta-info message, absent a configured
// value.
const DefaultUpcomingCount = 5

// DefaultDepartureOffset is added to a known arrival time to produce
// the estimated departure time for that stop, absent a configured
// value.
const DefaultDepartureOffset = 30 * time.Second

// BuildEstaInfo synthesizes the esta-info message for a bus currently
// at pos with velocityMS (m/s), on sublineID whose ordered stops are
// stops. now is the instant the message is generated. upcomingCount
// bounds how many stops past the closest one are included;
// departureOffset is added to a stop's arrival time to produce its
// estimated departure time.
func BuildEstaInfo(sublineID int, pos wire.Coordinate, velocityMS float64, stops []catalog.Stop, now time.Time, upcomingCount int, departureOffset time.Duration) (wire.EstaInfoMessage, error) {
	upcoming, err := upcomingStops(pos, stops, upcomingCount)
	if err != nil {
		return wire.EstaInfoMessage{}, err
	}

	estaStops := make([]wire.EstaStop, 0, len(upcoming))
	for _, stop := range upcoming {
		d, err := geodesy.Distance(pos, stop.Position)
		if err != nil {
			return wire.EstaInfoMessage{}, err
		}

		var arrT, depT, estaTime string
		if velocityMS > 0 {
			arrival := now.Add(time.Duration(d / velocityMS * float64(time.Second)))
			departure := arrival.Add(departureOffset)
			arrT = wire.FormatClockTime(arrival)
			depT = wire.FormatClockTime(departure)
			estaTime = wire.FormatTimestamp(arrival)
		} else {
			arrT = "unknown"
			depT = "unknown"
			estaTime = "unknown"
		}

		estaStops = append(estaStops, wire.EstaStop{
			StopID:   stop.ID,
			StopCode: stop.Code,
			StopNam:  stop.Name,
			ArrT:     arrT,
			DepT:     depT,
			EstaDist: d,
			EstaTime: estaTime,
		})
	}

	ts := wire.FormatTimestamp(now)
	return wire.EstaInfoMessage{
		Type: "esta-info",
		RtID: sublineID,
		Upd:  ts,
		Date: ts,
		Stops: estaStops,
		Pos: wire.EstaPos{
			Lat:  pos.Lat,
			Lng:  pos.Lng,
			Vel:  velocityMS * 3.6,
			Time: ts,
		},
		Bus: wire.DefaultEstaBus,
	}, nil
}

// upcomingStops returns the upcomingCount stops immediately following
// the stop closest to pos, in subline order.
func upcomingStops(pos wire.Coordinate, stops []catalog.Stop, upcomingCount int) ([]catalog.Stop, error) {
	if len(stops) == 0 {
		return nil, nil
	}

	closestIdx := 0
	closestDist, err := geodesy.Distance(pos, stops[0].Position)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(stops); i++ {
		d, err := geodesy.Distance(pos, stops[i].Position)
		if err != nil {
			return nil, err
		}
		if d < closestDist {
			closestDist = d
			closestIdx = i
		}
	}

	start := closestIdx + 1
	if start >= len(stops) {
		return nil, nil
	}
	end := start + upcomingCount
	if end > len(stops) {
		end = len(stops)
	}
	return stops[start:end], nil
}
