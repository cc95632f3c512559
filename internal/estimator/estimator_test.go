package estimator

import (
	"testing"
	"time"

	"github.com/transitpulse/realtime-tracker/internal/catalog"
	"github.com/transitpulse/realtime-tracker/internal/wire"
)

func TestBuildEstaInfo_PositiveVelocityProducesArrivalTimes(t *testing.T) {
	stops := []catalog.Stop{
		{ID: 1, Code: "S1", Name: "Stop 1", Position: wire.Coordinate{Lat: 0, Lng: 0}},
		{ID: 2, Code: "S2", Name: "Stop 2", Position: wire.Coordinate{Lat: 0, Lng: 0.001}},
		{ID: 3, Code: "S3", Name: "Stop 3", Position: wire.Coordinate{Lat: 0, Lng: 0.002}},
	}
	pos := wire.Coordinate{Lat: 0, Lng: 0}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	msg, err := BuildEstaInfo(1011, pos, 10.0, stops, now, DefaultUpcomingCount, DefaultDepartureOffset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Stops) != 2 {
		t.Fatalf("expected 2 upcoming stops, got %d", len(msg.Stops))
	}
	if msg.Stops[0].StopID != 2 {
		t.Errorf("expected first upcoming stop to be id 2, got %d", msg.Stops[0].StopID)
	}
	if msg.Stops[0].ArrT == "unknown" {
		t.Error("expected a known arrival time with positive velocity")
	}
	if msg.Pos.Vel <= 0 {
		t.Errorf("expected km/h velocity > 0, got %f", msg.Pos.Vel)
	}
	if msg.Bus != wire.DefaultEstaBus {
		t.Errorf("expected default capacity block, got %+v", msg.Bus)
	}
}

func TestBuildEstaInfo_ZeroVelocityMarksArrivalUnknown(t *testing.T) {
	stops := []catalog.Stop{
		{ID: 1, Position: wire.Coordinate{Lat: 0, Lng: 0}},
		{ID: 2, Position: wire.Coordinate{Lat: 0, Lng: 0.001}},
	}
	pos := wire.Coordinate{Lat: 0, Lng: 0}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	msg, err := BuildEstaInfo(1011, pos, 0, stops, now, DefaultUpcomingCount, DefaultDepartureOffset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Stops) != 1 {
		t.Fatalf("expected 1 upcoming stop, got %d", len(msg.Stops))
	}
	if msg.Stops[0].ArrT != "unknown" || msg.Stops[0].DepT != "unknown" {
		t.Errorf("expected arrival/departure unknown at zero velocity, got %+v", msg.Stops[0])
	}
}

func TestBuildEstaInfo_ClosestStopAtEndOfSublineYieldsNoUpcomingStops(t *testing.T) {
	stops := []catalog.Stop{
		{ID: 1, Position: wire.Coordinate{Lat: 0, Lng: 0}},
		{ID: 2, Position: wire.Coordinate{Lat: 0, Lng: 0.001}},
	}
	pos := wire.Coordinate{Lat: 0, Lng: 0.001}
	now := time.Now()

	msg, err := BuildEstaInfo(1011, pos, 5, stops, now, DefaultUpcomingCount, DefaultDepartureOffset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Stops) != 0 {
		t.Fatalf("expected no upcoming stops when closest stop is last, got %d", len(msg.Stops))
	}
}

func TestBuildEstaInfo_TruncatesToUpcomingCount(t *testing.T) {
	stops := make([]catalog.Stop, 0, 10)
	for i := 0; i < 10; i++ {
		stops = append(stops, catalog.Stop{ID: int64(i), Position: wire.Coordinate{Lat: 0, Lng: float64(i) * 0.001}})
	}
	pos := wire.Coordinate{Lat: 0, Lng: 0}
	now := time.Now()

	msg, err := BuildEstaInfo(1011, pos, 5, stops, now, DefaultUpcomingCount, DefaultDepartureOffset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Stops) != DefaultUpcomingCount {
		t.Fatalf("expected %d upcoming stops, got %d", DefaultUpcomingCount, len(msg.Stops))
	}
}
