package ingress

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transitpulse/realtime-tracker/internal/wire"
)

func TestParseFrame_MissingBusIDRejected(t *testing.T) {
	_, err := parseFrame([]byte(`{"routeId":101,"lat":0,"lng":0}`))
	if err != errMissingBusID {
		t.Fatalf("expected errMissingBusID, got %v", err)
	}
}

func TestParseFrame_MalformedJSONRejected(t *testing.T) {
	_, err := parseFrame([]byte(`not json`))
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestParseFrame_ValidFrameParsed(t *testing.T) {
	f, err := parseFrame([]byte(`{"routeId":101,"busId":"B1","lat":1.5,"lng":2.5,"velocity":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.BusID != "B1" || f.RouteID != 101 || f.Lat != 1.5 || f.Lng != 2.5 || f.Velocity != 3 {
		t.Errorf("unexpected parsed frame: %+v", f)
	}
}

type recordingProcessor struct {
	frames []wire.DriverFrame
	err    error
}

func (p *recordingProcessor) ProcessFrame(ctx context.Context, frame wire.DriverFrame, receivedAt time.Time) error {
	p.frames = append(p.frames, frame)
	return p.err
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestServeHTTP_SendsConnectedThenDispatchesFrames(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandler(proc, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv.URL)
	defer conn.Close()

	var connected map[string]interface{}
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("failed to read connected message: %v", err)
	}
	if connected["type"] != "connected" {
		t.Errorf("expected type=connected, got %v", connected["type"])
	}

	if err := conn.WriteJSON(wire.DriverFrame{BusID: "B1", RouteID: 101, Lat: 1, Lng: 2}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(proc.frames) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(proc.frames) != 1 || proc.frames[0].BusID != "B1" {
		t.Fatalf("expected one dispatched frame for B1, got %+v", proc.frames)
	}
}

func TestServeHTTP_MalformedFrameSendsError(t *testing.T) {
	proc := &recordingProcessor{}
	h := NewHandler(proc, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv.URL)
	defer conn.Close()

	var connected map[string]interface{}
	conn.ReadJSON(&connected)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"routeId":101}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var errMsg map[string]interface{}
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("failed to read error message: %v", err)
	}
	if errMsg["type"] != "error" {
		t.Errorf("expected type=error, got %v", errMsg["type"])
	}
	if len(proc.frames) != 0 {
		t.Errorf("expected no dispatched frames for a missing-busId message, got %+v", proc.frames)
	}
}
