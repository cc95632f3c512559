package egress

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type stubSubscription struct {
	unsubscribed chan struct{}
}

func (s *stubSubscription) Unsubscribe() {
	close(s.unsubscribed)
}

type stubSubscriber struct {
	subscribedRoute int
	sub             *stubSubscription
}

func (s *stubSubscriber) Subscribe(mainRouteID int, conn Conn) Subscription {
	s.subscribedRoute = mainRouteID
	s.sub = &stubSubscription{unsubscribed: make(chan struct{})}
	return s.sub
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

func TestServeHTTP_RejectsNonMatchingPath(t *testing.T) {
	sub := &stubSubscriber{}
	h := NewHandler(sub, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/passenger-realtime-ws/abc")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for non-digit route id, got %d", resp.StatusCode)
	}
}

func TestServeHTTP_SendsWelcomeAndSubscribes(t *testing.T) {
	sub := &stubSubscriber{}
	h := NewHandler(sub, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv.URL+"/api/passenger-realtime-ws/101")
	defer conn.Close()

	var welcome map[string]interface{}
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("failed to read welcome message: %v", err)
	}
	if welcome["type"] != "connection" {
		t.Errorf("expected type=connection, got %v", welcome["type"])
	}
	if !strings.Contains(welcome["message"].(string), "101") {
		t.Errorf("expected welcome message to mention route 101, got %v", welcome["message"])
	}

	time.Sleep(50 * time.Millisecond)
	if sub.subscribedRoute != 101 {
		t.Errorf("expected subscription for route 101, got %d", sub.subscribedRoute)
	}
}

func TestServeHTTP_UnsubscribesOnClose(t *testing.T) {
	sub := &stubSubscriber{}
	h := NewHandler(sub, zap.NewNop())
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv.URL+"/api/passenger-realtime-ws/101")
	var welcome map[string]interface{}
	conn.ReadJSON(&welcome)
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case <-sub.sub.unsubscribed:
	case <-time.After(time.Second):
		t.Fatal("expected Unsubscribe to be called after client close")
	}
}
