package hub

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()

	h := New(nil)
	server := httptest.NewServer(NewWebsocketHandler(h, nil))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return h, conn
}

func waitForSubscribers(t *testing.T, h *Hub, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCounts()[topic] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %s never reached %d subscribers: %v", topic, want, h.SubscriberCounts())
}

func TestWebsocketSubscribeReceivesEvents(t *testing.T) {
	t.Parallel()

	h, conn := dialTestHub(t)

	frame := `{"action":"subscribe","topic":"jobs"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write subscribe frame: %v", err)
	}
	waitForSubscribers(t, h, TopicJobs, 1)

	h.Publish(TopicJobs, Event{Event: EventJobsUpdate, Data: map[string]string{"id": "job-1"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}

	var got Event
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Event != EventJobsUpdate {
		t.Fatalf("event = %s, want %s", got.Event, EventJobsUpdate)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["id"] != "job-1" {
		t.Fatalf("unexpected data: %#v", got.Data)
	}
}

func TestWebsocketUnsubscribeStopsEvents(t *testing.T) {
	t.Parallel()

	h, conn := dialTestHub(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","topic":"alerts"}`)); err != nil {
		t.Fatalf("write subscribe frame: %v", err)
	}
	waitForSubscribers(t, h, TopicAlerts, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"unsubscribe","topic":"alerts"}`)); err != nil {
		t.Fatalf("write unsubscribe frame: %v", err)
	}
	waitForSubscribers(t, h, TopicAlerts, 0)
}

func TestWebsocketDisconnectRemovesObserver(t *testing.T) {
	t.Parallel()

	h, conn := dialTestHub(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","topic":"metrics"}`)); err != nil {
		t.Fatalf("write subscribe frame: %v", err)
	}
	waitForSubscribers(t, h, TopicMetrics, 1)

	_ = conn.Close()
	waitForSubscribers(t, h, TopicMetrics, 0)
}

func TestWebsocketMalformedFrameIgnored(t *testing.T) {
	t.Parallel()

	h, conn := dialTestHub(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","topic":"dashboard"}`)); err != nil {
		t.Fatalf("write subscribe frame: %v", err)
	}
	waitForSubscribers(t, h, TopicDashboard, 1)
}
