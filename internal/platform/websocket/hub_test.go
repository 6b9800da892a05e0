package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive event", c.ID)
	}
	return Event{}
}

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub()
	client := NewClient("context:idp|alice")

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("context:idp|alice") != 1 {
		t.Fatalf("expected 1 client on topic, got %d", hub.TopicCount("context:idp|alice"))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := newTestHub()
	client := NewClient("context:idp|alice")

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("context:idp|alice") != 0 {
		t.Fatalf("expected 0 clients on topic, got %d", hub.TopicCount("context:idp|alice"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed after unregister")
	}
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := newTestHub()
	alice := NewClient("context:idp|alice")
	bob := NewClient("context:idp|bob")
	hub.Register(alice)
	hub.Register(bob)

	hub.Broadcast("context:idp|alice", Event{Type: "context.changed", Topic: "context:idp|alice", Timestamp: time.Now()})

	if evt := receive(t, alice); evt.Type != "context.changed" {
		t.Fatalf("expected context.changed, got %s", evt.Type)
	}
	select {
	case <-bob.Send:
		t.Fatal("other identity must not receive the event")
	default:
	}
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub()
	hub.Broadcast("nobody", Event{Type: "context.changed", Topic: "nobody"})
}

func TestHub_FullQueueDropsEvent(t *testing.T) {
	hub := newTestHub()
	client := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	hub.Broadcast("t", Event{Type: "first", Topic: "t"})
	hub.Broadcast("t", Event{Type: "second", Topic: "t"})

	if evt := receive(t, client); evt.Type != "first" {
		t.Fatalf("expected first event to be kept, got %s", evt.Type)
	}
	select {
	case <-client.Send:
		t.Fatal("expected second event to be dropped")
	default:
	}
}

func TestHub_Publish(t *testing.T) {
	hub := newTestHub()
	c1 := NewClient("context:idp|alice")
	c2 := NewClient("context:idp|alice")
	hub.Register(c1)
	hub.Register(c2)

	var publisher EventPublisher = hub
	data := json.RawMessage(`{"state":"active"}`)
	if err := publisher.Publish(context.Background(), Event{Type: "context.changed", Topic: "context:idp|alice", Data: data}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for _, c := range []*Client{c1, c2} {
		evt := receive(t, c)
		if string(evt.Data) != `{"state":"active"}` {
			t.Errorf("client %s: unexpected data %s", c.ID, evt.Data)
		}
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	const n = 100

	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = NewClient("t")
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.Register(c)
			hub.Broadcast("t", Event{Type: "x", Topic: "t"})
			hub.Unregister(c)
		}(c)
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHub_JoinQueuesGreetingBeforeConcurrentBroadcast(t *testing.T) {
	hub := newTestHub()
	client := NewClient("t")

	sent := make(chan struct{})
	err := hub.Join(client, func() (Event, error) {
		go func() {
			hub.Broadcast("t", Event{Type: "context.changed", Topic: "t"})
			close(sent)
		}()
		// Give the broadcast time to run if it could.
		time.Sleep(20 * time.Millisecond)
		return Event{Type: "context.current", Topic: "t"}, nil
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	<-sent

	if evt := receive(t, client); evt.Type != "context.current" {
		t.Fatalf("expected greeting first, got %s", evt.Type)
	}
	if evt := receive(t, client); evt.Type != "context.changed" {
		t.Fatalf("expected the concurrent change delivered after the greeting, got %s", evt.Type)
	}
}

func TestHub_JoinFailureLeavesNoClient(t *testing.T) {
	hub := newTestHub()
	client := NewClient("t")

	err := hub.Join(client, func() (Event, error) {
		return Event{}, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected the greeting error")
	}
	if hub.ClientCount() != 0 || hub.TopicCount("t") != 0 {
		t.Fatal("a failed join must not leave the client registered")
	}
}

func TestHandler_ServeRequiresUpgrade(t *testing.T) {
	handler := NewHandler(newTestHub(), nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.Serve(c, []string{"t"}, nil); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for a plain request")
	}
}

func TestHandler_ServeDeliversGreetingAndBroadcasts(t *testing.T) {
	hub := newTestHub()
	handler := NewHandler(hub, nil)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return handler.Serve(c, []string{"t"}, func() (Event, error) {
			return Event{Type: "context.current", Topic: "t"}, nil
		})
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() Event {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return evt
	}

	if evt := read(); evt.Type != "context.current" {
		t.Fatalf("expected greeting first, got %s", evt.Type)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("t") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.Broadcast("t", Event{Type: "context.changed", Topic: "t"})

	if evt := read(); evt.Type != "context.changed" {
		t.Fatalf("expected broadcast, got %s", evt.Type)
	}
}
