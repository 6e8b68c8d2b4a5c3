package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/platform/db"
)

const testFacility = "main"

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	client := NewClient(testFacility, "queue.pharmacy")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(testFacility, "queue.pharmacy") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount(testFacility, "queue.pharmacy"))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount(testFacility, "queue.pharmacy") != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.TopicCount(testFacility, "queue.pharmacy"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}

	// A second unregister is a no-op.
	hub.Unregister(client)
}

func TestHub_BroadcastToTopic(t *testing.T) {
	hub := NewHub()
	sub := NewClient(testFacility, "queue.lab")
	other := NewClient(testFacility, "queue.billing")
	hub.Register(sub)
	hub.Register(other)

	hub.Broadcast(testFacility, "queue.lab", []byte(`{"type":"queue.enqueued"}`))

	select {
	case msg := <-sub.Send:
		if string(msg) != `{"type":"queue.enqueued"}` {
			t.Errorf("unexpected payload %s", msg)
		}
	default:
		t.Fatal("subscriber did not receive payload")
	}
	select {
	case <-other.Send:
		t.Fatal("non-subscriber received payload")
	default:
	}
}

func TestHub_BroadcastStaysWithinFacility(t *testing.T) {
	hub := NewHub()
	north := NewClient("north", "queue.doctor")
	south := NewClient("south", "queue.doctor")
	southAll := NewClient("south", TopicAll)
	hub.Register(north)
	hub.Register(south)
	hub.Register(southAll)

	hub.Broadcast("north", "queue.doctor", []byte(`{"facility":"north"}`))

	if len(north.Send) != 1 {
		t.Fatalf("expected north subscriber to receive 1 payload, got %d", len(north.Send))
	}
	if len(south.Send) != 0 || len(southAll.Send) != 0 {
		t.Fatalf("south clients received north traffic: topic=%d all=%d", len(south.Send), len(southAll.Send))
	}
	if hub.TopicCount("north", "queue.doctor") != 1 || hub.TopicCount("south", "queue.doctor") != 1 {
		t.Fatal("expected one doctor-queue subscriber per facility")
	}
}

func TestHub_TopicAllReceivesOnce(t *testing.T) {
	hub := NewHub()
	c := NewClient(testFacility, TopicAll, "queue.doctor")
	hub.Register(c)

	hub.Broadcast(testFacility, "queue.doctor", []byte("x"))
	if len(c.Send) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(c.Send))
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	c := NewClient(testFacility)
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"visit.1", "visit.2", "visit.1", " "}})
	if len(c.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", c.Topics)
	}
	if hub.TopicCount(testFacility, "visit.1") != 1 {
		t.Fatalf("expected subscriber on visit.1")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"visit.1"}})
	if hub.TopicCount(testFacility, "visit.1") != 0 {
		t.Fatalf("expected no subscriber on visit.1")
	}
	if len(c.Topics) != 1 || c.Topics[0] != "visit.2" {
		t.Fatalf("expected [visit.2], got %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "bogus", Topics: []string{"visit.3"}})
	if hub.TopicCount(testFacility, "visit.3") != 0 {
		t.Fatal("unknown action must be ignored")
	}
}

func TestHub_SlowClientDrops(t *testing.T) {
	hub := NewHub()
	c := &Client{ID: "slow", Facility: testFacility, Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast(testFacility, "t", []byte("1"))
	hub.Broadcast(testFacility, "t", []byte("2"))
	if hub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped payload, got %d", hub.Dropped())
	}
}

func TestHub_ConcurrentRegisterBroadcast(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := NewClient(testFacility, "queue.vitals")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast(testFacility, "queue.vitals", []byte("x"))
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ward.example"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://ward.example")
	if !check(req) {
		t.Error("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example")
	if check(req) {
		t.Error("expected foreign origin to be rejected")
	}
	if !originChecker(nil)(req) {
		t.Error("expected empty list to allow all")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	h := NewHandler(NewHub(), zerolog.Nop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.HandleConnect(c); err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected plain HTTP request to be refused")
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := NewHub()
	h := NewHandler(hub, zerolog.Nop(), nil)

	e := echo.New()
	e.Use(db.FacilityMiddleware(nil, "main"))
	h.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=queue.doctor"
	header := http.Header{}
	header.Set(db.FacilityHeader, "north")
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("north", "queue.doctor") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if hub.TopicCount(testFacility, "queue.doctor") != 0 {
		t.Fatal("client registered under the default facility instead of its own")
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"visit.abc"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for hub.TopicCount("north", "visit.abc") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe message not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("north", "visit.abc", []byte(`{"type":"visit.transitioned"}`))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"visit.transitioned"}` {
		t.Fatalf("unexpected message %s", msg)
	}
}
