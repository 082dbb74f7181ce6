package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"lanesim/internal/enginetest"
	"lanesim/internal/net/proto"
	"lanesim/internal/simconfig"
	"lanesim/logging"
	"lanesim/logging/network"
)

func nextDelivery(t *testing.T, c *Client) proto.Delivery {
	t.Helper()
	select {
	case d := <-c.Events():
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for transport event")
		return proto.Delivery{}
	}
}

func nextEvent(t *testing.T, c *Client) proto.Inbound {
	t.Helper()
	return nextDelivery(t, c).Msg
}

type eventLog struct {
	mu     sync.Mutex
	events []logging.Event
}

func (l *eventLog) Publish(_ context.Context, event logging.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) count(eventType logging.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, event := range l.events {
		if event.Type == eventType {
			n++
		}
	}
	return n
}

func expectNoEvent(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-c.Events():
		t.Fatalf("expected no event, got %#v", msg)
	case <-time.After(wait):
	}
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	engine := enginetest.New(t)
	client := NewClient(ClientConfig{URL: engine.URL()})
	t.Cleanup(func() { client.Shutdown() })

	client.Open(context.Background())
	connID := engine.NextConn(t)

	if _, ok := nextEvent(t, client).(proto.Connected); !ok {
		t.Fatalf("expected Connected first")
	}
	identify, ok := nextEvent(t, client).(proto.Identify)
	if !ok || identify.ClientID != connID {
		t.Fatalf("expected identify for %s, got %#v", connID, identify)
	}

	for i := 0; i < 3; i++ {
		data := json.RawMessage(fmt.Sprintf(`{"locations":[[{"state":1,"cars":{}}]],"seq":%d}`, i))
		if err := engine.Send(connID, proto.SimulationUpdate{Data: data}); err != nil {
			t.Fatalf("engine send failed: %v", err)
		}
	}
	if err := engine.Send(connID, proto.CompletedSimulation{}); err != nil {
		t.Fatalf("engine send failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		update, ok := nextEvent(t, client).(proto.SimulationUpdate)
		if !ok {
			t.Fatalf("expected update %d", i)
		}
		var body struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(update.Data, &body); err != nil || body.Seq != i {
			t.Fatalf("expected update %d in order, got %s", i, update.Data)
		}
	}
	if _, ok := nextEvent(t, client).(proto.CompletedSimulation); !ok {
		t.Fatalf("expected completed after updates")
	}
}

func TestClientSendReachesEngine(t *testing.T) {
	engine := enginetest.New(t)
	client := NewClient(ClientConfig{URL: engine.URL()})
	t.Cleanup(func() { client.Shutdown() })

	if err := client.Send(proto.CancelSimulation{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before open, got %v", err)
	}

	client.Open(context.Background())
	connID := engine.NextConn(t)
	nextEvent(t, client)

	cfg := simconfig.Defaults()
	cfg.SizeOfLane = 5
	if err := client.Send(proto.StartSimulation{ClientID: connID, Config: cfg}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	cmd := engine.NextCommand(t)
	start, ok := cmd.Msg.(proto.StartSimulation)
	if !ok || start.ClientID != connID || start.Config.SizeOfLane != 5 {
		t.Fatalf("unexpected command %#v", cmd)
	}
}

func TestClientReportsRemoteDisconnect(t *testing.T) {
	engine := enginetest.New(t)
	client := NewClient(ClientConfig{URL: engine.URL()})
	t.Cleanup(func() { client.Shutdown() })

	client.Open(context.Background())
	connID := engine.NextConn(t)
	nextEvent(t, client)
	nextEvent(t, client)

	engine.Drop(connID)
	if _, ok := nextEvent(t, client).(proto.Disconnected); !ok {
		t.Fatalf("expected Disconnected after remote drop")
	}
	if err := client.Send(proto.CancelSimulation{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after drop, got %v", err)
	}

	client.Open(context.Background())
	second := engine.NextConn(t)
	if second == connID {
		t.Fatalf("expected a fresh connection id")
	}
	if _, ok := nextEvent(t, client).(proto.Connected); !ok {
		t.Fatalf("expected Connected after reopening")
	}
}

func TestClientLocalCloseIsSilent(t *testing.T) {
	engine := enginetest.New(t, enginetest.Silent())
	client := NewClient(ClientConfig{URL: engine.URL()})
	t.Cleanup(func() { client.Shutdown() })

	client.Open(context.Background())
	engine.NextConn(t)
	if _, ok := nextEvent(t, client).(proto.Connected); !ok {
		t.Fatalf("expected Connected")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	expectNoEvent(t, client, 200*time.Millisecond)
}

func TestClientOpenIsIdempotent(t *testing.T) {
	engine := enginetest.New(t, enginetest.Silent())
	client := NewClient(ClientConfig{URL: engine.URL()})
	t.Cleanup(func() { client.Shutdown() })

	first := client.Open(context.Background())
	if again := client.Open(context.Background()); again != first {
		t.Fatalf("expected open during dial to report connection %d, got %d", first, again)
	}
	engine.NextConn(t)
	nextEvent(t, client)
	if again := client.Open(context.Background()); again != first {
		t.Fatalf("expected open while connected to report connection %d, got %d", first, again)
	}
	expectNoEvent(t, client, 200*time.Millisecond)
}

func TestClientTagsDeliveriesWithConnection(t *testing.T) {
	engine := enginetest.New(t)
	client := NewClient(ClientConfig{URL: engine.URL()})
	t.Cleanup(func() { client.Shutdown() })

	first := client.Open(context.Background())
	if first == 0 {
		t.Fatalf("expected a non-zero connection number")
	}
	connID := engine.NextConn(t)
	for i := 0; i < 2; i++ {
		if d := nextDelivery(t, client); d.Conn != first {
			t.Fatalf("expected delivery on connection %d, got %#v", first, d)
		}
	}

	engine.Drop(connID)
	d := nextDelivery(t, client)
	if _, ok := d.Msg.(proto.Disconnected); !ok || d.Conn != first {
		t.Fatalf("expected Disconnected on connection %d, got %#v", first, d)
	}

	second := client.Open(context.Background())
	if second == first {
		t.Fatalf("expected a new connection number after reopening")
	}
	engine.NextConn(t)
	d = nextDelivery(t, client)
	if _, ok := d.Msg.(proto.Connected); !ok || d.Conn != second {
		t.Fatalf("expected Connected on connection %d, got %#v", second, d)
	}
}

func TestClientCloseAbandonsDial(t *testing.T) {
	// Accepts TCP but never answers the websocket handshake.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	client := NewClient(ClientConfig{URL: "ws://" + listener.Addr().String() + "/ws"})
	t.Cleanup(func() { client.Shutdown() })

	first := client.Open(context.Background())
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	expectNoEvent(t, client, 300*time.Millisecond)

	if second := client.Open(context.Background()); second == first {
		t.Fatalf("expected close to release the abandoned dial")
	}
}

func TestClientDialFailure(t *testing.T) {
	engine := enginetest.New(t)
	url := engine.URL()
	engine.Close()

	client := NewClient(ClientConfig{URL: url})
	t.Cleanup(func() { client.Shutdown() })
	client.Open(context.Background())

	disconnected, ok := nextEvent(t, client).(proto.Disconnected)
	if !ok || disconnected.Err == nil {
		t.Fatalf("expected Disconnected with dial error, got %#v", disconnected)
	}
}

func TestClientSkipsUndecodableFrames(t *testing.T) {
	engine := enginetest.New(t)
	published := &eventLog{}
	client := NewClient(ClientConfig{URL: engine.URL(), Publisher: published})
	t.Cleanup(func() { client.Shutdown() })

	client.Open(context.Background())
	connID := engine.NextConn(t)
	nextEvent(t, client)
	nextEvent(t, client)

	engine.SendRaw(connID, []byte(`garbage`))
	engine.SendRaw(connID, []byte(`{"event":"mystery"}`))
	engine.Send(connID, proto.CompletedSimulation{})

	if unknown, ok := nextEvent(t, client).(proto.Unknown); !ok || unknown.Event != "mystery" {
		t.Fatalf("expected Unknown mystery, got %#v", unknown)
	}
	if _, ok := nextEvent(t, client).(proto.CompletedSimulation); !ok {
		t.Fatalf("expected completed after skipped frame")
	}
	if n := published.count(network.EventDecodeFailed); n != 1 {
		t.Fatalf("expected one decode failure for the garbage frame only, got %d", n)
	}
}
