package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"lanesim/internal/grid"
	"lanesim/internal/journal"
	"lanesim/internal/net/proto"
	"lanesim/internal/simconfig"
	"lanesim/internal/telemetry"
	"lanesim/logging"
	loggingsession "lanesim/logging/session"
)

type fakeTransport struct {
	mu      sync.Mutex
	opens   int
	closes  int
	sent    []proto.Outbound
	sendErr error
}

func (f *fakeTransport) Open(context.Context) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return uint64(f.opens)
}

func (f *fakeTransport) Send(msg proto.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) Sent() []proto.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Outbound(nil), f.sent...)
}

type recorder struct {
	mu     sync.Mutex
	events []logging.Event
}

func (r *recorder) Publish(_ context.Context, event logging.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) OfType(eventType logging.EventType) []logging.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logging.Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type harness struct {
	session   *Session
	transport *fakeTransport
	events    *recorder
	metrics   *logging.Metrics
	journal   *journal.Journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		events:    &recorder{},
		metrics:   &logging.Metrics{},
		journal:   journal.New(16, 0),
	}
	ids := 0
	h.session = New(Config{
		Transport: h.transport,
		Journal:   h.journal,
		Publisher: h.events,
		Metrics:   telemetry.WrapMetrics(h.metrics),
		Clock:     logging.ClockFunc(func() time.Time { return time.Unix(100, 0) }),
		NewID: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
	})
	return h
}

func (h *harness) dispatch(msgs ...proto.Inbound) {
	for _, msg := range msgs {
		h.session.Dispatch(context.Background(), msg)
	}
}

func (h *harness) ready(t *testing.T, id string) {
	t.Helper()
	h.session.Connect(context.Background())
	h.dispatch(proto.Connected{}, proto.Identify{ClientID: id})
	if phase := h.session.Phase(); phase != PhaseReady {
		t.Fatalf("expected ready, got %s", phase)
	}
}

func (h *harness) running(t *testing.T, id string) {
	t.Helper()
	h.ready(t, id)
	if err := h.session.StartSimulation(context.Background(), simconfig.Defaults()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
}

// laneGrid builds a wire snapshot of lane cells; the first cell holds one car
// whose speed is tagged with speed.
func laneGrid(rows, cols int, speed float64) json.RawMessage {
	var b strings.Builder
	b.WriteString(`{"locations":[`)
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(",")
		}
		b.WriteString("[")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			if r == 0 && c == 0 {
				fmt.Fprintf(&b, `{"state":2,"cars":{"car1":{"Speed":%g,"WaitingTime":0}}}`, speed)
				continue
			}
			b.WriteString(`{"state":2,"cars":{}}`)
		}
		b.WriteString("]")
	}
	b.WriteString("]}")
	return json.RawMessage(b.String())
}

func speedOf(t *testing.T, g *grid.Grid) float64 {
	t.Helper()
	if g == nil {
		t.Fatalf("expected a grid")
	}
	return g.At(0, 0).Occupants["car1"].Speed
}

func TestScenarioConnectAndIdentify(t *testing.T) {
	h := newHarness(t)
	if status := h.session.Status(); status.Phase != PhaseDisconnected || status.Connection != Disconnected {
		t.Fatalf("expected a fresh session to be disconnected, got %+v", status)
	}

	h.dispatch(proto.Connected{}, proto.Identify{ClientID: "abc"})

	status := h.session.Status()
	if status.Connection != Connected || status.Phase != PhaseReady {
		t.Fatalf("expected connected and ready, got %+v", status)
	}
	if status.ClientID != "abc" || status.Running {
		t.Fatalf("expected clientId abc and not running, got %+v", status)
	}
	if len(h.events.OfType(loggingsession.EventIdentified)) != 1 {
		t.Fatalf("expected an identified event")
	}
	identified := h.events.OfType(loggingsession.EventIdentified)[0]
	if identified.TraceID == "" {
		t.Fatalf("expected events to carry the connection trace id")
	}
}

func TestScenarioStartThenUpdate(t *testing.T) {
	h := newHarness(t)
	h.ready(t, "abc")

	cfg := simconfig.Defaults()
	cfg.SizeOfLane = 2
	if err := h.session.StartSimulation(context.Background(), cfg); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	if !h.session.Status().Running {
		t.Fatalf("expected running after start")
	}
	sent := h.transport.Sent()
	start, ok := sent[0].(proto.StartSimulation)
	if len(sent) != 1 || !ok || start.ClientID != "abc" || start.Config.SizeOfLane != 2 {
		t.Fatalf("expected start carrying id and config, got %#v", sent)
	}

	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 1)})

	g := h.session.Model().Current()
	if g == nil || g.Dimensions() != (grid.Dimensions{Rows: 2, Cols: 2}) {
		t.Fatalf("expected the model to hold a 2x2 grid, got %v", g.Dimensions())
	}
	status := h.session.Status()
	if status.FramesApplied != 1 || status.Dimensions == nil || *status.Dimensions != g.Dimensions() {
		t.Fatalf("expected one applied frame with established dims, got %+v", status)
	}
	if size, _, _ := h.journal.Window(); size != 1 {
		t.Fatalf("expected journal to record the frame, got %d", size)
	}
	if h.metrics.Snapshot()[telemetry.MetricFramesApplied] != 1 {
		t.Fatalf("expected frames_applied metric")
	}
}

func TestScenarioCancelDiscardsLateFrames(t *testing.T) {
	h := newHarness(t)
	h.running(t, "abc")
	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 1)})
	before := h.session.Model().Current()

	if err := h.session.CancelSimulation(context.Background()); err != nil {
		t.Fatalf("expected cancel to succeed, got %v", err)
	}
	if h.session.Status().Running {
		t.Fatalf("expected not running after cancel")
	}
	cancel, ok := h.transport.Sent()[1].(proto.CancelSimulation)
	if !ok || cancel.ClientID != "abc" || cancel.Notice == "" {
		t.Fatalf("expected cancel command with id and notice, got %#v", h.transport.Sent()[1])
	}

	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 9)})

	if h.session.Model().Current() != before {
		t.Fatalf("expected late frame to leave the model unchanged")
	}
	if h.metrics.Snapshot()[telemetry.MetricFramesDiscarded] != 1 {
		t.Fatalf("expected discarded frame to be counted")
	}
	if len(h.session.Diagnostics()) != 0 {
		t.Fatalf("expected no diagnostic for a late frame")
	}
}

func TestScenarioDimensionMismatch(t *testing.T) {
	h := newHarness(t)
	h.running(t, "abc")
	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 1)})
	before := h.session.Model().Current()

	h.dispatch(proto.SimulationUpdate{Data: laneGrid(3, 2, 2)})

	if h.session.Model().Current() != before {
		t.Fatalf("expected mismatched frame to be rejected")
	}
	diags := h.session.Diagnostics()
	if len(diags) != 1 || diags[0].Kind != "dimensions" || diags[0].Event != proto.EventSimulationUpdate {
		t.Fatalf("expected one dimension diagnostic, got %+v", diags)
	}
	if len(h.events.OfType(loggingsession.EventProtocolMismatch)) != 1 {
		t.Fatalf("expected a protocol mismatch event")
	}
	if !h.session.Status().Running {
		t.Fatalf("expected the run to continue after a rejected frame")
	}

	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 3)})
	if speedOf(t, h.session.Model().Current()) != 3 {
		t.Fatalf("expected matching frame to apply after a rejection")
	}
}

func TestStartRules(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		h := newHarness(t)
		err := h.session.StartSimulation(context.Background(), simconfig.Defaults())
		if !errors.Is(err, ErrNotConnected) || !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if len(h.transport.Sent()) != 0 {
			t.Fatalf("expected nothing sent")
		}
	})

	t.Run("unidentified", func(t *testing.T) {
		h := newHarness(t)
		h.dispatch(proto.Connected{})
		if err := h.session.StartSimulation(context.Background(), simconfig.Defaults()); !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
		if h.session.Phase() != PhaseUnidentified {
			t.Fatalf("expected phase unchanged")
		}
	})

	t.Run("already running", func(t *testing.T) {
		h := newHarness(t)
		h.running(t, "abc")
		if err := h.session.StartSimulation(context.Background(), simconfig.Defaults()); !errors.Is(err, ErrAlreadyRunning) {
			t.Fatalf("expected ErrAlreadyRunning, got %v", err)
		}
		if len(h.transport.Sent()) != 1 {
			t.Fatalf("expected redundant start not to be sent")
		}
	})

	t.Run("new run clears grid and dimensions", func(t *testing.T) {
		h := newHarness(t)
		h.running(t, "abc")
		h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 1)}, proto.CompletedSimulation{})
		if h.session.Model().Current() == nil {
			t.Fatalf("expected grid retained after completion")
		}

		if err := h.session.StartSimulation(context.Background(), simconfig.Defaults()); err != nil {
			t.Fatalf("expected second start, got %v", err)
		}
		if h.session.Model().Current() != nil {
			t.Fatalf("expected start to clear the grid")
		}
		h.dispatch(proto.SimulationUpdate{Data: laneGrid(4, 3, 1)})
		if dims, ok := h.session.Model().CurrentDimensions(); !ok || dims != (grid.Dimensions{Rows: 4, Cols: 3}) {
			t.Fatalf("expected new dimensions to be established, got %v", dims)
		}
		if run := h.journal.Run(); run != h.session.Status().Run {
			t.Fatalf("expected journal run %q to follow session run %q", run, h.session.Status().Run)
		}
	})
}

func TestCancelRequiresRun(t *testing.T) {
	h := newHarness(t)
	if err := h.session.CancelSimulation(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning while disconnected, got %v", err)
	}
	h.ready(t, "abc")
	if err := h.session.CancelSimulation(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning while ready, got %v", err)
	}
	if len(h.transport.Sent()) != 0 {
		t.Fatalf("expected no command sent")
	}
}

func TestRunningFollowsLastCommand(t *testing.T) {
	h := newHarness(t)
	h.ready(t, "abc")

	steps := []struct {
		name string
		act  func()
		want bool
	}{
		{"start", func() { h.session.StartSimulation(context.Background(), simconfig.Defaults()) }, true},
		{"frame", func() { h.dispatch(proto.SimulationUpdate{Data: laneGrid(1, 1, 1)}) }, true},
		{"cancel", func() { h.session.CancelSimulation(context.Background()) }, false},
		{"stale completed", func() { h.dispatch(proto.CompletedSimulation{}) }, false},
		{"restart", func() { h.session.StartSimulation(context.Background(), simconfig.Defaults()) }, true},
		{"completed", func() { h.dispatch(proto.CompletedSimulation{}) }, false},
		{"late frame", func() { h.dispatch(proto.SimulationUpdate{Data: laneGrid(1, 1, 2)}) }, false},
	}
	for _, step := range steps {
		step.act()
		if got := h.session.Status().Running; got != step.want {
			t.Fatalf("after %s expected running=%v, got %v", step.name, step.want, got)
		}
	}
	if len(h.session.Diagnostics()) != 0 {
		t.Fatalf("expected stale events to leave no diagnostics, got %+v", h.session.Diagnostics())
	}
}

func TestDisconnectClearsIdentity(t *testing.T) {
	h := newHarness(t)
	h.running(t, "abc")
	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 1)})

	h.dispatch(proto.Disconnected{Err: errors.New("connection reset")})

	status := h.session.Status()
	if status.Phase != PhaseDisconnected || status.ClientID != "" || status.Running {
		t.Fatalf("expected disconnected without id, got %+v", status)
	}
	if h.session.Model().Current() == nil {
		t.Fatalf("expected the last grid to survive a disconnect")
	}
	if status.LastDiagnostic == nil || status.LastDiagnostic.Kind != "transport" {
		t.Fatalf("expected transport diagnostic, got %+v", status.LastDiagnostic)
	}
	disconnected := h.events.OfType(loggingsession.EventDisconnected)
	if len(disconnected) != 1 || disconnected[0].Severity != logging.SeverityWarn {
		t.Fatalf("expected one warn level disconnect event, got %+v", disconnected)
	}

	h.dispatch(proto.SimulationUpdate{Data: laneGrid(2, 2, 5)})
	if speedOf(t, h.session.Model().Current()) != 1 {
		t.Fatalf("expected frames after disconnect to be discarded")
	}

	h.dispatch(proto.Connected{}, proto.Identify{ClientID: "def"})
	if status := h.session.Status(); status.Phase != PhaseReady || status.ClientID != "def" {
		t.Fatalf("expected re-identified ready session, got %+v", status)
	}
}

func TestSendFailureIsTransportFault(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		h := newHarness(t)
		h.ready(t, "abc")
		h.transport.sendErr = errors.New("queue full")

		err := h.session.StartSimulation(context.Background(), simconfig.Defaults())
		if err == nil || !strings.Contains(err.Error(), "queue full") {
			t.Fatalf("expected send error, got %v", err)
		}
		status := h.session.Status()
		if status.Phase != PhaseDisconnected || status.ClientID != "" || status.Running {
			t.Fatalf("expected fault to disconnect, got %+v", status)
		}
		if h.transport.closes != 1 {
			t.Fatalf("expected transport to be closed, got %d closes", h.transport.closes)
		}
		if h.metrics.Snapshot()[telemetry.MetricTransportFaults] != 1 {
			t.Fatalf("expected transport fault metric")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		h := newHarness(t)
		h.running(t, "abc")
		h.transport.sendErr = errors.New("broken pipe")

		if err := h.session.CancelSimulation(context.Background()); err == nil {
			t.Fatalf("expected cancel to report the send failure")
		}
		if status := h.session.Status(); status.Phase != PhaseDisconnected || status.Running {
			t.Fatalf("expected fault to disconnect, got %+v", status)
		}
	})
}

func TestIdentifyRules(t *testing.T) {
	h := newHarness(t)
	h.dispatch(proto.Identify{ClientID: "early"})
	if h.session.Phase() != PhaseDisconnected {
		t.Fatalf("expected identify while disconnected to be ignored")
	}

	h.ready(t, "abc")
	h.dispatch(proto.Identify{ClientID: "abc"})
	if len(h.session.Diagnostics()) != 0 {
		t.Fatalf("expected repeated identify with the same id to be a no-op")
	}

	h.dispatch(proto.Identify{ClientID: "other"})
	if h.session.ClientID() != "abc" {
		t.Fatalf("expected client id to stay abc, got %q", h.session.ClientID())
	}
	diags := h.session.Diagnostics()
	if len(diags) != 1 || diags[0].Kind != "client_id" {
		t.Fatalf("expected client id diagnostic, got %+v", diags)
	}
}

func TestUpdateRejections(t *testing.T) {
	cases := []struct {
		name string
		msg  proto.SimulationUpdate
		kind string
	}{
		{"foreign client", proto.SimulationUpdate{ClientID: "xyz", Data: laneGrid(2, 2, 7)}, "client_id"},
		{"ragged", proto.SimulationUpdate{Data: json.RawMessage(`{"locations":[[{"state":2}],[{"state":2},{"state":2}]]}`)}, "malformed_grid"},
		{"no rows", proto.SimulationUpdate{Data: json.RawMessage(`{"locations":[]}`)}, "malformed_grid"},
		{"occupied empty cell", proto.SimulationUpdate{Data: json.RawMessage(`{"locations":[[{"state":0,"cars":{"c":{"Speed":1}}}]]}`)}, "malformed_grid"},
		{"not json", proto.SimulationUpdate{Data: json.RawMessage(`"nope"`)}, "malformed_grid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.running(t, "abc")
			h.dispatch(proto.SimulationUpdate{ClientID: "abc", Data: laneGrid(2, 2, 1)})
			before := h.session.Model().Current()

			h.dispatch(tc.msg)

			if h.session.Model().Current() != before {
				t.Fatalf("expected model unchanged")
			}
			diags := h.session.Diagnostics()
			if len(diags) != 1 || diags[0].Kind != tc.kind {
				t.Fatalf("expected %s diagnostic, got %+v", tc.kind, diags)
			}
			if h.metrics.Snapshot()[telemetry.MetricProtocolMismatch] != 1 {
				t.Fatalf("expected protocol mismatch metric")
			}
		})
	}
}

func TestFramesApplyInOrder(t *testing.T) {
	h := newHarness(t)
	h.running(t, "abc")

	events := make(chan proto.Delivery, 16)
	for i := 1; i <= 10; i++ {
		events <- proto.Delivery{Conn: 1, Msg: proto.SimulationUpdate{Data: laneGrid(1, 2, float64(i))}}
	}
	close(events)
	if err := h.session.Run(context.Background(), events); err != nil {
		t.Fatalf("expected run to end cleanly, got %v", err)
	}

	if speedOf(t, h.session.Model().Current()) != 10 {
		t.Fatalf("expected the last delivered frame to be current")
	}
	frames := h.journal.Frames()
	if len(frames) != 10 {
		t.Fatalf("expected 10 journaled frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if speedOf(t, frame.Grid) != float64(i+1) {
			t.Fatalf("expected frame %d in delivery order", i+1)
		}
	}
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.session.Run(ctx, make(chan proto.Delivery)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	h := newHarness(t)
	h.session.Connect(context.Background())
	h.session.Connect(context.Background())
	if h.transport.opens != 1 {
		t.Fatalf("expected a single open while dialing, got %d", h.transport.opens)
	}
	if !h.session.Status().Dialing {
		t.Fatalf("expected dialing status")
	}

	h.dispatch(proto.Disconnected{Err: errors.New("refused")})
	if h.session.Status().Dialing {
		t.Fatalf("expected dial failure to clear dialing")
	}
	h.session.Connect(context.Background())
	if h.transport.opens != 2 {
		t.Fatalf("expected a retry to be possible after dial failure")
	}

	h.dispatch(proto.Connected{}, proto.Identify{ClientID: "abc"})
	h.session.Connect(context.Background())
	if h.transport.opens != 2 {
		t.Fatalf("expected connect while connected to be a no-op")
	}

	if err := h.session.Disconnect(context.Background()); err != nil {
		t.Fatalf("expected disconnect to succeed, got %v", err)
	}
	if status := h.session.Status(); status.Phase != PhaseDisconnected || status.ClientID != "" {
		t.Fatalf("expected local disconnect, got %+v", status)
	}
	if h.transport.closes != 1 {
		t.Fatalf("expected transport closed once, got %d", h.transport.closes)
	}
}

func TestDeliveriesFromEarlierConnectionsAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	deliver := func(conn uint64, msgs ...proto.Inbound) {
		for _, msg := range msgs {
			h.session.Deliver(ctx, proto.Delivery{Conn: conn, Msg: msg})
		}
	}

	h.session.Connect(ctx)
	h.session.Disconnect(ctx)
	deliver(1, proto.Connected{}, proto.Identify{ClientID: "old"})
	if status := h.session.Status(); status.Phase != PhaseDisconnected || status.Dialing {
		t.Fatalf("expected a dial abandoned by disconnect to stay disconnected, got %+v", status)
	}

	h.session.Connect(ctx)
	deliver(1, proto.Connected{}, proto.Identify{ClientID: "old"})
	if phase := h.session.Phase(); phase != PhaseDisconnected {
		t.Fatalf("expected stale connection events to be dropped, got %s", phase)
	}
	deliver(2, proto.Connected{}, proto.Identify{ClientID: "new"})
	if id := h.session.ClientID(); id != "new" {
		t.Fatalf("expected client id from the current connection, got %q", id)
	}
	deliver(1, proto.Disconnected{Err: errors.New("old socket reset")})
	if phase := h.session.Phase(); phase != PhaseReady || len(h.session.Diagnostics()) != 0 {
		t.Fatalf("expected a stale disconnect to change nothing, got %s", phase)
	}
	if ignored := h.events.OfType(loggingsession.EventIgnored); len(ignored) != 5 {
		t.Fatalf("expected every stale delivery to be reported as ignored, got %d", len(ignored))
	}
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.ready(t, "abc")
	h.dispatch(proto.Unknown{Event: "weather"})
	if h.session.Phase() != PhaseReady || len(h.session.Diagnostics()) != 0 {
		t.Fatalf("expected unknown event to change nothing")
	}
	ignored := h.events.OfType(loggingsession.EventIgnored)
	if len(ignored) != 1 || ignored[0].Severity != logging.SeverityDebug {
		t.Fatalf("expected one debug ignored event, got %+v", ignored)
	}
}

func TestDiagnosticsAreBounded(t *testing.T) {
	h := newHarness(t)
	h.session.diagLimit = 3
	h.ready(t, "abc")
	for i := 0; i < 5; i++ {
		h.dispatch(proto.Identify{ClientID: fmt.Sprintf("other-%d", i)})
	}
	diags := h.session.Diagnostics()
	if len(diags) != 3 {
		t.Fatalf("expected 3 retained diagnostics, got %d", len(diags))
	}
	if !strings.Contains(diags[2].Detail, "other-4") {
		t.Fatalf("expected newest diagnostic last, got %+v", diags[2])
	}
}

func TestStatusMarshalsPhaseName(t *testing.T) {
	h := newHarness(t)
	h.ready(t, "abc")
	payload, err := json.Marshal(h.session.Status())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(payload), `"phase":"ready"`) {
		t.Fatalf("expected phase name in %s", payload)
	}
}
