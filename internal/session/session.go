// Package session drives the client side of a simulation run: connection
// and identification, start and cancel commands, and applying streamed grid
// snapshots to the grid model.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lanesim/internal/grid"
	"lanesim/internal/journal"
	"lanesim/internal/net/proto"
	"lanesim/internal/simconfig"
	"lanesim/internal/telemetry"
	"lanesim/logging"
	loggingsession "lanesim/logging/session"
)

var (
	// ErrNotReady is returned when a run is requested before the server
	// identified the client.
	ErrNotReady = errors.New("session not ready")
	// ErrNotConnected is returned when no connection is open. It matches
	// ErrNotReady.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrNotReady)
	// ErrAlreadyRunning is returned for a start while a run is active.
	ErrAlreadyRunning = errors.New("simulation already running")
	// ErrNotRunning is returned for a cancel with no active run.
	ErrNotRunning = errors.New("simulation not running")
)

// CancelNotice is the free-form text sent with a cancel command.
const CancelNotice = "cancelled by operator"

const defaultDiagnosticLimit = 32

// Transport is the duplex connection the session owns. Open reports its
// outcome asynchronously through the event stream fed to Run, tagged with the
// connection number it returns.
type Transport interface {
	Open(ctx context.Context) uint64
	Send(msg proto.Outbound) error
	Close() error
}

type Config struct {
	Transport Transport
	Model     *grid.Model
	Journal   *journal.Journal
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Clock     logging.Clock
	// DiagnosticLimit bounds the retained protocol diagnostics.
	DiagnosticLimit int
	// NewID generates connection trace ids and run ids.
	NewID func() string
}

// Session tracks the connection and run lifecycle against one simulation
// server. Every mutation is a discrete command or inbound event handled under
// one lock; nothing waits on the network.
type Session struct {
	transport Transport
	model     *grid.Model
	journal   *journal.Journal
	base      logging.Publisher
	metrics   telemetry.Metrics
	logger    telemetry.Logger
	clock     logging.Clock
	newID     func() string

	mu          sync.Mutex
	phase       Phase
	dialing     bool
	conn        uint64
	clientID    string
	publisher   logging.Publisher
	runID       string
	dims        grid.Dimensions
	hasDims     bool
	frames      uint64
	diagnostics []Diagnostic
	diagLimit   int
}

func New(cfg Config) *Session {
	model := cfg.Model
	if model == nil {
		model = &grid.Model{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	limit := cfg.DiagnosticLimit
	if limit <= 0 {
		limit = defaultDiagnosticLimit
	}
	return &Session{
		transport: cfg.Transport,
		model:     model,
		journal:   cfg.Journal,
		base:      publisher,
		metrics:   metrics,
		logger:    logger,
		clock:     clock,
		newID:     newID,
		publisher: publisher,
		diagLimit: limit,
	}
}

// Model exposes the grid model fed by this session.
func (s *Session) Model() *grid.Model {
	return s.model
}

// Journal exposes the frame journal, which may be nil.
func (s *Session) Journal() *journal.Journal {
	return s.journal
}

// Connect asks the transport to open a connection. It is a no-op while a dial
// is in flight or a connection is open.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.phase != PhaseDisconnected || s.dialing || s.transport == nil {
		s.mu.Unlock()
		return
	}
	s.dialing = true
	s.conn = s.transport.Open(ctx)
	s.mu.Unlock()
}

// StartSimulation sends cfg to the server and marks the run active. The
// current grid and its established dimensions are cleared.
func (s *Session) StartSimulation(ctx context.Context, cfg simconfig.Config) error {
	s.mu.Lock()
	switch {
	case s.transport == nil:
		s.mu.Unlock()
		return ErrNotConnected
	case s.phase == PhaseRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case s.phase == PhaseDisconnected:
		s.mu.Unlock()
		return ErrNotConnected
	case s.phase == PhaseUnidentified:
		s.mu.Unlock()
		return ErrNotReady
	}

	if err := s.transport.Send(proto.StartSimulation{ClientID: s.clientID, Config: cfg}); err != nil {
		s.faultLocked(ctx, proto.EventStartSimulation, err)
		s.mu.Unlock()
		s.transport.Close()
		return fmt.Errorf("send start: %w", err)
	}

	s.phase = PhaseRunning
	s.runID = s.newID()
	s.hasDims = false
	s.dims = grid.Dimensions{}
	s.frames = 0
	s.model.Reset()
	s.journal.BeginRun(s.runID)
	s.metrics.Add(telemetry.MetricCommandsSent, 1)
	loggingsession.RunStarted(ctx, s.publisher, s.actorLocked(), loggingsession.RunStartedPayload{
		SizeOfLane:         cfg.SizeOfLane,
		NumHorizontalLanes: cfg.NumHorizontalLanes,
		NumVerticalLanes:   cfg.NumVerticalLanes,
	}, map[string]any{"run": s.runID})
	s.mu.Unlock()
	return nil
}

// CancelSimulation stops the active run locally and tells the server.
func (s *Session) CancelSimulation(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}

	if err := s.transport.Send(proto.CancelSimulation{ClientID: s.clientID, Notice: CancelNotice}); err != nil {
		s.faultLocked(ctx, proto.EventCancelSimulation, err)
		s.mu.Unlock()
		s.transport.Close()
		return fmt.Errorf("send cancel: %w", err)
	}

	s.phase = PhaseReady
	s.metrics.Add(telemetry.MetricCommandsSent, 1)
	loggingsession.RunEnded(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.RunEndedPayload{Reason: "cancelled", Frames: s.frames}, map[string]any{"run": s.runID})
	s.mu.Unlock()
	return nil
}

// Disconnect closes the transport and returns to Disconnected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == PhaseDisconnected && !s.dialing {
		s.mu.Unlock()
		return nil
	}
	s.dialing = false
	s.conn = 0
	if s.phase != PhaseDisconnected {
		s.disconnectLocked(ctx, "closed locally")
	}
	s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}

// Run delivers events in order until ctx ends or events closes.
func (s *Session) Run(ctx context.Context, events <-chan proto.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-events:
			if !ok {
				return nil
			}
			s.Deliver(ctx, d)
		}
	}
}

// Deliver dispatches d if it belongs to the connection opened by the last
// Connect. Anything left over from an earlier connection is dropped.
func (s *Session) Deliver(ctx context.Context, d proto.Delivery) {
	if d.Msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == 0 || d.Conn != s.conn {
		s.ignoreLocked(ctx, d.Msg.EventName(), fmt.Sprintf("stale connection %d", d.Conn))
		return
	}
	s.dispatchLocked(ctx, d.Msg)
}

// Dispatch applies one inbound message regardless of the connection it came
// from. Each arm only acts in the phases it lists; anything else is ignored
// or reported as a diagnostic.
func (s *Session) Dispatch(ctx context.Context, msg proto.Inbound) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchLocked(ctx, msg)
}

func (s *Session) dispatchLocked(ctx context.Context, msg proto.Inbound) {
	switch m := msg.(type) {
	case proto.Connected:
		s.handleConnected(ctx)
	case proto.Disconnected:
		s.handleDisconnected(ctx, m)
	case proto.Identify:
		s.handleIdentify(ctx, m)
	case proto.SimulationUpdate:
		s.handleUpdate(ctx, m)
	case proto.CompletedSimulation:
		s.handleCompleted(ctx, m)
	default:
		s.ignoreLocked(ctx, msg.EventName(), "unknown event")
	}
}

func (s *Session) handleConnected(ctx context.Context) {
	s.dialing = false
	if s.phase != PhaseDisconnected {
		s.ignoreLocked(ctx, proto.EventConnect, "already connected")
		return
	}
	s.phase = PhaseUnidentified
	s.publisher = logging.WithTraceID(s.base, s.newID())
	loggingsession.Connected(ctx, s.publisher, s.actorLocked(), nil)
}

func (s *Session) handleDisconnected(ctx context.Context, m proto.Disconnected) {
	s.dialing = false
	s.conn = 0
	if m.Err != nil {
		s.metrics.Add(telemetry.MetricTransportFaults, 1)
		s.recordLocked("transport", proto.EventDisconnect, m.Err.Error())
	}
	if s.phase == PhaseDisconnected {
		return
	}
	reason := "closed by server"
	if m.Err != nil {
		reason = m.Err.Error()
	}
	s.disconnectLocked(ctx, reason)
}

func (s *Session) handleIdentify(ctx context.Context, m proto.Identify) {
	switch s.phase {
	case PhaseDisconnected:
		s.ignoreLocked(ctx, proto.EventIdentify, "not connected")
	case PhaseUnidentified:
		s.clientID = m.ClientID
		s.phase = PhaseReady
		loggingsession.Identified(ctx, s.publisher, s.actorLocked(), loggingsession.IdentifiedPayload{ClientID: m.ClientID}, nil)
	default:
		if m.ClientID != s.clientID {
			s.mismatchLocked(ctx, "client_id", proto.EventIdentify, fmt.Sprintf("server re-identified as %q, keeping %q", m.ClientID, s.clientID))
		}
	}
}

func (s *Session) handleUpdate(ctx context.Context, m proto.SimulationUpdate) {
	if s.phase != PhaseRunning {
		s.metrics.Add(telemetry.MetricFramesDiscarded, 1)
		loggingsession.FrameDiscarded(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.FrameDiscardedPayload{Phase: s.phase.String()}, nil)
		return
	}
	if m.ClientID != "" && m.ClientID != s.clientID {
		s.mismatchLocked(ctx, "client_id", proto.EventSimulationUpdate, fmt.Sprintf("frame addressed to %q", m.ClientID))
		return
	}
	g, err := grid.DecodeSnapshot(m.Data)
	if err != nil {
		s.mismatchLocked(ctx, "malformed_grid", proto.EventSimulationUpdate, err.Error())
		return
	}
	if s.hasDims {
		if err := g.CheckDimensions(s.dims); err != nil {
			s.mismatchLocked(ctx, "dimensions", proto.EventSimulationUpdate, err.Error())
			return
		}
	} else {
		s.dims = g.Dimensions()
		s.hasDims = true
	}

	s.model.Replace(g)
	s.frames++
	s.journal.Record(g)
	s.metrics.Add(telemetry.MetricFramesApplied, 1)
}

func (s *Session) handleCompleted(ctx context.Context, m proto.CompletedSimulation) {
	if s.phase != PhaseRunning {
		s.ignoreLocked(ctx, proto.EventCompletedSimulation, "no active run")
		return
	}
	if m.ClientID != "" && m.ClientID != s.clientID {
		s.mismatchLocked(ctx, "client_id", proto.EventCompletedSimulation, fmt.Sprintf("completion addressed to %q", m.ClientID))
		return
	}
	s.phase = PhaseReady
	loggingsession.RunEnded(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.RunEndedPayload{Reason: "completed", Frames: s.frames}, map[string]any{"run": s.runID})
}

// faultLocked handles a failed send: the connection is considered lost.
func (s *Session) faultLocked(ctx context.Context, event string, err error) {
	s.metrics.Add(telemetry.MetricTransportFaults, 1)
	s.logger.Printf("send %s failed: %v", event, err)
	s.recordLocked("transport", event, err.Error())
	s.disconnectLocked(ctx, "send failed: "+err.Error())
}

func (s *Session) disconnectLocked(ctx context.Context, reason string) {
	wasRunning := s.phase == PhaseRunning
	loggingsession.Disconnected(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.DisconnectedPayload{Reason: reason, WasRunning: wasRunning}, nil)
	if wasRunning {
		loggingsession.RunEnded(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.RunEndedPayload{Reason: "disconnected", Frames: s.frames}, map[string]any{"run": s.runID})
	}
	s.phase = PhaseDisconnected
	s.clientID = ""
	s.conn = 0
}

func (s *Session) mismatchLocked(ctx context.Context, kind, event, detail string) {
	s.metrics.Add(telemetry.MetricProtocolMismatch, 1)
	loggingsession.ProtocolMismatch(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.ProtocolMismatchPayload{Kind: kind, Event: event, Detail: detail}, nil)
	s.recordLocked(kind, event, detail)
}

func (s *Session) ignoreLocked(ctx context.Context, event, reason string) {
	loggingsession.Ignored(ctx, s.publisher, s.frames, s.actorLocked(), loggingsession.IgnoredPayload{Event: event, Phase: s.phase.String(), Reason: reason}, nil)
}

func (s *Session) recordLocked(kind, event, detail string) {
	s.diagnostics = append(s.diagnostics, Diagnostic{
		Time:   s.clock.Now(),
		Kind:   kind,
		Event:  event,
		Detail: detail,
	})
	if overflow := len(s.diagnostics) - s.diagLimit; overflow > 0 {
		s.diagnostics = append(s.diagnostics[:0], s.diagnostics[overflow:]...)
	}
}

func (s *Session) actorLocked() logging.EntityRef {
	return logging.EntityRef{Kind: logging.EntityKindClient, ID: s.clientID}
}
