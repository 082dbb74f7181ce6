package session

import (
	"time"

	"lanesim/internal/grid"
)

// Phase is the combined connection and run state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	// PhaseUnidentified is connected but not yet assigned a client id.
	PhaseUnidentified
	PhaseReady
	PhaseRunning
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseUnidentified:
		return "unidentified"
	case PhaseReady:
		return "ready"
	case PhaseRunning:
		return "running"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ConnectionState is the transport view of a phase.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connected    ConnectionState = "connected"
)

// ConnectionState reports whether p holds an open connection.
func (p Phase) ConnectionState() ConnectionState {
	if p == PhaseDisconnected {
		return Disconnected
	}
	return Connected
}

// Running reports whether p has an active run.
func (p Phase) Running() bool {
	return p == PhaseRunning
}

// Diagnostic records an inbound message or transport failure the session
// refused to act on.
type Diagnostic struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Event  string    `json:"event"`
	Detail string    `json:"detail"`
}

// Status is a consistent snapshot of the session.
type Status struct {
	Phase          Phase            `json:"phase"`
	Connection     ConnectionState  `json:"connection"`
	Dialing        bool             `json:"dialing"`
	ClientID       string           `json:"clientId,omitempty"`
	Running        bool             `json:"running"`
	Run            string           `json:"run,omitempty"`
	Dimensions     *grid.Dimensions `json:"dimensions,omitempty"`
	FramesApplied  uint64           `json:"framesApplied"`
	LastDiagnostic *Diagnostic      `json:"lastDiagnostic,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{
		Phase:         s.phase,
		Connection:    s.phase.ConnectionState(),
		Dialing:       s.dialing,
		ClientID:      s.clientID,
		Running:       s.phase.Running(),
		Run:           s.runID,
		FramesApplied: s.frames,
	}
	if s.hasDims {
		dims := s.dims
		status.Dimensions = &dims
	}
	if n := len(s.diagnostics); n > 0 {
		last := s.diagnostics[n-1]
		status.LastDiagnostic = &last
	}
	return status
}

// Phase reports the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ClientID reports the server assigned id, empty until identified.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Diagnostics returns the retained diagnostics oldest first.
func (s *Session) Diagnostics() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Diagnostic, len(s.diagnostics))
	copy(out, s.diagnostics)
	return out
}
