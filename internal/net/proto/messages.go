package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"lanesim/internal/simconfig"
)

// Event names carried in the envelope.
const (
	EventIdentify            = "identify"
	EventSimulationUpdate    = "simulationUpdate"
	EventCompletedSimulation = "completedSimulation"
	EventStartSimulation     = "startSimulation"
	EventCancelSimulation    = "cancelSimulation"

	// Transport level events never appear on the wire.
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// ErrUnknownEvent is returned when decoding an envelope whose event name is
// not part of the protocol.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the JSON frame exchanged in both directions. ID is optional on
// inbound frames; when present it names the client the frame is meant for.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is the closed set of messages the session dispatches on.
type Inbound interface {
	EventName() string
	inbound()
}

// Connected reports that the transport opened a connection.
type Connected struct{}

// Disconnected reports that the transport lost or closed its connection.
type Disconnected struct {
	Err error
}

// Identify carries the server assigned client id.
type Identify struct {
	ClientID string
}

// SimulationUpdate carries one full grid snapshot. Data is left encoded so
// frames that end up discarded are never decoded.
type SimulationUpdate struct {
	ClientID string
	Data     json.RawMessage
}

// CompletedSimulation reports that the engine finished the run.
type CompletedSimulation struct {
	ClientID string
}

// Unknown wraps an envelope whose event is not part of the protocol.
type Unknown struct {
	Event string
}

// Delivery is an inbound message tagged with the connection it arrived on.
// Connections are numbered from 1 in the order they were opened; 0 never
// names a connection.
type Delivery struct {
	Conn uint64
	Msg  Inbound
}

func (Connected) EventName() string           { return EventConnect }
func (Disconnected) EventName() string        { return EventDisconnect }
func (Identify) EventName() string            { return EventIdentify }
func (SimulationUpdate) EventName() string    { return EventSimulationUpdate }
func (CompletedSimulation) EventName() string { return EventCompletedSimulation }
func (u Unknown) EventName() string           { return u.Event }

func (Connected) inbound()           {}
func (Disconnected) inbound()        {}
func (Identify) inbound()            {}
func (SimulationUpdate) inbound()    {}
func (CompletedSimulation) inbound() {}
func (Unknown) inbound()             {}

// DecodeInbound converts a raw websocket frame into a typed inbound message.
// Unrecognised events decode to Unknown with ErrUnknownEvent.
func DecodeInbound(payload []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case EventIdentify:
		var id string
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return nil, fmt.Errorf("decode identify: %w", err)
		}
		if id == "" {
			return nil, errors.New("decode identify: empty client id")
		}
		return Identify{ClientID: id}, nil
	case EventSimulationUpdate:
		if len(env.Data) == 0 {
			return nil, errors.New("decode simulationUpdate: missing data")
		}
		return SimulationUpdate{ClientID: env.ID, Data: env.Data}, nil
	case EventCompletedSimulation:
		return CompletedSimulation{ClientID: env.ID}, nil
	case "":
		return nil, errors.New("decode envelope: missing event")
	default:
		return Unknown{Event: env.Event}, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}

// EncodeInbound renders an inbound message in wire form. Transport level
// messages have no wire form.
func EncodeInbound(msg Inbound) ([]byte, error) {
	switch m := msg.(type) {
	case Identify:
		data, err := json.Marshal(m.ClientID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Envelope{Event: EventIdentify, Data: data})
	case SimulationUpdate:
		return json.Marshal(Envelope{Event: EventSimulationUpdate, ID: m.ClientID, Data: m.Data})
	case CompletedSimulation:
		return json.Marshal(Envelope{Event: EventCompletedSimulation, ID: m.ClientID, Data: json.RawMessage(`"Completed"`)})
	default:
		return nil, fmt.Errorf("%s has no wire form", msg.EventName())
	}
}

// Outbound is the closed set of commands the client sends.
type Outbound interface {
	EventName() string
	outbound()
}

// StartSimulation asks the engine to start a run with Config.
type StartSimulation struct {
	ClientID string
	Config   simconfig.Config
}

// CancelSimulation asks the engine to stop the current run.
type CancelSimulation struct {
	ClientID string
	Notice   string
}

func (StartSimulation) EventName() string  { return EventStartSimulation }
func (CancelSimulation) EventName() string { return EventCancelSimulation }

func (StartSimulation) outbound()  {}
func (CancelSimulation) outbound() {}

type cancelData struct {
	ID     string `json:"id"`
	Notice string `json:"notice"`
}

// EncodeOutbound renders a command. The start payload is the config object
// with the client id merged in under "id".
func EncodeOutbound(msg Outbound) ([]byte, error) {
	switch m := msg.(type) {
	case StartSimulation:
		data, err := startData(m)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Envelope{Event: EventStartSimulation, Data: data})
	case CancelSimulation:
		data, err := json.Marshal(cancelData{ID: m.ClientID, Notice: m.Notice})
		if err != nil {
			return nil, err
		}
		return json.Marshal(Envelope{Event: EventCancelSimulation, Data: data})
	default:
		return nil, fmt.Errorf("unsupported outbound message %T", msg)
	}
}

func startData(m StartSimulation) (json.RawMessage, error) {
	raw, err := json.Marshal(m.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	id, err := json.Marshal(m.ClientID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// DecodeOutbound parses a command frame. Engines and test doubles use it to
// read what the client sent.
func DecodeOutbound(payload []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Event {
	case EventStartSimulation:
		var withID struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &withID); err != nil {
			return nil, fmt.Errorf("decode startSimulation: %w", err)
		}
		cfg := simconfig.Defaults()
		if err := json.Unmarshal(env.Data, &cfg); err != nil {
			return nil, fmt.Errorf("decode startSimulation: %w", err)
		}
		return StartSimulation{ClientID: withID.ID, Config: cfg}, nil
	case EventCancelSimulation:
		var data cancelData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("decode cancelSimulation: %w", err)
			}
		}
		return CancelSimulation{ClientID: data.ID, Notice: data.Notice}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}
