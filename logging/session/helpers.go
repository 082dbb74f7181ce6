// Package session publishes structured events describing the client session
// and run lifecycle.
package session

import (
	"context"

	"lanesim/logging"
)

const (
	// EventConnected is emitted when the transport reports an open connection.
	EventConnected logging.EventType = "session.connected"
	// EventIdentified is emitted when the server assigns the client id.
	EventIdentified logging.EventType = "session.identified"
	// EventDisconnected is emitted when the session falls back to disconnected.
	EventDisconnected logging.EventType = "session.disconnected"
	// EventRunStarted is emitted after a start command was handed to the transport.
	EventRunStarted logging.EventType = "session.run_started"
	// EventRunEnded is emitted when a run completes or is cancelled locally.
	EventRunEnded logging.EventType = "session.run_ended"
	// EventFrameDiscarded is emitted for snapshots dropped because no run is active.
	EventFrameDiscarded logging.EventType = "session.frame_discarded"
	// EventProtocolMismatch is emitted when an inbound message is rejected.
	EventProtocolMismatch logging.EventType = "session.protocol_mismatch"
	// EventIgnored is emitted for stale or unrecognised inbound messages.
	EventIgnored logging.EventType = "session.ignored"
)

type IdentifiedPayload struct {
	ClientID string `json:"clientId"`
}

type DisconnectedPayload struct {
	Reason     string `json:"reason"`
	WasRunning bool   `json:"wasRunning"`
}

type RunStartedPayload struct {
	SizeOfLane         int `json:"sizeOfLane"`
	NumHorizontalLanes int `json:"numHorizontalLanes"`
	NumVerticalLanes   int `json:"numVerticalLanes"`
}

type RunEndedPayload struct {
	Reason string `json:"reason"`
	Frames uint64 `json:"frames"`
}

type FrameDiscardedPayload struct {
	Phase string `json:"phase"`
}

type IgnoredPayload struct {
	Event  string `json:"event"`
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

type ProtocolMismatchPayload struct {
	Kind   string `json:"kind"`
	Event  string `json:"event"`
	Detail string `json:"detail"`
}

func Connected(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventConnected,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Extra:    extra,
	})
}

func Identified(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload IdentifiedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventIdentified,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Payload:  payload,
		Extra:    extra,
	})
}

func Disconnected(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload DisconnectedPayload, extra map[string]any) {
	severity := logging.SeverityInfo
	if payload.WasRunning {
		severity = logging.SeverityWarn
	}
	publish(ctx, pub, logging.Event{
		Type:     EventDisconnected,
		Frame:    frame,
		Actor:    actor,
		Severity: severity,
		Payload:  payload,
		Extra:    extra,
	})
}

func RunStarted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload RunStartedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventRunStarted,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Payload:  payload,
		Extra:    extra,
	})
}

func RunEnded(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload RunEndedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventRunEnded,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Payload:  payload,
		Extra:    extra,
	})
}

// FrameDiscarded is debug level: late frames after a cancel are expected.
func FrameDiscarded(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload FrameDiscardedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventFrameDiscarded,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Payload:  payload,
		Extra:    extra,
	})
}

func ProtocolMismatch(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload ProtocolMismatchPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventProtocolMismatch,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Payload:  payload,
		Extra:    extra,
	})
}

func Ignored(ctx context.Context, pub logging.Publisher, frame uint64, actor logging.EntityRef, payload IgnoredPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventIgnored,
		Frame:    frame,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Payload:  payload,
		Extra:    extra,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategorySession
	pub.Publish(ctx, event)
}
