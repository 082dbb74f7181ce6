package network

import (
	"context"

	"lanesim/logging"
)

const (
	// EventDialFailed is emitted when the transport could not open a connection.
	EventDialFailed logging.EventType = "network.dial_failed"
	// EventSendFailed is emitted when an outbound frame could not be queued or written.
	EventSendFailed logging.EventType = "network.send_failed"
	// EventDecodeFailed is emitted when an inbound frame could not be decoded.
	EventDecodeFailed logging.EventType = "network.decode_failed"
)

// FailurePayload describes a transport level failure.
type FailurePayload struct {
	URL   string `json:"url,omitempty"`
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}

// DialFailed publishes a warning when dialing the simulation server fails.
func DialFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	publish(ctx, pub, logging.SeverityWarn, EventDialFailed, actor, payload, extra)
}

// SendFailed publishes an error when an outbound command is lost.
func SendFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	publish(ctx, pub, logging.SeverityError, EventSendFailed, actor, payload, extra)
}

// DecodeFailed publishes a warning for an inbound frame that was skipped.
func DecodeFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	publish(ctx, pub, logging.SeverityWarn, EventDecodeFailed, actor, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, severity logging.Severity, eventType logging.EventType, actor logging.EntityRef, payload FailurePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}
