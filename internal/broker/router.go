package broker

import (
	"context"
	"log/slog"
	"strings"
)

// MessageKind tags a parsed inbound message.
type MessageKind int

const (
	KindUnrecognized MessageKind = iota
	KindTelemetry
	KindRegistration
)

func (k MessageKind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindRegistration:
		return "registration"
	default:
		return "unrecognized"
	}
}

// Inbound is one parsed broker message.
type Inbound struct {
	Kind     MessageKind
	DeviceID string
	Payload  []byte
}

// ParseTopic classifies a topic of the shape sensor/<deviceId>/<kind>.
// Wrong segment counts, empty device ids, and unknown kinds come back
// as KindUnrecognized.
func ParseTopic(topic string, payload []byte) Inbound {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensor" || parts[1] == "" {
		return Inbound{Kind: KindUnrecognized, Payload: payload}
	}

	switch parts[2] {
	case "status":
		return Inbound{Kind: KindTelemetry, DeviceID: parts[1], Payload: payload}
	case "register":
		return Inbound{Kind: KindRegistration, DeviceID: parts[1], Payload: payload}
	default:
		return Inbound{Kind: KindUnrecognized, DeviceID: parts[1], Payload: payload}
	}
}

// InboundFunc processes one classified message.
type InboundFunc func(ctx context.Context, deviceID string, payload []byte)

// Router dispatches parsed messages to the registration and telemetry
// handlers. It is stateless and safe for concurrent use.
type Router struct {
	telemetry    InboundFunc
	registration InboundFunc
	logger       *slog.Logger
}

// NewRouter creates a router over the two handler functions.
func NewRouter(telemetry, registration InboundFunc, logger *slog.Logger) *Router {
	return &Router{
		telemetry:    telemetry,
		registration: registration,
		logger:       logger,
	}
}

// Dispatch parses the topic and routes the message. Unrecognized
// messages are logged and dropped; they never fail the connection.
// Dispatch satisfies [MessageHandler].
func (r *Router) Dispatch(ctx context.Context, topic string, payload []byte) {
	msg := ParseTopic(topic, payload)

	switch msg.Kind {
	case KindTelemetry:
		r.telemetry(ctx, msg.DeviceID, msg.Payload)
	case KindRegistration:
		r.registration(ctx, msg.DeviceID, msg.Payload)
	case KindUnrecognized:
		r.logger.Warn("dropping message on unrecognized topic",
			"topic", topic,
			"payload_size", len(payload),
		)
	}
}
