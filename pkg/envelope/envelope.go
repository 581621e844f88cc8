// Package envelope defines the wire message format shared by every
// component that talks over the broker.
//
// An Envelope carries a closed set of message kinds: commands handled via
// request-reply, events published on per-agent subjects, and system
// messages. The JSON shape is fixed for interoperability with existing
// deployments:
//
//	{"type": "...", "agent_id": "...", "payload": {...},
//	 "timestamp": "...", "correlation_id": "..."}
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a message on the broker.
type Kind string

// Message kinds. Commands are request-reply, events are pub-sub,
// heartbeat and shutdown are system messages.
const (
	// Commands
	KindExecuteTask Kind = "execute_task"
	KindCancelTask  Kind = "cancel_task"
	KindGetStatus   Kind = "get_status"

	// Events
	KindTaskStarted   Kind = "task_started"
	KindTaskProgress  Kind = "task_progress"
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"
	KindToolUse       Kind = "tool_use"
	KindAgentMessage  Kind = "agent_message"

	// System
	KindHeartbeat Kind = "heartbeat"
	KindShutdown  Kind = "shutdown"
)

var validKinds = map[Kind]struct{}{
	KindExecuteTask:   {},
	KindCancelTask:    {},
	KindGetStatus:     {},
	KindTaskStarted:   {},
	KindTaskProgress:  {},
	KindTaskCompleted: {},
	KindTaskFailed:    {},
	KindToolUse:       {},
	KindAgentMessage:  {},
	KindHeartbeat:     {},
	KindShutdown:      {},
}

// ParseKind converts a wire string into a Kind.
// Unknown strings are an error, not a new kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := validKinds[k]; !ok {
		return "", fmt.Errorf("unknown message kind: %q", s)
	}
	return k, nil
}

// String returns the wire form of the kind.
func (k Kind) String() string { return string(k) }

// IsCommand reports whether the kind is handled via request-reply.
func (k Kind) IsCommand() bool {
	return k == KindExecuteTask || k == KindCancelTask || k == KindGetStatus
}

// UnmarshalJSON enforces the closed kind set at decode time.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode kind: %w", err)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Envelope is one message on the broker. It is a pure value type:
// construct, encode, send. Replies echo the correlation ID of the
// request so callers can match streams of progress events back to the
// originating command.
type Envelope struct {
	Kind          Kind           `json:"type"`
	AgentID       string         `json:"agent_id"`
	Payload       map[string]any `json:"payload"`
	Timestamp     string         `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

// MarshalJSON emits an unset correlation id as an explicit null. All
// five keys are always present; consumers in other languages key on
// the exact shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind          Kind           `json:"type"`
		AgentID       string         `json:"agent_id"`
		Payload       map[string]any `json:"payload"`
		Timestamp     string         `json:"timestamp"`
		CorrelationID *string        `json:"correlation_id"`
	}
	w := wire{
		Kind:      e.Kind,
		AgentID:   e.AgentID,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
	if e.CorrelationID != "" {
		w.CorrelationID = &e.CorrelationID
	}
	return json.Marshal(w)
}

// New builds an envelope with a producer-assigned UTC timestamp.
func New(kind Kind, agentID string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Kind:      kind,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// WithCorrelation returns a copy carrying the given correlation ID.
func (e Envelope) WithCorrelation(id string) Envelope {
	e.CorrelationID = id
	return e
}

// Encode serializes the envelope to its JSON wire form.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope from its JSON wire form. A missing
// timestamp decodes to the empty string; an unknown kind is an error.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return e, nil
}
