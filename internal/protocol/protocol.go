package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the target marker that addresses every agent.
const Broadcast = "all"

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message types.
const (
	TypeWorkflowRun   = "control.workflow.run"
	TypeAgentPause    = "control.agent.pause"
	TypeAgentResume   = "control.agent.resume"
	TypeAgentStop     = "control.agent.stop"
	TypeStatusRequest = "control.agent.status.request"

	TypeMap          = "map.v1"
	TypeRequirements = "materials.requirements.v1"
	TypeInventory    = "inventory.v1"
	TypeBuild        = "structure.build.v1"
	TypeAgentState   = "agent.state.v1"
	TypeAgentStatus  = "agent.status.v1"
)

// Envelope is the unit of bus communication. Payload is kept as raw JSON so
// every recipient gets its own copy of the value.
type Envelope struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Target    string          `json:"target,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Context   string          `json:"context,omitempty"`
}

// NewEnvelope encodes payload and returns an envelope with status ok. The
// timestamp is assigned by the bus at publish time.
func NewEnvelope(typ, source, target string, payload any) (Envelope, error) {
	env := Envelope{
		Type:   typ,
		Source: source,
		Target: target,
		Status: StatusOK,
	}
	if payload == nil {
		payload = struct{}{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Payload = b
	return env, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal.
func MustEnvelope(typ, source, target string, payload any) Envelope {
	env, err := NewEnvelope(typ, source, target, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// NewContext returns a fresh correlation id.
func NewContext() string { return uuid.NewString() }

// WithContext returns a copy of env carrying the given correlation id.
func (e Envelope) WithContext(ctx string) Envelope {
	e.Context = ctx
	return e
}

// Clone returns a copy of e that shares no memory with it.
func (e Envelope) Clone() Envelope {
	c := e
	if e.Payload != nil {
		c.Payload = bytes.Clone(e.Payload)
	}
	return c
}

// AddressedTo reports whether the envelope targets the named agent.
func (e Envelope) AddressedTo(name string) bool {
	return e.Target == "" || e.Target == Broadcast || e.Target == name
}

// Decode unmarshals the envelope payload into a value of type T.
func Decode[T any](e Envelope) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return v, nil
}
