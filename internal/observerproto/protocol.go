package observerproto

import "voxelcrew.ai/internal/bus"

// Version is the audit stream protocol version.
const Version = "0.1"

// Client -> Server. First message on the stream connection; may be re-sent
// to change the filter. Empty filters match everything.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Types           []string `json:"types,omitempty"`
	Context         string   `json:"context,omitempty"`
	Agent           string   `json:"agent,omitempty"`
}

// Server -> Client, one per audit record that passes the filter.
type RecordMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Record          bus.AuditRecord `json:"record"`
}

// Server -> Client after the subscription is accepted.
type SubscribedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	QueueSize       int    `json:"queue_size"`
}

// HTTP response for GET /v1/status.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	TickRateHz      int          `json:"tick_rate_hz"`
	Seed            int64        `json:"seed"`
	AuditRecords    int          `json:"audit_records"`
	Agents          []AgentState `json:"agents"`
	Stream          StreamStats  `json:"stream"`
}

type AgentState struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

type StreamStats struct {
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
}

// Matches reports whether rec passes the subscription filter. Agent matches
// the envelope source or an explicit target.
func (s SubscribeMsg) Matches(rec bus.AuditRecord) bool {
	env := rec.Envelope
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == env.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if s.Context != "" && s.Context != env.Context {
		return false
	}
	if s.Agent != "" && s.Agent != env.Source && s.Agent != env.Target {
		return false
	}
	return true
}
