// ABOUTME: Envelope type and message type constants for the broker wire protocol.
// ABOUTME: One JSON object per line; every component exchanges these and nothing else.

package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Message type constants. The enumeration is extensible: unknown types
// decode fine and are routed as opaque commands.
const (
	// Lifecycle
	TypeAgentRegister   = "agent.register"
	TypeAgentReady      = "agent.ready"
	TypeAgentDisconnect = "agent.disconnect"
	TypeAgentList       = "agent.list"
	TypeAgentCatalog    = "agent.catalog"

	// Commands
	TypeCommand       = "command"
	TypeResponse      = "response"
	TypeResponseChunk = "response.chunk"
	TypeResponseEnd   = "response.end"

	// Services
	TypeServiceRequest  = "service.request"
	TypeServiceResponse = "service.response"
	TypeServiceError    = "service.error"

	// Inter-agent
	TypeAgentMessage   = "agent.message"
	TypeAgentBroadcast = "agent.broadcast"

	TypeError = "error"
)

// BrokerID is the reserved sender/recipient identity for the broker itself.
const BrokerID = "broker"

// Envelope is the single structured message unit exchanged over a connection.
type Envelope struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Payload   map[string]any `json:"payload"`
	ReplyTo   string         `json:"reply_to,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// New builds an envelope with a fresh ID and UTC timestamp.
func New(msgType, from, to string, payload map[string]any) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Reply builds an envelope addressed back to the sender of orig, with
// ReplyTo set so the recipient can correlate it.
func Reply(orig *Envelope, from, msgType string, payload map[string]any) *Envelope {
	env := New(msgType, from, orig.From, payload)
	env.ReplyTo = orig.ID
	return env
}

// ErrorReply builds a terminal error envelope for orig carrying a
// human-readable message.
func ErrorReply(orig *Envelope, from, errMsg string) *Envelope {
	return Reply(orig, from, TypeError, map[string]any{"error": errMsg})
}
