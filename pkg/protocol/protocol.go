// Package protocol implements the Sync Bridge's Message Codec: the closed
// tagged-union wire message type, JSON (de)serialization, the dual-format
// handshake tolerance, and per-type validation described in spec.md §4.2.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the closed wire message type enum.
type Type string

const (
	TypeClientHandshake    Type = "ClientHandshake"
	TypeConnectionAccepted Type = "ConnectionAccepted"
	TypeConnectionRejected Type = "ConnectionRejected"
	TypeAIConversation     Type = "AIConversation"
	TypeAskResponse        Type = "AskResponse"
	TypeTriggerSend        Type = "TriggerSend"
	TypePing               Type = "Ping"
	TypePong               Type = "Pong"
	TypeEcho               Type = "Echo"
)

// Role is the AIConversation speaker role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// AskResponse kinds.
const (
	AskYesButtonClicked  = "yesButtonClicked"
	AskNoButtonClicked   = "noButtonClicked"
	AskMessageResponse   = "messageResponse"
	AskObjectResponse    = "objectResponse"
)

// TriggerSend actions.
const (
	ActionSend   = "send"
	ActionCancel = "cancel"
)

// ServerInfo is the serverInfo sub-object of ConnectionAccepted.
type ServerInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// Message is the normalized, in-memory form of every wire message. Only the
// fields relevant to Type are populated; Marshal emits the populated
// fields for that Type (plus, for AIConversation, the streaming extension
// fields when set). Empty optional fields are omitted, including an empty
// or nil handshake capabilities list.
type Message struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`

	// ClientHandshake - always emitted top-level outbound; tolerated
	// top-level or payload-nested inbound (see Parse).
	ClientType   string   `json:"clientType,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// ConnectionRejected
	Reason string `json:"reason,omitempty"`

	// Generic payload for ConnectionAccepted / AIConversation / AskResponse
	// / TriggerSend / Echo. Keys are normalized to the payload table in
	// spec.md §4.2 by Parse before Validate runs.
	Payload map[string]any `json:"payload,omitempty"`

	// Streaming extension fields, attached to AIConversation wire messages
	// only (spec.md §4.5). Tolerated-but-undeclared by the base schema.
	IsStreaming *bool  `json:"isStreaming,omitempty"`
	IsFinal     *bool  `json:"isFinal,omitempty"`
	StreamID    string `json:"streamId,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
}

// NowMillis returns the current wall clock time as a millisecond epoch,
// the Timestamp format used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }

// NewID generates a fresh opaque message/connection id.
func NewID() string { return uuid.NewString() }

// Marshal serializes msg to its wire JSON form.
func Marshal(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Type, err)
	}
	return b, nil
}

// Parse decodes a single wire frame into a normalized Message: missing
// timestamp/id are backfilled, ClientHandshake's dual top-level/nested
// encoding is folded into the top-level fields with their documented
// defaults, and AIConversation's snake_case payload.session_id is renamed
// to sessionId. Parse does not validate; call Validate separately.
func Parse(data []byte) (Message, error) {
	var raw struct {
		Type      Type           `json:"type"`
		Timestamp int64          `json:"timestamp"`
		ID        string         `json:"id"`

		ClientType   string         `json:"clientType"`
		Version      string         `json:"version"`
		Capabilities []string       `json:"capabilities"`

		Reason string `json:"reason"`

		Payload map[string]any `json:"payload"`

		IsStreaming *bool  `json:"isStreaming"`
		IsFinal     *bool  `json:"isFinal"`
		StreamID    string `json:"streamId"`
		ChunkIndex  *int   `json:"chunkIndex"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("protocol: parse: %w", err)
	}

	if raw.Type == "" {
		return Message{}, fmt.Errorf("protocol: parse: missing type")
	}

	msg := Message{
		Type:         raw.Type,
		Timestamp:    raw.Timestamp,
		ID:           raw.ID,
		ClientType:   raw.ClientType,
		Version:      raw.Version,
		Capabilities: raw.Capabilities,
		Reason:       raw.Reason,
		Payload:      raw.Payload,
		IsStreaming:  raw.IsStreaming,
		IsFinal:      raw.IsFinal,
		StreamID:     raw.StreamID,
		ChunkIndex:   raw.ChunkIndex,
	}

	// Tolerate two handshake encodings: top-level or nested under payload.
	if msg.Type == TypeClientHandshake {
		normalizeHandshake(&msg)
	}

	// snake_case compatibility: payload.session_id -> payload.sessionId.
	if msg.Type == TypeAIConversation && msg.Payload != nil {
		if _, hasCamel := msg.Payload["sessionId"]; !hasCamel {
			if snake, ok := msg.Payload["session_id"]; ok {
				msg.Payload["sessionId"] = snake
				delete(msg.Payload, "session_id")
			}
		}
	}

	// Back-fill missing timestamp/id so legacy clients are never rejected
	// for omitting them.
	if msg.Timestamp == 0 {
		msg.Timestamp = NowMillis()
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}

	return msg, nil
}

func normalizeHandshake(msg *Message) {
	payload := msg.Payload
	if msg.ClientType == "" && payload != nil {
		if v, ok := payload["clientType"].(string); ok {
			msg.ClientType = v
		}
	}
	if msg.Version == "" && payload != nil {
		if v, ok := payload["version"].(string); ok {
			msg.Version = v
		}
	}
	if len(msg.Capabilities) == 0 && payload != nil {
		if raw, ok := payload["capabilities"].([]any); ok {
			caps := make([]string, 0, len(raw))
			for _, c := range raw {
				if s, ok := c.(string); ok {
					caps = append(caps, s)
				}
			}
			msg.Capabilities = caps
		}
	}

	if msg.ClientType == "" {
		msg.ClientType = "visionOS"
	}
	if msg.Version == "" {
		msg.Version = "1.0.0"
	}
	if msg.Capabilities == nil {
		msg.Capabilities = []string{}
	}
	// Outbound/normalized in-memory form is always top-level: drop the
	// nested payload now that it has been folded in.
	msg.Payload = nil
}

// Classification helpers (spec.md §4.2).

// IsSystemMessage reports whether t is Ping, Pong, or Echo.
func IsSystemMessage(t Type) bool {
	return t == TypePing || t == TypePong || t == TypeEcho
}

// IsConnectionMessage reports whether t is one of the three handshake
// variants.
func IsConnectionMessage(t Type) bool {
	return t == TypeClientHandshake || t == TypeConnectionAccepted || t == TypeConnectionRejected
}

// IsAIMessage reports whether t is an AI-typed message dispatched to the
// Bridge.
func IsAIMessage(t Type) bool {
	return t == TypeAIConversation || t == TypeAskResponse || t == TypeTriggerSend
}

// Payload accessor helpers. All tolerate a nil/absent Payload map and
// return the zero value in that case; callers combine these with Validate
// to enforce presence.

func (m Message) payloadString(key string) (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	v, ok := m.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m Message) payloadStringSlice(key string) ([]string, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[key]
	if !ok {
		return nil, false
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func (m Message) payloadBool(key string) (bool, bool) {
	if m.Payload == nil {
		return false, false
	}
	v, ok := m.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (m Message) payloadMap(key string) (map[string]any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[key]
	if !ok {
		return nil, false
	}
	mp, ok := v.(map[string]any)
	return mp, ok
}

// SessionID returns payload.sessionId for AIConversation/AskResponse/
// TriggerSend messages.
func (m Message) SessionID() string {
	s, _ := m.payloadString("sessionId")
	return s
}

// Role returns payload.role for AIConversation messages.
func (m Message) Role() string {
	s, _ := m.payloadString("role")
	return s
}

// Content returns payload.content for AIConversation messages.
func (m Message) Content() string {
	s, _ := m.payloadString("content")
	return s
}

// Metadata returns payload.metadata, if present.
func (m Message) Metadata() map[string]any {
	mp, _ := m.payloadMap("metadata")
	return mp
}

// Partial returns payload.partial and whether it was present. Per spec.md
// §9 Open Questions, inbound partial on AIConversation is accepted by the
// codec but ignored by the Bridge until a client use case appears.
func (m Message) Partial() (bool, bool) {
	return m.payloadBool("partial")
}

// AskResponseValue returns payload.askResponse for AskResponse messages.
func (m Message) AskResponseValue() string {
	s, _ := m.payloadString("askResponse")
	return s
}

// AskText returns payload.text for AskResponse messages.
func (m Message) AskText() string {
	s, _ := m.payloadString("text")
	return s
}

// AskImages returns payload.images for AskResponse messages.
func (m Message) AskImages() []string {
	s, _ := m.payloadStringSlice("images")
	return s
}

// Action returns payload.action for TriggerSend messages.
func (m Message) Action() string {
	s, _ := m.payloadString("action")
	return s
}

// EchoMessage returns payload.message for Echo messages.
func (m Message) EchoMessage() string {
	s, _ := m.payloadString("message")
	return s
}

// ConnectionID returns payload.connectionId for ConnectionAccepted messages.
func (m Message) ConnectionID() string {
	s, _ := m.payloadString("connectionId")
	return s
}
