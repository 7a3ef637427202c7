package protocol

func newEnvelope(t Type) Message {
	return Message{Type: t, Timestamp: NowMillis(), ID: NewID()}
}

// NewPing builds an outbound Ping message.
func NewPing() Message { return newEnvelope(TypePing) }

// NewPong builds an outbound Pong message.
func NewPong() Message { return newEnvelope(TypePong) }

// NewEcho builds an outbound Echo message echoing the given text.
func NewEcho(text string) Message {
	m := newEnvelope(TypeEcho)
	m.Payload = map[string]any{"message": text}
	return m
}

// NewConnectionAccepted builds the handshake success reply.
func NewConnectionAccepted(connectionID string, info ServerInfo) Message {
	m := newEnvelope(TypeConnectionAccepted)
	m.Payload = map[string]any{
		"connectionId": connectionID,
		"serverInfo": map[string]any{
			"name":         info.Name,
			"version":      info.Version,
			"platform":     info.Platform,
			"capabilities": info.Capabilities,
		},
	}
	return m
}

// NewConnectionRejected builds the capacity-refusal reply.
func NewConnectionRejected(reason string) Message {
	m := newEnvelope(TypeConnectionRejected)
	m.Reason = reason
	return m
}

// AIConversationOptions carries the optional streaming extension fields and
// metadata attached to an outbound AIConversation message.
type AIConversationOptions struct {
	Metadata    map[string]any
	IsStreaming bool
	IsFinal     bool
	StreamID    string
	ChunkIndex  int
}

// NewAIConversation builds an outbound AIConversation message.
func NewAIConversation(sessionID, role, content string, opts AIConversationOptions) Message {
	m := newEnvelope(TypeAIConversation)
	payload := map[string]any{
		"sessionId": sessionID,
		"role":      role,
		"content":   content,
	}
	if opts.Metadata != nil {
		payload["metadata"] = opts.Metadata
	}
	m.Payload = payload

	isStreaming := opts.IsStreaming
	isFinal := opts.IsFinal
	m.IsStreaming = &isStreaming
	m.IsFinal = &isFinal
	m.StreamID = opts.StreamID
	chunkIndex := opts.ChunkIndex
	m.ChunkIndex = &chunkIndex
	return m
}

// NewAskResponse builds an outbound AskResponse message (used by tests and
// the scripted test-harness client; real clients send this type, the
// server never needs to).
func NewAskResponse(sessionID, askResponse, text string, images []string) Message {
	m := newEnvelope(TypeAskResponse)
	m.Payload = map[string]any{
		"sessionId":   sessionID,
		"askResponse": askResponse,
	}
	if text != "" {
		m.Payload["text"] = text
	}
	if len(images) > 0 {
		m.Payload["images"] = images
	}
	return m
}

// NewTriggerSend builds an outbound TriggerSend message.
func NewTriggerSend(sessionID, action string) Message {
	m := newEnvelope(TypeTriggerSend)
	m.Payload = map[string]any{
		"sessionId": sessionID,
		"action":    action,
	}
	return m
}

// NewClientHandshake builds an outbound (client-side, test-harness) handshake
// message in the normalized top-level form.
func NewClientHandshake(clientType, version string, capabilities []string) Message {
	m := newEnvelope(TypeClientHandshake)
	m.ClientType = clientType
	m.Version = version
	m.Capabilities = capabilities
	return m
}
