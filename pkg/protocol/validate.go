package protocol

import "fmt"

// ValidationError is returned by Validate when a message fails the
// per-type required-field table in spec.md §4.2. Once a connection has
// completed its handshake, a validation error is not fatal to it: the
// Connection Server logs it and emits an ERROR event. Before the handshake
// the Connection Server closes the connection with a protocol error.
type ValidationError struct {
	Type   Type
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s message: %s", e.Type, e.Reason)
}

// Validate enforces the required-field table of spec.md §4.2 against an
// already-Parse-normalized Message. Unknown types fail validation.
func Validate(m Message) error {
	switch m.Type {
	case TypeClientHandshake:
		if m.ClientType == "" {
			return &ValidationError{m.Type, "missing clientType"}
		}
		if m.Version == "" {
			return &ValidationError{m.Type, "missing version"}
		}
		if m.Capabilities == nil {
			return &ValidationError{m.Type, "capabilities must be an array"}
		}
		return nil

	case TypeConnectionAccepted:
		if _, ok := m.payloadString("connectionId"); !ok {
			return &ValidationError{m.Type, "missing payload.connectionId"}
		}
		if _, ok := m.payloadMap("serverInfo"); !ok {
			return &ValidationError{m.Type, "missing payload.serverInfo"}
		}
		return nil

	case TypeConnectionRejected:
		if m.Reason == "" {
			return &ValidationError{m.Type, "missing reason"}
		}
		return nil

	case TypeAIConversation:
		if sid, ok := m.payloadString("sessionId"); !ok || sid == "" {
			return &ValidationError{m.Type, "missing payload.sessionId"}
		}
		role, ok := m.payloadString("role")
		if !ok {
			return &ValidationError{m.Type, "missing payload.role"}
		}
		if role != RoleUser && role != RoleAssistant && role != RoleSystem {
			return &ValidationError{m.Type, "payload.role must be one of user|assistant|system"}
		}
		if _, ok := m.payloadString("content"); !ok {
			return &ValidationError{m.Type, "missing payload.content"}
		}
		return nil

	case TypeAskResponse:
		if sid, ok := m.payloadString("sessionId"); !ok || sid == "" {
			return &ValidationError{m.Type, "missing payload.sessionId"}
		}
		ask, ok := m.payloadString("askResponse")
		if !ok {
			return &ValidationError{m.Type, "missing payload.askResponse"}
		}
		switch ask {
		case AskYesButtonClicked, AskNoButtonClicked, AskMessageResponse, AskObjectResponse:
		default:
			return &ValidationError{m.Type, "payload.askResponse must be a recognized response kind"}
		}
		return nil

	case TypeTriggerSend:
		if sid, ok := m.payloadString("sessionId"); !ok || sid == "" {
			return &ValidationError{m.Type, "missing payload.sessionId"}
		}
		action, ok := m.payloadString("action")
		if !ok {
			return &ValidationError{m.Type, "missing payload.action"}
		}
		if action != ActionSend && action != ActionCancel {
			return &ValidationError{m.Type, "payload.action must be send|cancel"}
		}
		return nil

	case TypeEcho:
		if _, ok := m.payloadString("message"); !ok {
			return &ValidationError{m.Type, "missing payload.message"}
		}
		return nil

	case TypePing, TypePong:
		return nil

	default:
		return &ValidationError{m.Type, "unknown message type"}
	}
}

// ParseAndValidate is a convenience wrapper combining Parse and Validate,
// used by the Connection Server's inbound routing path.
func ParseAndValidate(data []byte) (Message, error) {
	msg, err := Parse(data)
	if err != nil {
		return Message{}, err
	}
	if err := Validate(msg); err != nil {
		return msg, err
	}
	return msg, nil
}
