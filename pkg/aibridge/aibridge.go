// Package aibridge is the heart of the Sync Bridge: it adapts the host's
// AI task engine (pkg/hosttask) to the wire protocol (pkg/protocol), in
// both directions (spec.md §4.5).
package aibridge

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rubiojr/syncbridge/pkg/hosttask"
	"github.com/rubiojr/syncbridge/pkg/protocol"
	"github.com/rubiojr/syncbridge/pkg/synclog"
)

var log = synclog.ForService("aibridge")

const fallbackSessionID = "current-session"

// client is the Bridge's per-connection registration record.
type client struct {
	connID        string
	sessionID     string
	currentTaskID string
}

// Bridge owns the host-to-wire and wire-to-host translation described in
// spec.md §4.5. A zero Bridge is not usable; construct with New.
type Bridge struct {
	mistakeLimit int

	mu             sync.Mutex
	provider       hosttask.Provider
	clients        map[string]*client
	taskUnsub      map[string]func()
	taskCreatedUns func()

	sendToClient func(connID string, msg protocol.Message)
}

// New constructs a Bridge. mistakeLimit is the ConsecutiveMistakeLimit
// applied to tasks this Bridge creates on behalf of remote clients; 0 per
// spec.md §9 means unbounded (hosttask.Unbounded is substituted).
func New(mistakeLimit int) *Bridge {
	limit := mistakeLimit
	if limit <= 0 {
		limit = hosttask.Unbounded
	}
	return &Bridge{
		mistakeLimit: limit,
		clients:      make(map[string]*client),
		taskUnsub:    make(map[string]func()),
	}
}

// SetSender installs the callback used to deliver a wire message to one
// connection. The Sync Service wires this to the Connection Server's
// SendMessage.
func (b *Bridge) SetSender(send func(connID string, msg protocol.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendToClient = send
}

// Attach subscribes the Bridge to the host Provider: the current task (if
// any) and every task created from here on get a per-task message
// listener installed.
func (b *Bridge) Attach(provider hosttask.Provider) {
	b.mu.Lock()
	b.provider = provider
	b.mu.Unlock()

	if task, ok := provider.CurrentTask(); ok {
		b.installTaskListener(task)
	}
	unsub := provider.OnTaskCreated(func(task hosttask.Task) {
		b.installTaskListener(task)
	})

	b.mu.Lock()
	b.taskCreatedUns = unsub
	b.mu.Unlock()
}

// Detach tears down all subscriptions: it clears the Bridge's own tables
// and then calls the task-created unsubscribe and every per-task message
// unsubscribe it still holds.
func (b *Bridge) Detach() {
	b.mu.Lock()
	unsubs := make([]func(), 0, len(b.taskUnsub)+1)
	if b.taskCreatedUns != nil {
		unsubs = append(unsubs, b.taskCreatedUns)
	}
	for _, u := range b.taskUnsub {
		unsubs = append(unsubs, u)
	}
	b.taskUnsub = make(map[string]func())
	b.clients = make(map[string]*client)
	b.provider = nil
	b.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

func (b *Bridge) installTaskListener(task hosttask.Task) {
	taskID := task.TaskID()

	b.mu.Lock()
	if _, exists := b.taskUnsub[taskID]; exists {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	unsub := task.OnMessage(func(action hosttask.MessageAction, msg hosttask.Message) {
		b.handleHostMessage(taskID, msg)
	})

	b.mu.Lock()
	b.taskUnsub[taskID] = unsub
	b.mu.Unlock()
}

func (b *Bridge) handleHostMessage(taskID string, msg hosttask.Message) {
	wire, ok := b.convertTaskMessage(taskID, msg)
	if !ok {
		return
	}

	b.mu.Lock()
	recipients := make([]string, 0, len(b.clients))
	for id := range b.clients {
		recipients = append(recipients, id)
	}
	sender := b.sendToClient
	b.mu.Unlock()

	if sender == nil {
		return
	}
	for _, connID := range recipients {
		sender(connID, wire)
	}
}

// convertTaskMessage implements the host-to-wire mapping of spec.md §4.5.
// Returns ok=false for empty-after-trim content, which is dropped rather
// than broadcast.
func (b *Bridge) convertTaskMessage(taskID string, msg hosttask.Message) (protocol.Message, bool) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return protocol.Message{}, false
	}

	role := mapRole(msg)
	sessionID := b.currentSessionID()

	metadata := map[string]any{
		"timestamp":    msg.Ts,
		"messageId":    msg.Ts,
		"source":       "roo-code",
		"originalType": string(msg.Type),
	}
	if msg.Type == hosttask.KindSay && msg.Say != "" {
		metadata["sayType"] = msg.Say
	}
	if msg.Type == hosttask.KindAsk && msg.Ask != "" {
		metadata["askType"] = msg.Ask
	}
	if taskID != "" {
		metadata["taskId"] = taskID
	}

	opts := protocol.AIConversationOptions{
		Metadata:    metadata,
		IsStreaming: msg.Partial,
		IsFinal:     !msg.Partial,
		ChunkIndex:  0,
	}
	streamID := msg.ID
	wire := protocol.NewAIConversation(sessionID, role, content, opts)
	if streamID == "" {
		streamID = wire.ID
	}
	wire.StreamID = streamID
	return wire, true
}

func mapRole(msg hosttask.Message) string {
	switch {
	case msg.Type == hosttask.KindAsk:
		return protocol.RoleUser
	case msg.Say == hosttask.SayText || msg.Say == hosttask.SayCompletionResult:
		return protocol.RoleAssistant
	case msg.Say == hosttask.SayError || msg.Say == hosttask.SayTool:
		return protocol.RoleSystem
	default:
		return protocol.RoleAssistant
	}
}

// currentSessionID returns any registered client's last-known sessionId,
// falling back to the literal "current-session" (spec.md §4.5).
func (b *Bridge) currentSessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if c.sessionID != "" {
			return c.sessionID
		}
	}
	return fallbackSessionID
}

// HandleInbound processes one AI-typed inbound message from connID. It is
// the Connection Server's SetUnhandledHandler target for
// AIConversation/AskResponse/TriggerSend, wired by the Sync Service.
func (b *Bridge) HandleInbound(connID string, msg protocol.Message) {
	b.ensureRegistered(connID)

	switch msg.Type {
	case protocol.TypeAIConversation:
		b.handleInboundConversation(connID, msg)
	case protocol.TypeAskResponse:
		b.handleAskResponse(connID, msg)
	case protocol.TypeTriggerSend:
		b.handleTriggerSend(connID, msg)
	}
}

// ensureRegistered creates the client record on first contact and replays
// current task history to that connection alone (spec.md §4.5
// "Registration & replay").
func (b *Bridge) ensureRegistered(connID string) *client {
	b.mu.Lock()
	c, exists := b.clients[connID]
	if !exists {
		c = &client{connID: connID}
		b.clients[connID] = c
	}
	provider := b.provider
	sender := b.sendToClient
	b.mu.Unlock()

	if exists || provider == nil {
		return c
	}

	task, ok := provider.CurrentTask()
	if !ok || sender == nil {
		return c
	}
	for _, histMsg := range task.ClineMessages() {
		wire, ok := b.convertTaskMessage(task.TaskID(), histMsg)
		if !ok {
			continue
		}
		sender(connID, wire)
	}
	return c
}

func (b *Bridge) reply(connID string, msg protocol.Message) {
	b.mu.Lock()
	sender := b.sendToClient
	b.mu.Unlock()
	if sender != nil {
		sender(connID, msg)
	}
}

func (b *Bridge) handleInboundConversation(connID string, msg protocol.Message) {
	if msg.Role() != protocol.RoleUser {
		return
	}

	b.mu.Lock()
	c := b.clients[connID]
	if sid := msg.SessionID(); sid != "" {
		c.sessionID = sid
	}
	provider := b.provider
	limit := b.mistakeLimit
	b.mu.Unlock()

	if provider == nil {
		b.reply(connID, ackError(msg, "no host provider attached"))
		return
	}

	content := msg.Content()
	current, hasCurrent := provider.CurrentTask()

	var status string
	var ackType string
	if hasCurrent && c.currentTaskID != "" && c.currentTaskID == current.TaskID() {
		if err := current.AnswerPendingPrompt("messageResponse", content, nil); err != nil {
			b.reply(connID, ackError(msg, err.Error()))
			return
		}
		status = "Message sent to active task"
		ackType = "task_created"
	} else {
		task, err := provider.CreateTask(content, nil, hosttask.TaskOptions{ConsecutiveMistakeLimit: limit})
		if err != nil {
			b.reply(connID, ackError(msg, err.Error()))
			return
		}
		b.mu.Lock()
		c.currentTaskID = task.TaskID()
		b.mu.Unlock()
		status = "New task started"
		ackType = "task_created"
	}

	b.reply(connID, ackOK(msg, status, ackType))
}

func (b *Bridge) handleAskResponse(connID string, msg protocol.Message) {
	b.mu.Lock()
	provider := b.provider
	b.mu.Unlock()

	if provider == nil {
		log.With("connId", connID).Warnf("ask response with no provider attached")
		b.reply(connID, askResultAck(msg, false))
		return
	}

	task, ok := provider.CurrentTask()
	if !ok {
		// No active task to deliver the answer to: logged as a warning,
		// not an error, and still acknowledged as successful — the client
		// asked a question that's no longer pending, not a failure of the
		// ask-response mechanism itself.
		log.With("connId", connID).Warnf("ask response with no current task")
		b.reply(connID, askResultAck(msg, true))
		return
	}

	err := task.AnswerPendingPrompt(msg.AskResponseValue(), msg.AskText(), msg.AskImages())
	if err != nil {
		b.reply(connID, ackError(msg, err.Error()))
		return
	}
	b.reply(connID, askResultAck(msg, true))
}

func (b *Bridge) handleTriggerSend(connID string, msg protocol.Message) {
	b.mu.Lock()
	provider := b.provider
	b.mu.Unlock()

	if provider == nil {
		b.reply(connID, ackError(msg, "no host provider attached"))
		return
	}

	action := msg.Action()
	var err error
	var metaType string
	switch action {
	case protocol.ActionSend:
		err = provider.TriggerDefaultAction()
		metaType = "trigger_result"
	case protocol.ActionCancel:
		err = provider.CancelCurrentOperation()
		metaType = "cancel_result"
	default:
		b.reply(connID, ackError(msg, fmt.Sprintf("unknown trigger action %q", action)))
		return
	}

	if err != nil {
		b.reply(connID, ackErrorTyped(msg, metaType, err.Error()))
		return
	}
	b.reply(connID, ackResult(msg, metaType, "Trigger handled", true, ""))
}

func ackOK(inbound protocol.Message, status, ackType string) protocol.Message {
	return protocol.NewAIConversation(inbound.SessionID(), protocol.RoleAssistant, status, protocol.AIConversationOptions{
		Metadata: map[string]any{
			"type":              ackType,
			"originalMessageId": inbound.ID,
		},
	})
}

func ackError(inbound protocol.Message, reason string) protocol.Message {
	return protocol.NewAIConversation(inbound.SessionID(), protocol.RoleAssistant, reason, protocol.AIConversationOptions{
		Metadata: map[string]any{
			"type":              "error",
			"originalMessageId": inbound.ID,
		},
	})
}

func askResultAck(inbound protocol.Message, success bool) protocol.Message {
	content := "Ask response delivered"
	if !success {
		content = "No pending task to answer"
	}
	return ackResult(inbound, "ask_response_result", content, success, inbound.AskResponseValue())
}

func ackResult(inbound protocol.Message, metaType, content string, success bool, askResponse string) protocol.Message {
	metadata := map[string]any{
		"type":              metaType,
		"success":           success,
		"originalMessageId": inbound.ID,
	}
	if askResponse != "" {
		metadata["askResponse"] = askResponse
	}
	return protocol.NewAIConversation(inbound.SessionID(), protocol.RoleAssistant, content, protocol.AIConversationOptions{
		Metadata: metadata,
	})
}

func ackErrorTyped(inbound protocol.Message, metaType, reason string) protocol.Message {
	return protocol.NewAIConversation(inbound.SessionID(), protocol.RoleAssistant, reason, protocol.AIConversationOptions{
		Metadata: map[string]any{
			"type":              metaType,
			"success":           false,
			"originalMessageId": inbound.ID,
		},
	})
}
