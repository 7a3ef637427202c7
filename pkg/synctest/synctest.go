// Package synctest is the Sync Bridge's reusable Test Harness (spec.md §2):
// an in-process fake hosttask.Provider/hosttask.Task pair plus a scripted
// WebSocket client, so integration tests (and downstream embedders) can
// drive the full wire protocol without a real editor host.
package synctest

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/syncbridge/pkg/hosttask"
	"github.com/rubiojr/syncbridge/pkg/protocol"
)

// FakeTask is an in-memory hosttask.Task, driven by test code calling Say
// or Ask to append messages and notify listeners.
type FakeTask struct {
	mu         sync.Mutex
	id         string
	messages   []hosttask.Message
	cbs        map[int]func(hosttask.MessageAction, hosttask.Message)
	nextCBID   int
	pendingAsk bool
	answered   []AnsweredPrompt
	answerErr  error
}

// AnsweredPrompt records one AnswerPendingPrompt call, for assertions.
type AnsweredPrompt struct {
	AskResponse string
	Text        string
	Images      []string
}

// NewFakeTask constructs a FakeTask with the given id and no messages.
func NewFakeTask(id string) *FakeTask {
	return &FakeTask{id: id, cbs: make(map[int]func(hosttask.MessageAction, hosttask.Message))}
}

func (t *FakeTask) TaskID() string { return t.id }

func (t *FakeTask) ClineMessages() []hosttask.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]hosttask.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *FakeTask) OnMessage(cb func(hosttask.MessageAction, hosttask.Message)) func() {
	t.mu.Lock()
	id := t.nextCBID
	t.nextCBID++
	t.cbs[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.cbs, id)
		t.mu.Unlock()
	}
}

func (t *FakeTask) AnswerPendingPrompt(askResponse, text string, images []string) error {
	if t.answerErr != nil {
		return t.answerErr
	}
	t.mu.Lock()
	t.pendingAsk = false
	t.answered = append(t.answered, AnsweredPrompt{AskResponse: askResponse, Text: text, Images: images})
	t.mu.Unlock()
	return nil
}

func (t *FakeTask) HasPendingAsk() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingAsk
}

// Answered returns every AnswerPendingPrompt call so far, for assertions.
func (t *FakeTask) Answered() []AnsweredPrompt {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AnsweredPrompt, len(t.answered))
	copy(out, t.answered)
	return out
}

// SetAnswerError makes future AnswerPendingPrompt calls fail with err,
// exercising the Bridge's failure-semantics path.
func (t *FakeTask) SetAnswerError(err error) {
	t.mu.Lock()
	t.answerErr = err
	t.mu.Unlock()
}

// SetPendingAsk sets HasPendingAsk's return value.
func (t *FakeTask) SetPendingAsk(v bool) {
	t.mu.Lock()
	t.pendingAsk = v
	t.mu.Unlock()
}

// Say appends a non-blocking "say" message and notifies listeners, as the
// host's AI task would when it produces output. partial marks it as a
// mid-stream delta (spec.md §4.5 streaming fields): a Say that follows a
// partial Say reuses that message's id, so it is delivered as an update of
// the same logical message rather than as a new one.
func (t *FakeTask) Say(sayType, text string, partial bool) hosttask.Message {
	id := fmt.Sprintf("%s-say-%d", t.id, t.messageCount())
	t.mu.Lock()
	if n := len(t.messages); n > 0 && t.messages[n-1].Type == hosttask.KindSay && t.messages[n-1].Partial {
		id = t.messages[n-1].ID
	}
	t.mu.Unlock()
	return t.emit(hosttask.Message{
		Ts:      time.Now().UnixMilli(),
		ID:      id,
		Type:    hosttask.KindSay,
		Say:     sayType,
		Text:    text,
		Partial: partial,
	})
}

// Ask appends a blocking prompt message, sets HasPendingAsk, and notifies
// listeners.
func (t *FakeTask) Ask(askType, text string) hosttask.Message {
	t.SetPendingAsk(true)
	return t.emit(hosttask.Message{
		Ts:   time.Now().UnixMilli(),
		ID:   fmt.Sprintf("%s-ask-%d", t.id, t.messageCount()),
		Type: hosttask.KindAsk,
		Ask:  askType,
		Text: text,
	})
}

func (t *FakeTask) messageCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *FakeTask) emit(msg hosttask.Message) hosttask.Message {
	t.mu.Lock()
	action := hosttask.ActionCreated
	for i, existing := range t.messages {
		if existing.ID != "" && existing.ID == msg.ID {
			t.messages[i] = msg
			action = hosttask.ActionUpdated
			break
		}
	}
	if action == hosttask.ActionCreated {
		t.messages = append(t.messages, msg)
	}
	cbs := make([]func(hosttask.MessageAction, hosttask.Message), 0, len(t.cbs))
	for _, cb := range t.cbs {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(action, msg)
	}
	return msg
}

// FakeProvider is an in-memory hosttask.Provider. Tests construct one,
// optionally seed it with an initial task via SetCurrentTask, and attach
// it to a Bridge or Sync Service.
type FakeProvider struct {
	mu          sync.Mutex
	current     *FakeTask
	createdCbs  map[int]func(hosttask.Task)
	nextCBID    int
	created     []*FakeTask
	triggered   int
	cancelled   int
	statusPush  []hosttask.StatusPush
	createErr   error
	triggerErr  error
	cancelErr   error
	nextTaskSeq int
}

// NewFakeProvider constructs an empty FakeProvider with no current task.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{createdCbs: make(map[int]func(hosttask.Task))}
}

func (p *FakeProvider) OnTaskCreated(cb func(hosttask.Task)) func() {
	p.mu.Lock()
	id := p.nextCBID
	p.nextCBID++
	p.createdCbs[id] = cb
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.createdCbs, id)
		p.mu.Unlock()
	}
}

func (p *FakeProvider) CurrentTask() (hosttask.Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil, false
	}
	return p.current, true
}

// SetCurrentTask installs task as the active task without notifying
// OnTaskCreated listeners (it represents a task that existed before the
// Bridge attached, per spec.md §4.5 "for each existing or newly created
// task").
func (p *FakeProvider) SetCurrentTask(task *FakeTask) {
	p.mu.Lock()
	p.current = task
	p.mu.Unlock()
}

func (p *FakeProvider) CreateTask(text string, images []string, options hosttask.TaskOptions) (hosttask.Task, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.mu.Lock()
	p.nextTaskSeq++
	task := NewFakeTask(fmt.Sprintf("fake-task-%d", p.nextTaskSeq))
	task.Say("text", text, false)
	p.current = task
	p.created = append(p.created, task)
	cbs := make([]func(hosttask.Task), 0, len(p.createdCbs))
	for _, cb := range p.createdCbs {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(task)
	}
	return task, nil
}

func (p *FakeProvider) TriggerDefaultAction() error {
	p.mu.Lock()
	p.triggered++
	err := p.triggerErr
	p.mu.Unlock()
	return err
}

func (p *FakeProvider) CancelCurrentOperation() error {
	p.mu.Lock()
	p.cancelled++
	err := p.cancelErr
	p.mu.Unlock()
	return err
}

func (p *FakeProvider) PostStatus(update hosttask.StatusPush) {
	p.mu.Lock()
	p.statusPush = append(p.statusPush, update)
	p.mu.Unlock()
}

// TriggerCount returns how many times TriggerDefaultAction was called.
func (p *FakeProvider) TriggerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggered
}

// CancelCount returns how many times CancelCurrentOperation was called.
func (p *FakeProvider) CancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// CreatedTasks returns every task created via CreateTask so far.
func (p *FakeProvider) CreatedTasks() []*FakeTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*FakeTask, len(p.created))
	copy(out, p.created)
	return out
}

// StatusPushes returns every PostStatus call so far.
func (p *FakeProvider) StatusPushes() []hosttask.StatusPush {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hosttask.StatusPush, len(p.statusPush))
	copy(out, p.statusPush)
	return out
}

// SetCreateTaskError makes future CreateTask calls fail with err.
func (p *FakeProvider) SetCreateTaskError(err error) {
	p.mu.Lock()
	p.createErr = err
	p.mu.Unlock()
}

// ScriptedClient is a minimal WebSocket client driver for integration
// tests: dial, handshake, send, and read-with-timeout helpers wrapping
// gorilla/websocket, in the style of a remote spatial-computing client.
type ScriptedClient struct {
	conn *websocket.Conn
}

// Dial connects to a Sync Bridge WebSocket endpoint at url
// ("ws://host:port/").
func Dial(url string) (*ScriptedClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("synctest: dial %s: %w", url, err)
	}
	return &ScriptedClient{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *ScriptedClient) Close() error { return c.conn.Close() }

// Send marshals and writes msg as a single text frame.
func (c *ScriptedClient) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Handshake sends a ClientHandshake and returns the parsed response
// (ConnectionAccepted or ConnectionRejected).
func (c *ScriptedClient) Handshake(clientType, version string, capabilities []string) (protocol.Message, error) {
	if err := c.Send(protocol.NewClientHandshake(clientType, version, capabilities)); err != nil {
		return protocol.Message{}, err
	}
	return c.Receive(5 * time.Second)
}

// Receive reads and parses the next frame, failing if none arrives within
// timeout.
func (c *ScriptedClient) Receive(timeout time.Duration) (protocol.Message, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("synctest: read: %w", err)
	}
	return protocol.Parse(data)
}
