// Package hosttask declares the interfaces the Sync Bridge consumes from
// its host editor's AI task engine (spec.md §6.3). The host editor and its
// engine are external collaborators, out of scope for this repository
// (spec.md §1); this package is the seam between them and pkg/aibridge.
package hosttask

import "math"

// MessageAction distinguishes a brand-new task message from an in-place
// update to an existing one (a streaming delta superseding its prior
// partial state).
type MessageAction string

const (
	ActionCreated MessageAction = "created"
	ActionUpdated MessageAction = "updated"
)

// Kind is the top-level kind of a task message: a blocking prompt waiting
// on the user (Ask), or a non-blocking utterance (Say).
type Kind string

const (
	KindAsk Kind = "ask"
	KindSay Kind = "say"
)

// Well-known Say sub-types referenced by the role-mapping rules in
// spec.md §4.5.
const (
	SayText             = "text"
	SayCompletionResult = "completion_result"
	SayError            = "error"
	SayTool             = "tool"
)

// Message is a single entry in a Task's ordered message log (spec.md §3,
// "Task message"). At minimum it carries a timestamp, kind, text, and
// whether it is a streaming delta.
type Message struct {
	Ts      int64
	ID      string // logical streaming identity; may be empty
	Type    Kind
	Ask     string // sub-type when Type == KindAsk
	Say     string // sub-type when Type == KindSay
	Text    string
	Partial bool
}

// Unbounded is the sentinel ConsecutiveMistakeLimit meaning "no limit",
// the default per spec.md §9: the remote client is a trusted driver whose
// session must not be terminated by the host's anti-runaway heuristic.
const Unbounded = math.MaxInt32

// TaskOptions configures a newly created task.
type TaskOptions struct {
	ConsecutiveMistakeLimit int
}

// Task is a single conversation session inside the host's AI engine: an
// ordered message log plus a "pending prompt" state (spec.md GLOSSARY).
type Task interface {
	// TaskID returns the host-assigned task identifier.
	TaskID() string

	// ClineMessages returns the current ordered message log snapshot, used
	// for replay on first-registration (spec.md §4.5).
	ClineMessages() []Message

	// OnMessage subscribes to created/updated events on this task's
	// message log. The returned func unsubscribes; safe to call more than
	// once.
	OnMessage(cb func(action MessageAction, msg Message)) (unsubscribe func())

	// AnswerPendingPrompt answers the task's current pending ask, the
	// host's "answer the currently-pending prompt" operation.
	AnswerPendingPrompt(askResponse, text string, images []string) error

	// HasPendingAsk reports whether the task currently has an
	// unanswered ask outstanding.
	HasPendingAsk() bool
}

// StatusPush is a status update the Bridge's orchestrator pushes to the
// host UI after a connect/disconnect (spec.md §4.6), via Provider.PostStatus.
type StatusPush struct {
	Type    string
	Payload any
}

// Provider is the host editor's handle, consumed in-process by the Sync
// Service (spec.md §6.3). It is supplied by the embedding host; this repo
// never constructs a production implementation of it.
type Provider interface {
	// OnTaskCreated subscribes to new-task creation. The returned func
	// unsubscribes.
	OnTaskCreated(cb func(Task)) (unsubscribe func())

	// CurrentTask returns the host's currently active task, if any.
	CurrentTask() (Task, bool)

	// CreateTask starts a new task, the host's "start new task with
	// text/images" operation.
	CreateTask(text string, images []string, options TaskOptions) (Task, error)

	// TriggerDefaultAction invokes the host's "trigger default action"
	// operation (TriggerSend{action:"send"}).
	TriggerDefaultAction() error

	// CancelCurrentOperation invokes the host's "cancel current
	// operation" operation (TriggerSend{action:"cancel"}).
	CancelCurrentOperation() error

	// PostStatus pushes a status update to the host UI. A nil Provider
	// (no handle supplied at Start) means status pushes are skipped.
	PostStatus(update StatusPush)
}
