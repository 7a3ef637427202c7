package synctest

import (
	"testing"

	"github.com/rubiojr/syncbridge/pkg/hosttask"
)

func TestFakeTaskSayNotifiesListeners(t *testing.T) {
	task := NewFakeTask("t1")
	var got []hosttask.Message
	task.OnMessage(func(action hosttask.MessageAction, msg hosttask.Message) {
		got = append(got, msg)
	})

	task.Say("text", "hello", false)
	task.Say("text", "world", false)

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].Text != "hello" || got[1].Text != "world" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if len(task.ClineMessages()) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(task.ClineMessages()))
	}
}

func TestFakeTaskAskSetsPending(t *testing.T) {
	task := NewFakeTask("t1")
	if task.HasPendingAsk() {
		t.Fatal("expected no pending ask initially")
	}
	task.Ask("followup", "which file?")
	if !task.HasPendingAsk() {
		t.Fatal("expected pending ask after Ask")
	}
	if err := task.AnswerPendingPrompt("messageResponse", "main.go", nil); err != nil {
		t.Fatalf("AnswerPendingPrompt: %v", err)
	}
	if task.HasPendingAsk() {
		t.Fatal("expected pending ask cleared after answer")
	}
	if len(task.Answered()) != 1 {
		t.Fatalf("expected 1 recorded answer, got %d", len(task.Answered()))
	}
}

func TestFakeProviderCreateTaskNotifiesListeners(t *testing.T) {
	provider := NewFakeProvider()
	var notified []hosttask.Task
	provider.OnTaskCreated(func(task hosttask.Task) {
		notified = append(notified, task)
	})

	task, err := provider.CreateTask("do it", nil, hosttask.TaskOptions{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if len(notified) != 1 || notified[0].TaskID() != task.TaskID() {
		t.Fatalf("expected OnTaskCreated to fire with the new task, got %+v", notified)
	}

	current, ok := provider.CurrentTask()
	if !ok || current.TaskID() != task.TaskID() {
		t.Fatal("expected CurrentTask to report the newly created task")
	}
}

func TestFakeProviderTriggerAndCancel(t *testing.T) {
	provider := NewFakeProvider()
	if err := provider.TriggerDefaultAction(); err != nil {
		t.Fatalf("TriggerDefaultAction: %v", err)
	}
	if err := provider.CancelCurrentOperation(); err != nil {
		t.Fatalf("CancelCurrentOperation: %v", err)
	}
	if provider.TriggerCount() != 1 || provider.CancelCount() != 1 {
		t.Fatalf("expected 1 trigger and 1 cancel, got %d/%d", provider.TriggerCount(), provider.CancelCount())
	}
}
