package syncservice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rubiojr/syncbridge/pkg/config"
	"github.com/rubiojr/syncbridge/pkg/protocol"
	"github.com/rubiojr/syncbridge/pkg/synctest"
)

func startForAI(t *testing.T, provider *synctest.FakeProvider) *Service {
	t.Helper()
	wsPort, discoPort := freePortPair(t)
	cfg := config.GetDefaultConfig()
	cfg.Port = wsPort
	cfg.DiscoveryPort = discoPort

	svc := New(cfg)
	if err := svc.Start(provider); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc
}

func dialAndHandshake(t *testing.T, svc *Service) *synctest.ScriptedClient {
	t.Helper()
	st := svc.Status()
	client, err := synctest.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", st.WebSocketPort))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	accepted, err := client.Handshake("visionOS", "1.0.0", nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if accepted.Type != protocol.TypeConnectionAccepted {
		t.Fatalf("expected ConnectionAccepted, got %s", accepted.Type)
	}
	return client
}

func TestReplayOnRegistrationPreservesOrder(t *testing.T) {
	provider := synctest.NewFakeProvider()
	task := synctest.NewFakeTask("task-1")
	task.Say("text", "first message", false)
	task.Say("text", "second message", false)
	provider.SetCurrentTask(task)

	svc := startForAI(t, provider)
	client := dialAndHandshake(t, svc)
	defer client.Close()

	client.Send(protocol.NewAskResponse("s1", "noButtonClicked", "", nil))

	first, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive first: %v", err)
	}
	second, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive second: %v", err)
	}

	if first.Content() != "first message" || second.Content() != "second message" {
		t.Fatalf("unexpected replay order: %q then %q", first.Content(), second.Content())
	}
}

func TestStreamingDeltasShareStreamID(t *testing.T) {
	provider := synctest.NewFakeProvider()
	task := synctest.NewFakeTask("task-1")
	provider.SetCurrentTask(task)

	svc := startForAI(t, provider)
	client := dialAndHandshake(t, svc)
	defer client.Close()

	client.Send(protocol.NewAskResponse("s1", "noButtonClicked", "", nil))

	// Drain the AskResponse acknowledgment before the host starts streaming.
	if _, err := client.Receive(2 * time.Second); err != nil {
		t.Fatalf("drain ack: %v", err)
	}

	task.Say("text", "partial chunk one", true)
	first, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive first chunk: %v", err)
	}
	if first.StreamID == "" {
		t.Fatal("expected a non-empty streamId")
	}

	task.Say("text", "partial chunk two", true)
	second, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive second chunk: %v", err)
	}

	if first.StreamID != second.StreamID {
		t.Fatalf("expected stable streamId across updates, got %q then %q", first.StreamID, second.StreamID)
	}
}

func TestAskResponseRoundTrip(t *testing.T) {
	provider := synctest.NewFakeProvider()
	task := synctest.NewFakeTask("task-1")
	task.Ask("followup", "which file?")
	provider.SetCurrentTask(task)

	svc := startForAI(t, provider)
	client := dialAndHandshake(t, svc)
	defer client.Close()

	client.Send(protocol.NewAskResponse("s1", "yesButtonClicked", "go ahead", nil))

	// Registration replay: drain the initial ask message before asserting.
	if _, err := client.Receive(2 * time.Second); err != nil {
		t.Fatalf("drain replay: %v", err)
	}

	ack, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	meta := ack.Metadata()
	if meta["type"] != "ask_response_result" || meta["success"] != true {
		t.Fatalf("unexpected ack metadata: %+v", meta)
	}

	answered := task.Answered()
	if len(answered) != 1 || answered[0].AskResponse != "yesButtonClicked" {
		t.Fatalf("expected the task to receive the answer, got %+v", answered)
	}
}

func TestUserMessageCreatesTaskAndTracksClient(t *testing.T) {
	provider := synctest.NewFakeProvider()

	svc := startForAI(t, provider)
	client := dialAndHandshake(t, svc)
	defer client.Close()

	client.Send(protocol.NewAIConversation("s1", protocol.RoleUser, "build a house", protocol.AIConversationOptions{}))

	ack, err := client.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	if ack.Metadata()["type"] != "task_created" {
		t.Fatalf("expected task_created ack, got %+v", ack.Metadata())
	}
	if len(provider.CreatedTasks()) != 1 {
		t.Fatalf("expected 1 created task, got %d", len(provider.CreatedTasks()))
	}
}
