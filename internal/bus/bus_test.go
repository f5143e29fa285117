package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("worker")
	defer b.Unsubscribe(sub)

	b.Publish(TopicWorkerStarted, WorkerEvent{GroupJID: "123@g.us", Reason: "messages"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicWorkerStarted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicWorkerStarted)
		}
		we, ok := event.Payload.(WorkerEvent)
		if !ok || we.GroupJID != "123@g.us" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskCompleted, TaskRunEvent{TaskID: "task-1"})
	b.Publish(TopicWorkerFinished, WorkerEvent{})

	select {
	case event := <-taskSub.Ch():
		if event.Topic != TopicTaskCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event on allSub")
		}
	}
}

func TestBus_NonBlockingPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicIPCCommand, CommandEvent{Command: "send_message"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	// Channel should be closed.
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
