package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// statusPayload mirrors the job status events the runner publishes.
type statusPayload struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func waitFor(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()
	ctx := context.Background()

	got := make(chan *Message, 1)
	sub, err := mb.Subscribe(ctx, "job.status.completed", func(msg *Message) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.Subject() != "job.status.completed" {
		t.Fatalf("Subject() = %q", sub.Subject())
	}

	payload, _ := json.Marshal(statusPayload{JobID: "mnist-1", Status: "Completed"})
	if err := mb.Publish(ctx, "job.status.completed", payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := waitFor(t, got)
	var ev statusPayload
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if ev.JobID != "mnist-1" || ev.Status != "Completed" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()
	ctx := context.Background()

	got := make(chan *Message, 4)
	if _, err := mb.Subscribe(ctx, "job.status.*", func(msg *Message) {
		got <- msg
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mb.Publish(ctx, "job.status.completed", []byte("a"))
	mb.Publish(ctx, "job.status.failed", []byte("b"))
	mb.Publish(ctx, "job.metric", []byte("c"))
	mb.Publish(ctx, "endpoint.status.deleting", []byte("d"))

	first := waitFor(t, got)
	second := waitFor(t, got)
	if first.Subject != "job.status.completed" || second.Subject != "job.status.failed" {
		t.Fatalf("subjects = %q, %q", first.Subject, second.Subject)
	}

	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery for %q", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusTailWildcard(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()
	ctx := context.Background()

	got := make(chan *Message, 4)
	if _, err := mb.Subscribe(ctx, "job.>", func(msg *Message) {
		got <- msg
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mb.Publish(ctx, "job.metric", []byte("a"))
	mb.Publish(ctx, "job.status.completed", []byte("b"))
	mb.Publish(ctx, "endpoint.status.failed", []byte("c"))

	if msg := waitFor(t, got); msg.Subject != "job.metric" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if msg := waitFor(t, got); msg.Subject != "job.status.completed" {
		t.Fatalf("subject = %q", msg.Subject)
	}

	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery for %q", msg.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusFanout(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		if _, err := mb.Subscribe(ctx, "endpoint.status.deleting", func(msg *Message) {
			wg.Done()
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	if err := mb.Publish(ctx, "endpoint.status.deleting", []byte(`{"name":"live"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers saw the event")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()
	ctx := context.Background()

	got := make(chan *Message, 2)
	sub, err := mb.Subscribe(ctx, "job.metric", func(msg *Message) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mb.Publish(ctx, "job.metric", []byte("before"))
	waitFor(t, got)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	// Safe to call twice.
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}

	mb.Publish(ctx, "job.metric", []byte("after"))
	select {
	case <-got:
		t.Fatal("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusDropsWhenSubscriberFull(t *testing.T) {
	mb := NewMemoryBus()
	defer mb.Close()
	ctx := context.Background()

	block := make(chan struct{})
	if _, err := mb.Subscribe(ctx, "job.metric", func(msg *Message) {
		<-block
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// One message may be held in the handler; the buffer takes the
	// rest, and the overflow is dropped.
	for i := 0; i < subscriberBuffer+16; i++ {
		mb.Publish(ctx, "job.metric", []byte("m"))
	}
	close(block)

	if mb.Dropped() == 0 {
		t.Fatal("expected drops once the subscriber buffer filled")
	}
}

func TestMemoryBusClosedOperations(t *testing.T) {
	mb := NewMemoryBus()
	if err := mb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := mb.Publish(context.Background(), "job.metric", nil); err != ErrClosed {
		t.Fatalf("Publish after close = %v, want ErrClosed", err)
	}
	if _, err := mb.Subscribe(context.Background(), "job.metric", func(*Message) {}); err != ErrClosed {
		t.Fatalf("Subscribe after close = %v, want ErrClosed", err)
	}
	if err := mb.Close(); err != ErrClosed {
		t.Fatalf("second Close = %v, want ErrClosed", err)
	}
}

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"job.metric", "job.metric", true},
		{"job.metric", "job.status", false},
		{"job.status.*", "job.status.completed", true},
		{"job.status.*", "job.status", false},
		{"job.status.*", "job.status.completed.extra", false},
		{"job.>", "job.metric", true},
		{"job.>", "job.status.completed", true},
		{"job.>", "job", false},
		{"job.>", "endpoint.status.failed", false},
		{"endpoint.status.*", "endpoint.status.deleting", true},
		{"*.metric", "job.metric", true},
		{"*.metric", "endpoint.status.failed", false},
	}
	for _, tc := range cases {
		if got := subjectMatches(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("subjectMatches(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}
