package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corerun/agentcore/internal/domain/turnloop"
)

func TestQueuePushThenNext(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	if err := q.Push(ctx, newEvent(TypeDebug, DebugPayload{Message: "hi"})); err != nil {
		t.Fatalf("Push: %v", err)
	}

	ev, ok, err := q.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if ev.Type != TypeDebug {
		t.Fatalf("Type = %q", ev.Type)
	}
	payload, ok := ev.Payload.(DebugPayload)
	if !ok || payload.Message != "hi" {
		t.Fatalf("Payload = %+v", ev.Payload)
	}
}

func TestQueuePushBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	if err := q.Push(ctx, newEvent(TypeNotice, NoticePayload{Message: "1"})); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Push(ctx, newEvent(TypeNotice, NoticePayload{Message: "2"}))
	}()

	select {
	case <-blocked:
		t.Fatal("second Push returned before the queue was drained")
	case <-time.After(30 * time.Millisecond):
	}

	if _, _, err := q.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("second Push: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Push never unblocked after drain")
	}
}

func TestQueueCloseDrainsThenReportsDone(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()

	_ = q.Push(ctx, newEvent(TypeDebug, DebugPayload{Message: "a"}))
	_ = q.Push(ctx, newEvent(TypeDebug, DebugPayload{Message: "b"}))
	q.Close()

	for _, want := range []string{"a", "b"} {
		ev, ok, err := q.Next(ctx)
		if err != nil || !ok {
			t.Fatalf("Next: ok=%v err=%v", ok, err)
		}
		if ev.Payload.(DebugPayload).Message != want {
			t.Fatalf("Payload = %+v, want %q", ev.Payload, want)
		}
	}

	_, ok, err := q.Next(ctx)
	if ok || err != nil {
		t.Fatalf("expected done (ok=false, err=nil) after drain, got ok=%v err=%v", ok, err)
	}
}

func TestQueueFailRejectsPendingAndFuturePulls(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	_ = q.Push(ctx, newEvent(TypeDebug, DebugPayload{Message: "buffered"}))

	sentinel := errors.New("boom")
	q.Fail(sentinel)

	if _, ok, err := q.Next(ctx); ok || !errors.Is(err, sentinel) {
		t.Fatalf("expected immediate failure, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := q.Next(ctx); ok || !errors.Is(err, sentinel) {
		t.Fatalf("expected a second Next to still fail, got ok=%v err=%v", ok, err)
	}
	if err := q.Push(ctx, newEvent(TypeDebug, DebugPayload{Message: "late"})); !errors.Is(err, sentinel) {
		t.Fatalf("expected Push after Fail to report the fail error, got %v", err)
	}
}

func TestQueueNextRespectsContextCancellation(t *testing.T) {
	q := NewQueue(1)
	cctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok, err := q.Next(cctx); ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got ok=%v err=%v", ok, err)
	}
}

func TestFanoutMirrorsCallbacksAsTypedEvents(t *testing.T) {
	q := NewQueue(16)
	var userDebugCalls int
	cb := turnloop.Callbacks{
		OnDebug: func(string) { userDebugCalls++ },
	}

	wrapped := Fanout(cb, q)
	wrapped.OnDebug("started")
	wrapped.OnNotice("careful")
	wrapped.OnAssistantToken("hel")
	wrapped.OnAssistantToken("lo")
	q.Close()

	if userDebugCalls != 1 {
		t.Fatalf("expected the original OnDebug to still fire, got %d calls", userDebugCalls)
	}

	ctx := context.Background()
	var types []Type
	for {
		ev, ok, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		types = append(types, ev.Type)
	}

	want := []Type{TypeDebug, TypeNotice, TypeAssistantToken, TypeAssistantToken}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}
