// Package eventbus implements the Event Fan-out: the turn loop's
// typed event stream (spec §4.J), demultiplexing the same callback
// invocations the loop already drives into a single-producer/
// single-consumer queue a host can pull from asynchronously
// (a websocket bridge, a TUI, a log sink).
//
// Grounded on the teacher's internal/infrastructure/eventbus/bus.go
// Event/BaseEvent tagged-payload shape, but the queue itself departs
// from InMemoryBus's non-blocking drop-on-full channel: the spec calls
// for a bounded queue where producers block under backpressure rather
// than silently dropping events, so Queue is a new type built directly
// on a channel instead of reusing InMemoryBus.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/corerun/agentcore/internal/domain/compaction"
	"github.com/corerun/agentcore/internal/domain/tool"
	"github.com/corerun/agentcore/internal/domain/toolpipeline"
	"github.com/corerun/agentcore/internal/domain/turnloop"
)

// Type tags the variant of an Event, the fixed set spec §4.J names.
type Type string

const (
	TypeDebug           Type = "debug"
	TypeNotice          Type = "notice"
	TypeStatus          Type = "status"
	TypeAssistantToken  Type = "assistant_token"
	TypeThoughtToken    Type = "thought_token"
	TypeToolCall        Type = "tool_call"
	TypeToolBlocked     Type = "tool_blocked"
	TypeToolResult      Type = "tool_result"
	TypeCompactionStart Type = "compaction_start"
	TypeCompactionEnd   Type = "compaction_end"
)

// Event is one fanned-out occurrence, mirroring one loop callback call.
type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   any
}

// Payload shapes, one per Type.
type (
	DebugPayload          struct{ Message string }
	NoticePayload         struct{ Message string }
	StatusPayload         struct{ CallID string }
	AssistantTokenPayload struct{ Text string }
	ThoughtTokenPayload   struct{ Text string }
	ToolCallPayload       struct {
		Call toolpipeline.ToolCall
		Def  tool.Definition
	}
	ToolBlockedPayload struct {
		Call   toolpipeline.ToolCall
		Def    tool.Definition
		Reason string
	}
	ToolResultPayload struct {
		Call   toolpipeline.ToolCall
		Result *tool.Result
	}
	CompactionStartPayload struct{ MarkerMessageID string }
	CompactionEndPayload   struct {
		MarkerMessageID string
		Status          compaction.Status
	}
)

func newEvent(t Type, payload any) Event {
	return Event{Type: t, Timestamp: time.Now(), Payload: payload}
}

// Queue is the spec's single-producer/single-consumer bounded event
// queue. Push blocks while the queue is full (backpressure); Close
// drains whatever is already buffered before Next reports done; Fail
// rejects any pending and all future Next/Push calls immediately,
// discarding whatever remains buffered.
type Queue struct {
	items chan Event
	fail  chan struct{}

	mu      sync.Mutex
	failErr error
}

// NewQueue constructs a Queue with the given buffer capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make(chan Event, capacity),
		fail:  make(chan struct{}),
	}
}

// Push enqueues ev, blocking if the queue is full. Returns ctx.Err()
// if ctx is cancelled first, or the Fail error if the queue has failed.
func (q *Queue) Push(ctx context.Context, ev Event) error {
	select {
	case <-q.fail:
		return q.failError()
	default:
	}
	select {
	case q.items <- ev:
		return nil
	case <-q.fail:
		return q.failError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no further events will be pushed. Events already
// buffered are still delivered by Next before it reports done (ok=false,
// err=nil). Close must only be called by the producer, once.
func (q *Queue) Close() {
	close(q.items)
}

// Fail aborts the queue: Next (pending or future) and Push return err
// immediately, and any buffered-but-undelivered events are discarded.
func (q *Queue) Fail(err error) {
	q.mu.Lock()
	if q.failErr == nil {
		q.failErr = err
	}
	q.mu.Unlock()
	select {
	case <-q.fail:
	default:
		close(q.fail)
	}
}

func (q *Queue) failError() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failErr
}

// Next pulls the next event, blocking until one is available, the
// queue closes cleanly (ok=false, err=nil), the queue fails (err set),
// or ctx is cancelled.
func (q *Queue) Next(ctx context.Context) (Event, bool, error) {
	select {
	case <-q.fail:
		return Event{}, false, q.failError()
	default:
	}
	select {
	case ev, ok := <-q.items:
		if !ok {
			return Event{}, false, nil
		}
		return ev, true, nil
	case <-q.fail:
		return Event{}, false, q.failError()
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	}
}

// Fanout wraps a turnloop.Callbacks so every invocation is both
// delivered to the caller's own callback (if set) and mirrored onto a
// Queue as a typed Event, per spec §4.J: "every callback invocation
// inside the loop is mirrored as a typed event." Queue pushes use
// context.Background() since turnloop.Callbacks carries no context of
// its own; a full queue therefore applies backpressure directly onto
// the turn loop goroutine driving it, which is the intended coupling.
func Fanout(cb turnloop.Callbacks, q *Queue) turnloop.Callbacks {
	push := func(t Type, payload any) { _ = q.Push(context.Background(), newEvent(t, payload)) }

	wrapped := cb

	userDebug := cb.OnDebug
	wrapped.OnDebug = func(msg string) {
		if userDebug != nil {
			userDebug(msg)
		}
		push(TypeDebug, DebugPayload{Message: msg})
	}

	userNotice := cb.OnNotice
	wrapped.OnNotice = func(msg string) {
		if userNotice != nil {
			userNotice(msg)
		}
		push(TypeNotice, NoticePayload{Message: msg})
	}

	userStatus := cb.OnStatusRunning
	wrapped.OnStatusRunning = func(callID string) {
		if userStatus != nil {
			userStatus(callID)
		}
		push(TypeStatus, StatusPayload{CallID: callID})
	}

	userAssistant := cb.OnAssistantToken
	wrapped.OnAssistantToken = func(text string) {
		if userAssistant != nil {
			userAssistant(text)
		}
		push(TypeAssistantToken, AssistantTokenPayload{Text: text})
	}

	userThought := cb.OnThoughtToken
	wrapped.OnThoughtToken = func(text string) {
		if userThought != nil {
			userThought(text)
		}
		push(TypeThoughtToken, ThoughtTokenPayload{Text: text})
	}

	userToolCall := cb.OnToolCall
	wrapped.OnToolCall = func(tc toolpipeline.ToolCall, def tool.Definition) {
		if userToolCall != nil {
			userToolCall(tc, def)
		}
		push(TypeToolCall, ToolCallPayload{Call: tc, Def: def})
	}

	userToolResult := cb.OnToolResult
	wrapped.OnToolResult = func(tc toolpipeline.ToolCall, result *tool.Result) {
		if userToolResult != nil {
			userToolResult(tc, result)
		}
		push(TypeToolResult, ToolResultPayload{Call: tc, Result: result})
	}

	userToolBlocked := cb.OnToolBlocked
	wrapped.OnToolBlocked = func(tc toolpipeline.ToolCall, def tool.Definition, reason string) {
		if userToolBlocked != nil {
			userToolBlocked(tc, def, reason)
		}
		push(TypeToolBlocked, ToolBlockedPayload{Call: tc, Def: def, Reason: reason})
	}

	userCompStart := cb.OnCompactionStart
	wrapped.OnCompactionStart = func(markerMessageID string) {
		if userCompStart != nil {
			userCompStart(markerMessageID)
		}
		push(TypeCompactionStart, CompactionStartPayload{MarkerMessageID: markerMessageID})
	}

	userCompEnd := cb.OnCompactionEnd
	wrapped.OnCompactionEnd = func(markerMessageID string, status compaction.Status) {
		if userCompEnd != nil {
			userCompEnd(markerMessageID, status)
		}
		push(TypeCompactionEnd, CompactionEndPayload{MarkerMessageID: markerMessageID, Status: status})
	}

	return wrapped
}
