package agent

import (
	"encoding/json"
	"sync"
)

// Event types delivered to stream consumers.
const (
	EventToken           = "token"
	EventToolCallStarted = "tool_call_started"
	EventToolCallResult  = "tool_call_result"
	EventTurnComplete    = "turn_complete"
	EventError           = "error"
)

// Event is one item on a turn's output stream. Seq increases by one per
// event so consumers can detect token drops under backpressure.
type Event struct {
	Seq      uint64 `json:"seq"`
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`

	// Token delta for token events.
	Text string `json:"text,omitempty"`

	// Tool fields for tool_call_started / tool_call_result events.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	StatusLine string          `json:"status_line,omitempty"`
	Status     string          `json:"status,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// Terminal fields.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Emitter fans a turn's events to one consumer without ever blocking the
// turn itself. Token events are dropped (and counted) when the consumer
// falls behind; structural events wait for buffer space unless the consumer
// has been abandoned.
//
// The turn goroutine is the sole producer: it must not Emit after Close.
type Emitter struct {
	ch   chan Event
	done chan struct{}

	mu        sync.Mutex
	seq       uint64
	closed    bool
	abandoned bool
	dropped   uint64

	closeOnce   sync.Once
	abandonOnce sync.Once
}

func NewEmitter(buffer int) *Emitter {
	if buffer < 1 {
		buffer = 256
	}
	return &Emitter{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events is the consumer side. The channel is closed once the turn is over.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit queues one event. It returns false when the event was dropped.
func (e *Emitter) Emit(ev Event) bool {
	e.mu.Lock()
	if e.closed || e.abandoned {
		e.mu.Unlock()
		return false
	}
	e.seq++
	ev.Seq = e.seq
	e.mu.Unlock()

	if ev.Type == EventToken {
		select {
		case e.ch <- ev:
			return true
		case <-e.done:
			return false
		default:
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
			return false
		}
	}

	select {
	case e.ch <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Close ends the stream. Safe to call more than once.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.ch)
	})
}

// Abandon marks the consumer gone, for example on client disconnect. Every
// later Emit becomes a no-op, so the turn's commit path never waits on a
// dead reader.
func (e *Emitter) Abandon() {
	e.abandonOnce.Do(func() {
		e.mu.Lock()
		e.abandoned = true
		e.mu.Unlock()
		close(e.done)
	})
}

// Dropped reports how many token events were discarded under backpressure.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}
