package agent

import (
	"testing"
	"time"
)

func TestEmitterSequencesEvents(t *testing.T) {
	t.Parallel()

	em := NewEmitter(16)
	em.Emit(Event{Type: EventToken, Text: "a"})
	em.Emit(Event{Type: EventToolCallStarted, ToolName: ToolGetHoldings})
	em.Emit(Event{Type: EventTurnComplete})
	em.Close()

	var got []Event
	for ev := range em.Events() {
		got = append(got, ev)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
	}
	if got[0].Type != EventToken || got[1].Type != EventToolCallStarted || got[2].Type != EventTurnComplete {
		t.Fatalf("unexpected order: %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
}

func TestEmitterDropsTokensUnderBackpressure(t *testing.T) {
	t.Parallel()

	em := NewEmitter(2)
	for i := 0; i < 10; i++ {
		em.Emit(Event{Type: EventToken, Text: "x"})
	}
	if em.Dropped() != 8 {
		t.Fatalf("dropped = %d, want 8", em.Dropped())
	}
	em.Close()

	count := 0
	for range em.Events() {
		count++
	}
	if count != 2 {
		t.Fatalf("delivered %d, want 2", count)
	}
}

func TestEmitterAbandonUnblocksProducer(t *testing.T) {
	t.Parallel()

	em := NewEmitter(1)
	if !em.Emit(Event{Type: EventToolCallStarted}) {
		t.Fatal("first emit dropped")
	}

	// Buffer is full and nobody is reading; a structural emit would block
	// until Abandon lets it go.
	released := make(chan bool, 1)
	go func() {
		released <- em.Emit(Event{Type: EventToolCallResult})
	}()

	select {
	case <-released:
		t.Fatal("structural emit did not wait for the consumer")
	case <-time.After(50 * time.Millisecond):
	}

	em.Abandon()
	select {
	case ok := <-released:
		if ok {
			t.Fatal("emit after Abandon reported delivery")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Abandon did not release the producer")
	}

	if em.Emit(Event{Type: EventTurnComplete}) {
		t.Fatal("emit after Abandon succeeded")
	}
	em.Close()
}

func TestEmitterCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	em := NewEmitter(4)
	em.Close()
	em.Close()
	if _, ok := <-em.Events(); ok {
		t.Fatal("expected closed channel")
	}
}
