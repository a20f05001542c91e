package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plutoview/portfolio-agent/internal/checkpoint"
)

// scriptedProvider replays canned model rounds. When the script runs out it
// repeats the final round, which lets tests model a model that never stops
// calling tools.
type scriptedProvider struct {
	mu         sync.Mutex
	rounds     []scriptedRound
	idx        int
	repeatLast bool
}

type scriptedRound struct {
	tokens []string
	text   string
	calls  []ToolCall
	err    error
}

func (p *scriptedProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	p.mu.Lock()
	if p.idx >= len(p.rounds) {
		if !p.repeatLast || len(p.rounds) == 0 {
			p.mu.Unlock()
			return TurnResult{}, errors.New("script exhausted")
		}
		p.idx = len(p.rounds) - 1
	}
	round := p.rounds[p.idx]
	p.idx++
	p.mu.Unlock()

	if round.err != nil {
		return TurnResult{}, round.err
	}
	for _, tok := range round.tokens {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, err
		}
		onEvent(StreamEvent{Type: StreamText, Text: tok})
	}
	result := TurnResult{FinishReason: "stop", Text: round.text, ToolCalls: round.calls}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

// blockingProvider waits for cancellation, standing in for a hung upstream.
type blockingProvider struct {
	started chan struct{}
}

func (p *blockingProvider) StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error) {
	if p.started != nil {
		close(p.started)
	}
	<-ctx.Done()
	return TurnResult{}, ctx.Err()
}

type turnFixture struct {
	store  *checkpoint.Store
	mgr    *ThreadManager
	handle *ThreadHandle
	orch   *Orchestrator
}

func newTurnFixture(t *testing.T, opts OrchestratorOptions) *turnFixture {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mgr := NewThreadManager(store)
	t.Cleanup(mgr.Close)

	handle, err := mgr.Resolve(FormatThreadID("acct-1", "t1"), "acct-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if opts.Factory == nil {
		opts.Factory = newTestFactory(nil)
	}
	return &turnFixture{
		store:  store,
		mgr:    mgr,
		handle: handle,
		orch:   NewOrchestrator(opts),
	}
}

func runTurn(t *testing.T, fx *turnFixture, provider Provider, message string) (TurnOutcome, []Event, error) {
	t.Helper()
	em := NewEmitter(1024)
	outcome, err := fx.orch.RunTurn(context.Background(), TurnInput{
		Handle:      fx.handle,
		Provider:    provider,
		Model:       "test-model",
		UserMessage: message,
	}, em)
	em.Close()
	var events []Event
	for ev := range em.Events() {
		events = append(events, ev)
	}
	return outcome, events, err
}

func latestTranscript(t *testing.T, fx *turnFixture) (*checkpoint.Checkpoint, []Message, turnMetadata) {
	t.Helper()
	cp, err := fx.store.LoadLatest(context.Background(), fx.handle.ThreadID(), DefaultNamespace)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if cp == nil {
		t.Fatal("no checkpoint committed")
	}
	messages, err := decodeMessages(cp)
	if err != nil {
		t.Fatalf("decodeMessages: %v", err)
	}
	var meta turnMetadata
	if err := json.Unmarshal(cp.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	return cp, messages, meta
}

func TestRunTurnPlainAnswerCommitsOneCheckpoint(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{})
	provider := &scriptedProvider{rounds: []scriptedRound{
		{tokens: []string{"Your portfolio ", "is up."}, text: "Your portfolio is up."},
	}}

	outcome, events, err := runTurn(t, fx, provider, "How am I doing?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if outcome.Text != "Your portfolio is up." {
		t.Fatalf("Text = %q", outcome.Text)
	}
	if outcome.ToolRounds != 0 {
		t.Fatalf("ToolRounds = %d", outcome.ToolRounds)
	}

	cp, messages, meta := latestTranscript(t, fx)
	if cp.ParentCheckpointID != "" {
		t.Fatalf("first checkpoint has parent %q", cp.ParentCheckpointID)
	}
	if cp.CheckpointID != outcome.CheckpointID {
		t.Fatalf("outcome checkpoint %q != stored %q", outcome.CheckpointID, cp.CheckpointID)
	}
	if meta.Status != turnStatusDone || meta.RunID != outcome.RunID {
		t.Fatalf("metadata = %+v", meta)
	}
	if len(messages) != 2 || messages[0].Role != RoleUser || messages[1].Role != RoleAssistant {
		t.Fatalf("transcript roles: %+v", messages)
	}

	if events[0].Type != EventToken || events[0].Text != "Your portfolio " {
		t.Fatalf("first event: %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != EventTurnComplete || last.CheckpointID != cp.CheckpointID {
		t.Fatalf("last event: %+v", last)
	}
}

func TestRunTurnSecondTurnChainsParent(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{})
	provider := &scriptedProvider{rounds: []scriptedRound{
		{text: "First answer."},
		{text: "Second answer."},
	}}

	out1, _, err := runTurn(t, fx, provider, "first question")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	out2, _, err := runTurn(t, fx, provider, "second question")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	cp, messages, _ := latestTranscript(t, fx)
	if cp.CheckpointID != out2.CheckpointID {
		t.Fatalf("latest is %q, want %q", cp.CheckpointID, out2.CheckpointID)
	}
	if cp.ParentCheckpointID != out1.CheckpointID {
		t.Fatalf("parent = %q, want %q", cp.ParentCheckpointID, out1.CheckpointID)
	}
	// Four messages: two turns of user+assistant, oldest first.
	if len(messages) != 4 {
		t.Fatalf("transcript has %d messages", len(messages))
	}
	if messages[0].Parts[0].Text != "first question" || messages[2].Parts[0].Text != "second question" {
		t.Fatalf("transcript order wrong: %+v", messages)
	}
}

func TestRunTurnToolRoundTranscriptAndEventOrder(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{})
	provider := &scriptedProvider{rounds: []scriptedRound{
		{calls: []ToolCall{
			{ID: "c1", Name: ToolGetHoldings, ArgsJSON: "{}"},
			{ID: "c2", Name: ToolGetMarketContext, ArgsJSON: "{}"},
		}},
		{text: "Here is the picture.", tokens: []string{"Here is the picture."}},
	}}

	outcome, events, err := runTurn(t, fx, provider, "full picture please")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if outcome.ToolRounds != 1 {
		t.Fatalf("ToolRounds = %d", outcome.ToolRounds)
	}

	_, messages, _ := latestTranscript(t, fx)
	// user, assistant(tool calls), tool(results), assistant(final)
	if len(messages) != 4 {
		t.Fatalf("transcript has %d messages: %+v", len(messages), messages)
	}
	assistant := messages[1]
	if assistant.Role != RoleAssistant || len(assistant.Parts) != 2 {
		t.Fatalf("assistant message: %+v", assistant)
	}
	if assistant.Parts[0].ToolCallID != "c1" || assistant.Parts[1].ToolCallID != "c2" {
		t.Fatalf("tool call parts out of issue order: %+v", assistant.Parts)
	}
	toolMsg := messages[2]
	if toolMsg.Role != RoleTool || len(toolMsg.Parts) != 2 {
		t.Fatalf("tool message: %+v", toolMsg)
	}
	if toolMsg.Parts[0].ToolCallID != "c1" || toolMsg.Parts[1].ToolCallID != "c2" {
		t.Fatalf("tool results out of issue order: %+v", toolMsg.Parts)
	}
	for _, part := range toolMsg.Parts {
		if part.IsError {
			t.Fatalf("tool failed: %+v", part)
		}
	}

	var order []string
	for _, ev := range events {
		if ev.Type == EventToken {
			continue
		}
		order = append(order, ev.Type+":"+ev.ToolCallID)
	}
	want := []string{
		EventToolCallStarted + ":c1",
		EventToolCallStarted + ":c2",
		EventToolCallResult + ":c1",
		EventToolCallResult + ":c2",
		EventTurnComplete + ":",
	}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", order, want)
	}
}

func TestRunTurnToolLoopExceededCommitsFailure(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{MaxToolRounds: 2})
	provider := &scriptedProvider{
		repeatLast: true,
		rounds: []scriptedRound{
			{calls: []ToolCall{{ID: "c1", Name: ToolGetMarketSentiment, ArgsJSON: "{}"}}},
		},
	}

	_, events, err := runTurn(t, fx, provider, "loop forever")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v, want ErrToolLoopExceeded", err)
	}

	_, _, meta := latestTranscript(t, fx)
	if meta.Status != turnStatusFailed {
		t.Fatalf("status = %q, want failed", meta.Status)
	}
	if meta.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", meta.Iterations)
	}
	if !strings.Contains(meta.Error, "tool iteration limit") {
		t.Fatalf("metadata error = %q", meta.Error)
	}

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event %+v, want error", last)
	}
}

func TestRunTurnCancellationCommitsNothing(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{})
	provider := &blockingProvider{started: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	em := NewEmitter(64)
	done := make(chan error, 1)
	go func() {
		_, err := fx.orch.RunTurn(ctx, TurnInput{
			Handle:      fx.handle,
			Provider:    provider,
			Model:       "test-model",
			UserMessage: "never finishes",
		}, em)
		done <- err
	}()

	<-provider.started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}
	em.Close()

	cp, err := fx.store.LoadLatest(context.Background(), fx.handle.ThreadID(), DefaultNamespace)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if cp != nil {
		t.Fatalf("cancelled turn committed checkpoint %q", cp.CheckpointID)
	}
}

func TestRunTurnModelFailureCommitsFailureCheckpoint(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{})
	provider := &scriptedProvider{
		repeatLast: true,
		rounds:     []scriptedRound{{err: errors.New("upstream 500")}},
	}

	_, events, err := runTurn(t, fx, provider, "hello")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}

	_, messages, meta := latestTranscript(t, fx)
	if meta.Status != turnStatusFailed {
		t.Fatalf("status = %q", meta.Status)
	}
	// The user's message is preserved even though no answer was produced.
	if len(messages) != 1 || messages[0].Role != RoleUser {
		t.Fatalf("transcript: %+v", messages)
	}

	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "model unavailable") {
		t.Fatalf("last event: %+v", last)
	}
}

func TestRunTurnPicksUpOutOfBandHead(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{})

	// A second writer appends between two turns. The next turn must load
	// the new head, keep its messages, and chain onto it.
	provider := &scriptedProvider{rounds: []scriptedRound{
		{text: "first"},
		{text: "second"},
	}}
	out1, _, err := runTurn(t, fx, provider, "one")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}

	interloper, err := json.Marshal([]Message{TextMessage(RoleUser, "out-of-band note")})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := fx.store.Append(context.Background(), checkpoint.AppendRequest{
		ThreadID:           fx.handle.ThreadID(),
		ParentCheckpointID: out1.CheckpointID,
		Type:               checkpointTypeTurn,
		Channels:           map[string]json.RawMessage{channelMessages: interloper},
	})
	if err != nil {
		t.Fatalf("interloper append: %v", err)
	}

	out2, _, err := runTurn(t, fx, provider, "two")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	cp, _, _ := latestTranscript(t, fx)
	if cp.CheckpointID != out2.CheckpointID {
		t.Fatalf("latest %q, want %q", cp.CheckpointID, out2.CheckpointID)
	}
	if cp.ParentCheckpointID != foreign.CheckpointID {
		t.Fatalf("parent %q, want interloper %q", cp.ParentCheckpointID, foreign.CheckpointID)
	}
}

// conflictingStore rejects the first Append with ErrConflict after planting
// a new head, forcing the commit path through its rebase-and-retry branch.
type conflictingStore struct {
	*countingStore
	mu       sync.Mutex
	injected bool
}

func (s *conflictingStore) Append(ctx context.Context, req checkpoint.AppendRequest) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	if !s.injected {
		s.injected = true
		// Another writer wins the race first.
		seed, err := json.Marshal([]Message{TextMessage(RoleUser, "raced ahead")})
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if _, err := s.countingStore.Append(ctx, checkpoint.AppendRequest{
			ThreadID: req.ThreadID,
			Type:     checkpointTypeTurn,
			Channels: map[string]json.RawMessage{channelMessages: seed},
		}); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		return nil, checkpoint.ErrConflict
	}
	s.mu.Unlock()
	return s.countingStore.Append(ctx, req)
}

func TestRunTurnCommitConflictRebasesAndRetries(t *testing.T) {
	t.Parallel()

	store := &conflictingStore{countingStore: newCountingStore()}
	mgr := NewThreadManager(store)
	t.Cleanup(mgr.Close)
	handle, err := mgr.Resolve(FormatThreadID("acct-1", "t1"), "acct-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fx := &turnFixture{mgr: mgr, handle: handle, orch: NewOrchestrator(OrchestratorOptions{Factory: newTestFactory(nil)})}
	provider := &scriptedProvider{rounds: []scriptedRound{{text: "landed"}}}

	outcome, _, err := runTurn(t, fx, provider, "race me")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	head := store.latest[handle.ThreadID()]
	if head == nil || head.CheckpointID != outcome.CheckpointID {
		t.Fatalf("head = %+v, want committed turn %q", head, outcome.CheckpointID)
	}
	// The retried commit chains onto the racer's checkpoint and keeps both
	// transcripts.
	if head.ParentCheckpointID == "" {
		t.Fatal("retried commit did not rebase onto the racer's head")
	}
	var messages []Message
	if err := json.Unmarshal(head.Channels[channelMessages], &messages); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("transcript has %d messages, want racer's + user + assistant", len(messages))
	}
	if messages[0].Parts[0].Text != "raced ahead" {
		t.Fatalf("rebased transcript lost the racer's message: %+v", messages[0])
	}
}

func TestRunTurnFailureCommitRebasesOnConflict(t *testing.T) {
	t.Parallel()

	store := &conflictingStore{countingStore: newCountingStore()}
	mgr := NewThreadManager(store)
	t.Cleanup(mgr.Close)
	handle, err := mgr.Resolve(FormatThreadID("acct-1", "t1"), "acct-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fx := &turnFixture{mgr: mgr, handle: handle, orch: NewOrchestrator(OrchestratorOptions{Factory: newTestFactory(nil)})}
	provider := &scriptedProvider{
		repeatLast: true,
		rounds:     []scriptedRound{{err: errors.New("upstream 500")}},
	}

	_, events, err := runTurn(t, fx, provider, "race me")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}

	// The failure record survives losing the commit race: it rebases onto
	// the racer's head instead of being dropped.
	head := store.latest[handle.ThreadID()]
	if head == nil {
		t.Fatal("failed turn committed no checkpoint")
	}
	if head.ParentCheckpointID == "" {
		t.Fatal("failure commit did not rebase onto the racer's head")
	}
	var meta turnMetadata
	if err := json.Unmarshal(head.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Status != turnStatusFailed {
		t.Fatalf("status = %q, want %q", meta.Status, turnStatusFailed)
	}
	var messages []Message
	if err := json.Unmarshal(head.Channels[channelMessages], &messages); err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(messages) != 2 || messages[0].Parts[0].Text != "raced ahead" || messages[1].Role != RoleUser {
		t.Fatalf("rebased transcript: %+v", messages)
	}

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("last event: %+v", last)
	}
}

func TestRunTurnTimeoutCommitsFailureCheckpoint(t *testing.T) {
	t.Parallel()

	fx := newTurnFixture(t, OrchestratorOptions{TurnTimeout: 50 * time.Millisecond})
	provider := &blockingProvider{started: make(chan struct{})}

	_, events, err := runTurn(t, fx, provider, "take your time")
	if err == nil || !strings.Contains(err.Error(), "turn timed out") {
		t.Fatalf("err = %v, want turn timeout", err)
	}

	_, messages, meta := latestTranscript(t, fx)
	if meta.Status != turnStatusFailed {
		t.Fatalf("status = %q", meta.Status)
	}
	if !strings.Contains(meta.Error, "turn timed out") {
		t.Fatalf("metadata error = %q", meta.Error)
	}
	if len(messages) != 1 || messages[0].Role != RoleUser {
		t.Fatalf("transcript: %+v", messages)
	}

	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "turn timed out") {
		t.Fatalf("last event: %+v", last)
	}
}
