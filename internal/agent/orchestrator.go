package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plutoview/portfolio-agent/internal/backoff"
	"github.com/plutoview/portfolio-agent/internal/checkpoint"
)

// Channel and metadata keys used in committed checkpoints.
const (
	channelMessages = "messages"

	checkpointTypeTurn = "turn"

	turnStatusDone   = "done"
	turnStatusFailed = "failed"
)

type turnMetadata struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Orchestrator drives one conversational turn at a time: generation, tool
// fan-out, and exactly one checkpoint commit per finished turn.
type Orchestrator struct {
	factory *ToolFactory
	prompts *PromptPack
	logger  *slog.Logger

	maxToolRounds int
	maxParallel   int
	toolTimeout   time.Duration
	turnTimeout   time.Duration

	modelRetries  int
	commitRetries int
	retryPolicy   backoff.Policy
}

type OrchestratorOptions struct {
	Factory *ToolFactory
	Prompts *PromptPack
	Logger  *slog.Logger

	// MaxToolRounds caps how many tool rounds one turn may take. Defaults
	// to 8.
	MaxToolRounds int
	// MaxParallelTools bounds the concurrent tool fan-out. Defaults to 4.
	MaxParallelTools int
	// ToolTimeout bounds each individual tool call. Defaults to 30s.
	ToolTimeout time.Duration
	// TurnTimeout bounds the whole turn wall clock. Zero disables it.
	TurnTimeout time.Duration
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		factory:       opts.Factory,
		prompts:       opts.Prompts,
		logger:        opts.Logger,
		maxToolRounds: opts.MaxToolRounds,
		maxParallel:   opts.MaxParallelTools,
		toolTimeout:   opts.ToolTimeout,
		turnTimeout:   opts.TurnTimeout,
		modelRetries:  2,
		commitRetries: 3,
		retryPolicy: backoff.Policy{
			Initial: 200 * time.Millisecond,
			Max:     2 * time.Second,
			Factor:  2,
			Jitter:  0.2,
		},
	}
	if o.prompts == nil {
		o.prompts = DefaultPromptPack()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.maxToolRounds < 1 {
		o.maxToolRounds = 8
	}
	if o.maxParallel < 1 {
		o.maxParallel = 4
	}
	if o.toolTimeout <= 0 {
		o.toolTimeout = 30 * time.Second
	}
	return o
}

// TurnInput is one user turn, already resolved to an authorized thread.
type TurnInput struct {
	Handle      *ThreadHandle
	Provider    Provider
	Model       string
	RunID       string
	UserMessage string
	VoiceMode   bool
}

type TurnOutcome struct {
	RunID        string
	Text         string
	CheckpointID string
	ToolRounds   int
	Usage        Usage
}

// RunTurn executes the turn on the thread's actor and streams events to em.
// The emitter is left open; the caller closes it once RunTurn returns.
//
// A cancelled turn commits nothing. Every other terminal path, including
// tool-loop exhaustion and model failure, commits a checkpoint recording the
// outcome before the error surfaces.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput, em *Emitter) (TurnOutcome, error) {
	if in.Handle == nil {
		return TurnOutcome{}, errors.New("invalid request")
	}
	if in.Provider == nil {
		return TurnOutcome{}, ErrNotConfigured
	}
	if strings.TrimSpace(in.UserMessage) == "" {
		return TurnOutcome{}, errors.New("message is required")
	}
	if strings.TrimSpace(in.RunID) == "" {
		in.RunID = NewRunID()
	}

	var outcome TurnOutcome
	err := in.Handle.Run(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = o.runTurnLocked(ctx, in, em)
		return err
	})
	return outcome, err
}

func (o *Orchestrator) runTurnLocked(ctx context.Context, in TurnInput, em *Emitter) (TurnOutcome, error) {
	log := o.logger.With("run_id", in.RunID, "thread_id", in.Handle.ThreadID())

	turnCtx := ctx
	if o.turnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, o.turnTimeout)
		defer cancel()
	}

	latest, err := in.Handle.LoadLatest(turnCtx)
	if err != nil {
		return TurnOutcome{}, err
	}
	parentID := ""
	var prior []Message
	if latest != nil {
		parentID = latest.CheckpointID
		prior, err = decodeMessages(latest)
		if err != nil {
			return TurnOutcome{}, err
		}
	}

	defs, err := o.factory.Build(in.Handle.AccountID())
	if err != nil {
		return TurnOutcome{}, err
	}
	scheduler := newToolScheduler(o.factory, defs, o.maxParallel, o.toolTimeout)

	turnMessages := []Message{TextMessage(RoleUser, in.UserMessage)}
	transcript := append(append([]Message{}, prior...), turnMessages...)

	outcome := TurnOutcome{RunID: in.RunID}
	var finalText string

	for {
		result, err := o.generate(turnCtx, in, em, transcript, defs)
		if err != nil {
			if cancelErr := turnAborted(ctx, turnCtx, err); cancelErr != nil {
				return TurnOutcome{}, cancelErr
			}
			// Turn timeout or exhausted model retries: record the failure
			// before surfacing it.
			failErr := ErrModelUnavailable
			if turnCtx.Err() != nil {
				failErr = fmt.Errorf("turn timed out: %w", turnCtx.Err())
			}
			log.Error("model generation failed", "error", err)
			o.commitFailure(ctx, in, em, parentID, prior, turnMessages, outcome.ToolRounds, failErr)
			return TurnOutcome{}, errors.Join(failErr, err)
		}
		outcome.Usage.InputTokens += result.Usage.InputTokens
		outcome.Usage.OutputTokens += result.Usage.OutputTokens

		assistant := assistantMessage(result)
		if len(assistant.Parts) > 0 {
			transcript = append(transcript, assistant)
			turnMessages = append(turnMessages, assistant)
		}

		if len(result.ToolCalls) == 0 {
			finalText = result.Text
			break
		}

		if outcome.ToolRounds >= o.maxToolRounds {
			log.Warn("tool loop exceeded", "rounds", outcome.ToolRounds)
			o.commitFailure(ctx, in, em, parentID, prior, turnMessages, outcome.ToolRounds, ErrToolLoopExceeded)
			return TurnOutcome{}, ErrToolLoopExceeded
		}
		outcome.ToolRounds++

		o.stageToolCalls(turnCtx, in, parentID, outcome.ToolRounds, result.ToolCalls)

		for _, call := range result.ToolCalls {
			em.Emit(Event{
				Type:       EventToolCallStarted,
				ThreadID:   in.Handle.ThreadID(),
				RunID:      in.RunID,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				StatusLine: o.prompts.StatusStarted(call.Name),
			})
		}

		results := scheduler.Dispatch(turnCtx, result.ToolCalls)
		if cancelErr := turnAborted(ctx, turnCtx, nil); cancelErr != nil {
			return TurnOutcome{}, cancelErr
		}

		toolMsg := Message{Role: RoleTool}
		for _, res := range results {
			em.Emit(Event{
				Type:       EventToolCallResult,
				ThreadID:   in.Handle.ThreadID(),
				RunID:      in.RunID,
				ToolCallID: res.CallID,
				ToolName:   res.Name,
				Status:     res.Status,
				StatusLine: o.prompts.StatusCompleted(res.Name),
				Result:     res.Value,
			})
			toolMsg.Parts = append(toolMsg.Parts, toolResultPart(res))
		}
		transcript = append(transcript, toolMsg)
		turnMessages = append(turnMessages, toolMsg)
	}

	if cancelErr := turnAborted(ctx, turnCtx, nil); cancelErr != nil {
		return TurnOutcome{}, cancelErr
	}

	committed, err := o.commitTurn(ctx, in, em, parentID, prior, turnMessages, turnMetadata{
		RunID:      in.RunID,
		Status:     turnStatusDone,
		Iterations: outcome.ToolRounds,
		Model:      in.Model,
	})
	if err != nil {
		return TurnOutcome{}, err
	}

	outcome.Text = finalText
	outcome.CheckpointID = committed.CheckpointID
	em.Emit(Event{
		Type:         EventTurnComplete,
		ThreadID:     in.Handle.ThreadID(),
		RunID:        in.RunID,
		Text:         finalText,
		CheckpointID: committed.CheckpointID,
		Usage:        &outcome.Usage,
	})
	log.Info("turn complete", "checkpoint_id", committed.CheckpointID, "tool_rounds", outcome.ToolRounds)
	return outcome, nil
}

// generate calls the provider, retrying transient failures as long as
// nothing has been streamed to the consumer yet. Once tokens are out, a
// retry would duplicate them, so the first post-stream error is final.
func (o *Orchestrator) generate(ctx context.Context, in TurnInput, em *Emitter, transcript []Message, defs []ToolDef) (TurnResult, error) {
	req := TurnRequest{
		Model:        in.Model,
		SystemPrompt: o.prompts.SystemPrompt(in.VoiceMode),
		Messages:     transcript,
		Tools:        defs,
	}

	var result TurnResult
	attempt := func(attempt int) error {
		streamed := false
		res, err := in.Provider.StreamTurn(ctx, req, func(ev StreamEvent) {
			if ev.Type == StreamText && ev.Text != "" {
				streamed = true
				em.Emit(Event{
					Type:     EventToken,
					ThreadID: in.Handle.ThreadID(),
					RunID:    in.RunID,
					Text:     ev.Text,
				})
			}
		})
		if err != nil {
			if streamed || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(ctx, o.retryPolicy, o.modelRetries+1, attempt); err != nil {
		return TurnResult{}, err
	}
	return result, nil
}

// stageToolCalls records the round's issued calls as pending writes against
// the checkpoint the turn builds upon. Best effort: staging exists for
// crash-recovery inspection and never fails the turn.
func (o *Orchestrator) stageToolCalls(ctx context.Context, in TurnInput, parentID string, round int, calls []ToolCall) {
	if parentID == "" {
		return
	}
	writes := make([]checkpoint.PendingWrite, 0, len(calls))
	for i, call := range calls {
		writes = append(writes, checkpoint.PendingWrite{
			TaskID:   fmt.Sprintf("%s_round%d", in.RunID, round),
			Idx:      i,
			Channel:  channelMessages,
			Type:     call.Name,
			Value:    json.RawMessage(normalizeArgsJSON(call.ArgsJSON)),
			TaskPath: call.ID,
		})
	}
	if err := in.Handle.StageWrites(ctx, parentID, writes); err != nil {
		o.logger.Warn("stage pending writes failed", "run_id", in.RunID, "error", err)
	}
}

// commitWithRebase appends the turn's checkpoint. On a parent conflict it
// reloads the winner's chain, rebases this turn's messages on top, and tries
// again with backoff. Success and failure checkpoints both commit through
// here so a racing writer can never erase either record.
func (o *Orchestrator) commitWithRebase(ctx context.Context, in TurnInput, parentID string, prior []Message, turnMessages []Message, meta turnMetadata) (*checkpoint.Checkpoint, error) {
	// The generation is done; a late client disconnect must not lose it.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var committed *checkpoint.Checkpoint
	attempt := func(attempt int) error {
		transcript := append(append([]Message{}, prior...), turnMessages...)
		req, err := buildAppendRequest(parentID, transcript, meta)
		if err != nil {
			return backoff.Permanent(err)
		}
		cp, err := in.Handle.Commit(commitCtx, req)
		if err == nil {
			committed = cp
			return nil
		}
		if !errors.Is(err, checkpoint.ErrConflict) {
			return backoff.Permanent(err)
		}
		// Lost the race: rebase on the new head and retry.
		latest, loadErr := in.Handle.LoadLatest(commitCtx)
		if loadErr != nil {
			return backoff.Permanent(loadErr)
		}
		parentID = ""
		prior = nil
		if latest != nil {
			parentID = latest.CheckpointID
			prior, loadErr = decodeMessages(latest)
			if loadErr != nil {
				return backoff.Permanent(loadErr)
			}
		}
		return err
	}
	if err := backoff.Retry(commitCtx, o.retryPolicy, o.commitRetries+1, attempt); err != nil {
		return nil, err
	}
	return committed, nil
}

func (o *Orchestrator) commitTurn(ctx context.Context, in TurnInput, em *Emitter, parentID string, prior []Message, turnMessages []Message, meta turnMetadata) (*checkpoint.Checkpoint, error) {
	committed, err := o.commitWithRebase(ctx, in, parentID, prior, turnMessages, meta)
	if err != nil {
		o.logger.Error("checkpoint commit failed", "run_id", meta.RunID, "error", err)
		em.Emit(Event{
			Type:     EventError,
			ThreadID: in.Handle.ThreadID(),
			RunID:    meta.RunID,
			Error:    "failed to persist turn",
		})
		return nil, err
	}
	return committed, nil
}

// commitFailure writes the failure checkpoint and emits the error event.
// The original error still surfaces to the caller, so commit problems here
// are only logged.
func (o *Orchestrator) commitFailure(ctx context.Context, in TurnInput, em *Emitter, parentID string, prior []Message, turnMessages []Message, rounds int, failErr error) {
	meta := turnMetadata{
		RunID:      in.RunID,
		Status:     turnStatusFailed,
		Iterations: rounds,
		Error:      failErr.Error(),
		Model:      in.Model,
	}
	if _, err := o.commitWithRebase(ctx, in, parentID, prior, turnMessages, meta); err != nil {
		o.logger.Error("failure checkpoint commit failed", "run_id", in.RunID, "error", err)
	}
	em.Emit(Event{
		Type:     EventError,
		ThreadID: in.Handle.ThreadID(),
		RunID:    in.RunID,
		Error:    failErr.Error(),
	})
}

func buildAppendRequest(parentID string, transcript []Message, meta turnMetadata) (checkpoint.AppendRequest, error) {
	messagesJSON, err := json.Marshal(transcript)
	if err != nil {
		return checkpoint.AppendRequest{}, err
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return checkpoint.AppendRequest{}, err
	}
	return checkpoint.AppendRequest{
		ParentCheckpointID: parentID,
		Type:               checkpointTypeTurn,
		Channels:           map[string]json.RawMessage{channelMessages: messagesJSON},
		Metadata:           metaJSON,
	}, nil
}

func decodeMessages(cp *checkpoint.Checkpoint) ([]Message, error) {
	raw, ok := cp.Channels[channelMessages]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var messages []Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("corrupt transcript in checkpoint %s: %w", cp.CheckpointID, err)
	}
	return messages, nil
}

func assistantMessage(result TurnResult) Message {
	msg := Message{Role: RoleAssistant}
	if txt := strings.TrimSpace(result.Text); txt != "" {
		msg.Parts = append(msg.Parts, ContentPart{Type: PartText, Text: txt})
	}
	for _, call := range result.ToolCalls {
		msg.Parts = append(msg.Parts, ContentPart{
			Type:       PartToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ArgsJSON:   call.ArgsJSON,
		})
	}
	return msg
}

func toolResultPart(res ToolResult) ContentPart {
	part := ContentPart{
		Type:       PartToolResult,
		ToolCallID: res.CallID,
		ToolName:   res.Name,
	}
	if res.Status == ToolStatusSuccess {
		part.JSON = res.Value
	} else {
		part.IsError = true
		part.Text = res.Status + ": " + res.Message
	}
	return part
}

// turnAborted distinguishes caller cancellation (commit nothing) from the
// turn's own deadline (commit a failure). It returns the error to surface
// when the caller is gone, nil otherwise.
func turnAborted(ctx, turnCtx context.Context, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cause != nil && errors.Is(cause, context.Canceled) && turnCtx.Err() == nil {
		return cause
	}
	return nil
}
