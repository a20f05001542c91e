package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// toolScheduler dispatches the tool calls of one model round. Results come
// back indexed by issue position so the transcript order is deterministic no
// matter how execution interleaves.
type toolScheduler struct {
	factory     *ToolFactory
	defs        map[string]ToolDef
	maxParallel int
	callTimeout time.Duration
}

func newToolScheduler(factory *ToolFactory, defs []ToolDef, maxParallel int, callTimeout time.Duration) *toolScheduler {
	byName := make(map[string]ToolDef, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &toolScheduler{
		factory:     factory,
		defs:        byName,
		maxParallel: maxParallel,
		callTimeout: callTimeout,
	}
}

// Dispatch runs every call and returns one result per call, in issue order.
// Parallel-safe tools share a bounded worker pool; the rest run sequentially
// after them. Dispatch itself never fails: every failure mode becomes a
// per-call result status.
func (s *toolScheduler) Dispatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var parallel, serial []int
	for i, call := range calls {
		def, ok := s.defs[call.Name]
		if !ok {
			results[i] = ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Status:  ToolStatusError,
				Message: "unknown tool",
			}
			continue
		}
		if def.ParallelSafe {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}

	if len(parallel) > 0 {
		sem := make(chan struct{}, s.maxParallel)
		var wg sync.WaitGroup
		for _, idx := range parallel {
			idx := idx
			select {
			case <-ctx.Done():
				results[idx] = abortedResult(calls[idx], "tool execution canceled")
				continue
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results[idx] = s.executeOne(ctx, calls[idx])
			}()
		}
		wg.Wait()
	}

	for _, idx := range serial {
		if ctx.Err() != nil {
			results[idx] = abortedResult(calls[idx], "tool execution canceled")
			continue
		}
		results[idx] = s.executeOne(ctx, calls[idx])
	}

	for i := range results {
		if results[i].Status == "" {
			results[i] = abortedResult(calls[i], "tool not dispatched")
		}
	}
	return results
}

func (s *toolScheduler) executeOne(ctx context.Context, call ToolCall) ToolResult {
	def := s.defs[call.Name]

	args, err := s.factory.ValidateArgs(def, call.ArgsJSON)
	if err != nil {
		return failureResult(call, err)
	}

	callCtx := ctx
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	value, err := def.Handler(callCtx, args)
	if err != nil {
		// Distinguish the handler's own deadline from the parent's
		// cancellation so timeouts read as timeouts.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ToolResult{CallID: call.ID, Name: call.Name, Status: ToolStatusTimeout, Message: "tool execution timed out"}
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return abortedResult(call, "tool execution canceled")
		}
		return failureResult(call, err)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return ToolResult{CallID: call.ID, Name: call.Name, Status: ToolStatusError, Message: "tool result is not serializable"}
	}
	return ToolResult{CallID: call.ID, Name: call.Name, Status: ToolStatusSuccess, Value: encoded}
}

func failureResult(call ToolCall, err error) ToolResult {
	res := ToolResult{CallID: call.ID, Name: call.Name, Status: ToolStatusError}
	var te *ToolError
	if errors.As(err, &te) {
		res.Message = te.Error()
	} else {
		res.Message = err.Error()
	}
	return res
}

func abortedResult(call ToolCall, msg string) ToolResult {
	return ToolResult{CallID: call.ID, Name: call.Name, Status: ToolStatusAborted, Message: msg}
}
