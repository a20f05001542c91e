package agent

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no model provider has both configuration
// and a usable API key.
var ErrNotConfigured = errors.New("agent not configured")

// ErrToolLoopExceeded is returned when a turn needs more tool iterations
// than the configured cap allows. The turn is committed as failed before
// this surfaces.
var ErrToolLoopExceeded = errors.New("tool iteration limit exceeded")

// ErrModelUnavailable is returned when the provider keeps failing after the
// retry budget is spent.
var ErrModelUnavailable = errors.New("model unavailable")

// AuthorizationError reports a thread id whose embedded account does not
// match the authenticated account. It is raised before any store access.
type AuthorizationError struct {
	RawThreadID string
	AccountID   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("account %q is not authorized for thread %q", e.AccountID, e.RawThreadID)
}

// ToolError carries a structured failure from a tool handler. The code and
// message are recorded in the transcript so the model can adapt; anything
// else a handler returns is reported to the model as an opaque failure.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

func NewToolError(code, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}
