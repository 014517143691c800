// Package agent implements the request/response protocol spoken to external
// agent processors. The dispatch worker pool depends only on the Invoker
// interface; concrete clients speak plain HTTP or the OpenAI API.
package agent

import (
	"context"
	"errors"
)

// ErrNonRetryable marks an agent failure that must not be retried. Clients
// wrap their error with it when the remote side signals a permanent fault.
var ErrNonRetryable = errors.New("non_retryable")

// IsNonRetryable reports whether the agent error carries the non-retryable
// sentinel.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrNonRetryable)
}

// Request is the payload sent to an agent for one task.
type Request struct {
	TaskTitle       string         `json:"task_title"`
	TaskDescription string         `json:"task_description"`
	Context         map[string]any `json:"context,omitempty"`
	InputData       map[string]any `json:"input_data,omitempty"`
}

// Response is the agent's answer.
type Response struct {
	OutputData map[string]any `json:"output_data"`
	Summary    string         `json:"summary,omitempty"`
}

// Invoker executes one agent exchange. Implementations must honor ctx
// cancellation and wrap permanent faults with ErrNonRetryable.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, req Request) (Response, error)
}
