// Package runner defines the boundary to the external task-runner: the
// agent runtime that actually executes a task's instructions. The
// scheduler only needs a completion value; how long the runner suspends
// internally is opaque here.
package runner

import "context"

// Request carries everything the runner needs for one execution.
type Request struct {
	SystemPrompt string `json:"system_instructions,omitempty"`
	Prompt       string `json:"body"`
	ContextID    string `json:"context_reference,omitempty"`
}

// Result is the runner's textual outcome.
type Result struct {
	Output string `json:"output"`
}

// Runner executes one request. The context governs cancellation; a
// non-nil error means the execution failed and its text is recorded on
// the task.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Runner.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
