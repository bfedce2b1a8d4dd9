package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Result is the normalized outcome of one tool invocation, folded back
// into the conversation as a tool-role message. Execution failures land
// in Error; they never propagate as Go errors to the orchestrator.
type Result struct {
	ToolCallID string
	ToolName   string
	Success    bool
	Result     string
	Error      string
	Duration   time.Duration
}

// Content returns the text injected into the conversation for this result.
func (r Result) Content() string {
	if r.Success {
		return r.Result
	}
	return fmt.Sprintf("Error: %s", r.Error)
}

// Executor resolves tool calls against a registry and runs them, each
// under its own timeout.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewExecutor creates an executor. A zero timeout defaults to 10s.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Executor{
		registry: registry,
		timeout:  timeout,
		logger:   logger.With("component", "tools"),
	}
}

// Execute runs a batch of tool calls and returns one result per call,
// in the same order as the input regardless of completion order. With
// parallel set, calls run concurrently (one goroutine per call).
func (e *Executor) Execute(ctx context.Context, calls []Call, parallel bool) []Result {
	if len(calls) == 0 {
		return nil
	}

	results := make([]Result, len(calls))

	if !parallel || len(calls) == 1 {
		for i, call := range calls {
			results[i] = e.ExecuteSingle(ctx, call)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			results[i] = e.ExecuteSingle(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

// ExecuteSingle runs one tool call. An unknown tool name, a handler
// error, a panic, or a timeout all produce a failed Result; the method
// itself never fails. On timeout the handler goroutine is abandoned:
// the timeout bounds the caller's wait, not the tool's side effect.
func (e *Executor) ExecuteSingle(ctx context.Context, call Call) Result {
	start := time.Now()
	result := Result{
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}

	tool := e.registry.Get(call.Name)
	if tool == nil {
		result.Error = fmt.Sprintf("Tool not found: %s", call.Name)
		result.Duration = time.Since(start)
		e.logger.Warn("tool call for unregistered tool", "tool", call.Name)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value string
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.Handler(ctx, call.Arguments)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		result.Duration = time.Since(start)
		if out.err != nil {
			result.Error = out.err.Error()
			e.logger.Warn("tool call failed",
				"tool", call.Name,
				"duration_ms", result.Duration.Milliseconds(),
				"error", out.err,
			)
			return result
		}
		result.Success = true
		result.Result = out.value
		e.logger.Debug("tool call succeeded",
			"tool", call.Name,
			"duration_ms", result.Duration.Milliseconds(),
		)
		return result

	case <-ctx.Done():
		result.Duration = time.Since(start)
		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Sprintf("tool timed out after %s", e.timeout)
		} else {
			result.Error = fmt.Sprintf("tool cancelled: %v", ctx.Err())
		}
		e.logger.Warn("tool call abandoned",
			"tool", call.Name,
			"timeout", e.timeout.String(),
			"error", result.Error,
		)
		return result
	}
}
