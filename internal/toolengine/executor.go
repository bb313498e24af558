// Package toolengine drives the multi-iteration LLM+tool loop: stream a
// completion, execute any tool calls the model requested in parallel,
// append results, and repeat until the model yields a final answer or an
// iteration cap is hit. Tool calls run through a bounded-concurrency
// Executor with semaphore backpressure and retry/backoff.
package toolengine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/apperrors"
	"github.com/MLTQ/ponderer-backend/internal/observability"
	"github.com/MLTQ/ponderer-backend/internal/tools"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// ExecutorConfig configures concurrency, timeout, and retry behavior shared
// by every tool call unless overridden per-tool.
type ExecutorConfig struct {
	MaxConcurrency  int
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns sane production defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig overrides ExecutorConfig defaults for a single named tool.
type ToolConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// ExecutorMetrics accumulates lifetime counters for diagnostics endpoints.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ExecutorMetricsSnapshot is a value copy of ExecutorMetrics safe to read
// without holding its lock.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// Executor runs tool calls against a tools.Registry with bounded
// concurrency, per-tool timeout/retry overrides, and panic containment.
type Executor struct {
	registry   *tools.Registry
	config     *ExecutorConfig
	toolConfig map[string]*ToolConfig
	mu         sync.RWMutex
	sem        chan struct{}
	metrics    *ExecutorMetrics
	obs        *observability.Metrics
}

// SetObservability installs the Prometheus metrics recorder used by
// Execute. Passing nil (the zero value) leaves recording a no-op.
func (e *Executor) SetObservability(m *observability.Metrics) {
	e.obs = m
}

// NewExecutor wires an Executor to registry. A nil config uses
// DefaultExecutorConfig.
func NewExecutor(registry *tools.Registry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]*ToolConfig),
		sem:        make(chan struct{}, config.MaxConcurrency),
		metrics:    &ExecutorMetrics{},
	}
}

// ConfigureTool installs a per-tool override, replacing any prior one.
func (e *Executor) ConfigureTool(name string, cfg *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = cfg
}

func (e *Executor) getToolConfig(name string) *ToolConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.toolConfig[name]
}

// ExecutionResult is the outcome of running a single tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *models.ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteAll runs every call concurrently (bounded by MaxConcurrency) and
// returns results in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, tc models.ToolContext, approved func(name string) bool) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, c, tc, approved(c.Name))
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs a single tool call with retry/backoff and timeout handling,
// acquiring a semaphore slot for backpressure before executing.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, tc models.ToolContext, approved bool) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Error = apperrors.New(apperrors.Cancellation, ctx.Err())
		result.Duration = time.Since(start)
		return result
	}

	cfg := e.getToolConfig(call.Name)
	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff
	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.Retries >= 0 {
			maxRetries = cfg.Retries
		}
		if cfg.RetryBackoff > 0 {
			backoff = cfg.RetryBackoff
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1

		execResult, execErr := e.executeWithTimeout(ctx, call, tc, approved, timeout)
		if execErr == nil {
			result.Result = execResult
			result.Duration = time.Since(start)
			e.metrics.mu.Lock()
			e.metrics.TotalExecutions++
			if attempt > 0 {
				e.metrics.TotalRetries += int64(attempt)
			}
			e.metrics.mu.Unlock()
			e.obs.RecordToolExecution(call.Name, "success", result.Duration)
			return result
		}

		lastErr = execErr
		if !isRetryable(execErr) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		sleep := backoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			lastErr = apperrors.New(apperrors.Cancellation, ctx.Err())
		}
	}

	result.Error = lastErr
	result.Duration = time.Since(start)
	e.metrics.mu.Lock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	switch {
	case isPanic(lastErr):
		e.metrics.TotalPanics++
	case apperrors.Is(lastErr, apperrors.Cancellation):
		e.metrics.TotalTimeouts++
	}
	e.metrics.mu.Unlock()
	status := "error"
	if lastErr == tools.ErrNeedsApproval {
		status = "needs_approval"
	}
	e.obs.RecordToolExecution(call.Name, status, result.Duration)
	return result
}

func isRetryable(err error) bool {
	return apperrors.Is(err, apperrors.TransientNetwork)
}

// panicError marks a tool error as having originated from a recovered
// panic, distinguishing it from an ordinary tool failure for metrics.
type panicError struct {
	toolName  string
	recovered any
	stack     []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v\n%s", e.toolName, e.recovered, e.stack)
}

func isPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, tc models.ToolContext, approved bool, timeout time.Duration) (res *models.ToolResult, err error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		result *models.ToolResult
		err    error
	}
	ch := make(chan out, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{err: apperrors.New(apperrors.ToolExecution, &panicError{toolName: call.Name, recovered: r, stack: debug.Stack()})}
			}
		}()
		result, execErr := e.registry.ExecuteCall(execCtx, call.Name, call.Input, tc, approved)
		if execErr != nil {
			ch <- out{result: result, err: execErr}
			return
		}
		ch <- out{result: result}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, apperrors.New(apperrors.Cancellation, ctx.Err())
		}
		return nil, apperrors.Newf(apperrors.TransientNetwork, "tool %s timed out after %s", call.Name, timeout)
	}
}

// Metrics returns a point-in-time copy of the executor's lifetime counters.
func (e *Executor) Metrics() ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalRetries:    e.metrics.TotalRetries,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

// ResultsToMessages converts executor results to tool-role ToolResult
// records in call order, suitable for appending to conversation history.
func ResultsToMessages(results []*ExecutionResult) []models.ToolResult {
	out := make([]models.ToolResult, len(results))
	for i, r := range results {
		switch {
		case r.Error != nil:
			out[i] = models.ToolResult{ToolCallID: r.ToolCallID, Content: r.Error.Error(), IsError: true}
		case r.Result != nil:
			out[i] = *r.Result
			out[i].ToolCallID = r.ToolCallID
		default:
			out[i] = models.ToolResult{ToolCallID: r.ToolCallID, Content: "no result", IsError: true}
		}
	}
	return out
}

// AnyNeedsApproval reports whether any result was blocked on session
// approval rather than genuinely failing.
func AnyNeedsApproval(results []*ExecutionResult) []string {
	var names []string
	for _, r := range results {
		if r.Error == tools.ErrNeedsApproval {
			names = append(names, r.ToolName)
		}
	}
	return names
}
