package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
)

// HandlerFunc executes one task type. ctx carries the task deadline.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// taskFailure carries a failure classification out of a handler.
type taskFailure struct {
	code      string
	message   string
	retryable bool
}

func (e *taskFailure) Error() string { return e.message }

func failf(code string, retryable bool, format string, args ...any) error {
	return &taskFailure{code: code, message: fmt.Sprintf(format, args...), retryable: retryable}
}

// Executor runs tasks through a handler table, bounded by a concurrency
// semaphore sized to the advertised max_concurrent_tasks.
type Executor struct {
	handlers map[string]HandlerFunc
	sem      chan struct{}
	active   atomic.Int32
}

// NewExecutor creates an executor with the builtin handlers registered.
func NewExecutor(maxConcurrent int) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	e := &Executor{
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, maxConcurrent),
	}
	e.Register("echo", handleEcho)
	e.Register("sleep", handleSleep)
	e.Register("http_fetch", handleHTTPFetch)
	e.Register("system_info", handleSystemInfo)
	return e
}

// Register adds or replaces a handler for a task type.
func (e *Executor) Register(taskType string, fn HandlerFunc) {
	e.handlers[taskType] = fn
}

// TaskTypes lists the registered task types for the register message.
func (e *Executor) TaskTypes() []string {
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

// Active returns the number of tasks currently executing.
func (e *Executor) Active() int {
	return int(e.active.Load())
}

// Execute runs one assignment to completion and builds the result payload.
// Handler panics are converted into non-retryable failures.
func (e *Executor) Execute(ctx context.Context, assign protocol.TaskAssignData) protocol.TaskResultData {
	e.sem <- struct{}{}
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		<-e.sem
	}()

	if assign.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(assign.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result, err := e.run(ctx, assign)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		fail := &taskFailure{code: "execution_error", message: err.Error(), retryable: false}
		if tf, ok := err.(*taskFailure); ok {
			fail = tf
		} else if ctx.Err() != nil {
			fail = &taskFailure{code: "timeout", message: "execution deadline exceeded", retryable: true}
		}
		return protocol.TaskResultData{
			TaskID: assign.TaskID,
			Status: protocol.ResultFailure,
			Error: &models.TaskError{
				Code:      fail.code,
				Message:   fail.message,
				Retryable: fail.retryable,
			},
			ExecutionTimeSeconds: elapsed,
		}
	}
	return protocol.TaskResultData{
		TaskID:               assign.TaskID,
		Status:               protocol.ResultSuccess,
		Result:               result,
		ExecutionTimeSeconds: elapsed,
	}
}

func (e *Executor) run(ctx context.Context, assign protocol.TaskAssignData) (result json.RawMessage, err error) {
	fn, ok := e.handlers[assign.TaskType]
	if !ok {
		return nil, failf("unsupported_task_type", false, "no handler for %q", assign.TaskType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = failf("panic", false, "handler panicked: %v", r)
		}
	}()
	return fn(ctx, assign.Payload)
}

// handleEcho returns its payload unchanged.
func handleEcho(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return payload, nil
}

type sleepPayload struct {
	Seconds float64 `json:"seconds"`
}

// handleSleep waits, honoring cancellation.
func handleSleep(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sleepPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, failf("bad_payload", false, "sleep: %v", err)
	}
	if p.Seconds < 0 {
		return nil, failf("bad_payload", false, "sleep: negative duration")
	}
	select {
	case <-time.After(time.Duration(p.Seconds * float64(time.Second))):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(map[string]float64{"slept_seconds": p.Seconds})
}

type httpFetchPayload struct {
	URL          string `json:"url"`
	MaxBodyBytes int64  `json:"max_body_bytes"`
}

// handleHTTPFetch downloads a URL. Network faults are retryable, a bad
// payload is not.
func handleHTTPFetch(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p httpFetchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, failf("bad_payload", false, "http_fetch: %v", err)
	}
	if p.URL == "" {
		return nil, failf("bad_payload", false, "http_fetch: missing url")
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = 1 << 20
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, failf("bad_payload", false, "http_fetch: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, failf("fetch_failed", true, "http_fetch: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.MaxBodyBytes))
	if err != nil {
		return nil, failf("fetch_failed", true, "http_fetch: read body: %v", err)
	}
	return json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"body_bytes":  len(body),
		"body":        string(body),
	})
}

// handleSystemInfo reports the local machine's diagnostics.
func handleSystemInfo(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(SystemInfo())
}
