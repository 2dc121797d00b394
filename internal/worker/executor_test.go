package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retire-cluster/coordinator/internal/protocol"
)

func TestEchoHandler(t *testing.T) {
	e := NewExecutor(1)
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:   "t1",
		TaskType: "echo",
		Payload:  json.RawMessage(`{"msg":"hi"}`),
	})
	require.Equal(t, protocol.ResultSuccess, res.Status)
	assert.JSONEq(t, `{"msg":"hi"}`, string(res.Result))
	assert.GreaterOrEqual(t, res.ExecutionTimeSeconds, 0.0)
}

func TestSleepHandler(t *testing.T) {
	e := NewExecutor(1)
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:   "t1",
		TaskType: "sleep",
		Payload:  json.RawMessage(`{"seconds":0.01}`),
	})
	require.Equal(t, protocol.ResultSuccess, res.Status)
	assert.JSONEq(t, `{"slept_seconds":0.01}`, string(res.Result))
}

func TestSleepHonorsTimeout(t *testing.T) {
	e := NewExecutor(1)
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:         "t1",
		TaskType:       "sleep",
		Payload:        json.RawMessage(`{"seconds":30}`),
		TimeoutSeconds: 1,
	})
	require.Equal(t, protocol.ResultFailure, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "timeout", res.Error.Code)
	assert.True(t, res.Error.Retryable)
}

func TestUnknownTaskType(t *testing.T) {
	e := NewExecutor(1)
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:   "t1",
		TaskType: "transcode",
	})
	require.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "unsupported_task_type", res.Error.Code)
	assert.False(t, res.Error.Retryable)
}

func TestBadPayloadIsNotRetryable(t *testing.T) {
	e := NewExecutor(1)
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:   "t1",
		TaskType: "sleep",
		Payload:  json.RawMessage(`{"seconds":-1}`),
	})
	require.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "bad_payload", res.Error.Code)
	assert.False(t, res.Error.Retryable)
}

func TestPanicRecovery(t *testing.T) {
	e := NewExecutor(1)
	e.Register("boom", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:   "t1",
		TaskType: "boom",
	})
	require.Equal(t, protocol.ResultFailure, res.Status)
	assert.Equal(t, "panic", res.Error.Code)
	assert.Contains(t, res.Error.Message, "kaboom")
}

func TestSystemInfoHandler(t *testing.T) {
	e := NewExecutor(1)
	res := e.Execute(context.Background(), protocol.TaskAssignData{
		TaskID:   "t1",
		TaskType: "system_info",
	})
	require.Equal(t, protocol.ResultSuccess, res.Status)

	var info map[string]any
	require.NoError(t, json.Unmarshal(res.Result, &info))
	assert.Contains(t, info, "platform")
	assert.Contains(t, info, "num_cpu")
}

func TestConcurrencySemaphore(t *testing.T) {
	e := NewExecutor(2)
	release := make(chan struct{})
	e.Register("block", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-release:
			return json.RawMessage(`{}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	done := make(chan protocol.TaskResultData, 3)
	for i := 0; i < 3; i++ {
		go func() {
			done <- e.Execute(context.Background(), protocol.TaskAssignData{
				TaskID: "t", TaskType: "block",
			})
		}()
	}

	require.Eventually(t, func() bool { return e.Active() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, e.Active())

	close(release)
	for i := 0; i < 3; i++ {
		res := <-done
		assert.Equal(t, protocol.ResultSuccess, res.Status)
	}
	assert.Zero(t, e.Active())
}

func TestTaskTypesCoverBuiltins(t *testing.T) {
	e := NewExecutor(1)
	types := e.TaskTypes()
	assert.ElementsMatch(t, []string{"echo", "sleep", "http_fetch", "system_info"}, types)
}
