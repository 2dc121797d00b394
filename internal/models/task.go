package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskQueued    TaskState = "queued"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskSuccess   TaskState = "success"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskTimeout   TaskState = "timeout"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// InFlight reports whether the task is dispatched but unresolved.
func (s TaskState) InFlight() bool {
	return s == TaskAssigned || s == TaskRunning
}

// Priority orders tasks into the four queue bands. Higher values win.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	// NumPriorities is the number of queue bands.
	NumPriorities = 4
)

var priorityNames = [NumPriorities]string{"low", "normal", "high", "urgent"}

// String returns the wire name of the priority.
func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return "normal"
	}
	return priorityNames[p]
}

// ParsePriority maps a wire name onto a Priority. Empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name.
func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Requirements constrains which devices may run a task.
type Requirements struct {
	MinCPUCores       int      `json:"min_cpu_cores,omitempty"`
	MinMemoryGB       float64  `json:"min_memory_gb,omitempty"`
	MinStorageGB      float64  `json:"min_storage_gb,omitempty"`
	RequiredPlatform  string   `json:"required_platform,omitempty"`
	RequiredRole      string   `json:"required_role,omitempty"`
	RequiredTags      []string `json:"required_tags,omitempty"`
	GPURequired       bool     `json:"gpu_required,omitempty"`
	InternetRequired  bool     `json:"internet_required,omitempty"`
	PreferredDeviceID string   `json:"preferred_device_id,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds,omitempty"`
	MaxRetries        int      `json:"max_retries,omitempty"`
}

// ApplyDefaults fills an unset timeout (<= 0) and an unset retry count
// (< 0, the decode-time marker for an absent field). An explicit 0 for
// max_retries means exactly one attempt and is preserved.
func (r *Requirements) ApplyDefaults(timeoutSeconds, maxRetries int) {
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = timeoutSeconds
	}
	if r.MaxRetries < 0 {
		r.MaxRetries = maxRetries
	}
}

// FailureReason is the bounded set of terminal failure classifications
// surfaced to API callers.
type FailureReason string

const (
	ReasonFailed     FailureReason = "failed"
	ReasonTimeout    FailureReason = "timeout"
	ReasonCancelled  FailureReason = "cancelled"
	ReasonDeviceLost FailureReason = "device_lost"
)

// TaskError is a worker-supplied or coordinator-synthesized task failure.
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Task is a unit of work flowing through queue, scheduler and result store.
type Task struct {
	TaskID           string          `json:"task_id"`
	TaskType         string          `json:"task_type"`
	Payload          json.RawMessage `json:"payload"`
	Priority         Priority        `json:"priority"`
	Requirements     Requirements    `json:"requirements"`
	State            TaskState       `json:"state"`
	AssignedDeviceID string          `json:"assigned_device_id,omitempty"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	TimeoutSeconds   int             `json:"timeout_seconds"`
	CreatedAt        time.Time       `json:"created_at"`
	DispatchedAt     time.Time       `json:"dispatched_at,omitzero"`
	FinishedAt       time.Time       `json:"finished_at,omitzero"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *TaskError      `json:"error,omitempty"`
	Reason           FailureReason   `json:"reason,omitempty"`
	ExecutionSeconds float64         `json:"execution_time_seconds,omitempty"`
}

// NewTask builds a pending task from a submission.
func NewTask(id, taskType string, payload json.RawMessage, priority Priority, req Requirements) *Task {
	return &Task{
		TaskID:         id,
		TaskType:       taskType,
		Payload:        payload,
		Priority:       priority,
		Requirements:   req,
		State:          TaskPending,
		MaxAttempts:    req.MaxRetries + 1,
		TimeoutSeconds: req.TimeoutSeconds,
		CreatedAt:      time.Now().UTC(),
	}
}

// RetriesLeft reports whether another dispatch attempt is permitted.
func (t *Task) RetriesLeft() bool {
	return t.Attempts < t.MaxAttempts
}

// Deadline returns the moment the current dispatch times out.
// Only meaningful while in flight.
func (t *Task) Deadline() time.Time {
	return t.DispatchedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second)
}

// Clone returns a shallow snapshot safe to hand across ownership boundaries.
func (t *Task) Clone() *Task {
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}
