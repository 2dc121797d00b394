// Package protocol defines the wire protocol spoken between the coordinator
// and worker nodes: a JSON message envelope with typed per-message payloads,
// framed as newline-terminated JSON objects over TCP.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/retire-cluster/coordinator/internal/models"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	MsgRegister     MessageType = "register"
	MsgRegisterAck  MessageType = "register_ack"
	MsgHeartbeat    MessageType = "heartbeat"
	MsgHeartbeatAck MessageType = "heartbeat_ack"
	MsgTaskAssign   MessageType = "task_assign"
	MsgTaskResult   MessageType = "task_result"
	MsgTaskCancel   MessageType = "task_cancel"
	MsgStatusQuery  MessageType = "status_query"
	MsgStatusReply  MessageType = "status_reply"
	MsgError        MessageType = "error"
)

var knownTypes = map[MessageType]struct{}{
	MsgRegister: {}, MsgRegisterAck: {}, MsgHeartbeat: {}, MsgHeartbeatAck: {},
	MsgTaskAssign: {}, MsgTaskResult: {}, MsgTaskCancel: {},
	MsgStatusQuery: {}, MsgStatusReply: {}, MsgError: {},
}

// Message is the envelope common to every frame.
type Message struct {
	MessageType MessageType     `json:"message_type"`
	SenderID    string          `json:"sender_id"`
	Timestamp   string          `json:"timestamp"`
	MessageID   string          `json:"message_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// New builds an envelope around the given payload, stamping a fresh
// message id and timestamp.
func New(t MessageType, senderID string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{
		MessageType: t,
		SenderID:    senderID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		MessageID:   uuid.NewString(),
		Data:        raw,
	}, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(t MessageType, senderID string, data any) Message {
	m, err := New(t, senderID, data)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate checks the envelope invariants common to all message types.
func (m *Message) Validate() error {
	if _, ok := knownTypes[m.MessageType]; !ok {
		return fmt.Errorf("%w: unknown message_type %q", ErrProtocol, m.MessageType)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrProtocol)
	}
	return nil
}

// DecodeData unmarshals the payload into v and, when v implements
// validator, checks it.
func (m *Message) DecodeData(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocol, m.MessageType, err)
	}
	if val, ok := v.(validator); ok {
		if err := val.validate(); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrProtocol, m.MessageType, err)
		}
	}
	return nil
}

type validator interface {
	validate() error
}

// RegisterData is the payload of a register message.
type RegisterData struct {
	DeviceID           string              `json:"device_id"`
	Role               string              `json:"role"`
	Platform           string              `json:"platform"`
	Architecture       string              `json:"architecture"`
	RuntimeVersion     string              `json:"runtime_version"`
	Capabilities       models.Capabilities `json:"capabilities"`
	SupportedTaskTypes []string            `json:"supported_task_types"`
	MaxConcurrentTasks int                 `json:"max_concurrent_tasks"`
}

func (d *RegisterData) validate() error {
	if d.DeviceID == "" {
		return fmt.Errorf("missing device_id")
	}
	if d.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive")
	}
	return nil
}

// RegisterAckData is the coordinator's reply to register.
type RegisterAckData struct {
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
	AssignedDeviceID string `json:"assigned_device_id"`
}

// HeartbeatData is the payload of a heartbeat message.
type HeartbeatData struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	ActiveTasks   int     `json:"active_tasks"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Metrics converts the heartbeat payload into the registry's metric type.
func (d HeartbeatData) Metrics() models.HeartbeatMetrics {
	return models.HeartbeatMetrics{
		CPUPercent:    d.CPUPercent,
		MemoryPercent: d.MemoryPercent,
		ActiveTasks:   d.ActiveTasks,
		UptimeSeconds: d.UptimeSeconds,
	}
}

// HeartbeatAckData is the coordinator's reply to heartbeat.
type HeartbeatAckData struct {
	ServerTime      string `json:"server_time"`
	PendingTaskHint int    `json:"pending_task_hint"`
}

// TaskAssignData dispatches a task to a worker.
type TaskAssignData struct {
	TaskID         string          `json:"task_id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Attempt        int             `json:"attempt"`
}

func (d *TaskAssignData) validate() error {
	if d.TaskID == "" {
		return fmt.Errorf("missing task_id")
	}
	if d.TaskType == "" {
		return fmt.Errorf("missing task_type")
	}
	return nil
}

// Result status values carried in task_result.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// TaskResultData reports the outcome of a task back to the coordinator.
type TaskResultData struct {
	TaskID               string            `json:"task_id"`
	Status               string            `json:"status"`
	Result               json.RawMessage   `json:"result,omitempty"`
	Error                *models.TaskError `json:"error,omitempty"`
	ExecutionTimeSeconds float64           `json:"execution_time_seconds"`
}

func (d *TaskResultData) validate() error {
	if d.TaskID == "" {
		return fmt.Errorf("missing task_id")
	}
	if d.Status != ResultSuccess && d.Status != ResultFailure {
		return fmt.Errorf("invalid status %q", d.Status)
	}
	return nil
}

// TaskCancelData asks a worker to abandon a task, best effort.
type TaskCancelData struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// StatusQueryData requests a diagnostic status snapshot.
type StatusQueryData struct {
	Filter string `json:"filter,omitempty"`
}

// StatusReplyData answers a status_query; OriginalMessageID correlates.
type StatusReplyData struct {
	OriginalMessageID string `json:"original_message_id"`
	OnlineDevices     int    `json:"online_devices"`
	QueuedTasks       int    `json:"queued_tasks"`
	InFlightTasks     int    `json:"in_flight_tasks"`
	ServerTime        string `json:"server_time"`
}

// ErrorData describes a protocol-level fault; OriginalMessageID correlates
// when the fault was triggered by a specific inbound message.
type ErrorData struct {
	Error             string `json:"error"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
}

// NewError builds an error frame referencing the offending message.
func NewError(senderID, reason, originalMessageID string) Message {
	return MustNew(MsgError, senderID, ErrorData{
		Error:             reason,
		OriginalMessageID: originalMessageID,
	})
}
