// Package scheduler matches queued tasks to eligible devices and owns every
// task from submission to its terminal state. All state transitions happen
// on a single goroutine; public methods marshal onto it, so no event is
// ever processed concurrently with another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/retire-cluster/coordinator/internal/eventlog"
	"github.com/retire-cluster/coordinator/internal/metrics"
	"github.com/retire-cluster/coordinator/internal/models"
	"github.com/retire-cluster/coordinator/internal/protocol"
	"github.com/retire-cluster/coordinator/internal/queue"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/results"
)

const senderID = "coordinator"

// Sentinel errors surfaced to the API layer.
var (
	ErrQueueFull    = queue.ErrFull
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskTerminal = errors.New("task already terminal")
	ErrStopped      = errors.New("scheduler stopped")
)

// Scheduler is the serialized task lifecycle engine.
type Scheduler struct {
	registry *registry.Registry
	queue    *queue.Queue
	results  *results.Store
	events   *eventlog.Log
	log      *slog.Logger

	ops     chan func()
	stopped chan struct{}

	// Owned exclusively by the run loop.
	inflight map[string]*models.Task
	// Tasks asked to cancel while in flight. They stay in flight until the
	// worker resolves them or the deadline sweep settles them as cancelled.
	cancelRequested map[string]struct{}
	stats           models.SchedulerStats
}

// New wires the scheduler to its collaborators. events may be nil.
func New(reg *registry.Registry, q *queue.Queue, res *results.Store, events *eventlog.Log, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		registry:        reg,
		queue:           q,
		results:         res,
		events:          events,
		log:             log,
		ops:             make(chan func(), 256),
		stopped:         make(chan struct{}),
		inflight:        make(map[string]*models.Task),
		cancelRequested: make(map[string]struct{}),
	}
}

// Run processes events until ctx is cancelled. It must be called exactly
// once; public methods fail with ErrStopped after it returns.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.ops:
			op()
		}
	}
}

// do runs fn on the scheduler goroutine and waits for it.
func (s *Scheduler) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		return ErrStopped
	}
}

// Submit enqueues a new task and immediately attempts dispatch. Returns
// ErrQueueFull when the queue is at capacity.
func (s *Scheduler) Submit(task *models.Task) error {
	var err error
	if derr := s.do(func() {
		err = s.queue.Enqueue(task)
		if err != nil {
			return
		}
		s.logEvent(eventlog.EventTaskSubmitted, task.TaskID, "",
			fmt.Sprintf("type=%s priority=%s", task.TaskType, task.Priority))
		s.schedulePass()
	}); derr != nil {
		return derr
	}
	return err
}

// Cancel terminates a queued task immediately. An in-flight task is asked
// to stop via a best-effort task_cancel and stays in flight; if the worker
// never resolves it, the deadline sweep settles it as cancelled.
func (s *Scheduler) Cancel(taskID string) (*models.Task, error) {
	var (
		out *models.Task
		err error
	)
	if derr := s.do(func() {
		if task, ok := s.queue.Cancel(taskID); ok {
			s.finishTask(task, models.TaskCancelled, models.ReasonCancelled, nil)
			out = task.Clone()
			return
		}
		if task, ok := s.inflight[taskID]; ok {
			if h := s.registry.Handler(task.AssignedDeviceID); h != nil {
				h.Post(protocol.MustNew(protocol.MsgTaskCancel, senderID, protocol.TaskCancelData{
					TaskID: taskID,
					Reason: "cancelled by operator",
				}))
			}
			s.cancelRequested[taskID] = struct{}{}
			s.logEvent(eventlog.EventTaskCancelled, taskID, task.AssignedDeviceID, "requested")
			out = task.Clone()
			return
		}
		if _, ok := s.results.Get(taskID); ok {
			err = ErrTaskTerminal
			return
		}
		err = ErrTaskNotFound
	}); derr != nil {
		return nil, derr
	}
	return out, err
}

// Get returns a snapshot of a task in any lifecycle stage.
func (s *Scheduler) Get(taskID string) (*models.Task, bool) {
	var (
		out *models.Task
		ok  bool
	)
	s.do(func() {
		if task, found := s.inflight[taskID]; found {
			out, ok = task.Clone(), true
			return
		}
		if task, found := s.queue.Get(taskID); found {
			out, ok = task.Clone(), true
			return
		}
		out, ok = s.results.Get(taskID)
	})
	return out, ok
}

// HandleResult ingests a task_result frame from a device. Results for
// unknown tasks or from a device other than the assignee are dropped.
func (s *Scheduler) HandleResult(deviceID string, res protocol.TaskResultData) {
	s.do(func() {
		task, ok := s.inflight[res.TaskID]
		if !ok {
			s.log.Warn("result for unknown or settled task",
				slog.String("task_id", res.TaskID), slog.String("device_id", deviceID))
			return
		}
		if task.AssignedDeviceID != deviceID {
			s.log.Warn("result from non-assignee dropped",
				slog.String("task_id", res.TaskID),
				slog.String("device_id", deviceID),
				slog.String("assignee", task.AssignedDeviceID))
			return
		}

		s.releaseInflight(task)
		_, wasCancelRequested := s.cancelRequested[res.TaskID]
		delete(s.cancelRequested, res.TaskID)
		task.ExecutionSeconds = res.ExecutionTimeSeconds
		metrics.TaskExecutionDuration.Observe(res.ExecutionTimeSeconds)

		if res.Status == protocol.ResultSuccess {
			task.Result = res.Result
			s.finishTask(task, models.TaskSuccess, "", nil)
			s.schedulePass()
			return
		}

		taskErr := res.Error
		if taskErr == nil {
			taskErr = &models.TaskError{Code: "unknown", Message: "worker reported failure"}
		}
		if wasCancelRequested {
			// The worker gave up after the cancel request; never retry.
			s.finishTask(task, models.TaskCancelled, models.ReasonCancelled, taskErr)
			s.schedulePass()
			return
		}
		s.failOrRetry(task, models.TaskFailed, models.ReasonFailed, taskErr, taskErr.Retryable)
		s.schedulePass()
	})
}

// DeviceUp signals that a device came online; queued work may now match.
func (s *Scheduler) DeviceUp(deviceID string) {
	s.do(func() {
		s.logEvent(eventlog.EventDeviceOnline, "", deviceID, "")
		s.schedulePass()
	})
}

// DeviceDown reassigns every in-flight task held by a lost device. Attempts
// consumed by the lost dispatch stay consumed.
func (s *Scheduler) DeviceDown(deviceID, reason string) {
	s.do(func() {
		s.logEvent(eventlog.EventDeviceOffline, "", deviceID, reason)
		s.reassignDevice(deviceID, reason)
		s.schedulePass()
	})
}

// ReassignDevice requeues a device's in-flight tasks without marking the
// device offline, returning how many were pulled back. Used when a
// re-registration replaces a live connection or an operator removes the
// device: anything dispatched to it will never be answered.
func (s *Scheduler) ReassignDevice(deviceID, reason string) int {
	n := 0
	s.do(func() {
		n = s.reassignDevice(deviceID, reason)
		s.schedulePass()
	})
	return n
}

// reassignDevice runs on the scheduler goroutine. Returns the number of
// in-flight tasks taken off the device.
func (s *Scheduler) reassignDevice(deviceID, reason string) int {
	var lost []*models.Task
	for _, task := range s.inflight {
		if task.AssignedDeviceID == deviceID {
			lost = append(lost, task)
		}
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].TaskID < lost[j].TaskID })

	for _, task := range lost {
		s.releaseInflight(task)
		if _, ok := s.cancelRequested[task.TaskID]; ok {
			delete(s.cancelRequested, task.TaskID)
			s.finishTask(task, models.TaskCancelled, models.ReasonCancelled, nil)
			continue
		}
		s.logEvent(eventlog.EventTaskReassigned, task.TaskID, deviceID, reason)
		s.failOrRetry(task, models.TaskFailed, models.ReasonDeviceLost, &models.TaskError{
			Code:      "device_lost",
			Message:   fmt.Sprintf("device %s: %s", deviceID, reason),
			Retryable: true,
		}, true)
	}
	return len(lost)
}

// SweepTimeouts expires in-flight tasks past their deadline. The worker is
// told to abandon the attempt, best effort.
func (s *Scheduler) SweepTimeouts() int {
	n := 0
	s.do(func() {
		now := time.Now()
		var expired []*models.Task
		for _, task := range s.inflight {
			if now.After(task.Deadline()) {
				expired = append(expired, task)
			}
		}
		sort.Slice(expired, func(i, j int) bool { return expired[i].TaskID < expired[j].TaskID })

		for _, task := range expired {
			if h := s.registry.Handler(task.AssignedDeviceID); h != nil {
				h.Post(protocol.MustNew(protocol.MsgTaskCancel, senderID, protocol.TaskCancelData{
					TaskID: task.TaskID,
					Reason: "deadline exceeded",
				}))
			}
			s.releaseInflight(task)
			if _, ok := s.cancelRequested[task.TaskID]; ok {
				delete(s.cancelRequested, task.TaskID)
				s.finishTask(task, models.TaskCancelled, models.ReasonCancelled, nil)
				continue
			}
			s.logEvent(eventlog.EventTaskTimeout, task.TaskID, task.AssignedDeviceID,
				fmt.Sprintf("timeout=%ds attempt=%d", task.TimeoutSeconds, task.Attempts))
			s.failOrRetry(task, models.TaskTimeout, models.ReasonTimeout, &models.TaskError{
				Code:      "timeout",
				Message:   fmt.Sprintf("no result within %ds", task.TimeoutSeconds),
				Retryable: true,
			}, true)
		}
		n = len(expired)
		if n > 0 {
			s.schedulePass()
		}
	})
	return n
}

// Counts returns queued and in-flight task counts.
func (s *Scheduler) Counts() (queued, inflight int) {
	s.do(func() {
		queued = s.queue.Len()
		inflight = len(s.inflight)
	})
	return queued, inflight
}

// QueueStats returns per-band queued counts keyed by priority name.
func (s *Scheduler) QueueStats() (map[string]int, int) {
	return s.queue.Stats()
}

// Stats returns a copy of the lifetime counters.
func (s *Scheduler) Stats() models.SchedulerStats {
	var out models.SchedulerStats
	s.do(func() { out = s.stats })
	return out
}

// schedulePass dispatches queued tasks while any matches an eligible
// device. Runs on the scheduler goroutine.
func (s *Scheduler) schedulePass() {
	for {
		var candidates []models.Device
		task := s.queue.DequeueMatching(func(t *models.Task) bool {
			candidates = s.registry.FindEligible(t)
			return len(candidates) > 0
		})
		if task == nil {
			s.syncGauges()
			return
		}
		target := s.pickDevice(candidates, task)
		if !s.dispatch(task, target) {
			// Dispatch failure consumed an attempt; the task either went
			// back to the head of its band or went terminal. Either way
			// this pass keeps going so other tasks are not starved.
			continue
		}
	}
}

// pickDevice ranks eligible devices. The preferred device wins outright
// when present; otherwise least-loaded first. Equal load breaks ties by
// weak task-type affinity (a device already running this type), then free
// headroom, then lexicographic id so ties are deterministic.
func (s *Scheduler) pickDevice(candidates []models.Device, task *models.Task) models.Device {
	if pref := task.Requirements.PreferredDeviceID; pref != "" {
		for _, d := range candidates {
			if d.DeviceID == pref {
				return d
			}
		}
	}
	best := candidates[0]
	for _, d := range candidates[1:] {
		if s.betterTarget(d, best, task.TaskType) {
			best = d
		}
	}
	return best
}

func (s *Scheduler) betterTarget(a, b models.Device, taskType string) bool {
	if a.ActiveTaskCount != b.ActiveTaskCount {
		return a.ActiveTaskCount < b.ActiveTaskCount
	}
	aff, bff := s.hasTypeInFlight(a.DeviceID, taskType), s.hasTypeInFlight(b.DeviceID, taskType)
	if aff != bff {
		return aff
	}
	if ha, hb := headroom(a), headroom(b); ha != hb {
		return ha > hb
	}
	return a.DeviceID < b.DeviceID
}

// headroom estimates spare capacity: unclaimed cores plus normalized free
// memory from the latest heartbeat.
func headroom(d models.Device) float64 {
	return float64(d.Capabilities.CPUCores-d.ActiveTaskCount) +
		(100-d.Metrics.MemoryPercent)/100
}

func (s *Scheduler) hasTypeInFlight(deviceID, taskType string) bool {
	for _, t := range s.inflight {
		if t.AssignedDeviceID == deviceID && t.TaskType == taskType {
			return true
		}
	}
	return false
}

// dispatch sends task_assign to the device. The attempt is counted even
// when posting fails, so a flapping connection cannot retry forever.
// Returns false on dispatch failure.
func (s *Scheduler) dispatch(task *models.Task, target models.Device) bool {
	task.Attempts++
	task.State = models.TaskAssigned
	task.AssignedDeviceID = target.DeviceID
	task.DispatchedAt = time.Now().UTC()

	h := s.registry.Handler(target.DeviceID)
	posted := false
	if h != nil {
		posted = h.Post(protocol.MustNew(protocol.MsgTaskAssign, senderID, protocol.TaskAssignData{
			TaskID:         task.TaskID,
			TaskType:       task.TaskType,
			Payload:        task.Payload,
			TimeoutSeconds: task.TimeoutSeconds,
			Attempt:        task.Attempts,
		}))
	}
	if !posted {
		s.log.Warn("dispatch failed",
			slog.String("task_id", task.TaskID),
			slog.String("device_id", target.DeviceID),
			slog.Int("attempt", task.Attempts))
		task.AssignedDeviceID = ""
		if task.RetriesLeft() {
			if err := s.queue.EnqueueFront(task); err != nil {
				s.finishTask(task, models.TaskFailed, models.ReasonFailed, &models.TaskError{
					Code: "dispatch_failure", Message: "queue full on requeue",
				})
			}
		} else {
			s.finishTask(task, models.TaskFailed, models.ReasonFailed, &models.TaskError{
				Code: "dispatch_failure", Message: "could not deliver task to any device",
			})
		}
		return false
	}

	s.inflight[task.TaskID] = task
	s.registry.AdjustActiveTasks(target.DeviceID, 1)
	s.stats.TasksScheduled++
	metrics.DispatchDuration.Observe(time.Since(task.CreatedAt).Seconds())
	metrics.TasksInFlight.Set(float64(len(s.inflight)))
	s.logEvent(eventlog.EventTaskDispatched, task.TaskID, target.DeviceID,
		fmt.Sprintf("attempt=%d", task.Attempts))
	s.log.Info("task dispatched",
		slog.String("task_id", task.TaskID),
		slog.String("device_id", target.DeviceID),
		slog.Int("attempt", task.Attempts))
	return true
}

// releaseInflight removes the task from the in-flight set and returns the
// device's concurrency slot.
func (s *Scheduler) releaseInflight(task *models.Task) {
	delete(s.inflight, task.TaskID)
	if task.AssignedDeviceID != "" {
		s.registry.AdjustActiveTasks(task.AssignedDeviceID, -1)
	}
	metrics.TasksInFlight.Set(float64(len(s.inflight)))
}

// failOrRetry re-enqueues a retryable failure with attempts remaining,
// otherwise settles the task in the given terminal state.
func (s *Scheduler) failOrRetry(task *models.Task, state models.TaskState, reason models.FailureReason, taskErr *models.TaskError, retryable bool) {
	if retryable && task.RetriesLeft() {
		task.AssignedDeviceID = ""
		task.Error = nil
		if err := s.queue.Enqueue(task); err == nil {
			s.stats.TasksRetried++
			metrics.TaskRetries.Inc()
			s.logEvent(eventlog.EventTaskRetried, task.TaskID, "",
				fmt.Sprintf("attempt=%d max=%d", task.Attempts, task.MaxAttempts))
			return
		}
		// Queue full; fall through to terminal.
	}
	s.finishTask(task, state, reason, taskErr)
}

// finishTask settles a task in a terminal state and records it.
func (s *Scheduler) finishTask(task *models.Task, state models.TaskState, reason models.FailureReason, taskErr *models.TaskError) {
	task.State = state
	task.Reason = reason
	task.FinishedAt = time.Now().UTC()
	if taskErr != nil {
		task.Error = taskErr
	}
	s.results.Put(task.Clone())

	switch state {
	case models.TaskSuccess:
		s.stats.TasksCompleted++
		s.logEvent(eventlog.EventTaskCompleted, task.TaskID, task.AssignedDeviceID, "")
	case models.TaskCancelled:
		s.logEvent(eventlog.EventTaskCancelled, task.TaskID, task.AssignedDeviceID, "")
	default:
		s.stats.TasksFailed++
		detail := string(reason)
		if taskErr != nil {
			detail = fmt.Sprintf("%s: %s", reason, taskErr.Message)
		}
		s.logEvent(eventlog.EventTaskFailed, task.TaskID, task.AssignedDeviceID, detail)
	}
	metrics.TasksTotal.WithLabelValues(string(state)).Inc()

	s.log.Info("task settled",
		slog.String("task_id", task.TaskID),
		slog.String("state", string(state)),
		slog.Int("attempts", task.Attempts))
}

// syncGauges refreshes queue depth gauges after a scheduling pass.
func (s *Scheduler) syncGauges() {
	perBand, _ := s.queue.Stats()
	for band, n := range perBand {
		metrics.QueueDepth.WithLabelValues(band).Set(float64(n))
	}
}

func (s *Scheduler) logEvent(eventType, taskID, deviceID, detail string) {
	if s.events == nil {
		return
	}
	s.events.Append(eventlog.Event{
		Type:     eventType,
		TaskID:   taskID,
		DeviceID: deviceID,
		Detail:   detail,
	})
}
