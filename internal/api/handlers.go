package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/retire-cluster/coordinator/internal/config"
	"github.com/retire-cluster/coordinator/internal/models"
	apierrors "github.com/retire-cluster/coordinator/internal/pkg/errors"
	"github.com/retire-cluster/coordinator/internal/pkg/response"
	"github.com/retire-cluster/coordinator/internal/pkg/ulid"
	"github.com/retire-cluster/coordinator/internal/registry"
	"github.com/retire-cluster/coordinator/internal/scheduler"
)

var validate = validator.New()

type handler struct {
	cfg      config.SchedulerConfig
	registry *registry.Registry
	sched    *scheduler.Scheduler
	log      *slog.Logger
}

type submitTaskRequest struct {
	TaskType     string              `json:"task_type" validate:"required,min=1,max=128"`
	Payload      json.RawMessage     `json:"payload"`
	Priority     string              `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Requirements models.Requirements `json:"requirements"`
}

func (h *handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	// An omitted max_retries decodes identically to an explicit 0, so the
	// field is seeded with the unset marker ApplyDefaults fills in.
	req.Requirements.MaxRetries = -1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("invalid JSON body"))
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.Error(w, validationError(err))
		return
	}

	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage(err.Error()))
		return
	}
	if req.Requirements.TimeoutSeconds < 0 || req.Requirements.MaxRetries < -1 {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("negative timeout or retries"))
		return
	}
	req.Requirements.ApplyDefaults(h.cfg.DefaultTaskTimeoutSeconds, h.cfg.DefaultMaxRetries)

	task := models.NewTask(ulid.New(), req.TaskType, req.Payload, priority, req.Requirements)
	if err := h.sched.Submit(task); err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			response.Error(w, apierrors.ErrQueueFull)
			return
		}
		h.log.Error("task submission failed", slog.Any("error", err))
		response.Error(w, apierrors.ErrInternal)
		return
	}

	snapshot, _ := h.sched.Get(task.TaskID)
	if snapshot == nil {
		snapshot = task
	}
	response.Created(w, snapshot)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.sched.Get(chi.URLParam(r, "taskID"))
	if !ok {
		response.Error(w, apierrors.ErrTaskNotFound)
		return
	}
	response.OK(w, task)
}

func (h *handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.sched.Cancel(chi.URLParam(r, "taskID"))
	switch {
	case err == nil:
		response.OK(w, task)
	case errors.Is(err, scheduler.ErrTaskNotFound):
		response.Error(w, apierrors.ErrTaskNotFound)
	case errors.Is(err, scheduler.ErrTaskTerminal):
		response.Error(w, &apierrors.APIError{
			Code:       "task_terminal",
			Message:    "Task already reached a terminal state",
			StatusCode: http.StatusConflict,
		})
	default:
		h.log.Error("task cancellation failed", slog.Any("error", err))
		response.Error(w, apierrors.ErrInternal)
	}
}

func (h *handler) listDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DeviceFilter{
		Status:   models.DeviceStatus(q.Get("status")),
		Role:     q.Get("role"),
		Platform: q.Get("platform"),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	response.OK(w, h.registry.Snapshot(filter))
}

type deviceDetail struct {
	models.Device
	RecentHeartbeats []models.HeartbeatSample `json:"recent_heartbeats"`
}

func (h *handler) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, ok := h.registry.Get(deviceID)
	if !ok {
		response.Error(w, apierrors.ErrDeviceNotFound)
		return
	}
	response.OK(w, deviceDetail{
		Device:           dev,
		RecentHeartbeats: h.registry.RecentHeartbeats(deviceID, 50),
	})
}

func (h *handler) removeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !h.registry.Remove(deviceID) {
		response.Error(w, apierrors.ErrDeviceNotFound)
		return
	}
	// Anything it held in flight goes back to the queue.
	reassigned := h.sched.ReassignDevice(deviceID, "device removed")
	response.OK(w, map[string]int{"reassigned": reassigned})
}

func (h *handler) clusterStats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	queued, inflight := h.sched.Counts()
	stats.QueuedTasks = queued
	stats.InFlightTasks = inflight
	stats.QueueDepths, _ = h.sched.QueueStats()
	stats.Scheduler = h.sched.Stats()
	response.OK(w, stats)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// validationError flattens validator.v10 errors into the field map shape.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierrors.ErrBadRequest
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return apierrors.NewValidationErrors(fields)
}
