// Package queue implements the bounded, priority-banded pending task store.
// Four bands (urgent > high > normal > low), FIFO within a band.
package queue

import (
	"errors"
	"sync"

	"github.com/retire-cluster/coordinator/internal/models"
)

// ErrFull is returned when an enqueue would exceed capacity.
var ErrFull = errors.New("task queue is full")

// DefaultCapacity bounds the queue unless configured otherwise.
const DefaultCapacity = 10000

type entry struct {
	task    *models.Task
	removed bool
}

// Queue is a thread-safe multi-band priority queue. It owns tasks while
// their state is queued.
type Queue struct {
	mu       sync.Mutex
	capacity int
	bands    [models.NumPriorities][]*entry
	index    map[string]*entry
}

// New creates a queue bounded at capacity; capacity <= 0 selects the default.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		index:    make(map[string]*entry),
	}
}

// Enqueue appends the task to the tail of its priority band and transitions
// it to queued. Returns ErrFull at capacity.
func (q *Queue) Enqueue(task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.index) >= q.capacity {
		return ErrFull
	}
	if _, ok := q.index[task.TaskID]; ok {
		return errors.New("task already queued")
	}

	task.State = models.TaskQueued
	e := &entry{task: task}
	b := bandOf(task.Priority)
	q.bands[b] = append(q.bands[b], e)
	q.index[task.TaskID] = e
	return nil
}

// EnqueueFront puts the task at the head of its band. Used to return a task
// whose dispatch failed, so it is reconsidered before younger work.
func (q *Queue) EnqueueFront(task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.index) >= q.capacity {
		return ErrFull
	}
	if _, ok := q.index[task.TaskID]; ok {
		return errors.New("task already queued")
	}

	task.State = models.TaskQueued
	e := &entry{task: task}
	b := bandOf(task.Priority)
	q.bands[b] = append([]*entry{e}, q.bands[b]...)
	q.index[task.TaskID] = e
	return nil
}

// DequeueMatching removes and returns the highest-priority, earliest-queued
// task accepted by pred, or nil when no queued task matches. A lower-priority
// task is never returned while a higher-priority match exists.
func (q *Queue) DequeueMatching(pred func(*models.Task) bool) *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for b := models.NumPriorities - 1; b >= 0; b-- {
		for i, e := range q.bands[b] {
			if e.removed {
				continue
			}
			if pred(e.task) {
				e.removed = true
				delete(q.index, e.task.TaskID)
				q.compactBand(b, i)
				return e.task
			}
		}
	}
	return nil
}

// Cancel removes a queued task. Returns false when the id is not queued.
func (q *Queue) Cancel(taskID string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[taskID]
	if !ok {
		return nil, false
	}
	e.removed = true
	delete(q.index, taskID)
	return e.task, true
}

// Get returns the queued task with the given id, if present.
func (q *Queue) Get(taskID string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[taskID]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Stats returns per-band queued counts keyed by priority name, plus total.
func (q *Queue) Stats() (perBand map[string]int, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	perBand = make(map[string]int, models.NumPriorities)
	for b := 0; b < models.NumPriorities; b++ {
		n := 0
		for _, e := range q.bands[b] {
			if !e.removed {
				n++
			}
		}
		perBand[models.Priority(b).String()] = n
		total += n
	}
	return perBand, total
}

// compactBand drops removed entries when they accumulate. Called with the
// lock held after a removal at position hint.
func (q *Queue) compactBand(b, hint int) {
	band := q.bands[b]
	if hint == 0 || len(band) < 64 {
		// Fast path: trim the removed head.
		i := 0
		for i < len(band) && band[i].removed {
			i++
		}
		q.bands[b] = band[i:]
		return
	}

	removed := 0
	for _, e := range band {
		if e.removed {
			removed++
		}
	}
	if removed*2 < len(band) {
		return
	}
	kept := band[:0]
	for _, e := range band {
		if !e.removed {
			kept = append(kept, e)
		}
	}
	q.bands[b] = kept
}

func bandOf(p models.Priority) int {
	if p < models.PriorityLow || p > models.PriorityUrgent {
		return int(models.PriorityNormal)
	}
	return int(p)
}
