// Package results keeps terminal task records queryable after completion,
// bounded by count and age.
package results

import (
	"sync"
	"time"

	"github.com/retire-cluster/coordinator/internal/models"
)

// Retention defaults.
const (
	DefaultRetentionCount = 10000
	DefaultRetentionAge   = 24 * time.Hour
)

type record struct {
	task     *models.Task
	storedAt time.Time
}

// Store is a bounded in-memory store of terminal tasks. When the count
// bound is exceeded the oldest record is evicted; age-based eviction runs
// on Sweep.
type Store struct {
	mu       sync.RWMutex
	maxCount int
	maxAge   time.Duration
	records  map[string]*record
	order    []string
}

// New creates a store. Non-positive bounds select the defaults.
func New(maxCount int, maxAge time.Duration) *Store {
	if maxCount <= 0 {
		maxCount = DefaultRetentionCount
	}
	if maxAge <= 0 {
		maxAge = DefaultRetentionAge
	}
	return &Store{
		maxCount: maxCount,
		maxAge:   maxAge,
		records:  make(map[string]*record),
	}
}

// Put stores a terminal task snapshot, replacing any record with the same
// id and evicting the oldest record when over the count bound.
func (s *Store) Put(task *models.Task) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[task.TaskID]; ok {
		// Replacement keeps the original insertion position.
		s.records[task.TaskID] = &record{task: task, storedAt: now}
		return
	}

	s.records[task.TaskID] = &record{task: task, storedAt: now}
	s.order = append(s.order, task.TaskID)

	for len(s.records) > s.maxCount {
		s.evictOldestLocked()
	}
}

// Get returns a copy of the stored task, if present.
func (s *Store) Get(taskID string) (*models.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, false
	}
	return rec.task.Clone(), true
}

// Len returns the number of retained records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Sweep evicts records older than the age bound. Returns how many were
// dropped.
func (s *Store) Sweep() int {
	cutoff := time.Now().Add(-s.maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for len(s.order) > 0 {
		id := s.order[0]
		rec, ok := s.records[id]
		if ok && rec.storedAt.After(cutoff) {
			break
		}
		s.order = s.order[1:]
		if ok {
			delete(s.records, id)
			dropped++
		}
	}
	return dropped
}

// evictOldestLocked drops the record at the head of the insertion order.
func (s *Store) evictOldestLocked() {
	for len(s.order) > 0 {
		id := s.order[0]
		s.order = s.order[1:]
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			return
		}
	}
}
