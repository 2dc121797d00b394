package results

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retire-cluster/coordinator/internal/models"
)

func doneTask(id string) *models.Task {
	t := models.NewTask(id, "echo", nil, models.PriorityNormal, models.Requirements{})
	t.State = models.TaskSuccess
	t.FinishedAt = time.Now().UTC()
	return t
}

func TestPutGet(t *testing.T) {
	s := New(0, 0)
	s.Put(doneTask("t1"))

	got, ok := s.Get("t1")
	require.True(t, ok)
	assert.Equal(t, models.TaskSuccess, got.State)

	_, ok = s.Get("t2")
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	s := New(0, 0)
	s.Put(doneTask("t1"))

	got, _ := s.Get("t1")
	got.State = models.TaskFailed

	again, _ := s.Get("t1")
	assert.Equal(t, models.TaskSuccess, again.State)
}

func TestCountEvictionDropsOldest(t *testing.T) {
	s := New(3, 0)
	for i := 1; i <= 4; i++ {
		s.Put(doneTask(fmt.Sprintf("t%d", i)))
	}

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("t1")
	assert.False(t, ok)
	_, ok = s.Get("t4")
	assert.True(t, ok)
}

func TestReplaceSameIDDoesNotGrow(t *testing.T) {
	s := New(2, 0)
	s.Put(doneTask("t1"))
	s.Put(doneTask("t1"))
	s.Put(doneTask("t2"))

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("t1")
	assert.True(t, ok)
}

func TestSweepDropsAgedRecords(t *testing.T) {
	s := New(0, time.Hour)
	s.Put(doneTask("old"))
	s.records["old"].storedAt = time.Now().Add(-2 * time.Hour)
	s.Put(doneTask("fresh"))

	assert.Equal(t, 1, s.Sweep())
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)

	assert.Zero(t, s.Sweep())
}
