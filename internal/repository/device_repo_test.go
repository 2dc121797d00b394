package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retire-cluster/coordinator/internal/database"
	"github.com/retire-cluster/coordinator/internal/models"
)

func newSQLiteRepo(t *testing.T) *SQLiteDeviceRepository {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewSQLiteDeviceRepository(db)
	require.NoError(t, err)
	return repo
}

func device(id string) *models.Device {
	return &models.Device{
		DeviceID: id,
		Role:     "worker",
		Platform: "linux",
		Capabilities: models.Capabilities{
			CPUCores: 4, MemoryGB: 8, StorageGB: 64, Tags: []string{"home"},
		},
		SupportedTaskTypes: []string{"echo"},
		MaxConcurrentTasks: 2,
		Status:             models.DeviceOnline,
		RegisteredAt:       time.Now().UTC().Truncate(time.Second),
		LastSeen:           time.Now().UTC().Truncate(time.Second),
	}
}

func TestSaveAndLoadAll(t *testing.T) {
	repo := newSQLiteRepo(t)

	require.NoError(t, repo.Save(device("w1")))
	require.NoError(t, repo.Save(device("w2")))

	devices, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	byID := map[string]*models.Device{}
	for _, d := range devices {
		byID[d.DeviceID] = d
	}
	require.Contains(t, byID, "w1")
	assert.Equal(t, "worker", byID["w1"].Role)
	assert.Equal(t, []string{"home"}, byID["w1"].Capabilities.Tags)
}

func TestSaveUpserts(t *testing.T) {
	repo := newSQLiteRepo(t)

	d := device("w1")
	require.NoError(t, repo.Save(d))
	d.Status = models.DeviceOffline
	d.MaxConcurrentTasks = 8
	require.NoError(t, repo.Save(d))

	devices, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, models.DeviceOffline, devices[0].Status)
	assert.Equal(t, 8, devices[0].MaxConcurrentTasks)
}

func TestDelete(t *testing.T) {
	repo := newSQLiteRepo(t)
	require.NoError(t, repo.Save(device("w1")))
	require.NoError(t, repo.Delete("w1"))
	require.NoError(t, repo.Delete("w1")) // idempotent

	devices, err := repo.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, devices)
}
