// Package repository persists registry state. Devices are stored as JSON
// documents keyed by id; the in-memory registry remains authoritative and
// only cold-start recovery reads them back.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/retire-cluster/coordinator/internal/models"
)

// SQLiteDeviceRepository stores devices in the embedded registry database.
type SQLiteDeviceRepository struct {
	db *sql.DB
}

// NewSQLiteDeviceRepository creates the schema if needed.
func NewSQLiteDeviceRepository(db *sql.DB) (*SQLiteDeviceRepository, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
    device_id  TEXT PRIMARY KEY,
    doc        TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create devices table: %w", err)
	}
	return &SQLiteDeviceRepository{db: db}, nil
}

// Save upserts the device document.
func (r *SQLiteDeviceRepository) Save(d *models.Device) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", d.DeviceID, err)
	}
	_, err = r.db.Exec(`
INSERT INTO devices (device_id, doc, updated_at) VALUES (?, ?, datetime('now'))
ON CONFLICT(device_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		d.DeviceID, string(doc))
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.DeviceID, err)
	}
	return nil
}

// Delete removes the device document.
func (r *SQLiteDeviceRepository) Delete(deviceID string) error {
	if _, err := r.db.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete device %s: %w", deviceID, err)
	}
	return nil
}

// LoadAll returns every persisted device.
func (r *SQLiteDeviceRepository) LoadAll() ([]*models.Device, error) {
	rows, err := r.db.Query(`SELECT doc FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		var d models.Device
		if err := json.Unmarshal([]byte(doc), &d); err != nil {
			return nil, fmt.Errorf("decode device: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// PostgresDeviceRepository stores devices in PostgreSQL for deployments
// that already run one.
type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDeviceRepository wraps an existing pool; the schema comes from
// migrations.
func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

// Save upserts the device document.
func (r *PostgresDeviceRepository) Save(d *models.Device) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", d.DeviceID, err)
	}
	_, err = r.pool.Exec(context.Background(), `
INSERT INTO devices (device_id, doc, updated_at) VALUES ($1, $2, now())
ON CONFLICT (device_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		d.DeviceID, doc)
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.DeviceID, err)
	}
	return nil
}

// Delete removes the device document.
func (r *PostgresDeviceRepository) Delete(deviceID string) error {
	_, err := r.pool.Exec(context.Background(), `DELETE FROM devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", deviceID, err)
	}
	return nil
}

// LoadAll returns every persisted device.
func (r *PostgresDeviceRepository) LoadAll() ([]*models.Device, error) {
	rows, err := r.pool.Query(context.Background(), `SELECT doc FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		var d models.Device
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("decode device: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
