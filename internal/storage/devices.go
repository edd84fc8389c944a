package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
)

// DeviceStatusStore persists device manager snapshots into device_status.
type DeviceStatusStore struct {
	db *DB
}

// NewDeviceStatusStore wraps db.
func NewDeviceStatusStore(db *DB) *DeviceStatusStore {
	return &DeviceStatusStore{db: db}
}

// UpsertDevices writes one row per device inside a single transaction.
func (s *DeviceStatusStore) UpsertDevices(ctx context.Context, devices []device.Status) error {
	if s == nil || s.db == nil || len(devices) == 0 {
		return nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin device status tx failed")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO device_status
		(device_id, role, state, connected, last_check, reconnect_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			role=excluded.role, state=excluded.state, connected=excluded.connected,
			last_check=excluded.last_check, reconnect_count=excluded.reconnect_count,
			last_error=excluded.last_error, updated_at=excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "storage: prepare device status upsert failed")
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, st := range devices {
		if _, err := stmt.ExecContext(ctx, st.DeviceID, st.Role, string(st.State), boolInt(st.Connected),
			formatTime(st.LastCheck), st.ReconnectCount, st.LastError, now); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "storage: upsert device %s failed", st.DeviceID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "storage: commit device status failed")
	}
	return nil
}

// ListDevices returns the last recorded snapshot ordered by device id.
func (s *DeviceStatusStore) ListDevices(ctx context.Context) ([]device.Status, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT device_id, role, state, connected, last_check, reconnect_count, last_error
		FROM device_status ORDER BY device_id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query device status failed")
	}
	defer rows.Close()

	var out []device.Status
	for rows.Next() {
		var (
			st        device.Status
			state     string
			connected int
			lastCheck string
		)
		if err := rows.Scan(&st.DeviceID, &st.Role, &state, &connected, &lastCheck, &st.ReconnectCount, &st.LastError); err != nil {
			return nil, errors.Wrap(err, "storage: scan device status failed")
		}
		st.State = device.State(state)
		st.Connected = connected == 1
		st.LastCheck = parseTime(lastCheck)
		out = append(out, st)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate device status failed")
}
