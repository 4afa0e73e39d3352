package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/devicestore"
)

// DeviceStore persists screen liveness records.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore constructs a DeviceStore backed by the provided pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

const (
	deviceColumns = `
    device_id,
    name,
    status,
    last_heartbeat_at,
    registered_at`

	deviceRegisterSQL = `
INSERT INTO devices (device_id, name, status)
VALUES ($1, $2, 'pending')
ON CONFLICT (device_id) DO UPDATE
SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE devices.name END
RETURNING` + deviceColumns + `;`

	deviceGetSQL = `
SELECT` + deviceColumns + `
FROM devices
WHERE device_id = $1;`

	deviceListSQL = `
SELECT` + deviceColumns + `
FROM devices
ORDER BY device_id ASC;`

	deviceTouchHeartbeatSQL = `
UPDATE devices
SET status = 'online',
    last_heartbeat_at = $2
WHERE device_id = $1;`

	deviceListStaleSQL = `
SELECT` + deviceColumns + `
FROM devices
WHERE status <> 'offline'
  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
ORDER BY device_id ASC;`

	deviceMarkOfflineSQL = `
UPDATE devices
SET status = 'offline'
WHERE device_id = $1
  AND status <> 'offline';`

	deviceCountByStatusSQL = `
SELECT status, COUNT(*)
FROM devices
GROUP BY status;`
)

// Register creates the record when absent and returns it either way.
func (s *DeviceStore) Register(ctx context.Context, deviceID, name string) (devicestore.Device, error) {
	if s.pool == nil {
		return devicestore.Device{}, fmt.Errorf("device store: nil pool")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return devicestore.Device{}, fmt.Errorf("device store: device id required")
	}
	row := s.pool.QueryRow(ctx, deviceRegisterSQL, deviceID, strings.TrimSpace(name))
	device, err := scanDevice(row)
	if err != nil {
		return devicestore.Device{}, fmt.Errorf("device store: register: %w", err)
	}
	return device, nil
}

// Get returns the record for the device.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (devicestore.Device, error) {
	if s.pool == nil {
		return devicestore.Device{}, fmt.Errorf("device store: nil pool")
	}
	row := s.pool.QueryRow(ctx, deviceGetSQL, strings.TrimSpace(deviceID))
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return devicestore.Device{}, errs.New("device store", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("device %s not registered", deviceID)))
		}
		return devicestore.Device{}, fmt.Errorf("device store: get: %w", err)
	}
	return device, nil
}

// List returns all device records.
func (s *DeviceStore) List(ctx context.Context) ([]devicestore.Device, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("device store: nil pool")
	}
	rows, err := s.pool.Query(ctx, deviceListSQL)
	if err != nil {
		return nil, fmt.Errorf("device store: list: %w", err)
	}
	defer rows.Close()
	return collectDevices(rows)
}

// TouchHeartbeat sets the device online and refreshes the heartbeat time.
// This is the only transition to online; the liveness monitor never calls it.
func (s *DeviceStore) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("device store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, deviceTouchHeartbeatSQL, strings.TrimSpace(deviceID), at)
	if err != nil {
		return fmt.Errorf("device store: touch heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("device store", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("device %s not registered", deviceID)))
	}
	return nil
}

// ListStale returns non-offline devices whose heartbeat is absent or older
// than the cutoff.
func (s *DeviceStore) ListStale(ctx context.Context, cutoff time.Time) ([]devicestore.Device, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("device store: nil pool")
	}
	rows, err := s.pool.Query(ctx, deviceListStaleSQL, cutoff)
	if err != nil {
		return nil, fmt.Errorf("device store: list stale: %w", err)
	}
	defer rows.Close()
	return collectDevices(rows)
}

// MarkOffline flips the device to offline. A no-op when already offline.
func (s *DeviceStore) MarkOffline(ctx context.Context, deviceID string) error {
	if s.pool == nil {
		return fmt.Errorf("device store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, deviceMarkOfflineSQL, strings.TrimSpace(deviceID)); err != nil {
		return fmt.Errorf("device store: mark offline: %w", err)
	}
	return nil
}

// CountByStatus returns the number of devices per status.
func (s *DeviceStore) CountByStatus(ctx context.Context) (map[devicestore.Status]int64, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("device store: nil pool")
	}
	rows, err := s.pool.Query(ctx, deviceCountByStatusSQL)
	if err != nil {
		return nil, fmt.Errorf("device store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[devicestore.Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("device store: scan count: %w", err)
		}
		counts[devicestore.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device store: iterate counts: %w", err)
	}
	return counts, nil
}

func collectDevices(rows pgx.Rows) ([]devicestore.Device, error) {
	var devices []devicestore.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("device store: scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device store: iterate devices: %w", err)
	}
	return devices, nil
}

func scanDevice(row rowScanner) (devicestore.Device, error) {
	var (
		device        devicestore.Device
		status        string
		name          pgtype.Text
		lastHeartbeat pgtype.Timestamptz
	)
	if err := row.Scan(
		&device.DeviceID,
		&name,
		&status,
		&lastHeartbeat,
		&device.RegisteredAt,
	); err != nil {
		return devicestore.Device{}, err
	}
	device.Status = devicestore.Status(status)
	if name.Valid {
		device.Name = name.String
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		device.LastHeartbeatAt = &t
	}
	return device, nil
}

var _ devicestore.Store = (*DeviceStore)(nil)
