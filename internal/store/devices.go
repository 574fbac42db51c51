package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"skyfleet/internal/models"
)

// AddDevice registers a new device. The device starts offline; it comes
// online through coordinator-processed status or heartbeat messages.
func (s *Store) AddDevice(deviceID, name, deviceType string) (*models.Device, error) {
	now := time.Now().UTC()
	device := &models.Device{
		DeviceID:  deviceID,
		Name:      name,
		Type:      deviceType,
		Status:    models.DeviceStatusOffline,
		CreatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (device_id, name, type, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		device.DeviceID, device.Name, device.Type, device.Status, device.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return nil, ErrDuplicateDevice
		}
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return device, nil
}

// UpsertStatus updates a device's availability, conditionally updates
// telemetry when provided, and always refreshes last_online.
func (s *Store) UpsertStatus(deviceID string, status models.DeviceStatus, battery, signal *int) error {
	sets := []string{"status = ?"}
	args := []any{status}

	if battery != nil {
		sets = append(sets, "battery = ?")
		args = append(args, *battery)
	}
	if signal != nil {
		sets = append(sets, "signal = ?")
		args = append(args, *signal)
	}
	sets = append(sets, "last_online = ?")
	args = append(args, time.Now().UTC())
	args = append(args, deviceID)

	result, err := s.db.Exec(
		`UPDATE devices SET `+strings.Join(sets, ", ")+` WHERE device_id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update device status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetDevice retrieves a device by its device id.
func (s *Store) GetDevice(deviceID string) (*models.Device, error) {
	device := &models.Device{}
	var lastOnline sql.NullTime

	err := s.db.QueryRow(
		`SELECT device_id, name, type, status, battery, signal, last_online, created_at
		 FROM devices WHERE device_id = ?`,
		deviceID,
	).Scan(&device.DeviceID, &device.Name, &device.Type, &device.Status,
		&device.Battery, &device.Signal, &lastOnline, &device.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	if lastOnline.Valid {
		device.LastOnline = &lastOnline.Time
	}
	return device, nil
}

// ListDevices returns all registered devices.
func (s *Store) ListDevices() ([]models.Device, error) {
	rows, err := s.db.Query(
		`SELECT device_id, name, type, status, battery, signal, last_online, created_at
		 FROM devices ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var device models.Device
		var lastOnline sql.NullTime
		if err := rows.Scan(&device.DeviceID, &device.Name, &device.Type, &device.Status,
			&device.Battery, &device.Signal, &lastOnline, &device.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if lastOnline.Valid {
			device.LastOnline = &lastOnline.Time
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// RemoveDevice deletes a device and its logs. Removal is an explicit
// operator action; devices are never deleted implicitly.
func (s *Store) RemoveDevice(deviceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_logs WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete device logs: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return tx.Commit()
}

// AppendDeviceLog records a device log entry. The device does not need to
// be connected, only registered.
func (s *Store) AppendDeviceLog(deviceID, logType, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_logs (device_id, log_type, message, created_at) VALUES (?, ?, ?, ?)`,
		deviceID, logType, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert device log: %w", err)
	}
	return nil
}

// RecentDeviceLogs returns the newest log entries for a device, most
// recent first.
func (s *Store) RecentDeviceLogs(deviceID string, limit int) ([]models.DeviceLog, error) {
	rows, err := s.db.Query(
		`SELECT id, device_id, log_type, message, created_at FROM device_logs
		 WHERE device_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query device logs: %w", err)
	}
	defer rows.Close()

	var logs []models.DeviceLog
	for rows.Next() {
		var entry models.DeviceLog
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.LogType, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}
