// Package models defines the core domain types for SkyFleet.
package models

import "time"

// DeviceStatus represents the coordinator's last-known availability of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Device represents a registered drone or ground unit in the fleet.
type Device struct {
	DeviceID   string       `json:"device_id"`
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	Status     DeviceStatus `json:"status"`
	Battery    int          `json:"battery"`
	Signal     int          `json:"signal"`
	LastOnline *time.Time   `json:"last_online,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// DeviceLog is an append-only record of device activity.
type DeviceLog struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	LogType   string    `json:"log_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task represents a unit of fleet work, optionally assigned to a device.
type Task struct {
	TaskID      string     `json:"task_id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
	Progress    int        `json:"progress"`
	DeviceID    string     `json:"device_id,omitempty"`
	Description string     `json:"description,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TaskLog is an append-only record of task activity. Every status
// transition writes exactly one entry of type "status_change".
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	LogType   string    `json:"log_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskDetail is the full task view: base fields plus parameters and the
// most recent log entries.
type TaskDetail struct {
	Task
	Params map[string]string `json:"params"`
	Logs   []TaskLog         `json:"logs"`
}

// User represents an operator account.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
