package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skyfleet/internal/models"
)

// recentTaskLogCount is how many log entries GetTask includes.
const recentTaskLogCount = 10

// CreateTask persists a new task together with its parameters in one
// transaction. No log entry is written; logs come from status transitions.
func (s *Store) CreateTask(name, taskType, deviceID, description string, priority int, params map[string]string) (*models.Task, error) {
	now := time.Now().UTC()
	task := &models.Task{
		TaskID:      uuid.New().String(),
		Name:        name,
		Type:        taskType,
		Status:      models.TaskStatusPending,
		Priority:    priority,
		DeviceID:    deviceID,
		Description: description,
		CreatedAt:   now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO tasks (task_id, name, type, status, priority, progress, device_id, description, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		task.TaskID, task.Name, task.Type, task.Status, task.Priority,
		nullString(task.DeviceID), nullString(task.Description), task.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	for name, value := range params {
		_, err = tx.Exec(
			`INSERT INTO task_params (task_id, param_name, param_value, created_at) VALUES (?, ?, ?, ?)`,
			task.TaskID, name, value, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert task param: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return task, nil
}

// UpdateTaskStatus applies a status transition and appends exactly one
// status_change log entry, atomically. start_time is set only on the first
// transition into running with progress 0; end_time only on the first
// transition into completed or failed.
func (s *Store) UpdateTaskStatus(taskID string, status models.TaskStatus, progress *int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?`
	args := []any{status}

	if progress != nil {
		query += `, progress = ?`
		args = append(args, *progress)
	}
	if status == models.TaskStatusRunning && progress != nil && *progress == 0 {
		query += `, start_time = COALESCE(start_time, ?)`
		args = append(args, now)
	}
	if status == models.TaskStatusCompleted || status == models.TaskStatusFailed {
		query += `, end_time = COALESCE(end_time, ?)`
		args = append(args, now)
	}
	query += ` WHERE task_id = ?`
	args = append(args, taskID)

	result, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}

	_, err = tx.Exec(
		`INSERT INTO task_logs (task_id, log_type, message, created_at) VALUES (?, ?, ?, ?)`,
		taskID, "status_change", fmt.Sprintf("Task status changed to %s", status), now,
	)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}

	return tx.Commit()
}

// GetTask retrieves the full task view: base fields, parameters, and the
// most recent log entries.
func (s *Store) GetTask(taskID string) (*models.TaskDetail, error) {
	detail := &models.TaskDetail{Params: map[string]string{}}
	var deviceID, description sql.NullString
	var startTime, endTime sql.NullTime

	err := s.db.QueryRow(
		`SELECT task_id, name, type, status, priority, progress, device_id, description, start_time, end_time, created_at
		 FROM tasks WHERE task_id = ?`,
		taskID,
	).Scan(&detail.TaskID, &detail.Name, &detail.Type, &detail.Status, &detail.Priority,
		&detail.Progress, &deviceID, &description, &startTime, &endTime, &detail.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	if deviceID.Valid {
		detail.DeviceID = deviceID.String
	}
	if description.Valid {
		detail.Description = description.String
	}
	if startTime.Valid {
		detail.StartTime = &startTime.Time
	}
	if endTime.Valid {
		detail.EndTime = &endTime.Time
	}

	rows, err := s.db.Query(
		`SELECT param_name, param_value FROM task_params WHERE task_id = ?`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query task params: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan task param: %w", err)
		}
		detail.Params[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logs, err := s.RecentTaskLogs(taskID, recentTaskLogCount)
	if err != nil {
		return nil, err
	}
	detail.Logs = logs

	return detail, nil
}

// ListTasksByDevice returns a device's tasks ordered most urgent, most
// recent first. This ordering is the contract a dispatcher consumes.
func (s *Store) ListTasksByDevice(deviceID string, status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT task_id, name, type, status, priority, progress, device_id, description, start_time, end_time, created_at
	          FROM tasks WHERE device_id = ?`
	args := []any{deviceID}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		var devID, description sql.NullString
		var startTime, endTime sql.NullTime
		if err := rows.Scan(&task.TaskID, &task.Name, &task.Type, &task.Status, &task.Priority,
			&task.Progress, &devID, &description, &startTime, &endTime, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if devID.Valid {
			task.DeviceID = devID.String
		}
		if description.Valid {
			task.Description = description.String
		}
		if startTime.Valid {
			task.StartTime = &startTime.Time
		}
		if endTime.Valid {
			task.EndTime = &endTime.Time
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListTasks returns all tasks, optionally filtered by status, in the same
// priority-then-recency order as ListTasksByDevice.
func (s *Store) ListTasks(status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT task_id, name, type, status, priority, progress, device_id, description, start_time, end_time, created_at
	          FROM tasks`
	var args []any

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// RecentTaskLogs returns the newest log entries for a task, most recent first.
func (s *Store) RecentTaskLogs(taskID string, limit int) ([]models.TaskLog, error) {
	rows, err := s.db.Query(
		`SELECT id, task_id, log_type, message, created_at FROM task_logs
		 WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var logs []models.TaskLog
	for rows.Next() {
		var entry models.TaskLog
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.LogType, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// AppendTaskLog records a task log entry outside of a status transition.
func (s *Store) AppendTaskLog(taskID, logType, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO task_logs (task_id, log_type, message, created_at) VALUES (?, ?, ?, ?)`,
		taskID, logType, message, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

// DeleteTask removes a task together with its parameters and logs in one
// transaction, so a crash can never leave orphaned children.
func (s *Store) DeleteTask(taskID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM task_params WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task params: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM task_logs WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
