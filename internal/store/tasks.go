package store

import (
	"fmt"
	"time"
)

// CreateTask inserts a scheduled task for a tenant.
func (s *Store) CreateTask(t *ScheduledTask) error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	if t.Frequency == "" {
		t.Frequency = "weekly"
	}
	t.IsActive = true
	t.CreatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (
			tenant_id, bot_type_key, task_type, task_param, frequency,
			day_of_week, time_of_day, channel_ref, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		t.TenantID, t.BotTypeKey, t.TaskType, t.TaskParam, t.Frequency,
		t.DayOfWeek, t.TimeOfDay, t.ChannelRef, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create task id: %w", err)
	}
	t.ID = id
	return nil
}

// DeleteTask removes a scheduled task.
func (s *Store) DeleteTask(id int64) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveTasks returns active tasks for one bot key joined with tenant
// identity. Entitlement is not filtered here; agents cross-check against the
// allow-list before firing a task.
func (s *Store) ListActiveTasks(botKey string) ([]*TaskRow, error) {
	rows, err := s.db.Query(`
		SELECT st.id, st.tenant_id, st.bot_type_key, st.task_type, st.task_param,
			st.frequency, st.day_of_week, st.time_of_day, st.channel_ref,
			st.is_active, st.created_at, t.external_id, t.platform
		FROM scheduled_tasks st
		JOIN tenants t ON t.id = st.tenant_id
		WHERE st.bot_type_key = ? AND st.is_active = 1`, botKey)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRow
	for rows.Next() {
		var r TaskRow
		var active int
		var createdAt int64
		var platform string
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.BotTypeKey, &r.TaskType, &r.TaskParam,
			&r.Frequency, &r.DayOfWeek, &r.TimeOfDay, &r.ChannelRef,
			&active, &createdAt, &r.TenantExternalID, &platform,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		r.IsActive = active != 0
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.TenantPlatform = Platform(platform)
		tasks = append(tasks, &r)
	}
	return tasks, rows.Err()
}
