package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
)

// Tx is the set of mutations the workflow layer composes inside one
// transaction. Implementations must not commit on their own.
type Tx interface {
	UpsertServiceAssignment(ctx context.Context, assignment ServiceAssignment) (int64, error)
	DeleteServiceAssignment(ctx context.Context, dateString string) error
	TasksForService(ctx context.Context, serviceID int64) ([]WorkflowTask, error)
	ReplaceTasksForService(ctx context.Context, serviceID int64, tasks []WorkflowTask) error
	UpsertTask(ctx context.Context, task WorkflowTask) (WorkflowTask, error)
	DeleteTask(ctx context.Context, serviceID int64, taskID string) error
	GetSubmission(ctx context.Context, id string) (Submission, error)
	UpsertSubmission(ctx context.Context, submission Submission) (Submission, error)
	UpsertTranslation(ctx context.Context, translation Translation) (Translation, error)
	MarkSubmissionTranslated(ctx context.Context, id string) error
}

type pgTx struct {
	q querier
}

// UpsertServiceAssignment inserts or updates the assignment keyed by its
// date string. The unique constraint decides races between concurrent
// creators; empty title or status keep the stored values.
func (s *PostgresStore) UpsertServiceAssignment(ctx context.Context, assignment ServiceAssignment) (int64, error) {
	return upsertServiceAssignment(ctx, s.db, assignment)
}

func (t *pgTx) UpsertServiceAssignment(ctx context.Context, assignment ServiceAssignment) (int64, error) {
	return upsertServiceAssignment(ctx, t.q, assignment)
}

func upsertServiceAssignment(ctx context.Context, q querier, assignment ServiceAssignment) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO service_assignments (date_string, title, status, days_until)
		VALUES ($1, $2::text, COALESCE(NULLIF($3::text, ''), 'planning'), $4)
		ON CONFLICT (date_string) DO UPDATE SET
			title = CASE WHEN $2::text = '' THEN service_assignments.title ELSE EXCLUDED.title END,
			status = CASE WHEN $3::text = '' THEN service_assignments.status ELSE EXCLUDED.status END,
			days_until = EXCLUDED.days_until,
			updated_at = NOW()
		RETURNING id
	`, assignment.DateString, assignment.Title, assignment.Status, assignment.DaysUntil).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert service assignment: %w", classify(err))
	}
	return id, nil
}

func (s *PostgresStore) GetServiceAssignment(ctx context.Context, dateString string) (ServiceAssignment, error) {
	var item ServiceAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, date_string, title, status, days_until, created_at, updated_at
		FROM service_assignments
		WHERE date_string=$1
	`, dateString).Scan(&item.ID, &item.DateString, &item.Title, &item.Status, &item.DaysUntil, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return ServiceAssignment{}, fmt.Errorf("get service assignment: %w", classify(err))
	}
	return item, nil
}

func (t *pgTx) DeleteServiceAssignment(ctx context.Context, dateString string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM service_assignments WHERE date_string=$1`, dateString)
	if err != nil {
		return fmt.Errorf("delete service assignment: %w", err)
	}
	return requireAffected(result, "delete service assignment")
}

// ReplaceTasksForService swaps the full task set of a service in its own
// transaction. Readers see either the old set or the new one.
func (s *PostgresStore) ReplaceTasksForService(ctx context.Context, serviceID int64, tasks []WorkflowTask) error {
	return s.WithinTx(ctx, func(tx Tx) error {
		return tx.ReplaceTasksForService(ctx, serviceID, tasks)
	})
}

func (t *pgTx) ReplaceTasksForService(ctx context.Context, serviceID int64, tasks []WorkflowTask) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM workflow_tasks WHERE service_assignment_id=$1`, serviceID); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}
	for _, task := range tasks {
		status := task.Status
		if status == "" {
			status = StatusPending
		}
		metadata, err := marshalMetadata(task.Metadata)
		if err != nil {
			return err
		}
		var completedBy *string
		if status == StatusCompleted {
			completedBy = task.CompletedBy
		}
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO workflow_tasks (service_assignment_id, task_id, status, document_link, assigned_to, completed_by, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		`, serviceID, task.TaskID, status, nullString(task.DocumentLink), nullString(task.AssignedTo), nullString(completedBy), metadata); err != nil {
			return fmt.Errorf("insert task %s: %w", task.TaskID, classify(err))
		}
	}
	return nil
}

func (s *PostgresStore) UpsertTask(ctx context.Context, task WorkflowTask) (WorkflowTask, error) {
	return upsertTask(ctx, s.db, task)
}

func (t *pgTx) UpsertTask(ctx context.Context, task WorkflowTask) (WorkflowTask, error) {
	return upsertTask(ctx, t.q, task)
}

// upsertTask inserts or updates the (service, task) row. completed_by is
// written only when the row moves from a non-completed status into
// completed; re-saving a completed task keeps the first completer.
func upsertTask(ctx context.Context, q querier, task WorkflowTask) (WorkflowTask, error) {
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return WorkflowTask{}, err
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO workflow_tasks (service_assignment_id, task_id, status, document_link, assigned_to, completed_by, metadata, updated_at)
		VALUES ($1, $2, $3::text, $4, $5, CASE WHEN $3::text = 'completed' THEN $6::text ELSE NULL END, $7::jsonb, NOW())
		ON CONFLICT (service_assignment_id, task_id) DO UPDATE SET
			status = EXCLUDED.status,
			document_link = COALESCE(EXCLUDED.document_link, workflow_tasks.document_link),
			assigned_to = COALESCE(EXCLUDED.assigned_to, workflow_tasks.assigned_to),
			completed_by = CASE
				WHEN EXCLUDED.status = 'completed' AND workflow_tasks.status <> 'completed' THEN $6::text
				ELSE workflow_tasks.completed_by
			END,
			metadata = workflow_tasks.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING service_assignment_id, task_id, status, document_link, assigned_to, completed_by, metadata, updated_at
	`, task.ServiceID, task.TaskID, task.Status, nullString(task.DocumentLink), nullString(task.AssignedTo), nullString(task.CompletedBy), metadata)

	saved, err := scanTask(row)
	if err != nil {
		return WorkflowTask{}, fmt.Errorf("upsert task: %w", classify(err))
	}
	return saved, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, serviceID int64, taskID string) error {
	return deleteTask(ctx, s.db, serviceID, taskID)
}

func (t *pgTx) DeleteTask(ctx context.Context, serviceID int64, taskID string) error {
	return deleteTask(ctx, t.q, serviceID, taskID)
}

func deleteTask(ctx context.Context, q querier, serviceID int64, taskID string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM workflow_tasks WHERE service_assignment_id=$1 AND task_id=$2`, serviceID, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireAffected(result, "delete task")
}

func (t *pgTx) TasksForService(ctx context.Context, serviceID int64) ([]WorkflowTask, error) {
	return tasksForService(ctx, t.q, serviceID)
}

// GetTasksForService returns the tasks of one service keyed by task id.
func (s *PostgresStore) GetTasksForService(ctx context.Context, serviceID int64) (map[string]TaskView, error) {
	tasks, err := tasksForService(ctx, s.db, serviceID)
	if err != nil {
		return nil, err
	}
	views := make(map[string]TaskView, len(tasks))
	for _, task := range tasks {
		views[task.TaskID] = task.View()
	}
	return views, nil
}

func tasksForService(ctx context.Context, q querier, serviceID int64) ([]WorkflowTask, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT service_assignment_id, task_id, status, document_link, assigned_to, completed_by, metadata, updated_at
		FROM workflow_tasks
		WHERE service_assignment_id=$1
		ORDER BY task_id ASC
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// GetAllServicesWithTasks returns every service assignment ordered by date
// with its tasks attached.
func (s *PostgresStore) GetAllServicesWithTasks(ctx context.Context) ([]ServiceWithTasks, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sa.id, sa.date_string, sa.title, sa.status, sa.days_until, sa.created_at, sa.updated_at,
			wt.task_id, wt.status, wt.document_link, wt.assigned_to, wt.completed_by, wt.metadata, wt.updated_at
		FROM service_assignments sa
		LEFT JOIN workflow_tasks wt ON wt.service_assignment_id = sa.id
		ORDER BY sa.date_string ASC, wt.task_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*ServiceWithTasks)
	order := make([]int64, 0)
	for rows.Next() {
		var (
			sa           ServiceAssignment
			taskID       sql.NullString
			status       sql.NullString
			documentLink sql.NullString
			assignedTo   sql.NullString
			completedBy  sql.NullString
			metadata     []byte
			updatedAt    sql.NullTime
		)
		if err := rows.Scan(&sa.ID, &sa.DateString, &sa.Title, &sa.Status, &sa.DaysUntil, &sa.CreatedAt, &sa.UpdatedAt,
			&taskID, &status, &documentLink, &assignedTo, &completedBy, &metadata, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		entry, ok := byID[sa.ID]
		if !ok {
			entry = &ServiceWithTasks{ServiceAssignment: sa, Tasks: map[string]TaskView{}}
			byID[sa.ID] = entry
			order = append(order, sa.ID)
		}
		if !taskID.Valid {
			continue
		}
		meta, err := unmarshalMetadata(metadata)
		if err != nil {
			return nil, err
		}
		entry.Tasks[taskID.String] = TaskView{
			Status:       status.String,
			DocumentLink: stringPtr(documentLink),
			AssignedTo:   stringPtr(assignedTo),
			CompletedBy:  stringPtr(completedBy),
			Metadata:     meta,
			UpdatedAt:    updatedAt.Time,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate services: %w", err)
	}

	items := make([]ServiceWithTasks, 0, len(order))
	for _, id := range order {
		items = append(items, *byID[id])
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].DateString < items[j].DateString })
	return items, nil
}

func scanTask(row interface{ Scan(...any) error }) (WorkflowTask, error) {
	var (
		task         WorkflowTask
		documentLink sql.NullString
		assignedTo   sql.NullString
		completedBy  sql.NullString
		metadata     []byte
	)
	if err := row.Scan(&task.ServiceID, &task.TaskID, &task.Status, &documentLink, &assignedTo, &completedBy, &metadata, &task.UpdatedAt); err != nil {
		return WorkflowTask{}, err
	}
	meta, err := unmarshalMetadata(metadata)
	if err != nil {
		return WorkflowTask{}, err
	}
	task.DocumentLink = stringPtr(documentLink)
	task.AssignedTo = stringPtr(assignedTo)
	task.CompletedBy = stringPtr(completedBy)
	task.Metadata = meta
	return task, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(raw), nil
}

func unmarshalMetadata(raw []byte) (map[string]any, error) {
	metadata := map[string]any{}
	if len(raw) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
