package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"bulletin/api/internal/rbac"
	"bulletin/api/internal/store"
)

// Canonical task ids in pipeline order.
const (
	TaskConcept      = "concept"
	TaskPastorReview = "pastor-review"
	TaskMusic        = "music"
	TaskTranslation  = "translation"
	TaskPresentation = "presentation"
)

var TaskOrder = []string{TaskConcept, TaskPastorReview, TaskMusic, TaskTranslation, TaskPresentation}

var taskLabels = map[string]string{
	TaskConcept:      "Concept",
	TaskPastorReview: "Pastoral review",
	TaskMusic:        "Music",
	TaskTranslation:  "Translation",
	TaskPresentation: "Presentation",
}

const dateLayout = "2006-01-02"

var taskIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

type ServiceView struct {
	ID         int64                     `json:"id"`
	DateString string                    `json:"dateString"`
	Title      string                    `json:"title"`
	Status     string                    `json:"status"`
	DaysUntil  int                       `json:"daysUntil"`
	Tasks      map[string]store.TaskView `json:"tasks"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

type TaskResult struct {
	DateString string         `json:"dateString"`
	TaskID     string         `json:"taskId"`
	Task       store.TaskView `json:"task"`
	Activity   *ActivityView  `json:"activity"`
}

type UpdateTaskInput struct {
	Status       string         `json:"status"`
	DocumentLink *string        `json:"documentLink"`
	AssignedTo   *string        `json:"assignedTo"`
	Metadata     map[string]any `json:"metadata"`
}

type SaveRolesInput struct {
	Title string            `json:"title"`
	Roles map[string]string `json:"roles"`
}

type MusicLink struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type DocumentUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

func validateDate(dateString string) error {
	if _, err := time.Parse(dateLayout, dateString); err != nil {
		return validationError("dateString must be YYYY-MM-DD", map[string]any{"dateString": dateString})
	}
	return nil
}

func validateTaskID(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return validationError("taskId must be a lowercase slug", map[string]any{"taskId": taskID})
	}
	return nil
}

func taskLabel(taskID string) string {
	if label, ok := taskLabels[taskID]; ok {
		return label
	}
	return taskID
}

// daysUntil counts calendar days from today to the service date; past
// dates are negative.
func daysUntil(dateString string, now time.Time) int {
	date, err := time.Parse(dateLayout, dateString)
	if err != nil {
		return 0
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(date.Sub(today).Hours() / 24)
}

func (s *Service) assignmentFor(dateString, title string) store.ServiceAssignment {
	return store.ServiceAssignment{
		DateString: dateString,
		Title:      title,
		DaysUntil:  daysUntil(dateString, s.now()),
	}
}

func (s *Service) ListAssignments(ctx context.Context, session Session) ([]ServiceView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	items, err := s.store.GetAllServicesWithTasks(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ServiceView, 0, len(items))
	for _, item := range items {
		views = append(views, serviceView(item.ServiceAssignment, item.Tasks))
	}
	return views, nil
}

// GetAssignment returns the service for a date. A date nobody has touched
// yet is reported as an empty planning service rather than 404, since
// assignments are created lazily.
func (s *Service) GetAssignment(ctx context.Context, session Session, dateString string) (ServiceView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return ServiceView{}, err
	}
	if err := validateDate(dateString); err != nil {
		return ServiceView{}, err
	}
	assignment, err := s.store.GetServiceAssignment(ctx, dateString)
	if errors.Is(err, store.ErrNotFound) {
		return ServiceView{
			DateString: dateString,
			Status:     "planning",
			DaysUntil:  daysUntil(dateString, s.now()),
			Tasks:      map[string]store.TaskView{},
		}, nil
	}
	if err != nil {
		return ServiceView{}, err
	}
	tasks, err := s.store.GetTasksForService(ctx, assignment.ID)
	if err != nil {
		return ServiceView{}, err
	}
	return serviceView(assignment, tasks), nil
}

func serviceView(assignment store.ServiceAssignment, tasks map[string]store.TaskView) ServiceView {
	if tasks == nil {
		tasks = map[string]store.TaskView{}
	}
	return ServiceView{
		ID:         assignment.ID,
		DateString: assignment.DateString,
		Title:      assignment.Title,
		Status:     assignment.Status,
		DaysUntil:  assignment.DaysUntil,
		Tasks:      tasks,
		UpdatedAt:  assignment.UpdatedAt,
	}
}

// UpdateTask sets the caller-declared status of one task, creating the
// service and task rows on first use.
func (s *Service) UpdateTask(ctx context.Context, session Session, dateString, taskID string, input UpdateTaskInput) (TaskResult, error) {
	if err := s.authorize(session, rbac.ActionWorkflow); err != nil {
		return TaskResult{}, err
	}
	if err := validateDate(dateString); err != nil {
		return TaskResult{}, err
	}
	if err := validateTaskID(taskID); err != nil {
		return TaskResult{}, err
	}
	status := strings.TrimSpace(input.Status)
	if !store.ValidTaskStatus(status) {
		return TaskResult{}, validationError("status must be one of pending, in-progress, completed, skipped", map[string]any{"status": input.Status})
	}
	if input.AssignedTo != nil && *input.AssignedTo != "" && !rbac.IsRole(*input.AssignedTo) {
		return TaskResult{}, validationError("assignedTo must be a known role", map[string]any{"assignedTo": *input.AssignedTo})
	}

	completedBy := session.UserName
	var saved store.WorkflowTask
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(dateString, ""))
		if err != nil {
			return err
		}
		saved, err = tx.UpsertTask(ctx, store.WorkflowTask{
			ServiceID:    serviceID,
			TaskID:       taskID,
			Status:       status,
			DocumentLink: input.DocumentLink,
			AssignedTo:   input.AssignedTo,
			CompletedBy:  &completedBy,
			Metadata:     input.Metadata,
		})
		return err
	})
	if err != nil {
		return TaskResult{}, err
	}

	activity := s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityWorkflow,
		Title:        fmt.Sprintf("%s marked %s", taskLabel(taskID), status),
		Description:  fmt.Sprintf("%s set %s to %s for %s", session.UserName, taskLabel(taskID), status, dateString),
		Details:      map[string]any{"taskId": taskID, "status": status},
		EntityID:     taskID,
		DateString:   dateString,
	})
	return TaskResult{DateString: dateString, TaskID: taskID, Task: saved.View(), Activity: activity}, nil
}

// mergeTaskSet builds the replacement set for a service: existing tasks
// keep their progress, roles come from assign, and tasks missing from
// assign are dropped.
func mergeTaskSet(serviceID int64, existing []store.WorkflowTask, assign map[string]string) []store.WorkflowTask {
	byID := make(map[string]store.WorkflowTask, len(existing))
	for _, task := range existing {
		byID[task.TaskID] = task
	}
	ids := make([]string, 0, len(assign))
	for taskID := range assign {
		ids = append(ids, taskID)
	}
	sort.Strings(ids)

	tasks := make([]store.WorkflowTask, 0, len(ids))
	for _, taskID := range ids {
		role := assign[taskID]
		task, ok := byID[taskID]
		if !ok {
			task = store.WorkflowTask{TaskID: taskID, Status: store.StatusPending}
		}
		task.ServiceID = serviceID
		if role != "" {
			task.AssignedTo = &role
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func assignedRoles(tasks []store.WorkflowTask) map[string]string {
	roles := make(map[string]string, len(tasks))
	for _, task := range tasks {
		role := ""
		if task.AssignedTo != nil {
			role = *task.AssignedTo
		}
		roles[task.TaskID] = role
	}
	return roles
}

func validateRoles(roles map[string]string) error {
	for taskID, role := range roles {
		if err := validateTaskID(taskID); err != nil {
			return err
		}
		if _, ok := rbac.Lookup(role); !ok {
			return validationError("unknown role", map[string]any{"taskId": taskID, "role": role})
		}
	}
	return nil
}

func normalizeRoles(roles map[string]string) map[string]string {
	out := make(map[string]string, len(roles))
	for taskID, role := range roles {
		normalized, _ := rbac.Lookup(role)
		out[taskID] = string(normalized)
	}
	return out
}

// SaveAssignmentRoles replaces the task-role set of a service in one
// transaction.
func (s *Service) SaveAssignmentRoles(ctx context.Context, session Session, dateString string, input SaveRolesInput) (ServiceView, error) {
	if err := s.authorize(session, rbac.ActionAssign); err != nil {
		return ServiceView{}, err
	}
	if err := validateDate(dateString); err != nil {
		return ServiceView{}, err
	}
	if len(input.Roles) == 0 {
		return ServiceView{}, validationError("roles is required", nil)
	}
	if err := validateRoles(input.Roles); err != nil {
		return ServiceView{}, err
	}
	roles := normalizeRoles(input.Roles)

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(dateString, strings.TrimSpace(input.Title)))
		if err != nil {
			return err
		}
		existing, err := tx.TasksForService(ctx, serviceID)
		if err != nil {
			return err
		}
		return tx.ReplaceTasksForService(ctx, serviceID, mergeTaskSet(serviceID, existing, roles))
	})
	if err != nil {
		return ServiceView{}, err
	}

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityAssignment,
		Title:        "Roles assigned",
		Description:  fmt.Sprintf("%s assigned %d roles for %s", session.UserName, len(roles), dateString),
		Details:      map[string]any{"roles": roles},
		DateString:   dateString,
	})
	return s.GetAssignment(ctx, session, dateString)
}

// AddRole assigns one task to a role, keeping the rest of the set.
func (s *Service) AddRole(ctx context.Context, session Session, dateString, taskID, role string) (ServiceView, error) {
	if err := s.authorize(session, rbac.ActionAssign); err != nil {
		return ServiceView{}, err
	}
	if err := validateDate(dateString); err != nil {
		return ServiceView{}, err
	}
	if err := validateRoles(map[string]string{taskID: role}); err != nil {
		return ServiceView{}, err
	}
	normalized, _ := rbac.Lookup(role)

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(dateString, ""))
		if err != nil {
			return err
		}
		existing, err := tx.TasksForService(ctx, serviceID)
		if err != nil {
			return err
		}
		roles := assignedRoles(existing)
		roles[taskID] = string(normalized)
		return tx.ReplaceTasksForService(ctx, serviceID, mergeTaskSet(serviceID, existing, roles))
	})
	if err != nil {
		return ServiceView{}, err
	}

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityAssignment,
		Title:        fmt.Sprintf("%s assigned to %s", taskLabel(taskID), normalized),
		Description:  fmt.Sprintf("%s added %s for %s", session.UserName, taskLabel(taskID), dateString),
		Details:      map[string]any{"taskId": taskID, "role": string(normalized)},
		EntityID:     taskID,
		DateString:   dateString,
	})
	return s.GetAssignment(ctx, session, dateString)
}

func (s *Service) RemoveRole(ctx context.Context, session Session, dateString, taskID string) (ServiceView, error) {
	if err := s.authorize(session, rbac.ActionAssign); err != nil {
		return ServiceView{}, err
	}
	if err := validateDate(dateString); err != nil {
		return ServiceView{}, err
	}
	if err := validateTaskID(taskID); err != nil {
		return ServiceView{}, err
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(dateString, ""))
		if err != nil {
			return err
		}
		return tx.DeleteTask(ctx, serviceID, taskID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return ServiceView{}, notFound("Task not assigned for this date")
	}
	if err != nil {
		return ServiceView{}, err
	}

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityAssignment,
		Title:        fmt.Sprintf("%s removed", taskLabel(taskID)),
		Description:  fmt.Sprintf("%s removed %s from %s", session.UserName, taskLabel(taskID), dateString),
		EntityID:     taskID,
		DateString:   dateString,
	})
	return s.GetAssignment(ctx, session, dateString)
}

// SaveMusicLinks stores the song links on the music task through the same
// merge-then-replace path as role assignment.
func (s *Service) SaveMusicLinks(ctx context.Context, session Session, dateString string, links []MusicLink) (ServiceView, error) {
	if err := s.authorize(session, rbac.ActionWorkflow); err != nil {
		return ServiceView{}, err
	}
	if err := validateDate(dateString); err != nil {
		return ServiceView{}, err
	}
	cleaned := make([]any, 0, len(links))
	for i, link := range links {
		title := strings.TrimSpace(link.Title)
		parsed, err := url.Parse(strings.TrimSpace(link.URL))
		if title == "" || err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return ServiceView{}, validationError("each link needs a title and an http(s) url", map[string]any{"index": i})
		}
		cleaned = append(cleaned, map[string]any{"title": title, "url": parsed.String()})
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(dateString, ""))
		if err != nil {
			return err
		}
		existing, err := tx.TasksForService(ctx, serviceID)
		if err != nil {
			return err
		}
		roles := assignedRoles(existing)
		if roles[TaskMusic] == "" {
			roles[TaskMusic] = string(rbac.RoleWorship)
		}
		tasks := mergeTaskSet(serviceID, existing, roles)
		for i := range tasks {
			if tasks[i].TaskID != TaskMusic {
				continue
			}
			metadata := make(map[string]any, len(tasks[i].Metadata)+1)
			for k, v := range tasks[i].Metadata {
				metadata[k] = v
			}
			metadata["links"] = cleaned
			tasks[i].Metadata = metadata
		}
		return tx.ReplaceTasksForService(ctx, serviceID, tasks)
	})
	if err != nil {
		return ServiceView{}, err
	}

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityMusic,
		Title:        "Music links updated",
		Description:  fmt.Sprintf("%s saved %d music links for %s", session.UserName, len(cleaned), dateString),
		Details:      map[string]any{"count": len(cleaned)},
		EntityID:     TaskMusic,
		DateString:   dateString,
	})
	return s.GetAssignment(ctx, session, dateString)
}

// AttachDocument uploads a file to object storage and points the task's
// document link at it. The upload happens before the transaction; a failed
// transaction leaves an orphaned object but no dangling link.
func (s *Service) AttachDocument(ctx context.Context, session Session, dateString, taskID string, upload DocumentUpload) (TaskResult, error) {
	if err := s.authorize(session, rbac.ActionWorkflow); err != nil {
		return TaskResult{}, err
	}
	if s.documents == nil {
		return TaskResult{}, unavailable("Document storage is not configured")
	}
	if err := validateDate(dateString); err != nil {
		return TaskResult{}, err
	}
	if err := validateTaskID(taskID); err != nil {
		return TaskResult{}, err
	}

	object, err := s.documents.Put(ctx, dateString, taskID, upload.Filename, upload.ContentType, upload.Body, upload.Size)
	if err != nil {
		return TaskResult{}, err
	}

	var saved store.WorkflowTask
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(dateString, ""))
		if err != nil {
			return err
		}
		existing, err := tx.TasksForService(ctx, serviceID)
		if err != nil {
			return err
		}
		task := store.WorkflowTask{ServiceID: serviceID, TaskID: taskID, Status: store.StatusPending}
		for _, current := range existing {
			if current.TaskID == taskID {
				task.Status = current.Status
			}
		}
		task.DocumentLink = &object.URL
		task.Metadata = map[string]any{"documentKey": object.Key, "documentName": upload.Filename}
		saved, err = tx.UpsertTask(ctx, task)
		return err
	})
	if err != nil {
		return TaskResult{}, err
	}

	activity := s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityDocument,
		Title:        fmt.Sprintf("Document uploaded for %s", taskLabel(taskID)),
		Description:  fmt.Sprintf("%s uploaded %s for %s", session.UserName, upload.Filename, dateString),
		Details:      map[string]any{"key": object.Key, "size": object.Size},
		EntityID:     taskID,
		DateString:   dateString,
	})
	return TaskResult{DateString: dateString, TaskID: taskID, Task: saved.View(), Activity: activity}, nil
}

// ResetService deletes a service date and, by cascade, its tasks and
// submissions.
func (s *Service) ResetService(ctx context.Context, session Session, dateString string) error {
	if err := s.authorize(session, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := validateDate(dateString); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DeleteServiceAssignment(ctx, dateString)
	})
	if errors.Is(err, store.ErrNotFound) {
		return notFound("No service for this date")
	}
	if err != nil {
		return err
	}

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityReset,
		Title:        "Service reset",
		Description:  fmt.Sprintf("%s reset the service for %s", session.UserName, dateString),
		DateString:   dateString,
	})
	return nil
}
