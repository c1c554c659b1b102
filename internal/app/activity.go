package app

import (
	"context"
	"strconv"
	"time"

	"bulletin/api/internal/rbac"
	"bulletin/api/internal/search"
	"bulletin/api/internal/store"
	"go.uber.org/zap"
)

// Activity types.
const (
	ActivityWorkflow    = "workflow"
	ActivityAssignment  = "assignment"
	ActivityMusic       = "music"
	ActivityDocument    = "document"
	ActivitySubmission  = "submission"
	ActivityTranslation = "translation"
	ActivityReset       = "reset"
	ActivityChat        = "chat"
)

var activityStyle = map[string]struct{ icon, color string }{
	ActivityWorkflow:    {"check-circle", "green"},
	ActivityAssignment:  {"users", "blue"},
	ActivityMusic:       {"music", "purple"},
	ActivityDocument:    {"file-text", "slate"},
	ActivitySubmission:  {"upload", "amber"},
	ActivityTranslation: {"languages", "teal"},
	ActivityReset:       {"trash", "red"},
	ActivityChat:        {"message-circle", "sky"},
}

const activityAppendTimeout = 5 * time.Second

type ActivityView struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"userId"`
	UserName     string         `json:"userName"`
	UserRole     string         `json:"userRole"`
	ActivityType string         `json:"activityType"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
	EntityID     string         `json:"entityId,omitempty"`
	DateString   string         `json:"dateString,omitempty"`
	Icon         string         `json:"icon"`
	Color        string         `json:"color"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func activityView(entry store.ActivityEntry) ActivityView {
	return ActivityView{
		ID:           entry.ID,
		UserID:       entry.UserID,
		UserName:     entry.UserName,
		UserRole:     entry.UserRole,
		ActivityType: entry.ActivityType,
		Title:        entry.Title,
		Description:  entry.Description,
		Details:      entry.Details,
		EntityID:     entry.EntityID,
		DateString:   entry.DateString,
		Icon:         entry.Icon,
		Color:        entry.Color,
		CreatedAt:    entry.CreatedAt,
	}
}

// record runs after a business transaction has committed. It appends the
// activity entry, pushes it to connected clients and indexes it. None of
// these can fail the caller; a nil return means the entry was not stored.
func (s *Service) record(ctx context.Context, actor Session, entry store.ActivityEntry) *ActivityView {
	entry.UserID = actor.UserID
	entry.UserName = actor.UserName
	entry.UserRole = actor.Role
	if style, ok := activityStyle[entry.ActivityType]; ok {
		if entry.Icon == "" {
			entry.Icon = style.icon
		}
		if entry.Color == "" {
			entry.Color = style.color
		}
	}

	// The request may already be gone; the entry still belongs to a
	// committed change.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activityAppendTimeout)
	defer cancel()

	saved, err := s.store.AppendActivity(ctx, entry)
	if err != nil {
		s.metrics.ActivityAppendFailed()
		s.logger.Error("activity not recorded",
			zap.String("activity_type", entry.ActivityType),
			zap.String("title", entry.Title),
			zap.Error(err),
		)
		return nil
	}

	view := activityView(saved)
	s.bus.EmitActivity(view)
	if s.search != nil {
		s.search.IndexActivity(search.ActivityRecord{
			ID:           strconv.FormatInt(saved.ID, 10),
			Title:        saved.Title,
			Description:  saved.Description,
			ActivityType: saved.ActivityType,
			UserName:     saved.UserName,
			DateString:   saved.DateString,
			CreatedAt:    saved.CreatedAt.Unix(),
		})
	}
	return &view
}

func (s *Service) RecentActivity(ctx context.Context, session Session, limit int, activityType string) ([]ActivityView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.store.RecentActivity(ctx, s.clampLimit(limit, s.cfg.Limits.Activity), activityType)
	if err != nil {
		return nil, err
	}
	return activityViews(entries), nil
}

func (s *Service) ActivityForDate(ctx context.Context, session Session, dateString string, limit int) ([]ActivityView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if err := validateDate(dateString); err != nil {
		return nil, err
	}
	entries, err := s.store.ActivityForDate(ctx, dateString, s.clampLimit(limit, s.cfg.Limits.Activity))
	if err != nil {
		return nil, err
	}
	return activityViews(entries), nil
}

func activityViews(entries []store.ActivityEntry) []ActivityView {
	views := make([]ActivityView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, activityView(entry))
	}
	return views
}
