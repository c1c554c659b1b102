package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulletin/api/internal/rbac"
	"bulletin/api/internal/store"
	"bulletin/api/internal/util"
)

type SubmitInput struct {
	DateString string `json:"dateString"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Language   string `json:"language"`
}

type TranslationInput struct {
	Content  string `json:"content"`
	Language string `json:"language"`
}

type TranslationView struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Language     string    `json:"language"`
	TranslatedBy string    `json:"translatedBy"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type SubmissionView struct {
	ID          string           `json:"id"`
	DateString  string           `json:"dateString"`
	Kind        string           `json:"kind"`
	Title       string           `json:"title"`
	Content     string           `json:"content"`
	Language    string           `json:"language"`
	Status      string           `json:"status"`
	SubmittedBy string           `json:"submittedBy"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	Translation *TranslationView `json:"translation"`
}

func submissionView(item store.Submission) SubmissionView {
	view := SubmissionView{
		ID:          item.ID,
		DateString:  item.DateString,
		Kind:        item.Kind,
		Title:       item.Title,
		Content:     item.Content,
		Language:    item.Language,
		Status:      item.Status,
		SubmittedBy: item.SubmittedBy,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
	if item.Translation != nil {
		view.Translation = &TranslationView{
			ID:           item.Translation.ID,
			Content:      item.Translation.Content,
			Language:     item.Translation.Language,
			TranslatedBy: item.Translation.TranslatedBy,
			UpdatedAt:    item.Translation.UpdatedAt,
		}
	}
	return view
}

func validateKind(kind string) error {
	if kind != store.KindLyrics && kind != store.KindSermon {
		return notFound("Unknown submission kind")
	}
	return nil
}

func kindLabel(kind string) string {
	if kind == store.KindSermon {
		return "Sermon"
	}
	return "Lyrics"
}

// Submit stores lyrics or a sermon for a service date with status pending.
// Re-submitting the same title for the same date replaces the content and
// resets the status.
func (s *Service) Submit(ctx context.Context, session Session, kind string, input SubmitInput) (SubmissionView, error) {
	if err := validateKind(kind); err != nil {
		return SubmissionView{}, err
	}
	if err := s.authorize(session, rbac.ActionSubmit); err != nil {
		return SubmissionView{}, err
	}
	if err := validateDate(input.DateString); err != nil {
		return SubmissionView{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" || strings.TrimSpace(input.Content) == "" {
		return SubmissionView{}, validationError("title and content are required", nil)
	}

	var saved store.Submission
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		serviceID, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(input.DateString, ""))
		if err != nil {
			return err
		}
		saved, err = tx.UpsertSubmission(ctx, store.Submission{
			ID:          util.NewID("sub"),
			ServiceID:   serviceID,
			Kind:        kind,
			Title:       title,
			Content:     input.Content,
			Language:    strings.TrimSpace(input.Language),
			SubmittedBy: session.UserName,
		})
		return err
	})
	if err != nil {
		return SubmissionView{}, err
	}
	saved.DateString = input.DateString

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivitySubmission,
		Title:        fmt.Sprintf("%s submitted: %s", kindLabel(kind), title),
		Description:  fmt.Sprintf("%s submitted %s for %s", session.UserName, strings.ToLower(kindLabel(kind)), input.DateString),
		Details:      map[string]any{"kind": kind, "submissionId": saved.ID},
		EntityID:     saved.ID,
		DateString:   input.DateString,
	})
	return submissionView(saved), nil
}

// SubmitTranslation upserts the translation of a submission and flips the
// original to translated in the same transaction.
func (s *Service) SubmitTranslation(ctx context.Context, session Session, kind, originalID string, input TranslationInput) (SubmissionView, error) {
	if err := validateKind(kind); err != nil {
		return SubmissionView{}, err
	}
	if err := s.authorize(session, rbac.ActionTranslate); err != nil {
		return SubmissionView{}, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return SubmissionView{}, validationError("content is required", nil)
	}

	var original store.Submission
	var translation store.Translation
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		original, err = tx.GetSubmission(ctx, originalID)
		if err != nil {
			return err
		}
		if original.Kind != kind {
			return store.ErrNotFound
		}
		if _, err := tx.UpsertServiceAssignment(ctx, s.assignmentFor(original.DateString, "")); err != nil {
			return err
		}
		translation, err = tx.UpsertTranslation(ctx, store.Translation{
			ID:           util.NewID("trn"),
			OriginalID:   original.ID,
			Content:      input.Content,
			Language:     strings.TrimSpace(input.Language),
			TranslatedBy: session.UserName,
		})
		if err != nil {
			return err
		}
		return tx.MarkSubmissionTranslated(ctx, original.ID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return SubmissionView{}, notFound("Submission not found")
	}
	if err != nil {
		return SubmissionView{}, err
	}
	original.Status = store.SubmissionTranslated
	original.Translation = &translation

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityTranslation,
		Title:        fmt.Sprintf("%s translated: %s", kindLabel(kind), original.Title),
		Description:  fmt.Sprintf("%s translated %s for %s", session.UserName, strings.ToLower(kindLabel(kind)), original.DateString),
		Details:      map[string]any{"kind": kind, "submissionId": original.ID, "language": translation.Language},
		EntityID:     original.ID,
		DateString:   original.DateString,
	})
	return submissionView(original), nil
}

func (s *Service) ListSubmissions(ctx context.Context, session Session, kind, dateString string) ([]SubmissionView, error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if dateString != "" {
		if err := validateDate(dateString); err != nil {
			return nil, err
		}
	}
	items, err := s.store.ListSubmissions(ctx, kind, dateString)
	if err != nil {
		return nil, err
	}
	views := make([]SubmissionView, 0, len(items))
	for _, item := range items {
		views = append(views, submissionView(item))
	}
	return views, nil
}
