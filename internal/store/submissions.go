package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (t *pgTx) UpsertSubmission(ctx context.Context, submission Submission) (Submission, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO submissions (id, service_assignment_id, kind, title, content, language, status, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		ON CONFLICT (service_assignment_id, kind, title) DO UPDATE SET
			content = EXCLUDED.content,
			language = EXCLUDED.language,
			submitted_by = EXCLUDED.submitted_by,
			status = 'pending',
			updated_at = NOW()
		RETURNING id, status, created_at, updated_at
	`, submission.ID, submission.ServiceID, submission.Kind, submission.Title, submission.Content, submission.Language, submission.SubmittedBy,
	).Scan(&submission.ID, &submission.Status, &submission.CreatedAt, &submission.UpdatedAt)
	if err != nil {
		return Submission{}, fmt.Errorf("upsert submission: %w", classify(err))
	}
	return submission, nil
}

func (t *pgTx) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var item Submission
	err := t.q.QueryRowContext(ctx, `
		SELECT s.id, s.service_assignment_id, sa.date_string, s.kind, s.title, s.content, s.language, s.status, s.submitted_by, s.created_at, s.updated_at
		FROM submissions s
		JOIN service_assignments sa ON sa.id = s.service_assignment_id
		WHERE s.id = $1
	`, id).Scan(&item.ID, &item.ServiceID, &item.DateString, &item.Kind, &item.Title, &item.Content, &item.Language,
		&item.Status, &item.SubmittedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Submission{}, fmt.Errorf("get submission: %w", classify(err))
	}
	return item, nil
}

// UpsertTranslation keeps at most one translation per original.
func (t *pgTx) UpsertTranslation(ctx context.Context, translation Translation) (Translation, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO submission_translations (id, original_id, content, language, translated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (original_id) DO UPDATE SET
			content = EXCLUDED.content,
			language = EXCLUDED.language,
			translated_by = EXCLUDED.translated_by,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, translation.ID, translation.OriginalID, translation.Content, translation.Language, translation.TranslatedBy,
	).Scan(&translation.ID, &translation.CreatedAt, &translation.UpdatedAt)
	if err != nil {
		return Translation{}, fmt.Errorf("upsert translation: %w", classify(err))
	}
	return translation, nil
}

func (t *pgTx) MarkSubmissionTranslated(ctx context.Context, id string) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE submissions SET status = 'translated', updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark submission translated: %w", err)
	}
	return requireAffected(result, "mark submission translated")
}

// ListSubmissions returns submissions of one kind with their translation,
// optionally narrowed to a service date.
func (s *PostgresStore) ListSubmissions(ctx context.Context, kind, dateString string) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.service_assignment_id, sa.date_string, s.kind, s.title, s.content, s.language, s.status, s.submitted_by, s.created_at, s.updated_at,
			t.id, t.content, t.language, t.translated_by, t.created_at, t.updated_at
		FROM submissions s
		JOIN service_assignments sa ON sa.id = s.service_assignment_id
		LEFT JOIN submission_translations t ON t.original_id = s.id
		WHERE s.kind = $1 AND ($2::text = '' OR sa.date_string = $2::text)
		ORDER BY sa.date_string DESC, s.created_at ASC
	`, kind, dateString)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]Submission, 0)
	for rows.Next() {
		var (
			item        Submission
			trID        sql.NullString
			trContent   sql.NullString
			trLanguage  sql.NullString
			trBy        sql.NullString
			trCreatedAt sql.NullTime
			trUpdatedAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.ServiceID, &item.DateString, &item.Kind, &item.Title, &item.Content, &item.Language,
			&item.Status, &item.SubmittedBy, &item.CreatedAt, &item.UpdatedAt,
			&trID, &trContent, &trLanguage, &trBy, &trCreatedAt, &trUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if trID.Valid {
			item.Translation = &Translation{
				ID:           trID.String,
				OriginalID:   item.ID,
				Content:      trContent.String,
				Language:     trLanguage.String,
				TranslatedBy: trBy.String,
				CreatedAt:    trCreatedAt.Time,
				UpdatedAt:    trUpdatedAt.Time,
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}
