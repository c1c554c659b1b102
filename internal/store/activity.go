package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendActivity inserts one activity row and returns it with the id and
// timestamp assigned by the database. Rows are never updated afterwards.
func (s *PostgresStore) AppendActivity(ctx context.Context, entry ActivityEntry) (ActivityEntry, error) {
	var details any
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return ActivityEntry{}, fmt.Errorf("marshal activity details: %w", err)
		}
		details = string(raw)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO activity_log (user_id, user_name, user_role, activity_type, title, description, details, entity_id, date_string, icon, color)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
		RETURNING id, created_at
	`, entry.UserID, entry.UserName, entry.UserRole, entry.ActivityType, entry.Title, entry.Description,
		details, emptyToNil(entry.EntityID), emptyToNil(entry.DateString), entry.Icon, entry.Color,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return ActivityEntry{}, fmt.Errorf("append activity: %w", err)
	}
	return entry, nil
}

const activityColumns = `id, user_id, user_name, user_role, activity_type, title, description, details, entity_id, date_string, icon, color, created_at`

// RecentActivity returns the newest entries first. An empty activityType
// matches every type.
func (s *PostgresStore) RecentActivity(ctx context.Context, limit int, activityType string) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activity_log
		WHERE ($2::text = '' OR activity_type = $2::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit, activityType)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	return collectActivity(rows)
}

// ActivityForDate returns the entries tied to one service date, newest first.
func (s *PostgresStore) ActivityForDate(ctx context.Context, dateString string, limit int) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activity_log
		WHERE date_string = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, dateString, limit)
	if err != nil {
		return nil, fmt.Errorf("activity for date: %w", err)
	}
	return collectActivity(rows)
}

func collectActivity(rows *sql.Rows) ([]ActivityEntry, error) {
	defer rows.Close()
	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var (
			entry      ActivityEntry
			details    []byte
			entityID   sql.NullString
			dateString sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.UserName, &entry.UserRole, &entry.ActivityType,
			&entry.Title, &entry.Description, &details, &entityID, &dateString, &entry.Icon, &entry.Color, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details: %w", err)
			}
		}
		entry.EntityID = entityID.String
		entry.DateString = dateString.String
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}
