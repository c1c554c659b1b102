package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated tsvector columns of
// chat_messages and activity_log.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const tsQuery = "plainto_tsquery('simple', $1)"

// buildQuery returns the UNION ALL body shared by the count and data
// queries, plus its arguments.
func buildQuery(q Query) (string, []any) {
	args := []any{q.Text}
	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultMessage {
		where := "m.fts @@ " + tsQuery
		if q.FilterDate != "" {
			args = append(args, q.FilterDate)
			where += fmt.Sprintf(" AND to_char(m.created_at, 'YYYY-MM-DD') = $%d", len(args))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id,
				COALESCE(NULLIF(u.display_name, ''), u.username) AS title,
				ts_headline('simple', m.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				u.username AS author,
				to_char(m.created_at, 'YYYY-MM-DD') AS date_string,
				ts_rank(m.fts, %s) AS rank
			FROM chat_messages m
			JOIN users u ON u.id = m.sender_id
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultActivity {
		where := "a.fts @@ " + tsQuery
		if q.FilterDate != "" {
			args = append(args, q.FilterDate)
			where += fmt.Sprintf(" AND a.date_string = $%d", len(args))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'activity'::text AS type, a.id::text, a.title,
				ts_headline('simple', a.description, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.user_name AS author,
				COALESCE(a.date_string, '') AS date_string,
				ts_rank(a.fts, %s) AS rank
			FROM activity_log a
			WHERE %s`, tsQuery, tsQuery, where))
	}

	return strings.Join(subQueries, " UNION ALL "), args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	body, args := buildQuery(q)
	if body == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+body+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, author, date_string
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, body, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Author, &r.DateString); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable row for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, []ActivityRecord, error) {
	msgRows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.content, COALESCE(NULLIF(u.display_name, ''), u.username), u.role,
			to_char(m.created_at, 'YYYY-MM-DD'), EXTRACT(EPOCH FROM m.created_at)::bigint
		FROM chat_messages m
		JOIN users u ON u.id = m.sender_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()

	messages := make([]MessageRecord, 0)
	for msgRows.Next() {
		var r MessageRecord
		if err := msgRows.Scan(&r.ID, &r.Content, &r.SenderName, &r.SenderRole, &r.DateString, &r.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, r)
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	actRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, title, description, activity_type, user_name, COALESCE(date_string, ''),
			EXTRACT(EPOCH FROM created_at)::bigint
		FROM activity_log
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load activity: %w", err)
	}
	defer actRows.Close()

	activity := make([]ActivityRecord, 0)
	for actRows.Next() {
		var r ActivityRecord
		if err := actRows.Scan(&r.ID, &r.Title, &r.Description, &r.ActivityType, &r.UserName, &r.DateString, &r.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan activity: %w", err)
		}
		activity = append(activity, r)
	}
	if err := actRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate activity: %w", err)
	}
	return messages, activity, nil
}
