package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertMessage persists a message and its mention rows atomically and
// returns the message joined with its sender.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message, mentions []Mention) (Message, error) {
	tags := msg.Mentions
	if tags == nil {
		tags = []MentionTag{}
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return Message{}, fmt.Errorf("marshal mention tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, sender_id, content, mentions)
		VALUES ($1, $2, $3, $4::jsonb)
	`, msg.ID, msg.SenderID, msg.Content, string(rawTags)); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", classify(err))
	}
	for _, m := range mentions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_mentions (id, message_id, mentioned_user_id, mentioned_role)
			VALUES ($1, $2, $3, $4)
		`, m.ID, msg.ID, emptyToNil(m.MentionedUserID), emptyToNil(m.MentionedRole)); err != nil {
			return Message{}, fmt.Errorf("insert mention: %w", classify(err))
		}
	}
	// Read the joined row before commit so a committed message is never
	// reported as a failure.
	saved, err := scanMessage(tx.QueryRowContext(ctx, messageSelect+` WHERE m.id = $1`, msg.ID))
	if err != nil {
		return Message{}, fmt.Errorf("read message: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w", err)
	}
	return saved, nil
}

const messageSelect = `
	SELECT m.id, m.sender_id, m.content, m.mentions, m.created_at, u.username, u.display_name, u.role
	FROM chat_messages m
	JOIN users u ON u.id = m.sender_id
`

// ListMessages returns up to limit messages, newest first.
func (s *PostgresStore) ListMessages(ctx context.Context, limit, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, messageSelect+`
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var (
		msg     Message
		rawTags []byte
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.Content, &rawTags, &msg.CreatedAt, &msg.SenderUsername, &msg.SenderName, &msg.SenderRole); err != nil {
		return Message{}, err
	}
	msg.Mentions = []MentionTag{}
	if len(rawTags) > 0 {
		if err := json.Unmarshal(rawTags, &msg.Mentions); err != nil {
			return Message{}, fmt.Errorf("unmarshal mention tags: %w", err)
		}
	}
	return msg, nil
}

// ListMentionsFor returns mentions addressed to the user directly or to the
// user's role, newest first.
func (s *PostgresStore) ListMentionsFor(ctx context.Context, userID, role string, limit, offset int) ([]MentionView, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.id, cm.message_id, cm.mentioned_user_id, cm.mentioned_role, cm.is_read, cm.created_at,
			m.id, m.sender_id, m.content, m.mentions, m.created_at, u.username, u.display_name, u.role
		FROM chat_mentions cm
		JOIN chat_messages m ON m.id = cm.message_id
		JOIN users u ON u.id = m.sender_id
		WHERE cm.mentioned_user_id = $1 OR cm.mentioned_role = $2
		ORDER BY cm.created_at DESC, cm.id DESC
		LIMIT $3 OFFSET $4
	`, userID, role, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list mentions: %w", err)
	}
	defer rows.Close()

	items := make([]MentionView, 0)
	for rows.Next() {
		var (
			view    MentionView
			userRef sql.NullString
			roleRef sql.NullString
			rawTags []byte
		)
		if err := rows.Scan(&view.ID, &view.MessageID, &userRef, &roleRef, &view.IsRead, &view.Mention.CreatedAt,
			&view.Message.ID, &view.Message.SenderID, &view.Message.Content, &rawTags, &view.Message.CreatedAt,
			&view.Message.SenderUsername, &view.Message.SenderName, &view.Message.SenderRole); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		view.MentionedUserID = userRef.String
		view.MentionedRole = roleRef.String
		view.Message.Mentions = []MentionTag{}
		if len(rawTags) > 0 {
			if err := json.Unmarshal(rawTags, &view.Message.Mentions); err != nil {
				return nil, fmt.Errorf("unmarshal mention tags: %w", err)
			}
		}
		items = append(items, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mentions: %w", err)
	}
	return items, nil
}

// MarkMentionsRead flips is_read on the given mentions, restricted to the
// ones addressed to userID or role. Ids owned by someone else are silently
// skipped. It returns how many rows changed.
func (s *PostgresStore) MarkMentionsRead(ctx context.Context, ids []string, userID, role string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE chat_mentions
		SET is_read = TRUE
		WHERE id = ANY($1)
			AND is_read = FALSE
			AND (mentioned_user_id = $2 OR mentioned_role = $3)
	`, ids, userID, role)
	if err != nil {
		return 0, fmt.Errorf("mark mentions read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark mentions read rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) UnreadMentionCount(ctx context.Context, userID, role string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM chat_mentions
		WHERE is_read = FALSE AND (mentioned_user_id = $1 OR mentioned_role = $2)
	`, userID, role).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread mention count: %w", err)
	}
	return count, nil
}
