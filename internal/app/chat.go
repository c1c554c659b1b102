package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"bulletin/api/internal/mention"
	"bulletin/api/internal/rbac"
	"bulletin/api/internal/realtime"
	"bulletin/api/internal/search"
	"bulletin/api/internal/store"
	"bulletin/api/internal/util"
)

const (
	maxMessageLength = 4000
	previewLength    = 80
)

type MessageView struct {
	ID             string             `json:"id"`
	SenderID       string             `json:"senderId"`
	SenderUsername string             `json:"senderUsername"`
	SenderName     string             `json:"senderName"`
	SenderRole     string             `json:"senderRole"`
	Content        string             `json:"content"`
	Mentions       []store.MentionTag `json:"mentions"`
	CreatedAt      time.Time          `json:"createdAt"`
}

type MentionView struct {
	ID              string      `json:"id"`
	MessageID       string      `json:"messageId"`
	MentionedUserID string      `json:"mentionedUserId,omitempty"`
	MentionedRole   string      `json:"mentionedRole,omitempty"`
	IsRead          bool        `json:"isRead"`
	CreatedAt       time.Time   `json:"createdAt"`
	Message         MessageView `json:"message"`
}

// MentionNotice is pushed to the room of each mentioned role or user.
type MentionNotice struct {
	Type      string       `json:"type"`
	Value     string       `json:"value"`
	MessageID string       `json:"messageId"`
	From      string       `json:"from"`
	Message   *MessageView `json:"message,omitempty"`
}

type PostResult struct {
	Message            MessageView `json:"message"`
	UnresolvedMentions []string    `json:"unresolvedMentions"`
}

type RelayMentionInput struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	MessageID string `json:"messageId"`
}

func messageView(msg store.Message) MessageView {
	mentions := msg.Mentions
	if mentions == nil {
		mentions = []store.MentionTag{}
	}
	return MessageView{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		SenderName:     firstNonBlank(msg.SenderName, msg.SenderUsername),
		SenderRole:     msg.SenderRole,
		Content:        msg.Content,
		Mentions:       mentions,
		CreatedAt:      msg.CreatedAt,
	}
}

// preview shortens content for the activity feed.
func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// PostMessage persists a chat message with one mention row per resolved
// role or user, then fans it out and records it in the activity log.
// Unresolved @tokens stay visible on the message but notify nobody.
func (s *Service) PostMessage(ctx context.Context, session Session, content string) (PostResult, error) {
	if err := s.authorize(session, rbac.ActionChat); err != nil {
		return PostResult{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return PostResult{}, validationError("content is required", nil)
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return PostResult{}, validationError("message is too long", map[string]any{"max": maxMessageLength})
	}

	targets, err := mention.Resolve(ctx, s.store, mention.Extract(content))
	if err != nil {
		return PostResult{}, err
	}

	msg := store.Message{
		ID:       util.NewID("msg"),
		SenderID: session.UserID,
		Content:  content,
		Mentions: make([]store.MentionTag, 0, len(targets)),
	}
	rows := make([]store.Mention, 0, len(targets))
	unresolved := make([]string, 0)
	for _, target := range targets {
		msg.Mentions = append(msg.Mentions, target.Tag())
		switch target.Kind {
		case mention.RoleMention:
			rows = append(rows, store.Mention{ID: util.NewID("mnt"), MessageID: msg.ID, MentionedRole: string(target.Role)})
		case mention.UserMention:
			rows = append(rows, store.Mention{ID: util.NewID("mnt"), MessageID: msg.ID, MentionedUserID: target.User.ID})
		default:
			unresolved = append(unresolved, target.Token)
		}
	}

	saved, err := s.store.InsertMessage(ctx, msg, rows)
	if err != nil {
		return PostResult{}, err
	}
	view := messageView(saved)

	s.bus.BroadcastToAll(realtime.EventMessage, view)
	for _, target := range targets {
		room := target.Room()
		if room == "" {
			continue
		}
		tag := target.Tag()
		s.bus.BroadcastToRoom(room, realtime.EventMention, MentionNotice{
			Type:      tag.Type,
			Value:     tag.Value,
			MessageID: view.ID,
			From:      view.SenderName,
			Message:   &view,
		})
	}
	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:         view.ID,
			Content:    view.Content,
			SenderName: view.SenderName,
			SenderRole: view.SenderRole,
			DateString: view.CreatedAt.UTC().Format(dateLayout),
			CreatedAt:  view.CreatedAt.Unix(),
		})
	}

	s.record(ctx, session, store.ActivityEntry{
		ActivityType: ActivityChat,
		Title:        "New chat message",
		Description:  fmt.Sprintf("%s: %s", view.SenderName, preview(view.Content)),
		Details:      map[string]any{"messageId": view.ID, "mentions": len(rows)},
		EntityID:     view.ID,
	})

	return PostResult{Message: view, UnresolvedMentions: unresolved}, nil
}

// ListMessages returns a page of messages oldest first. offset counts back
// from the newest message.
func (s *Service) ListMessages(ctx context.Context, session Session, limit, offset int) ([]MessageView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.store.ListMessages(ctx, s.clampLimit(limit, s.cfg.Limits.Messages), offset)
	if err != nil {
		return nil, err
	}
	views := make([]MessageView, len(items))
	for i, item := range items {
		views[len(items)-1-i] = messageView(item)
	}
	return views, nil
}

func (s *Service) ListMentions(ctx context.Context, session Session, limit, offset int) ([]MentionView, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.store.ListMentionsFor(ctx, session.UserID, session.Role, s.clampLimit(limit, s.cfg.Limits.Messages), offset)
	if err != nil {
		return nil, err
	}
	views := make([]MentionView, 0, len(items))
	for _, item := range items {
		views = append(views, MentionView{
			ID:              item.ID,
			MessageID:       item.MessageID,
			MentionedUserID: item.MentionedUserID,
			MentionedRole:   item.MentionedRole,
			IsRead:          item.IsRead,
			CreatedAt:       item.Mention.CreatedAt,
			Message:         messageView(item.Message),
		})
	}
	return views, nil
}

// MarkMentionsRead marks the caller's mentions among ids as read and
// returns how many changed. Role mentions are shared by everyone holding
// the role.
func (s *Service) MarkMentionsRead(ctx context.Context, session Session, ids []string) (int64, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return 0, err
	}
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, validationError("mentionIds is required", nil)
	}
	return s.store.MarkMentionsRead(ctx, cleaned, session.UserID, session.Role)
}

func (s *Service) UnreadMentionCount(ctx context.Context, session Session) (int, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return 0, err
	}
	return s.store.UnreadMentionCount(ctx, session.UserID, session.Role)
}

// RelayMention pushes a mention ping for an existing message to a role or
// user room without persisting anything.
func (s *Service) RelayMention(ctx context.Context, session Session, input RelayMentionInput) error {
	if err := s.authorize(session, rbac.ActionChat); err != nil {
		return err
	}
	value := strings.TrimSpace(input.Value)
	var room, tagValue string
	switch input.Type {
	case store.MentionRole:
		role, ok := rbac.Lookup(value)
		if !ok {
			return validationError("unknown role", map[string]any{"value": value})
		}
		room, tagValue = string(role), string(role)
	case store.MentionUser:
		user, err := s.store.GetUserByUsername(ctx, value)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("User not found")
		}
		if err != nil {
			return err
		}
		room, tagValue = realtime.UserRoom(user.ID), user.Username
	default:
		return validationError("type must be role or user", map[string]any{"type": input.Type})
	}

	s.bus.BroadcastToRoom(room, realtime.EventMention, MentionNotice{
		Type:      input.Type,
		Value:     tagValue,
		MessageID: input.MessageID,
		From:      session.UserName,
	})
	return nil
}

func (s *Service) Search(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	q.Limit = s.clampLimit(q.Limit, 20)
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}
