package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"bulletin/api/internal/rbac"
	"bulletin/api/internal/realtime"
	"go.uber.org/zap"
)

// handleWebsocket authenticates before upgrading. A missing or bad token
// gets a plain 401 and the client never joins a room.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Realtime channel is not enabled", nil)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing token", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", session.UserID), zap.Error(err))
		return
	}
	client := s.hub.Connect(realtime.Identity{
		UserID:   session.UserID,
		Username: session.Username,
		Name:     session.UserName,
		Role:     session.Role,
		TokenID:  session.JTI,
	})
	s.hub.Serve(r.Context(), conn, client, s.inboundHandler(session))
}

func (s *HTTPServer) inboundHandler(session Session) realtime.InboundHandler {
	return realtime.InboundHandlerFunc(func(ctx context.Context, c *realtime.Client, in realtime.Inbound) error {
		switch in.Event {
		case realtime.InboundJoin:
			var body struct {
				Room string `json:"room"`
			}
			if err := json.Unmarshal(in.Data, &body); err != nil {
				return errors.New("join needs a room")
			}
			room := strings.TrimSpace(body.Room)
			if err := joinAllowed(c, room); err != nil {
				return err
			}
			s.hub.Join(c, room)
			s.hub.Send(c, realtime.EventJoined, realtime.JoinedPayload{
				Room:  room,
				Rooms: s.hub.Registry().RoomsFor(c.UserID),
			})
			return nil

		case realtime.InboundMessage:
			var body struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(in.Data, &body); err != nil {
				return errors.New("message needs content")
			}
			_, err := s.service.PostMessage(ctx, session, body.Content)
			return clientError(err)

		case realtime.InboundMention:
			var body RelayMentionInput
			if err := json.Unmarshal(in.Data, &body); err != nil {
				return errors.New("mention needs type and value")
			}
			return clientError(s.service.RelayMention(ctx, session, body))

		default:
			return errors.New("unknown event " + in.Event)
		}
	})
}

// joinAllowed keeps a client out of other users' private rooms and the
// broadcast rooms of roles it does not hold. Any other name is an ad-hoc
// room.
func joinAllowed(c *realtime.Client, room string) error {
	if room == "" {
		return errors.New("join needs a room")
	}
	if strings.HasPrefix(room, realtime.UserRoom("")) && room != realtime.UserRoom(c.UserID) {
		return errors.New("cannot join another user's room")
	}
	if rbac.IsRole(room) && room != c.Role {
		return errors.New("cannot join another role's room")
	}
	return nil
}

// clientError strips a domain error down to its message; anything else is
// reported generically.
func clientError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return errors.New(domainErr.Message)
	}
	return errors.New("server error")
}
