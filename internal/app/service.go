package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"bulletin/api/internal/auth"
	"bulletin/api/internal/config"
	"bulletin/api/internal/docstore"
	"bulletin/api/internal/metrics"
	"bulletin/api/internal/passcode"
	"bulletin/api/internal/rbac"
	"bulletin/api/internal/search"
	"bulletin/api/internal/store"
	"bulletin/api/internal/util"
	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(context.Context) error
	CountUsers(context.Context) (int, error)
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	FindUsersByUsername(context.Context, []string) (map[string]store.User, error)
	WithinTx(context.Context, func(store.Tx) error) error
	GetServiceAssignment(context.Context, string) (store.ServiceAssignment, error)
	GetTasksForService(context.Context, int64) (map[string]store.TaskView, error)
	GetAllServicesWithTasks(context.Context) ([]store.ServiceWithTasks, error)
	AppendActivity(context.Context, store.ActivityEntry) (store.ActivityEntry, error)
	RecentActivity(context.Context, int, string) ([]store.ActivityEntry, error)
	ActivityForDate(context.Context, string, int) ([]store.ActivityEntry, error)
	InsertMessage(context.Context, store.Message, []store.Mention) (store.Message, error)
	ListMessages(context.Context, int, int) ([]store.Message, error)
	ListMentionsFor(context.Context, string, string, int, int) ([]store.MentionView, error)
	MarkMentionsRead(context.Context, []string, string, string) (int64, error)
	UnreadMentionCount(context.Context, string, string) (int, error)
	ListSubmissions(context.Context, string, string) ([]store.Submission, error)
}

// refreshStore holds refresh sessions and revoked access tokens. Both the
// Postgres store and the Redis session store satisfy it.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	ConsumeRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// notifier is the outbound side of the notification bus.
type notifier interface {
	BroadcastToAll(event string, payload any)
	BroadcastToRoom(room, event string, payload any)
	EmitActivity(record any)
	// EndSession closes the live connection opened with tokenID.
	EndSession(userID, tokenID string)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexMessage(search.MessageRecord)
	IndexActivity(search.ActivityRecord)
}

type documentStore interface {
	Put(ctx context.Context, dateString, taskID, filename, contentType string, body io.Reader, size int64) (docstore.Object, error)
}

// Dependencies are the collaborators a Service is wired with. Store is
// required; Sessions defaults to Store, the rest are optional.
type Dependencies struct {
	Store     dataStore
	Sessions  refreshStore
	Bus       notifier
	Search    searchIndex
	Documents documentStore
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	bus       notifier
	search    searchIndex
	documents documentStore
	auth      *passcode.Authenticator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		search:    deps.Search,
		documents: deps.Documents,
		auth:      passcode.NewAuthenticator(deps.Store),
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       deps.Now,
	}
	if s.sessions == nil {
		if sessions, ok := deps.Store.(refreshStore); ok {
			s.sessions = sessions
		}
	}
	if s.bus == nil {
		s.bus = noopBus{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type noopBus struct{}

func (noopBus) BroadcastToAll(string, any)          {}
func (noopBus) BroadcastToRoom(string, string, any) {}
func (noopBus) EmitActivity(any)                    {}
func (noopBus) EndSession(string, string)           {}

// Bootstrap seeds the configured users into an empty users table.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 || strings.TrimSpace(s.cfg.SeedUsers) == "" {
		return nil
	}

	seeds, err := passcode.ParseSeeds(s.cfg.SeedUsers)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		hash, err := passcode.Hash(seed.Passcode)
		if err != nil {
			return err
		}
		if err := s.store.CreateUser(ctx, store.User{
			ID:           util.NewID("usr"),
			Username:     seed.Username,
			DisplayName:  seed.Username,
			Role:         seed.Role,
			PasscodeHash: hash,
		}); err != nil {
			return fmt.Errorf("seed user %s: %w", seed.Username, err)
		}
		s.logger.Info("seeded user", zap.String("username", seed.Username), zap.String("role", seed.Role))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Login(ctx context.Context, username, role, code string) (Session, error) {
	user, err := s.auth.Authenticate(ctx, strings.TrimSpace(username), strings.TrimSpace(role), code)
	switch {
	case errors.Is(err, passcode.ErrInvalidCredentials):
		return Session{}, unauthorized("Invalid username or passcode")
	case errors.Is(err, passcode.ErrRoleMismatch):
		return Session{}, forbidden("Role does not match this user")
	case err != nil:
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, unauthorized("Refresh token invalid")
	}
	// Consuming revokes the token in the same step, so concurrent refreshes
	// with one token mint at most one session.
	ref, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, unauthorized("Refresh token invalid")
		}
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, unauthorized("Refresh token invalid")
		}
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Name:     user.Name(),
		Role:     user.Role,
		JTI:      jti,
		Iat:      now.Unix(),
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		UserName:     user.Name(),
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken verifies an access token and reloads the user so a
// role change takes effect without waiting for the token to expire.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseTokenAt([]byte(s.cfg.TokenSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		UserName:  user.Name(),
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token", zap.Error(err))
		}
		// The socket was authenticated once at handshake; close it now.
		s.bus.EndSession(session.UserID, session.JTI)
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session", zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Role(role), action)
}

func (s *Service) authorize(session Session, action rbac.Action) error {
	if !s.Can(session.Role, action) {
		return forbidden("Your role cannot " + string(action))
	}
	return nil
}

// clampLimit applies the default when limit is unset and caps it at the
// configured maximum.
func (s *Service) clampLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit <= 0 {
		limit = 50
	}
	if ceiling := s.cfg.Limits.MaxList; ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	return limit
}
