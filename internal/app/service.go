package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"courier/api/internal/auth"
	"courier/api/internal/authpw"
	"courier/api/internal/avatars"
	"courier/api/internal/config"
	"courier/api/internal/feed"
	"courier/api/internal/search"
	"courier/api/internal/session"
	"courier/api/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	DisplayName  string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	UpdateProfile(ctx context.Context, actorID, profileID string, update store.ProfileUpdate) (store.Profile, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ListMemberIDs(ctx context.Context, chatID, viewerID string) ([]string, error)
	AddMembers(ctx context.Context, chatID, actorID string, userIDs []string) ([]string, error)
	GetChat(ctx context.Context, chatID, viewerID string) (store.Chat, error)
	ListChatsForMember(ctx context.Context, userID string, kind store.ChatKind) ([]store.Chat, error)
	CreateChat(ctx context.Context, chat store.Chat, memberIDs []string) (store.Chat, error)
	CreateDirectChat(ctx context.Context, selfID, otherID string) (store.Chat, bool, error)
	SetChatAvatar(ctx context.Context, chatID, actorID, avatarURL string) (store.Chat, error)
	InsertMessage(ctx context.Context, chatID, senderID, content string) (store.Message, error)
	ListMessages(ctx context.Context, chatID, viewerID string) ([]store.Message, error)
	ListMessagesSince(ctx context.Context, chatID, viewerID string, since time.Time) ([]store.Message, error)
	LastMessage(ctx context.Context, chatID, viewerID string) (*store.Message, error)
}

// SessionStore keeps refresh sessions and the access-token denylist.
// Both session.RedisStore and store.PostgresStore implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type profileDirectory interface {
	Lookup(ctx context.Context, id string) (store.Profile, error)
	LookupMany(ctx context.Context, ids []string) (map[string]store.Profile, error)
	Exists(ctx context.Context, id string) (bool, error)
	Search(ctx context.Context, prefix string, limit int) ([]store.Profile, error)
	Invalidate(ctx context.Context, id string)
}

type credentialService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (store.Profile, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (store.Profile, error)
}

type messageSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(msg store.Message)
}

type avatarStore interface {
	Put(ctx context.Context, kind avatars.Kind, ownerID string, data []byte) (string, error)
}

// Deps are the collaborators of Service. Search and Avatars are optional.
type Deps struct {
	Store       *store.PostgresStore
	Sessions    SessionStore
	Directory   profileDirectory
	Credentials credentialService
	Feed        feed.Broker
	Search      *search.Service
	Avatars     *avatars.Store
	Logger      *zap.Logger
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    SessionStore
	directory   profileDirectory
	credentials credentialService
	feed        feed.Broker
	search      messageSearch
	avatars     avatarStore
	logger      *zap.Logger
	validate    *validator.Validate
	fanout      int
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		sessions:    deps.Sessions,
		directory:   deps.Directory,
		credentials: deps.Credentials,
		feed:        deps.Feed,
		logger:      deps.Logger,
		validate:    authpw.NewValidator(),
		fanout:      8,
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Avatars != nil {
		s.avatars = deps.Avatars
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// FeedAvailable reports whether live updates can currently be subscribed to.
func (s *Service) FeedAvailable() bool {
	type availability interface{ Available() bool }
	if a, ok := s.feed.(availability); ok {
		return a.Available()
	}
	return s.feed != nil
}

// =============================================================================
// Authentication
// =============================================================================

type SignUpInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

func (s *Service) SignUp(ctx context.Context, input SignUpInput) (Session, error) {
	profile, err := s.credentials.SignUp(ctx, authpw.SignUpRequest{
		Email:       input.Email,
		Password:    input.Password,
		Username:    input.Username,
		DisplayName: input.DisplayName,
	})
	if err != nil {
		var validationErr *authpw.ValidationError
		switch {
		case errors.As(err, &validationErr):
			return Session{}, errInvalid("Sign-up details are invalid", validationErr.Fields)
		case errors.Is(err, authpw.ErrAlreadyRegistered):
			return Session{}, errConflict("Email or username already registered", nil)
		}
		return Session{}, err
	}
	s.logger.Info("principal registered", zap.String("user_id", profile.ID))
	return s.issueSession(ctx, profile)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	profile, err := s.credentials.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, CodeUnauthenticated, "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

// Refresh rotates a refresh token: the presented token is revoked and a new pair issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, errUnauthenticated()
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return Session{}, errUnauthenticated()
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	profile, err := s.directory.Lookup(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, errUnauthenticated()
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := uuid.NewString()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), profile.ID, profile.Username, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := uuid.NewString() + uuid.NewString()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       profile.ID,
		Username:     profile.Username,
		DisplayName:  profile.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves the current principal from an access token.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	profile, err := s.directory.Lookup(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      profile.ID,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
		JTI:         claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the access token id and, when given, the refresh token.
func (s *Service) Logout(ctx context.Context, current Session, refreshToken string) error {
	if current.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, current.JTI, current.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", zap.String("user_id", current.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session failed", zap.String("user_id", current.UserID), zap.Error(err))
		}
	}
	return nil
}
