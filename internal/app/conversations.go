package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"courier/api/internal/avatars"
	"courier/api/internal/rbac"
	"courier/api/internal/store"
	"go.uber.org/zap"
)

const (
	GroupPlaceholder = "Group Chat"
	UnknownUser      = "Unknown User"

	maxGroupNameLength = 100
)

// ConversationView is a chat as one viewer sees it. Name and AvatarURL are the
// derived display values, not necessarily the stored columns.
type ConversationView struct {
	ID          string         `json:"id"`
	Type        store.ChatKind `json:"type"`
	Name        string         `json:"name"`
	AvatarURL   *string        `json:"avatarUrl"`
	CreatedBy   string         `json:"createdBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Role        rbac.Role      `json:"role"`
	MemberIDs   []string       `json:"memberIds,omitempty"`
	Counterpart *ProfileView   `json:"counterpart,omitempty"`
	LastMessage *MessageView   `json:"lastMessage,omitempty"`
}

// FindOrCreateDirect returns the direct chat between selfID and otherID,
// creating it when the pair has none. The bool reports whether it was created.
func (s *Service) FindOrCreateDirect(ctx context.Context, selfID, otherID string) (store.Chat, bool, error) {
	selfID = canonicalID(selfID)
	otherID = canonicalID(otherID)
	if otherID == "" {
		return store.Chat{}, false, errInvalid("otherId is required", map[string]string{"otherId": "required"})
	}
	if otherID == selfID {
		return store.Chat{}, false, errInvalid("Cannot start a direct chat with yourself", map[string]string{"otherId": "self"})
	}
	if err := s.requireProfiles(ctx, []string{otherID}); err != nil {
		return store.Chat{}, false, err
	}

	existing, err := s.findDirect(ctx, selfID, otherID)
	if err != nil {
		return store.Chat{}, false, err
	}
	if len(existing) > 0 {
		canonical := existing[0]
		if len(existing) > 1 {
			ids := make([]string, 0, len(existing))
			for _, chat := range existing {
				ids = append(ids, chat.ID)
			}
			s.logger.Warn("duplicate direct chats",
				zap.String("code", CodeConflict),
				zap.String("canonical_chat_id", canonical.ID),
				zap.Strings("chat_ids", ids),
			)
		}
		return canonical, false, nil
	}

	chat, created, err := s.store.CreateDirectChat(ctx, selfID, otherID)
	if errors.Is(err, store.ErrUnknownPrincipal) {
		return store.Chat{}, false, errNotFound("Profile not found")
	}
	if err != nil {
		return store.Chat{}, false, fmt.Errorf("create direct chat: %w", err)
	}
	if created {
		s.logger.Info("direct chat created",
			zap.String("chat_id", chat.ID),
			zap.String("self_id", selfID),
			zap.String("other_id", otherID),
		)
	}
	return chat, created, nil
}

// findDirect scans the direct chats of selfID for ones whose member set is
// exactly {selfID, otherID}, earliest first.
func (s *Service) findDirect(ctx context.Context, selfID, otherID string) ([]store.Chat, error) {
	chats, err := s.store.ListChatsForMember(ctx, selfID, store.ChatDirect)
	if err != nil {
		return nil, err
	}
	matches := make([]store.Chat, 0, 1)
	for _, chat := range chats {
		members, err := s.store.ListMemberIDs(ctx, chat.ID, selfID)
		if err != nil {
			return nil, err
		}
		if sameMembers(members, selfID, otherID) {
			matches = append(matches, chat)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return chatBefore(matches[i], matches[j]) })
	return matches, nil
}

func chatBefore(a, b store.Chat) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// CreateGroup creates a group chat holding selfID and memberIDs. A blank name is
// stored as the placeholder.
func (s *Service) CreateGroup(ctx context.Context, selfID string, memberIDs []string, name string) (store.Chat, error) {
	ids := uniqueIDs(memberIDs)
	if len(ids) == 0 {
		return store.Chat{}, errInvalid("At least one member is required", map[string]string{"memberIds": "required"})
	}
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxGroupNameLength {
		return store.Chat{}, errInvalid("Group name is too long", map[string]string{"name": "max=100"})
	}
	if name == "" {
		name = GroupPlaceholder
	}

	members := []string{selfID}
	for _, id := range ids {
		if id != selfID {
			members = append(members, id)
		}
	}
	if err := s.requireProfiles(ctx, members[1:]); err != nil {
		return store.Chat{}, err
	}

	chat, err := s.store.CreateChat(ctx, store.Chat{Kind: store.ChatGroup, Name: &name, CreatedBy: selfID}, members)
	if errors.Is(err, store.ErrUnknownPrincipal) {
		return store.Chat{}, errNotFound("Profile not found")
	}
	if err != nil {
		return store.Chat{}, fmt.Errorf("create group chat: %w", err)
	}
	s.logger.Info("group chat created",
		zap.String("chat_id", chat.ID),
		zap.String("creator_id", selfID),
		zap.Int("members", len(members)),
	)
	return chat, nil
}

// DisplayNameFor is the group name, or the counterpart's display name for a
// direct chat. Unresolvable values degrade to placeholders.
func (s *Service) DisplayNameFor(ctx context.Context, chat store.Chat, viewerID string) string {
	counterpart := s.counterpartOf(ctx, chat, viewerID)
	return chatDisplayName(chat, counterpart)
}

// DisplayAvatarFor mirrors DisplayNameFor. A nil result is a valid absent avatar.
func (s *Service) DisplayAvatarFor(ctx context.Context, chat store.Chat, viewerID string) *string {
	counterpart := s.counterpartOf(ctx, chat, viewerID)
	return chatDisplayAvatar(chat, counterpart)
}

func chatDisplayName(chat store.Chat, counterpart *store.Profile) string {
	if chat.Kind == store.ChatDirect {
		if counterpart == nil || counterpart.DisplayName == "" {
			return UnknownUser
		}
		return counterpart.DisplayName
	}
	if chat.Name == nil || strings.TrimSpace(*chat.Name) == "" {
		return GroupPlaceholder
	}
	return *chat.Name
}

func chatDisplayAvatar(chat store.Chat, counterpart *store.Profile) *string {
	if chat.Kind == store.ChatDirect {
		if counterpart == nil {
			return nil
		}
		return counterpart.AvatarURL
	}
	return chat.AvatarURL
}

// counterpartOf resolves the other member of a direct chat. Failures are logged
// and yield nil.
func (s *Service) counterpartOf(ctx context.Context, chat store.Chat, viewerID string) *store.Profile {
	if chat.Kind != store.ChatDirect {
		return nil
	}
	members, err := s.store.ListMemberIDs(ctx, chat.ID, viewerID)
	if err != nil {
		s.logger.Warn("list members for counterpart failed", zap.String("chat_id", chat.ID), zap.Error(err))
		return nil
	}
	return s.counterpartFrom(ctx, chat, members, viewerID)
}

func (s *Service) counterpartFrom(ctx context.Context, chat store.Chat, members []string, viewerID string) *store.Profile {
	for _, id := range members {
		if id == viewerID {
			continue
		}
		profile, err := s.directory.Lookup(ctx, id)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.logger.Warn("counterpart lookup failed", zap.String("chat_id", chat.ID), zap.String("user_id", id), zap.Error(err))
			}
			return nil
		}
		return &profile
	}
	return nil
}

func baseView(chat store.Chat, viewerID string) ConversationView {
	return ConversationView{
		ID:        chat.ID,
		Type:      chat.Kind,
		CreatedBy: chat.CreatedBy,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
		Role:      rbac.RoleFor(viewerID, chat.CreatedBy, true),
	}
}

// GetConversation returns chatID with display metadata and member ids.
// Non-members get NOT_FOUND.
func (s *Service) GetConversation(ctx context.Context, viewerID, chatID string) (ConversationView, error) {
	chat, err := s.store.GetChat(ctx, chatID, viewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationView{}, errNotFound("Chat not found")
	}
	if err != nil {
		return ConversationView{}, err
	}
	return s.conversationView(ctx, chat, viewerID)
}

func (s *Service) conversationView(ctx context.Context, chat store.Chat, viewerID string) (ConversationView, error) {
	members, err := s.store.ListMemberIDs(ctx, chat.ID, viewerID)
	if err != nil {
		return ConversationView{}, err
	}
	view := baseView(chat, viewerID)
	view.MemberIDs = members

	var counterpart *store.Profile
	if chat.Kind == store.ChatDirect {
		counterpart = s.counterpartFrom(ctx, chat, members, viewerID)
		if counterpart != nil {
			pv := profileView(*counterpart)
			view.Counterpart = &pv
		}
	}
	view.Name = chatDisplayName(chat, counterpart)
	view.AvatarURL = chatDisplayAvatar(chat, counterpart)
	return view, nil
}

// SetGroupAvatar uploads data and makes it the avatar of a group chat. Only the
// creator may change it.
func (s *Service) SetGroupAvatar(ctx context.Context, actorID, chatID string, data []byte) (ConversationView, error) {
	if s.avatars == nil {
		return ConversationView{}, errAvatarsUnavailable()
	}
	chat, role, err := s.roleIn(ctx, actorID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationView{}, errNotFound("Chat not found")
	}
	if err != nil {
		return ConversationView{}, err
	}
	if chat.Kind != store.ChatGroup || !rbac.Can(role, rbac.ActionEditChat) {
		return ConversationView{}, errForbidden("Only the group creator can change its avatar")
	}

	url, err := s.avatars.Put(ctx, avatars.KindChat, chatID, data)
	if err != nil {
		return ConversationView{}, avatarError(err)
	}
	updated, err := s.store.SetChatAvatar(ctx, chatID, actorID, url)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ConversationView{}, errNotFound("Chat not found")
	case errors.Is(err, store.ErrForbidden):
		return ConversationView{}, errForbidden("Only the group creator can change its avatar")
	case err != nil:
		return ConversationView{}, err
	}
	return s.conversationView(ctx, updated, actorID)
}

func errAvatarsUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "AVATARS_UNAVAILABLE", "Avatar storage is not configured", nil)
}

func avatarError(err error) error {
	switch {
	case errors.Is(err, avatars.ErrEmpty):
		return errInvalid("Avatar is empty", map[string]string{"avatar": "required"})
	case errors.Is(err, avatars.ErrTooLarge):
		return errInvalid("Avatar exceeds 5 MiB", map[string]string{"avatar": "max"})
	case errors.Is(err, avatars.ErrUnsupportedType):
		return errInvalid("Avatar must be a png, jpeg, gif, or webp image", map[string]string{"avatar": "type"})
	}
	return err
}
