package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"courier/api/internal/rbac"
	"courier/api/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Service) IsMember(ctx context.Context, chatID, principalID string) (bool, error) {
	if chatID == "" || principalID == "" {
		return false, nil
	}
	return s.store.IsMember(ctx, chatID, principalID)
}

// MembersOf lists the members of chatID in join order. Non-members get an empty list.
func (s *Service) MembersOf(ctx context.Context, viewerID, chatID string) ([]string, error) {
	return s.store.ListMemberIDs(ctx, chatID, viewerID)
}

// roleIn resolves the viewer's role in chat; non-members get sql.ErrNoRows.
func (s *Service) roleIn(ctx context.Context, viewerID, chatID string) (store.Chat, rbac.Role, error) {
	chat, err := s.store.GetChat(ctx, chatID, viewerID)
	if err != nil {
		return store.Chat{}, rbac.RoleNone, err
	}
	return chat, rbac.RoleFor(viewerID, chat.CreatedBy, true), nil
}

// AddMembers grows a group chat. Only its creator may add members and direct
// chats never grow. It returns the ids that were not already members.
func (s *Service) AddMembers(ctx context.Context, actorID, chatID string, principalIDs []string) ([]string, error) {
	ids := uniqueIDs(principalIDs)
	if len(ids) == 0 {
		return nil, errInvalid("At least one member is required", map[string]string{"memberIds": "required"})
	}

	chat, role, err := s.roleIn(ctx, actorID, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("Chat not found")
	}
	if err != nil {
		return nil, err
	}
	if chat.Kind == store.ChatDirect {
		return nil, errForbidden("Direct chats always have exactly two members")
	}
	if !rbac.Can(role, rbac.ActionAddMember) {
		return nil, errForbidden("Only the chat creator can add members")
	}
	if err := s.requireProfiles(ctx, ids); err != nil {
		return nil, err
	}

	added, err := s.store.AddMembers(ctx, chatID, actorID, ids)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, errNotFound("Chat not found")
	case errors.Is(err, store.ErrForbidden):
		return nil, errForbidden("Only the chat creator can add members")
	case errors.Is(err, store.ErrUnknownPrincipal):
		return nil, errNotFound("Profile not found")
	case err != nil:
		return nil, err
	}
	if len(added) > 0 {
		s.logger.Info("members added",
			zap.String("chat_id", chatID),
			zap.String("actor_id", actorID),
			zap.Strings("member_ids", added),
		)
	}
	return added, nil
}

// requireProfiles fails with NOT_FOUND naming the first id without a profile.
func (s *Service) requireProfiles(ctx context.Context, ids []string) error {
	for _, id := range ids {
		ok, err := s.directory.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return domainError(http.StatusNotFound, CodeNotFound, "Profile not found", map[string]string{"id": id})
		}
	}
	return nil
}

// uniqueIDs trims ids, drops blanks, and collapses duplicates keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = canonicalID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// canonicalID trims id and, when it parses as a UUID, returns the lower-case
// hyphenated form Postgres reports, so case variants compare equal.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

// sameMembers reports whether members is exactly the set want.
func sameMembers(members []string, want ...string) bool {
	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	if len(set) != len(want) {
		return false
	}
	for _, id := range want {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
