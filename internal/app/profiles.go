package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"courier/api/internal/authpw"
	"courier/api/internal/avatars"
	"courier/api/internal/store"
	"go.uber.org/zap"
)

type ProfileView struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

func profileView(p store.Profile) ProfileView {
	return ProfileView{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

func (s *Service) GetProfile(ctx context.Context, id string) (ProfileView, error) {
	profile, err := s.directory.Lookup(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileView{}, errNotFound("Profile not found")
	}
	if err != nil {
		return ProfileView{}, err
	}
	return profileView(profile), nil
}

// SearchProfiles finds principals by username prefix for starting a chat. The
// viewer is left out of the results.
func (s *Service) SearchProfiles(ctx context.Context, viewerID, query string, limit int) ([]ProfileView, error) {
	query = strings.TrimSpace(query)
	out := make([]ProfileView, 0)
	if query == "" {
		return out, nil
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	profiles, err := s.directory.Search(ctx, query, limit+1)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.ID == viewerID {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, profileView(p))
	}
	return out, nil
}

// ProfileUpdateInput holds the owner-editable fields. Nil fields are unchanged.
type ProfileUpdateInput struct {
	Username    *string `json:"username" validate:"omitempty,username"`
	DisplayName *string `json:"displayName" validate:"omitempty,min=1,max=80"`
}

// UpdateMyProfile edits the caller's own profile.
func (s *Service) UpdateMyProfile(ctx context.Context, principalID string, input ProfileUpdateInput) (ProfileView, error) {
	if input.Username != nil {
		trimmed := strings.TrimSpace(*input.Username)
		input.Username = &trimmed
	}
	if input.DisplayName != nil {
		trimmed := strings.TrimSpace(*input.DisplayName)
		input.DisplayName = &trimmed
	}
	if err := s.validate.Struct(input); err != nil {
		var validationErr *authpw.ValidationError
		if errors.As(authpw.AsValidationError(err), &validationErr) {
			return ProfileView{}, errInvalid("Profile details are invalid", validationErr.Fields)
		}
		return ProfileView{}, err
	}

	return s.updateProfile(ctx, principalID, store.ProfileUpdate{
		Username:    input.Username,
		DisplayName: input.DisplayName,
	})
}

// SetMyAvatar uploads data and makes it the caller's avatar.
func (s *Service) SetMyAvatar(ctx context.Context, principalID string, data []byte) (ProfileView, error) {
	if s.avatars == nil {
		return ProfileView{}, errAvatarsUnavailable()
	}
	url, err := s.avatars.Put(ctx, avatars.KindProfile, principalID, data)
	if err != nil {
		return ProfileView{}, avatarError(err)
	}
	return s.updateProfile(ctx, principalID, store.ProfileUpdate{AvatarURL: &url})
}

func (s *Service) updateProfile(ctx context.Context, principalID string, update store.ProfileUpdate) (ProfileView, error) {
	profile, err := s.store.UpdateProfile(ctx, principalID, principalID, update)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ProfileView{}, errNotFound("Profile not found")
	case errors.Is(err, store.ErrForbidden):
		return ProfileView{}, errForbidden("Profiles can only be edited by their owner")
	case errors.Is(err, store.ErrConflict):
		return ProfileView{}, errConflict("Username already taken", map[string]string{"username": "unique"})
	case err != nil:
		return ProfileView{}, err
	}
	s.directory.Invalidate(ctx, principalID)
	s.logger.Info("profile updated", zap.String("user_id", principalID))
	return profileView(profile), nil
}
