// Package identity resolves principal ids to public profiles, with an optional
// Redis read-through cache in front of the store.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/api/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProfileLoader is the authoritative profile source.
type ProfileLoader interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	GetProfiles(ctx context.Context, ids []string) ([]store.Profile, error)
	SearchProfiles(ctx context.Context, prefix string, limit int) ([]store.Profile, error)
}

type Directory struct {
	loader ProfileLoader
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

type cachedProfile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewDirectory builds a directory. cache may be nil, in which case every lookup hits the loader.
func NewDirectory(loader ProfileLoader, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Directory{loader: loader, cache: cache, ttl: ttl, logger: logger}
}

func cacheKey(id string) string {
	return "profile:" + id
}

// Lookup returns the profile for id, or sql.ErrNoRows when it does not exist.
func (d *Directory) Lookup(ctx context.Context, id string) (store.Profile, error) {
	if profile, ok := d.fromCache(ctx, id); ok {
		return profile, nil
	}
	profile, err := d.loader.GetProfile(ctx, id)
	if err != nil {
		return store.Profile{}, err
	}
	d.toCache(ctx, profile)
	return profile, nil
}

// LookupMany resolves ids in bulk. Unknown ids are absent from the result.
func (d *Directory) LookupMany(ctx context.Context, ids []string) (map[string]store.Profile, error) {
	out := make(map[string]store.Profile, len(ids))
	missing := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if profile, ok := d.fromCache(ctx, id); ok {
			out[id] = profile
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := d.loader.GetProfiles(ctx, missing)
	if err != nil {
		return out, fmt.Errorf("load profiles: %w", err)
	}
	for _, profile := range loaded {
		out[profile.ID] = profile
		d.toCache(ctx, profile)
	}
	return out, nil
}

// Exists reports whether a profile with id is registered.
func (d *Directory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.Lookup(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *Directory) Search(ctx context.Context, prefix string, limit int) ([]store.Profile, error) {
	return d.loader.SearchProfiles(ctx, prefix, limit)
}

// Invalidate drops the cached copy of id after its profile changed.
func (d *Directory) Invalidate(ctx context.Context, id string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Del(ctx, cacheKey(id)).Err(); err != nil {
		d.logger.Warn("profile cache invalidate failed", zap.String("profile_id", id), zap.Error(err))
	}
}

func (d *Directory) fromCache(ctx context.Context, id string) (store.Profile, bool) {
	if d.cache == nil {
		return store.Profile{}, false
	}
	raw, err := d.cache.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			d.logger.Warn("profile cache read failed", zap.String("profile_id", id), zap.Error(err))
		}
		return store.Profile{}, false
	}
	var cached cachedProfile
	if err := json.Unmarshal(raw, &cached); err != nil {
		return store.Profile{}, false
	}
	return store.Profile{
		ID:          cached.ID,
		Username:    cached.Username,
		DisplayName: cached.DisplayName,
		AvatarURL:   cached.AvatarURL,
		CreatedAt:   cached.CreatedAt,
		UpdatedAt:   cached.UpdatedAt,
	}, true
}

func (d *Directory) toCache(ctx context.Context, profile store.Profile) {
	if d.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedProfile{
		ID:          profile.ID,
		Username:    profile.Username,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		CreatedAt:   profile.CreatedAt,
		UpdatedAt:   profile.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, cacheKey(profile.ID), raw, d.ttl).Err(); err != nil {
		d.logger.Warn("profile cache write failed", zap.String("profile_id", profile.ID), zap.Error(err))
	}
}
