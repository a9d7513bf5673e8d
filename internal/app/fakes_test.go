package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/api/internal/authpw"
	"courier/api/internal/avatars"
	"courier/api/internal/config"
	"courier/api/internal/search"
	"courier/api/internal/session"
	"courier/api/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type membershipRow struct {
	chatID string
	userID string
}

// fakeStore is an in-memory dataStore enforcing the same membership predicates
// as the Postgres store. The func fields override single methods.
type fakeStore struct {
	mu       sync.Mutex
	clock    time.Time
	profiles map[string]store.Profile
	chats    map[string]store.Chat
	joins    []membershipRow
	messages []store.Message

	pingFn          func(context.Context) error
	listMemberIDsFn func(context.Context, string, string) ([]string, error)
	lastMessageFn   func(context.Context, string, string) (*store.Message, error)
	insertMessageFn func(context.Context, string, string, string) (store.Message, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clock:    time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		profiles: make(map[string]store.Profile),
		chats:    make(map[string]store.Chat),
	}
}

func (f *fakeStore) tickLocked() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func (f *fakeStore) addProfile(id, username, displayName string) store.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tickLocked()
	profile := store.Profile{ID: id, Username: username, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	f.profiles[id] = profile
	return profile
}

func (f *fakeStore) deleteProfile(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.profiles, id)
}

// seedChat inserts a chat and its members directly, bypassing creation rules.
func (f *fakeStore) seedChat(kind store.ChatKind, createdBy string, members ...string) store.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tickLocked()
	chat := store.Chat{ID: uuid.NewString(), Kind: kind, CreatedBy: createdBy, CreatedAt: now, UpdatedAt: now}
	f.chats[chat.ID] = chat
	for _, id := range members {
		f.joins = append(f.joins, membershipRow{chatID: chat.ID, userID: id})
	}
	return chat
}

func (f *fakeStore) seedMessage(chatID, senderID, content string, createdAt time.Time) store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := store.Message{ID: uuid.NewString(), ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: createdAt}
	f.messages = append(f.messages, msg)
	return msg
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeStore) isMemberLocked(chatID, userID string) bool {
	for _, row := range f.joins {
		if row.chatID == chatID && row.userID == userID {
			return true
		}
	}
	return false
}

func (f *fakeStore) membersLocked(chatID string) []string {
	ids := make([]string, 0)
	for _, row := range f.joins {
		if row.chatID == chatID {
			ids = append(ids, row.userID)
		}
	}
	return ids
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, actorID, profileID string, update store.ProfileUpdate) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if actorID != profileID {
		return store.Profile{}, store.ErrForbidden
	}
	profile, ok := f.profiles[profileID]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	if update.Username != nil {
		for id, other := range f.profiles {
			if id != profileID && strings.EqualFold(other.Username, *update.Username) {
				return store.Profile{}, fmt.Errorf("update profile: %w: profiles_username_key", store.ErrConflict)
			}
		}
		profile.Username = *update.Username
	}
	if update.DisplayName != nil {
		profile.DisplayName = *update.DisplayName
	}
	if update.AvatarURL != nil {
		profile.AvatarURL = update.AvatarURL
	}
	profile.UpdatedAt = f.tickLocked()
	f.profiles[profileID] = profile
	return profile, nil
}

func (f *fakeStore) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isMemberLocked(chatID, userID), nil
}

func (f *fakeStore) ListMemberIDs(ctx context.Context, chatID, viewerID string) ([]string, error) {
	if f.listMemberIDsFn != nil {
		return f.listMemberIDsFn(ctx, chatID, viewerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isMemberLocked(chatID, viewerID) {
		return []string{}, nil
	}
	return f.membersLocked(chatID), nil
}

func (f *fakeStore) AddMembers(_ context.Context, chatID, actorID string, userIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || !f.isMemberLocked(chatID, actorID) {
		return nil, sql.ErrNoRows
	}
	if chat.Kind != store.ChatGroup || chat.CreatedBy != actorID {
		return nil, store.ErrForbidden
	}
	added := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, ok := f.profiles[id]; !ok {
			return nil, fmt.Errorf("insert member: %w", store.ErrUnknownPrincipal)
		}
		if f.isMemberLocked(chatID, id) {
			continue
		}
		f.joins = append(f.joins, membershipRow{chatID: chatID, userID: id})
		added = append(added, id)
	}
	return added, nil
}

func (f *fakeStore) GetChat(_ context.Context, chatID, viewerID string) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || !f.isMemberLocked(chatID, viewerID) {
		return store.Chat{}, sql.ErrNoRows
	}
	return chat, nil
}

func (f *fakeStore) ListChatsForMember(_ context.Context, userID string, kind store.ChatKind) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Chat, 0)
	for _, row := range f.joins {
		if row.userID != userID {
			continue
		}
		chat := f.chats[row.chatID]
		if kind != "" && chat.Kind != kind {
			continue
		}
		items = append(items, chat)
	}
	return items, nil
}

func (f *fakeStore) CreateChat(_ context.Context, chat store.Chat, memberIDs []string) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range memberIDs {
		if _, ok := f.profiles[id]; !ok {
			return store.Chat{}, fmt.Errorf("insert chat member %s: %w", id, store.ErrUnknownPrincipal)
		}
	}
	now := f.tickLocked()
	chat.ID = uuid.NewString()
	chat.CreatedAt = now
	chat.UpdatedAt = now
	f.chats[chat.ID] = chat
	for _, id := range memberIDs {
		f.joins = append(f.joins, membershipRow{chatID: chat.ID, userID: id})
	}
	return chat, nil
}

func (f *fakeStore) CreateDirectChat(ctx context.Context, selfID, otherID string) (store.Chat, bool, error) {
	f.mu.Lock()
	for _, chat := range f.chats {
		if chat.Kind == store.ChatDirect && sameMembers(f.membersLocked(chat.ID), selfID, otherID) {
			f.mu.Unlock()
			return chat, false, nil
		}
	}
	f.mu.Unlock()
	chat, err := f.CreateChat(ctx, store.Chat{Kind: store.ChatDirect, CreatedBy: selfID}, []string{selfID, otherID})
	if err != nil {
		return store.Chat{}, false, err
	}
	return chat, true, nil
}

func (f *fakeStore) SetChatAvatar(_ context.Context, chatID, actorID, avatarURL string) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[chatID]
	if !ok || !f.isMemberLocked(chatID, actorID) {
		return store.Chat{}, sql.ErrNoRows
	}
	if chat.Kind != store.ChatGroup || chat.CreatedBy != actorID {
		return store.Chat{}, store.ErrForbidden
	}
	chat.AvatarURL = &avatarURL
	chat.UpdatedAt = f.tickLocked()
	f.chats[chatID] = chat
	return chat, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, chatID, senderID, content string) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, chatID, senderID, content)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isMemberLocked(chatID, senderID) {
		return store.Message{}, store.ErrForbidden
	}
	msg := store.Message{ID: uuid.NewString(), ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: f.tickLocked()}
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeStore) orderedLocked(chatID, viewerID string, keep func(store.Message) bool) []store.Message {
	items := make([]store.Message, 0)
	if !f.isMemberLocked(chatID, viewerID) {
		return items
	}
	for _, msg := range f.messages {
		if msg.ChatID == chatID && keep(msg) {
			items = append(items, msg)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (f *fakeStore) ListMessages(_ context.Context, chatID, viewerID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderedLocked(chatID, viewerID, func(store.Message) bool { return true }), nil
}

func (f *fakeStore) ListMessagesSince(_ context.Context, chatID, viewerID string, since time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orderedLocked(chatID, viewerID, func(m store.Message) bool { return !m.CreatedAt.Before(since) }), nil
}

func (f *fakeStore) LastMessage(ctx context.Context, chatID, viewerID string) (*store.Message, error) {
	if f.lastMessageFn != nil {
		return f.lastMessageFn(ctx, chatID, viewerID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.orderedLocked(chatID, viewerID, func(store.Message) bool { return true })
	if len(items) == 0 {
		return nil, nil
	}
	last := items[len(items)-1]
	return &last, nil
}

// fakeDirectory reads profiles straight from a fakeStore.
type fakeDirectory struct {
	store        *fakeStore
	lookupManyFn func(context.Context, []string) (map[string]store.Profile, error)

	mu          sync.Mutex
	invalidated []string
}

func (d *fakeDirectory) Lookup(_ context.Context, id string) (store.Profile, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	profile, ok := d.store.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return profile, nil
}

func (d *fakeDirectory) LookupMany(ctx context.Context, ids []string) (map[string]store.Profile, error) {
	if d.lookupManyFn != nil {
		return d.lookupManyFn(ctx, ids)
	}
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	out := make(map[string]store.Profile, len(ids))
	for _, id := range ids {
		if profile, ok := d.store.profiles[id]; ok {
			out[id] = profile
		}
	}
	return out, nil
}

func (d *fakeDirectory) Exists(ctx context.Context, id string) (bool, error) {
	_, err := d.Lookup(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (d *fakeDirectory) Search(_ context.Context, prefix string, limit int) ([]store.Profile, error) {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()
	items := make([]store.Profile, 0)
	for _, profile := range d.store.profiles {
		if strings.HasPrefix(strings.ToLower(profile.Username), strings.ToLower(prefix)) {
			items = append(items, profile)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Username < items[j].Username })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (d *fakeDirectory) Invalidate(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated = append(d.invalidated, id)
}

type fakeSessions struct {
	mu      sync.Mutex
	refresh map[string]string
	revoked map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{refresh: make(map[string]string), revoked: make(map[string]bool)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return "", session.ErrNotFound
	}
	return userID, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeSessions) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeSessions) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeCredentials struct {
	signUpFn func(context.Context, authpw.SignUpRequest) (store.Profile, error)
	signInFn func(context.Context, authpw.SignInRequest) (store.Profile, error)
}

func (f *fakeCredentials) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.Profile, error) {
	if f.signUpFn != nil {
		return f.signUpFn(ctx, req)
	}
	return store.Profile{}, errors.New("sign-up not configured")
}

func (f *fakeCredentials) SignIn(ctx context.Context, req authpw.SignInRequest) (store.Profile, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, req)
	}
	return store.Profile{}, authpw.ErrInvalidCredentials
}

type fakeSearch struct {
	mu       sync.Mutex
	queries  []search.Query
	indexed  []store.Message
	searchFn func(context.Context, search.Query) search.Response
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexMessage(msg store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, msg)
}

type fakeAvatars struct {
	putFn func(context.Context, avatars.Kind, string, []byte) (string, error)
}

func (f *fakeAvatars) Put(ctx context.Context, kind avatars.Kind, ownerID string, data []byte) (string, error) {
	if f.putFn != nil {
		return f.putFn(ctx, kind, ownerID, data)
	}
	if _, err := avatars.Sniff(data); err != nil {
		return "", err
	}
	return fmt.Sprintf("https://cdn.test/avatars/%s/%s/a.png", kind, ownerID), nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:        "test-secret",
			AccessTTL:        time.Hour,
			RefreshTTL:       24 * time.Hour,
			LiveReconnectMin: 5 * time.Millisecond,
			LiveReconnectMax: 20 * time.Millisecond,
		},
		store:       fs,
		sessions:    newFakeSessions(),
		directory:   &fakeDirectory{store: fs},
		credentials: &fakeCredentials{},
		logger:      zap.NewNop(),
		validate:    authpw.NewValidator(),
		fanout:      4,
	}
}

// tokenFor issues an access token for an existing profile.
func tokenFor(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	profile, err := svc.directory.Lookup(context.Background(), userID)
	if err != nil {
		t.Fatalf("lookup %s: %v", userID, err)
	}
	session, err := svc.issueSession(context.Background(), profile)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}
