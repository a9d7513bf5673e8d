package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const profileColumns = `id, username, display_name, avatar_url, created_at, updated_at`

func scanProfile(row rowScanner) (Profile, error) {
	var item Profile
	var avatar sql.NullString
	if err := row.Scan(&item.ID, &item.Username, &item.DisplayName, &avatar, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Profile{}, err
	}
	item.AvatarURL = nullableString(avatar)
	return item, nil
}

const chatColumns = `c.id, c.type, c.name, c.avatar_url, c.created_by, c.created_at, c.updated_at`

func scanChat(row rowScanner) (Chat, error) {
	var item Chat
	var kind string
	var name, avatar sql.NullString
	if err := row.Scan(&item.ID, &kind, &name, &avatar, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Chat{}, err
	}
	item.Kind = ChatKind(kind)
	item.Name = nullableString(name)
	item.AvatarURL = nullableString(avatar)
	return item, nil
}

const messageColumns = `m.id, m.chat_id, m.sender_id, m.content, m.created_at`

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	if err := row.Scan(&item.ID, &item.ChatID, &item.SenderID, &item.Content, &item.CreatedAt); err != nil {
		return Message{}, err
	}
	return item, nil
}

func nullableString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

// =============================================================================
// Identity
// =============================================================================

// RegisterPrincipal creates the credential row and the public profile together.
// The profile id is the credential id.
func (s *PostgresStore) RegisterPrincipal(ctx context.Context, user AuthUser, profile Profile) (Profile, error) {
	var created Profile
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO auth_users (email, password_hash)
			VALUES (LOWER($1), $2)
			RETURNING id
		`, user.Email, user.PasswordHash).Scan(&profile.ID); err != nil {
			return fmt.Errorf("insert auth user: %w", translate(err))
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO profiles (id, username, display_name, avatar_url)
			VALUES ($1, $2, $3, $4)
			RETURNING `+profileColumns,
			profile.ID, profile.Username, profile.DisplayName, profile.AvatarURL)
		item, err := scanProfile(row)
		if err != nil {
			return fmt.Errorf("insert profile: %w", translate(err))
		}
		created = item
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetAuthUserByEmail(ctx context.Context, email string) (AuthUser, error) {
	var user AuthUser
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at
		FROM auth_users
		WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return AuthUser{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=$1`, id)
	return scanProfile(row)
}

// GetProfiles returns the profiles that exist among ids; missing ids are skipped.
func (s *PostgresStore) GetProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	items := make([]Profile, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SearchProfiles(ctx context.Context, prefix string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(prefix)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE LOWER(username) LIKE $1 OR LOWER(display_name) LIKE $1
		ORDER BY username ASC
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer rows.Close()

	items := make([]Profile, 0)
	for rows.Next() {
		item, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return items, nil
}

// UpdateProfile applies update to profileID. Only the owner may mutate a profile.
func (s *PostgresStore) UpdateProfile(ctx context.Context, actorID, profileID string, update ProfileUpdate) (Profile, error) {
	if actorID == "" || actorID != profileID {
		return Profile{}, ErrForbidden
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET username = COALESCE($2, username),
			display_name = COALESCE($3, display_name),
			avatar_url = COALESCE($4, avatar_url),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+profileColumns,
		profileID, update.Username, update.DisplayName, update.AvatarURL)
	item, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, err
		}
		return Profile{}, fmt.Errorf("update profile: %w", translate(err))
	}
	return item, nil
}

// =============================================================================
// Membership
// =============================================================================

func (s *PostgresStore) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)
	`, chatID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return member, nil
}

// ListMemberIDs returns the members of chatID in join order. The result is empty
// unless viewerID is itself a member.
func (s *PostgresStore) ListMemberIDs(ctx context.Context, chatID, viewerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id
		FROM chat_members m
		WHERE m.chat_id = $1
			AND EXISTS (SELECT 1 FROM chat_members v WHERE v.chat_id = $1 AND v.user_id = $2)
		ORDER BY m.joined_at ASC, m.user_id ASC
	`, chatID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return ids, nil
}

// AddMembers inserts memberships for userIDs on behalf of actorID and returns the
// ids that were newly added. Only the creator of a group chat may add members;
// direct chats never grow.
func (s *PostgresStore) AddMembers(ctx context.Context, chatID, actorID string, userIDs []string) ([]string, error) {
	added := make([]string, 0, len(userIDs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var kind, createdBy string
		var actorIsMember bool
		err := tx.QueryRowContext(ctx, `
			SELECT c.type, c.created_by,
				EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)
			FROM chats c
			WHERE c.id = $1
			FOR UPDATE
		`, chatID, actorID).Scan(&kind, &createdBy, &actorIsMember)
		if err != nil {
			return err
		}
		if !actorIsMember {
			return sql.ErrNoRows
		}
		if ChatKind(kind) != ChatGroup || createdBy != actorID {
			return ErrForbidden
		}

		for _, userID := range userIDs {
			var inserted string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO chat_members (chat_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT (chat_id, user_id) DO NOTHING
				RETURNING user_id
			`, chatID, userID).Scan(&inserted)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert member: %w", translate(err))
			}
			added = append(added, inserted)
		}
		if len(added) > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, chatID); err != nil {
				return fmt.Errorf("touch chat: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// =============================================================================
// Chats
// =============================================================================

// GetChat returns chatID as seen by viewerID; non-members get sql.ErrNoRows.
func (s *PostgresStore) GetChat(ctx context.Context, chatID, viewerID string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats c
		WHERE c.id = $1
			AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)
	`, chatID, viewerID)
	return scanChat(row)
}

// ListChatsForMember enumerates the chats userID belongs to, in membership order
// (join time, then chat id). An empty kind lists every kind.
func (s *PostgresStore) ListChatsForMember(ctx context.Context, userID string, kind ChatKind) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chat_members m
		JOIN chats c ON c.id = m.chat_id
		WHERE m.user_id = $1
			AND ($2 = '' OR c.type = $2)
		ORDER BY m.joined_at ASC, c.id ASC
	`, userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]Chat, 0)
	for rows.Next() {
		item, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

// CreateChat inserts chat and a membership row per memberIDs in one transaction.
// A failed membership insert rolls back the chat.
func (s *PostgresStore) CreateChat(ctx context.Context, chat Chat, memberIDs []string) (Chat, error) {
	var created Chat
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item, err := insertChat(ctx, tx, chat)
		if err != nil {
			return err
		}
		if err := insertMembers(ctx, tx, item.ID, memberIDs); err != nil {
			return err
		}
		created = item
		return nil
	})
	if err != nil {
		return Chat{}, err
	}
	return created, nil
}

// CreateDirectChat returns the direct chat between selfID and otherID, creating it
// when none exists. Creation for the same unordered pair is serialized with a
// transaction-scoped advisory lock and existence is re-checked under that lock.
func (s *PostgresStore) CreateDirectChat(ctx context.Context, selfID, otherID string) (Chat, bool, error) {
	var result Chat
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, directPairKey(selfID, otherID)); err != nil {
			return fmt.Errorf("lock direct pair: %w", err)
		}

		existing, err := scanChat(tx.QueryRowContext(ctx, `
			SELECT `+chatColumns+`
			FROM chats c
			WHERE c.type = 'direct'
				AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $1)
				AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)
				AND (SELECT COUNT(*) FROM chat_members WHERE chat_id = c.id) = 2
			ORDER BY c.created_at ASC, c.id ASC
			LIMIT 1
		`, selfID, otherID))
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find direct chat: %w", err)
		}

		item, err := insertChat(ctx, tx, Chat{Kind: ChatDirect, CreatedBy: selfID})
		if err != nil {
			return err
		}
		if err := insertMembers(ctx, tx, item.ID, []string{selfID, otherID}); err != nil {
			return err
		}
		result = item
		created = true
		return nil
	})
	if err != nil {
		return Chat{}, false, err
	}
	return result, created, nil
}

func directPairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "direct:" + pair[0] + ":" + pair[1]
}

func insertChat(ctx context.Context, tx *sql.Tx, chat Chat) (Chat, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO chats AS c (type, name, avatar_url, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING `+chatColumns,
		string(chat.Kind), chat.Name, chat.AvatarURL, chat.CreatedBy)
	item, err := scanChat(row)
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", translate(err))
	}
	return item, nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, chatID string, memberIDs []string) error {
	for _, userID := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id)
			VALUES ($1, $2)
		`, chatID, userID); err != nil {
			return fmt.Errorf("insert chat member %s: %w", userID, translate(err))
		}
	}
	return nil
}

// SetChatAvatar updates the avatar of a group chat. Only the creator may do so.
func (s *PostgresStore) SetChatAvatar(ctx context.Context, chatID, actorID, avatarURL string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE chats AS c
		SET avatar_url = $3, updated_at = NOW()
		WHERE c.id = $1 AND c.created_by = $2 AND c.type = 'group'
		RETURNING `+chatColumns,
		chatID, actorID, avatarURL)
	item, err := scanChat(row)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Chat{}, fmt.Errorf("set chat avatar: %w", err)
	}
	member, memberErr := s.IsMember(ctx, chatID, actorID)
	if memberErr != nil {
		return Chat{}, memberErr
	}
	if member {
		return Chat{}, ErrForbidden
	}
	return Chat{}, sql.ErrNoRows
}

// FindDuplicateDirectChats lists unordered pairs that share more than one direct chat.
func (s *PostgresStore) FindDuplicateDirectChats(ctx context.Context) ([]DuplicateDirect, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH pairs AS (
			SELECT c.id, c.created_at,
				MIN(m.user_id::text) AS user_a,
				MAX(m.user_id::text) AS user_b,
				COUNT(*) AS member_count
			FROM chats c
			JOIN chat_members m ON m.chat_id = c.id
			WHERE c.type = 'direct'
			GROUP BY c.id, c.created_at
		)
		SELECT user_a, user_b, STRING_AGG(id::text, ',' ORDER BY created_at ASC, id ASC)
		FROM pairs
		WHERE member_count = 2
		GROUP BY user_a, user_b
		HAVING COUNT(*) > 1
		ORDER BY user_a, user_b
	`)
	if err != nil {
		return nil, fmt.Errorf("find duplicate direct chats: %w", err)
	}
	defer rows.Close()

	items := make([]DuplicateDirect, 0)
	for rows.Next() {
		var item DuplicateDirect
		var chatIDs string
		if err := rows.Scan(&item.UserA, &item.UserB, &chatIDs); err != nil {
			return nil, fmt.Errorf("scan duplicate direct chat: %w", err)
		}
		item.ChatIDs = strings.Split(chatIDs, ",")
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate direct chats: %w", err)
	}
	return items, nil
}

// =============================================================================
// Messages
// =============================================================================

// InsertMessage appends a message. The membership predicate is evaluated in the
// same statement as the insert; a sender who is not a member gets ErrForbidden.
func (s *PostgresStore) InsertMessage(ctx context.Context, chatID, senderID, content string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages AS m (chat_id, sender_id, content)
		SELECT $1, $2, $3
		WHERE EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)
		RETURNING `+messageColumns,
		chatID, senderID, content)
	item, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrForbidden
	}
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", translate(err))
	}
	return item, nil
}

// ListMessages returns the history of chatID ordered by (created_at, id). The
// result is empty unless viewerID is a member.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID, viewerID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1
			AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)
		ORDER BY m.created_at ASC, m.id ASC
	`, chatID, viewerID)
}

// ListMessagesSince returns messages created at or after since, for reconciliation.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, chatID, viewerID string, since time.Time) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1
			AND m.created_at >= $3
			AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)
		ORDER BY m.created_at ASC, m.id ASC
	`, chatID, viewerID, since)
}

// LastMessage returns the most recent message of chatID, or nil when there is none
// or viewerID is not a member.
func (s *PostgresStore) LastMessage(ctx context.Context, chatID, viewerID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1
			AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`, chatID, viewerID)
	item, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	return &item, nil
}

// ListMessagesForIndex pages through every message in (created_at, id) order
// for search reindexing. Pass the last row of the previous page as the cursor;
// a zero afterTime starts from the beginning.
func (s *PostgresStore) ListMessagesForIndex(ctx context.Context, afterTime time.Time, afterID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	if afterID == "" {
		afterID = "00000000-0000-0000-0000-000000000000"
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE (m.created_at, m.id) > ($1, $2::uuid)
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $3
	`, afterTime, afterID, limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// =============================================================================
// Sessions (used when Redis is not configured)
// =============================================================================

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
