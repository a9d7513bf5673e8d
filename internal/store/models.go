package store

import "time"

type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

type AuthUser struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Profile struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProfileUpdate carries the owner-editable profile fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	Username    *string
	DisplayName *string
	AvatarURL   *string
}

type Chat struct {
	ID        string
	Kind      ChatKind
	Name      *string
	AvatarURL *string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
	// Joined sender fields; empty when the sender profile cannot be resolved.
	SenderUsername    string
	SenderDisplayName string
	SenderAvatarURL   *string
}

// DuplicateDirect is an unordered pair of principals that shares more than one
// direct chat. ChatIDs is ordered oldest first.
type DuplicateDirect struct {
	UserA   string
	UserB   string
	ChatIDs []string
}
