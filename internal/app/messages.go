package app

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"courier/api/internal/feed"
	"courier/api/internal/store"
	"go.uber.org/zap"
)

const MaxMessageLength = 4000

type MessageView struct {
	ID                string    `json:"id"`
	ChatID            string    `json:"chatId"`
	SenderID          string    `json:"senderId"`
	SenderUsername    string    `json:"senderUsername"`
	SenderDisplayName string    `json:"senderDisplayName"`
	SenderAvatarURL   *string   `json:"senderAvatarUrl"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"createdAt"`
}

func messageView(m store.Message) MessageView {
	return MessageView{
		ID:                m.ID,
		ChatID:            m.ChatID,
		SenderID:          m.SenderID,
		SenderUsername:    m.SenderUsername,
		SenderDisplayName: m.SenderDisplayName,
		SenderAvatarURL:   m.SenderAvatarURL,
		Content:           m.Content,
		CreatedAt:         m.CreatedAt,
	}
}

func messageViews(messages []store.Message) []MessageView {
	out := make([]MessageView, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageView(m))
	}
	return out
}

// SendMessage appends content to chatID as senderID. The membership check runs
// in the insert itself. Feed publication and search indexing are best-effort.
func (s *Service) SendMessage(ctx context.Context, senderID, chatID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, errInvalid("Message content is required", map[string]string{"content": "required"})
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return store.Message{}, errInvalid("Message is too long", map[string]string{"content": "max=4000"})
	}

	msg, err := s.store.InsertMessage(ctx, chatID, senderID, content)
	if errors.Is(err, store.ErrForbidden) {
		return store.Message{}, errForbidden("Not a member of this chat")
	}
	if err != nil {
		return store.Message{}, err
	}

	s.publish(ctx, msg)
	if s.search != nil {
		s.search.IndexMessage(msg)
	}
	return s.Enrich(ctx, []store.Message{msg})[0], nil
}

func (s *Service) publish(ctx context.Context, msg store.Message) {
	if s.feed == nil {
		return
	}
	err := s.feed.Publish(ctx, feed.Event{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("publish message event failed",
			zap.String("chat_id", msg.ChatID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// History returns chatID's messages in (created_at, id) order. Viewers that are
// not members get an empty result.
func (s *Service) History(ctx context.Context, viewerID, chatID string) ([]store.Message, error) {
	messages, err := s.store.ListMessages(ctx, chatID, viewerID)
	if err != nil {
		return nil, err
	}
	return s.Enrich(ctx, messages), nil
}

// HistorySince returns messages created at or after since.
func (s *Service) HistorySince(ctx context.Context, viewerID, chatID string, since time.Time) ([]store.Message, error) {
	messages, err := s.store.ListMessagesSince(ctx, chatID, viewerID, since)
	if err != nil {
		return nil, err
	}
	return s.Enrich(ctx, messages), nil
}

// Enrich fills sender profile fields. Senders that cannot be resolved keep
// their raw id and empty name fields. A failed lookup still applies whatever
// profiles were resolved before the failure.
func (s *Service) Enrich(ctx context.Context, messages []store.Message) []store.Message {
	out := make([]store.Message, len(messages))
	copy(out, messages)
	if len(out) == 0 {
		return out
	}

	ids := make([]string, 0, len(out))
	for _, m := range out {
		ids = append(ids, m.SenderID)
	}
	profiles, err := s.directory.LookupMany(ctx, ids)
	if err != nil {
		s.logger.Warn("sender lookup failed",
			zap.Int("messages", len(out)),
			zap.Int("resolved", len(profiles)),
			zap.Error(err))
	}
	for i := range out {
		profile, ok := profiles[out[i].SenderID]
		if !ok {
			continue
		}
		out[i].SenderUsername = profile.Username
		out[i].SenderDisplayName = profile.DisplayName
		out[i].SenderAvatarURL = profile.AvatarURL
	}
	return out
}
