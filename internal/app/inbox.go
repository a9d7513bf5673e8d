package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"courier/api/internal/search"
	"courier/api/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	SortMembership = ""
	SortRecent     = "recent"
)

// ListConversations returns one entry per chat the viewer belongs to, in
// membership order unless sortOrder is SortRecent. Each entry is resolved
// independently; a failed lookup degrades only its own field.
func (s *Service) ListConversations(ctx context.Context, viewerID, sortOrder string) ([]ConversationView, error) {
	sortOrder = strings.ToLower(strings.TrimSpace(sortOrder))
	if sortOrder != SortMembership && sortOrder != SortRecent {
		return nil, errInvalid("sort must be empty or recent", map[string]string{"sort": "oneof"})
	}

	chats, err := s.store.ListChatsForMember(ctx, viewerID, "")
	if err != nil {
		return nil, err
	}

	entries := make([]ConversationView, len(chats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, chat := range chats {
		g.Go(func() error {
			entries[i] = s.summarize(gctx, chat, viewerID)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if sortOrder == SortRecent {
		sort.SliceStable(entries, func(i, j int) bool {
			return lastActivity(entries[i]).After(lastActivity(entries[j]))
		})
	}
	return entries, nil
}

func (s *Service) summarize(ctx context.Context, chat store.Chat, viewerID string) ConversationView {
	view := baseView(chat, viewerID)

	last, err := s.store.LastMessage(ctx, chat.ID, viewerID)
	if err != nil {
		s.logger.Warn("last message lookup failed", zap.String("chat_id", chat.ID), zap.Error(err))
	} else if last != nil {
		mv := messageView(s.Enrich(ctx, []store.Message{*last})[0])
		view.LastMessage = &mv
	}

	counterpart := s.counterpartOf(ctx, chat, viewerID)
	if counterpart != nil {
		pv := profileView(*counterpart)
		view.Counterpart = &pv
	}
	view.Name = chatDisplayName(chat, counterpart)
	view.AvatarURL = chatDisplayAvatar(chat, counterpart)
	return view
}

func lastActivity(view ConversationView) time.Time {
	if view.LastMessage != nil {
		return view.LastMessage.CreatedAt
	}
	return view.CreatedAt
}

// SearchMessages searches the messages of every chat the viewer belongs to,
// optionally narrowed to chatID.
func (s *Service) SearchMessages(ctx context.Context, viewerID, text, chatID string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	empty := search.Response{Results: []search.Result{}, Query: text}
	if text == "" || s.search == nil {
		return empty, nil
	}
	chats, err := s.store.ListChatsForMember(ctx, viewerID, "")
	if err != nil {
		return search.Response{}, err
	}
	ids := make([]string, 0, len(chats))
	for _, chat := range chats {
		ids = append(ids, chat.ID)
	}
	return s.search.Search(ctx, search.Query{
		Text:     text,
		ViewerID: viewerID,
		ChatIDs:  ids,
		ChatID:   chatID,
		Limit:    limit,
		Offset:   offset,
	}), nil
}
