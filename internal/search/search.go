package search

import (
	"context"
	"time"
)

// Result is a single message hit returned to the caller.
type Result struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query describes a search request. ChatIDs is the set of chats the viewer
// belongs to; hits outside it are never returned.
type Query struct {
	Text     string
	ViewerID string
	ChatIDs  []string
	ChatID   string // optional narrowing to one chat
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the document indexed for a message.
type MessageRecord struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 100:
		return 100
	default:
		return limit
	}
}

// allowedChats returns the chats a query may touch: the viewer's chats, or
// just ChatID when it is one of them.
func allowedChats(q Query) []string {
	if q.ChatID == "" {
		return q.ChatIDs
	}
	for _, id := range q.ChatIDs {
		if id == q.ChatID {
			return []string{id}
		}
	}
	return nil
}
