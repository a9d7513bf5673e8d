package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Membership is enforced by joining chat_members on the viewer.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

const tsQuery = "plainto_tsquery('simple', $1)"

// buildQuery returns the count and page statements plus their arguments.
func buildQuery(q Query) (string, string, []any) {
	args := []any{q.Text, q.ViewerID}
	where := "to_tsvector('simple', m.content) @@ " + tsQuery
	if q.ChatID != "" {
		args = append(args, q.ChatID)
		where += fmt.Sprintf(" AND m.chat_id = $%d", len(args))
	}

	from := `
		FROM messages m
		JOIN chat_members cm ON cm.chat_id = m.chat_id AND cm.user_id = $2
		WHERE ` + where

	countSQL := "SELECT count(*)" + from
	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.chat_id, m.sender_id,
			ts_headline('simple', m.content, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			m.created_at
		%s
		ORDER BY ts_rank(to_tsvector('simple', m.content), %s) DESC, m.created_at DESC, m.id DESC
		LIMIT %d OFFSET %d`,
		tsQuery, from, tsQuery, normalizeLimit(q.Limit), max(q.Offset, 0))
	return countSQL, dataSQL, args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ViewerID == "" {
		return nil, 0, nil
	}

	countSQL, dataSQL, args := buildQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.ChatID, &r.SenderID, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}
