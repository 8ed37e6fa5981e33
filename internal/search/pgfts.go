package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher with PostgreSQL full-text search over the posts
// table. It is the fallback when Meilisearch is unavailable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches visible topics and replies with plainto_tsquery, ranked by
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	where := []string{
		"p.fts @@ " + tsQuery,
		"p.status IN ('public', 'closed')",
	}
	args := []any{q.Text}

	switch q.FilterType {
	case "":
		where = append(where, "p.post_type IN ('topic', 'reply')")
	case ResultTopic, ResultReply:
		args = append(args, string(q.FilterType))
		where = append(where, fmt.Sprintf("p.post_type = $%d", len(args)))
	default:
		return nil, 0, nil
	}
	if q.FilterForumID != 0 {
		args = append(args, q.FilterForumID)
		where = append(where, fmt.Sprintf("p.forum_id = $%d", len(args)))
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT count(*) FROM posts p WHERE " + whereSQL
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT p.post_type, p.id, p.title,
			ts_headline('english', p.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			p.forum_id, p.topic_id
		FROM posts p
		WHERE %s
		ORDER BY ts_rank(p.fts, %s) DESC, p.id
		LIMIT %d OFFSET %d`,
		tsQuery, whereSQL, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ForumID, &r.TopicID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every visible topic and reply for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT p.id, p.post_type, p.title, p.content, p.forum_id, p.topic_id, p.author_id,
			extract(epoch FROM p.created_at)::bigint,
			coalesce((SELECT string_agg(t.tag, E'\n' ORDER BY t.tag) FROM topic_tags t WHERE t.topic_id = p.id), '')
		FROM posts p
		WHERE p.post_type IN ('topic', 'reply') AND p.status IN ('public', 'closed')
		ORDER BY p.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load posts: %w", err)
	}
	defer rows.Close()

	records := make([]PostRecord, 0)
	for rows.Next() {
		var r PostRecord
		var tags string
		if err := rows.Scan(&r.ID, &r.Type, &r.Title, &r.Content, &r.ForumID, &r.TopicID, &r.AuthorID, &r.CreatedAt, &tags); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if tags != "" {
			r.Tags = strings.Split(tags, "\n")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return records, nil
}
