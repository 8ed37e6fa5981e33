package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"forumcore/internal/status"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const postColumns = `id, post_type, parent_id, forum_id, topic_id, author_id,
	anonymous_name, anonymous_email, anonymous_url, author_ip,
	title, content, status, prev_status, menu_order, created_at, updated_at,
	reply_count, reply_count_hidden, voice_count, anonymous_reply_count,
	subforum_count, topic_count, total_topic_count, topic_count_hidden, total_reply_count,
	last_topic_id, last_reply_id, last_active_id, last_active_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var (
		post       Post
		postType   string
		current    string
		previous   string
		lastActive sql.NullTime
	)
	err := row.Scan(
		&post.ID, &postType, &post.ParentID, &post.ForumID, &post.TopicID, &post.AuthorID,
		&post.Anonymous.Name, &post.Anonymous.Email, &post.Anonymous.URL, &post.Anonymous.IP,
		&post.Title, &post.Content, &current, &previous, &post.MenuOrder, &post.CreatedAt, &post.UpdatedAt,
		&post.Stats.ReplyCount, &post.Stats.ReplyCountHidden, &post.Stats.VoiceCount, &post.Stats.AnonymousReplyCount,
		&post.Stats.SubforumCount, &post.Stats.TopicCount, &post.Stats.TotalTopicCount, &post.Stats.TopicCountHidden, &post.Stats.TotalReplyCount,
		&post.Stats.LastTopicID, &post.Stats.LastReplyID, &post.Stats.LastActiveID, &lastActive,
	)
	if err != nil {
		return Post{}, err
	}
	post.Type = PostType(postType)
	post.State = status.State{Current: status.Status(current), Previous: status.Status(previous)}
	if lastActive.Valid {
		post.Stats.LastActiveTime = lastActive.Time
	}
	return post, nil
}

func nullTime(post Post) any {
	if post.Stats.LastActiveTime.IsZero() {
		return nil
	}
	return post.Stats.LastActiveTime
}

func (s *PostgresStore) Create(ctx context.Context, post Post) (int64, error) {
	var createdAt any
	if !post.CreatedAt.IsZero() {
		createdAt = post.CreatedAt
	}
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO posts (post_type, parent_id, forum_id, topic_id, author_id,
			anonymous_name, anonymous_email, anonymous_url, author_ip,
			title, content, status, prev_status, menu_order, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, COALESCE($15, NOW()))
		RETURNING id
	`, string(post.Type), post.ParentID, post.ForumID, post.TopicID, post.AuthorID,
		post.Anonymous.Name, post.Anonymous.Email, post.Anonymous.URL, post.Anonymous.IP,
		post.Title, post.Content, string(post.State.Current), string(post.State.Previous), post.MenuOrder, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", post.Type, err)
	}
	if post.Type == TypeTopic && post.TopicID == 0 {
		if _, err := s.q.ExecContext(ctx, `UPDATE posts SET topic_id=id WHERE id=$1`, id); err != nil {
			return 0, fmt.Errorf("self-link topic %d: %w", id, err)
		}
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Post, error) {
	post, err := scanPost(s.q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, fmt.Errorf("get post %d: %w", id, err)
	}
	return post, nil
}

func (s *PostgresStore) Update(ctx context.Context, post Post) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE posts SET
			post_type=$2, parent_id=$3, forum_id=$4, topic_id=$5, author_id=$6,
			anonymous_name=$7, anonymous_email=$8, anonymous_url=$9, author_ip=$10,
			title=$11, content=$12, status=$13, prev_status=$14, menu_order=$15, created_at=$16, updated_at=NOW(),
			reply_count=$17, reply_count_hidden=$18, voice_count=$19, anonymous_reply_count=$20,
			subforum_count=$21, topic_count=$22, total_topic_count=$23, topic_count_hidden=$24, total_reply_count=$25,
			last_topic_id=$26, last_reply_id=$27, last_active_id=$28, last_active_time=$29
		WHERE id=$1
	`, post.ID, string(post.Type), post.ParentID, post.ForumID, post.TopicID, post.AuthorID,
		post.Anonymous.Name, post.Anonymous.Email, post.Anonymous.URL, post.Anonymous.IP,
		post.Title, post.Content, string(post.State.Current), string(post.State.Previous), post.MenuOrder, post.CreatedAt,
		post.Stats.ReplyCount, post.Stats.ReplyCountHidden, post.Stats.VoiceCount, post.Stats.AnonymousReplyCount,
		post.Stats.SubforumCount, post.Stats.TopicCount, post.Stats.TotalTopicCount, post.Stats.TopicCountHidden, post.Stats.TotalReplyCount,
		post.Stats.LastTopicID, post.Stats.LastReplyID, post.Stats.LastActiveID, nullTime(post),
	)
	if err != nil {
		return fmt.Errorf("update post %d: %w", post.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update post %d rows: %w", post.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update post %d: %w", post.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64, cascade bool) error {
	if !cascade {
		var hasChildren bool
		if err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM posts WHERE parent_id=$1)`, id).Scan(&hasChildren); err != nil {
			return fmt.Errorf("delete %d: %w", id, err)
		}
		if hasChildren {
			return fmt.Errorf("delete %d: %w", id, ErrHasChildren)
		}
	}
	result, err := s.q.ExecContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT id FROM posts WHERE id=$1
			UNION ALL
			SELECT p.id FROM posts p JOIN tree t ON p.parent_id = t.id
		)
		DELETE FROM posts WHERE id IN (SELECT id FROM tree)
	`, id)
	if err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %d rows: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete %d: %w", id, ErrNotFound)
	}
	return nil
}

func childFilter(q ChildQuery) (string, []any) {
	where := []string{"parent_id = $1"}
	args := []any{q.ParentID}
	if q.Type != "" {
		args = append(args, string(q.Type))
		where = append(where, fmt.Sprintf("post_type = $%d", len(args)))
	}
	if len(q.Statuses) > 0 {
		placeholders := make([]string, len(q.Statuses))
		for i, value := range q.Statuses {
			args = append(args, string(value))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	return strings.Join(where, " AND "), args
}

func (s *PostgresStore) Children(ctx context.Context, q ChildQuery) ([]int64, error) {
	where, args := childFilter(q)
	order := "created_at ASC, id ASC"
	switch q.Order {
	case OrderCreatedDesc:
		order = "created_at DESC, id DESC"
	case OrderMenu:
		order = "menu_order ASC, created_at ASC, id ASC"
	}
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM posts WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", q.ParentID, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *PostgresStore) CountChildren(ctx context.Context, q ChildQuery) (int, error) {
	where, args := childFilter(q)
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count children of %d: %w", q.ParentID, err)
	}
	return count, nil
}

func (s *PostgresStore) Ancestors(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		WITH RECURSIVE chain(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM posts WHERE id=$1
			UNION ALL
			SELECT p.id, p.parent_id, c.depth + 1 FROM posts p JOIN chain c ON p.id = c.parent_id
			WHERE c.depth < 64
		)
		SELECT id FROM chain WHERE depth > 0 ORDER BY depth ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %d: %w", id, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetMeta(ctx context.Context, id int64, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT meta_value FROM post_meta WHERE post_id=$1 AND meta_key=$2`, id, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s on %d: %w", key, id, err)
	}
	return value, true, nil
}

func (s *PostgresStore) SetMeta(ctx context.Context, id int64, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO post_meta (post_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (post_id, meta_key) DO UPDATE SET meta_value=EXCLUDED.meta_value
	`, id, key, value)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("set meta %s on %d: %w", key, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set meta %s on %d: %w", key, id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteMeta(ctx context.Context, id int64, key string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM post_meta WHERE post_id=$1 AND meta_key=$2`, id, key); err != nil {
		return fmt.Errorf("delete meta %s on %d: %w", key, id, err)
	}
	return nil
}

func (s *PostgresStore) GetOption(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT option_value FROM options WHERE option_key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get option %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStore) SetOption(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO options (option_key, option_value) VALUES ($1, $2)
		ON CONFLICT (option_key) DO UPDATE SET option_value=EXCLUDED.option_value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set option %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteOption(ctx context.Context, key string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM options WHERE option_key=$1`, key); err != nil {
		return fmt.Errorf("delete option %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Tags(ctx context.Context, topicID int64) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT tag FROM topic_tags WHERE topic_id=$1 ORDER BY tag`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list tags of %d: %w", topicID, err)
	}
	defer rows.Close()
	tags := make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) SetTags(ctx context.Context, topicID int64, tags []string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM topic_tags WHERE topic_id=$1`, topicID); err != nil {
		return fmt.Errorf("clear tags of %d: %w", topicID, err)
	}
	for _, tag := range normalizeTags(tags) {
		if _, err := s.q.ExecContext(ctx, `INSERT INTO topic_tags (topic_id, tag) VALUES ($1, $2)`, topicID, tag); err != nil {
			return fmt.Errorf("tag %d with %q: %w", topicID, tag, err)
		}
	}
	return nil
}

func (s *PostgresStore) AddUserTopic(ctx context.Context, rel Relation, userID, topicID int64) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO user_topics (relation, user_id, topic_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, string(rel), userID, topicID)
	if err != nil {
		return fmt.Errorf("add %s %d/%d: %w", rel, userID, topicID, err)
	}
	return nil
}

func (s *PostgresStore) RemoveUserTopic(ctx context.Context, rel Relation, userID, topicID int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM user_topics WHERE relation=$1 AND user_id=$2 AND topic_id=$3`, string(rel), userID, topicID)
	if err != nil {
		return fmt.Errorf("remove %s %d/%d: %w", rel, userID, topicID, err)
	}
	return nil
}

func (s *PostgresStore) TopicUsers(ctx context.Context, rel Relation, topicID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT user_id FROM user_topics WHERE relation=$1 AND topic_id=$2 ORDER BY user_id`, string(rel), topicID)
	if err != nil {
		return nil, fmt.Errorf("list %s users of %d: %w", rel, topicID, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *PostgresStore) UserTopics(ctx context.Context, rel Relation, userID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT topic_id FROM user_topics WHERE relation=$1 AND user_id=$2 ORDER BY created_at, topic_id`, string(rel), userID)
	if err != nil {
		return nil, fmt.Errorf("list %s topics of %d: %w", rel, userID, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (s *PostgresStore) AppendRevision(ctx context.Context, rev Revision) (int64, error) {
	var id int64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO revisions (post_id, author_id, reason) VALUES ($1, $2, $3) RETURNING id
	`, rev.PostID, rev.AuthorID, rev.Reason).Scan(&id)
	if isForeignKeyViolation(err) {
		return 0, fmt.Errorf("append revision to %d: %w", rev.PostID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("append revision to %d: %w", rev.PostID, err)
	}
	return id, nil
}

func (s *PostgresStore) Revisions(ctx context.Context, postID int64) ([]Revision, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, post_id, author_id, reason, created_at FROM revisions WHERE post_id=$1 ORDER BY id`, postID)
	if err != nil {
		return nil, fmt.Errorf("list revisions of %d: %w", postID, err)
	}
	defer rows.Close()
	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(&item.ID, &item.PostID, &item.AuthorID, &item.Reason, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) FindDuplicate(ctx context.Context, q DuplicateQuery) (int64, bool, error) {
	query := `
		SELECT id FROM posts
		WHERE post_type=$1 AND status <> 'trash' AND content=$2
		  AND ($3::boolean = FALSE OR parent_id=$4)
		  AND (CASE WHEN $5::bigint <> 0 THEN author_id=$5 ELSE author_id=0 AND anonymous_email=$6 END)
		ORDER BY id
		LIMIT 1
	`
	var id int64
	err := s.q.QueryRowContext(ctx, query, string(q.Type), q.Content, q.ScopeToParent, q.ParentID, q.AuthorID, q.AnonymousEmail).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find duplicate: %w", err)
	}
	return id, true, nil
}

// WithTx runs fn inside a database transaction. Calls made on an already
// transactional store join the running transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
