package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("post not found")

// Meta keys for open-ended attributes that do not warrant a column.
const (
	MetaStickyTopics    = "sticky_topics"
	MetaSpamTrashed     = "spam_trashed_replies"
	MetaTrashedChildren = "trashed_children"
	MetaStashedTags     = "stashed_tags"
	OptionSuperSticky   = "super_sticky_topics"
)

// Store is the persistent content tree. Implementations must make WithTx
// atomic: either every write made through the tx Store lands or none does.
type Store interface {
	Create(ctx context.Context, post Post) (int64, error)
	Get(ctx context.Context, id int64) (Post, error)
	Update(ctx context.Context, post Post) error
	Delete(ctx context.Context, id int64, cascade bool) error
	Children(ctx context.Context, q ChildQuery) ([]int64, error)
	CountChildren(ctx context.Context, q ChildQuery) (int, error)
	// Ancestors returns parent IDs nearest-first, excluding id itself.
	Ancestors(ctx context.Context, id int64) ([]int64, error)

	GetMeta(ctx context.Context, id int64, key string) (string, bool, error)
	SetMeta(ctx context.Context, id int64, key, value string) error
	DeleteMeta(ctx context.Context, id int64, key string) error
	GetOption(ctx context.Context, key string) (string, bool, error)
	SetOption(ctx context.Context, key, value string) error
	DeleteOption(ctx context.Context, key string) error

	Tags(ctx context.Context, topicID int64) ([]string, error)
	SetTags(ctx context.Context, topicID int64, tags []string) error

	AddUserTopic(ctx context.Context, rel Relation, userID, topicID int64) error
	RemoveUserTopic(ctx context.Context, rel Relation, userID, topicID int64) error
	TopicUsers(ctx context.Context, rel Relation, topicID int64) ([]int64, error)
	UserTopics(ctx context.Context, rel Relation, userID int64) ([]int64, error)

	AppendRevision(ctx context.Context, rev Revision) (int64, error)
	Revisions(ctx context.Context, postID int64) ([]Revision, error)

	// FindDuplicate returns the ID of a non-trashed post matching q.
	FindDuplicate(ctx context.Context, q DuplicateQuery) (int64, bool, error)

	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// GetIDs reads an ID list stored under a meta key.
func GetIDs(ctx context.Context, s Store, id int64, key string) ([]int64, error) {
	raw, ok, err := s.GetMeta(ctx, id, key)
	if err != nil || !ok {
		return nil, err
	}
	return ParseIDs(raw)
}

// SetIDs stores an ID list under a meta key, deleting the key when empty.
func SetIDs(ctx context.Context, s Store, id int64, key string, ids []int64) error {
	if len(ids) == 0 {
		return s.DeleteMeta(ctx, id, key)
	}
	return s.SetMeta(ctx, id, key, FormatIDs(ids))
}

func GetOptionIDs(ctx context.Context, s Store, key string) ([]int64, error) {
	raw, ok, err := s.GetOption(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	return ParseIDs(raw)
}

func SetOptionIDs(ctx context.Context, s Store, key string, ids []int64) error {
	if len(ids) == 0 {
		return s.DeleteOption(ctx, key)
	}
	return s.SetOption(ctx, key, FormatIDs(ids))
}

func ParseIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id list %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func FormatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// UniqueIDs drops duplicates and zero IDs, keeping first-seen order.
func UniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func RemoveID(ids []int64, target int64) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func ContainsID(ids []int64, target int64) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// LoadPosts fetches ids in order, skipping ones that no longer exist.
func LoadPosts(ctx context.Context, s Store, ids []int64) ([]Post, error) {
	posts := make([]Post, 0, len(ids))
	for _, id := range ids {
		post, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// SortChronological orders posts by creation time, then ID.
func SortChronological(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].CreatedAt.Before(posts[j].CreatedAt)
	})
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
