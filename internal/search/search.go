package search

import (
	"context"

	"forumcore/internal/store"
)

// ResultType identifies the kind of post in a search result.
type ResultType string

const (
	ResultTopic ResultType = "topic"
	ResultReply ResultType = "reply"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      int64      `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	ForumID int64      `json:"forumId"`
	TopicID int64      `json:"topicId"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterForumID int64
	Limit         int
	Offset        int
}

// Response is the envelope returned by Service.Search.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push posts into, and pull them out of, a search index.
type Indexer interface {
	IndexRecords(records []PostRecord) error
	DeleteRecords(t ResultType, ids []int64) error
}

// PostRecord is the data we index for a topic or reply.
type PostRecord struct {
	ID        int64    `json:"id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	ForumID   int64    `json:"forumId"`
	TopicID   int64    `json:"topicId"`
	AuthorID  int64    `json:"authorId"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"createdAt"`
}

// RecordFromPost builds the index record for post.
func RecordFromPost(post store.Post, tags []string) PostRecord {
	return PostRecord{
		ID:        post.ID,
		Type:      string(post.Type),
		Title:     post.Title,
		Content:   post.Content,
		ForumID:   post.ForumID,
		TopicID:   post.TopicID,
		AuthorID:  post.AuthorID,
		Tags:      tags,
		CreatedAt: post.CreatedAt.Unix(),
	}
}

// Searchable reports whether post belongs in the index at all.
func Searchable(post store.Post) bool {
	if post.Type != store.TypeTopic && post.Type != store.TypeReply {
		return false
	}
	return post.Status().IsVisible()
}
