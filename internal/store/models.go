package store

import (
	"time"

	"forumcore/internal/status"
)

type PostType string

const (
	TypeForum PostType = "forum"
	TypeTopic PostType = "topic"
	TypeReply PostType = "reply"
)

var allowedStatuses = map[PostType]status.Set{
	TypeForum: {status.Public, status.Private, status.Hidden, status.Closed, status.Category, status.Trash},
	TypeTopic: {status.Public, status.Pending, status.Private, status.Closed, status.Spam, status.Trash, status.Orphan},
	TypeReply: {status.Public, status.Pending, status.Private, status.Closed, status.Spam, status.Trash, status.Orphan},
}

// Allows reports whether value is a valid status for this post type.
func (t PostType) Allows(value status.Status) bool {
	allowed, ok := allowedStatuses[t]
	if !ok {
		return false
	}
	for _, item := range allowed {
		if item == value {
			return true
		}
	}
	return false
}

// AnonymousAuthor holds the identity fields supplied by logged-out posters.
type AnonymousAuthor struct {
	Name  string
	Email string
	URL   string
	IP    string
}

// Stats are the denormalized rollups kept by the aggregate maintainer.
// Topic-only and forum-only fields share one struct; unused ones stay zero.
type Stats struct {
	// topic; on a forum ReplyCount holds replies in its direct topics
	ReplyCount          int
	ReplyCountHidden    int
	VoiceCount          int
	AnonymousReplyCount int
	// forum
	SubforumCount    int
	TopicCount       int
	TotalTopicCount  int
	TopicCountHidden int
	TotalReplyCount  int
	// both
	LastTopicID    int64
	LastReplyID    int64
	LastActiveID   int64
	LastActiveTime time.Time
}

// PostCount is topics plus replies beneath a forum.
func (s Stats) PostCount() int {
	return s.TotalTopicCount + s.TotalReplyCount
}

type Post struct {
	ID       int64
	Type     PostType
	ParentID int64
	// ForumID is the owning forum for topics and replies. TopicID is the
	// owning topic for replies and the post itself for topics.
	ForumID   int64
	TopicID   int64
	AuthorID  int64
	Anonymous AnonymousAuthor
	Title     string
	Content   string
	State     status.State
	MenuOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
	Stats     Stats
}

func (p Post) Status() status.Status {
	return p.State.Current
}

func (p Post) IsAnonymous() bool {
	return p.AuthorID == 0
}

type Revision struct {
	ID        int64
	PostID    int64
	AuthorID  int64
	Reason    string
	CreatedAt time.Time
}

// Relation is a kind of per-user topic list.
type Relation string

const (
	Subscription Relation = "subscription"
	Favorite     Relation = "favorite"
)

type Order int

const (
	OrderCreatedAsc Order = iota
	OrderCreatedDesc
	OrderMenu
)

type ChildQuery struct {
	ParentID int64
	Type     PostType
	Statuses status.Set
	Order    Order
}

// DuplicateQuery describes a candidate post for duplicate detection.
type DuplicateQuery struct {
	Type           PostType
	ParentID       int64
	ScopeToParent  bool
	AuthorID       int64
	AnonymousEmail string
	Content        string
}
