package events

import "time"

type Type string

const (
	TopicCreated       Type = "topic.created"
	TopicEdited        Type = "topic.edited"
	TopicMoved         Type = "topic.moved"
	TopicMerged        Type = "topic.merged"
	TopicSplit         Type = "topic.split"
	ReplyCreated       Type = "reply.created"
	ReplyEdited        Type = "reply.edited"
	ForumCreated       Type = "forum.created"
	StatusTransitioned Type = "status.transitioned"
)

type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	// Data is one of the *Data structs below, matching Type.
	Data any
}

// PostData is carried by the created and edited events.
type PostData struct {
	PostID  int64
	ForumID int64
	TopicID int64
	Status  string
}

type MoveData struct {
	TopicID     int64
	FromForumID int64
	ToForumID   int64
	Replies     []int64
}

type MergeData struct {
	SourceID      int64
	DestinationID int64
	Moved         []int64
}

type SplitData struct {
	SourceID      int64
	DestinationID int64
	Mode          string
	Moved         []int64
}

type StatusData struct {
	PostID   int64
	PostType string
	Action   string
	From     string
	To       string
	Children []int64
}
