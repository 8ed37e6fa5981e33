// Package restructure moves, merges and splits topics. Every operation
// validates its inputs up front, then performs all writes inside one store
// transaction so a failure part way leaves the tree untouched.
package restructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forumcore/internal/aggregate"
	"forumcore/internal/metrics"
	"forumcore/internal/status"
	"forumcore/internal/sticky"
	"forumcore/internal/store"
)

var (
	ErrNotTopic        = errors.New("post is not a topic")
	ErrNotReply        = errors.New("post is not a reply")
	ErrNotForum        = errors.New("post is not a forum")
	ErrCategory        = errors.New("category forums cannot hold topics")
	ErrSameTopic       = errors.New("source and destination are the same topic")
	ErrSameForum       = errors.New("topic is already in that forum")
	ErrUnknownMode     = errors.New("unknown split mode")
	ErrNoDestination   = errors.New("split into an existing topic needs a destination")
	ErrReplyNotInTopic = errors.New("reply does not belong to a topic")
)

// ReplyTitlePrefix labels replies with the topic they belong to.
const ReplyTitlePrefix = "Reply To: "

type Engine struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// ops bundles the collaborators bound to one transaction.
type ops struct {
	store  store.Store
	agg    *aggregate.Maintainer
	sticky *sticky.Registry
}

func (e *Engine) run(ctx context.Context, operation string, fn func(o ops) error) error {
	start := time.Now()
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		return fn(ops{store: tx, agg: aggregate.New(tx, e.logger), sticky: sticky.New(tx)})
	})
	metrics.RestructureDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.RestructureOperations.WithLabelValues(operation, metrics.Result(err)).Inc()
	if err != nil {
		e.logger.Error("restructure failed", "operation", operation, "error", err)
	}
	return err
}

func (e *Engine) loadTopic(ctx context.Context, id int64) (store.Post, error) {
	post, err := e.store.Get(ctx, id)
	if err != nil {
		return store.Post{}, fmt.Errorf("load topic %d: %w", id, err)
	}
	if post.Type != store.TypeTopic {
		return store.Post{}, fmt.Errorf("%d: %w", id, ErrNotTopic)
	}
	return post, nil
}

func (e *Engine) loadForum(ctx context.Context, id int64) (store.Post, error) {
	post, err := e.store.Get(ctx, id)
	if err != nil {
		return store.Post{}, fmt.Errorf("load forum %d: %w", id, err)
	}
	if post.Type != store.TypeForum {
		return store.Post{}, fmt.Errorf("%d: %w", id, ErrNotForum)
	}
	if post.Status() == status.Category {
		return store.Post{}, fmt.Errorf("%d: %w", id, ErrCategory)
	}
	return post, nil
}

type MoveResult struct {
	TopicID     int64
	FromForumID int64
	ToForumID   int64
	Replies     []int64
}

// MoveTopic relinks a topic and its replies to another forum. A topic
// pinned in its old forum stays pinned in the new one.
func (e *Engine) MoveTopic(ctx context.Context, topicID, forumID int64) (MoveResult, error) {
	topic, err := e.loadTopic(ctx, topicID)
	if err != nil {
		return MoveResult{}, err
	}
	if _, err := e.loadForum(ctx, forumID); err != nil {
		return MoveResult{}, err
	}
	if topic.ParentID == forumID {
		return MoveResult{}, ErrSameForum
	}

	res := MoveResult{TopicID: topicID, FromForumID: topic.ParentID, ToForumID: forumID}
	err = e.run(ctx, "move", func(o ops) error {
		placement, err := o.sticky.PlacementIn(ctx, res.FromForumID, topicID)
		if err != nil {
			return err
		}

		topic.ParentID = forumID
		topic.ForumID = forumID
		if err := o.store.Update(ctx, topic); err != nil {
			return fmt.Errorf("relink topic %d: %w", topicID, err)
		}
		replies, err := relinkReplies(ctx, o.store, topicID, func(reply *store.Post) {
			reply.ForumID = forumID
		})
		if err != nil {
			return err
		}
		res.Replies = replies

		if placement == sticky.ForumSticky {
			if err := o.sticky.UnstickFrom(ctx, res.FromForumID, topicID); err != nil {
				return err
			}
			if err := o.sticky.Stick(ctx, topicID, false); err != nil {
				return err
			}
		}
		return refreshBranches(ctx, o.agg, res.FromForumID, forumID)
	})
	if err != nil {
		return MoveResult{}, err
	}
	e.logger.Info("topic moved", "topic_id", topicID, "from_forum_id", res.FromForumID, "to_forum_id", forumID, "replies", len(res.Replies))
	return res, nil
}

// MergeOptions control which associations follow the source into the
// destination. Associations are always removed from the source.
type MergeOptions struct {
	Subscribers bool
	Favorites   bool
	Tags        bool
}

type MergeResult struct {
	SourceID           int64
	DestinationID      int64
	SourceForumID      int64
	DestinationForumID int64
	// Moved lists the source's replies followed by the source itself.
	Moved []int64
}

// MergeTopic folds source into destination: source's replies and source
// itself become replies of destination.
func (e *Engine) MergeTopic(ctx context.Context, sourceID, destinationID int64, opts MergeOptions) (MergeResult, error) {
	if sourceID == destinationID {
		return MergeResult{}, ErrSameTopic
	}
	source, err := e.loadTopic(ctx, sourceID)
	if err != nil {
		return MergeResult{}, err
	}
	dest, err := e.loadTopic(ctx, destinationID)
	if err != nil {
		return MergeResult{}, err
	}

	res := MergeResult{SourceID: sourceID, DestinationID: destinationID, SourceForumID: source.ParentID, DestinationForumID: dest.ParentID}
	err = e.run(ctx, "merge", func(o ops) error {
		if source.CreatedAt.Before(dest.CreatedAt) {
			dest.CreatedAt = source.CreatedAt.Add(-time.Second)
			if err := o.store.Update(ctx, dest); err != nil {
				return fmt.Errorf("backdate topic %d: %w", destinationID, err)
			}
		}

		if err := transferAssociations(ctx, o.store, sourceID, destinationID, associations{
			subscribers: opts.Subscribers,
			favorites:   opts.Favorites,
			tags:        opts.Tags,
		}, true); err != nil {
			return err
		}

		if source.Status() == status.Closed {
			source.State = source.State.Restore(status.Public)
		}
		if err := o.sticky.Unstick(ctx, sourceID); err != nil {
			return err
		}

		label := ReplyTitlePrefix + dest.Title
		moved, err := relinkReplies(ctx, o.store, sourceID, func(reply *store.Post) {
			reply.ParentID = destinationID
			reply.TopicID = destinationID
			reply.ForumID = dest.ParentID
			reply.Title = label
		})
		if err != nil {
			return err
		}

		source.Type = store.TypeReply
		source.ParentID = destinationID
		source.TopicID = destinationID
		source.ForumID = dest.ParentID
		source.Title = label
		source.Stats = store.Stats{}
		if err := o.store.Update(ctx, source); err != nil {
			return fmt.Errorf("demote topic %d: %w", sourceID, err)
		}
		for _, key := range []string{store.MetaSpamTrashed, store.MetaTrashedChildren, store.MetaStashedTags} {
			if err := o.store.DeleteMeta(ctx, sourceID, key); err != nil {
				return fmt.Errorf("clear %s on %d: %w", key, sourceID, err)
			}
		}
		res.Moved = append(moved, sourceID)

		if err := renumberReplies(ctx, o.store, destinationID); err != nil {
			return err
		}
		if err := o.agg.RefreshTopic(ctx, destinationID); err != nil {
			return err
		}
		return refreshBranches(ctx, o.agg, res.SourceForumID, res.DestinationForumID)
	})
	if err != nil {
		return MergeResult{}, err
	}
	e.logger.Info("topic merged", "source_id", sourceID, "destination_id", destinationID, "moved", len(res.Moved))
	return res, nil
}

type SplitMode string

const (
	// SplitExisting moves the replies into a topic that already exists.
	SplitExisting SplitMode = "existing"
	// SplitReply promotes the first reply to a new topic.
	SplitReply SplitMode = "reply"
)

type SplitOptions struct {
	Mode SplitMode
	// DestinationID is required for SplitExisting.
	DestinationID int64
	// Title of the new topic for SplitReply. Defaults to the source title.
	Title       string
	Subscribers bool
	Favorites   bool
	Tags        bool
}

type SplitResult struct {
	Mode          SplitMode
	SourceID      int64
	DestinationID int64
	// Moved lists the replies now under the destination, in order.
	Moved []int64
}

// SplitTopic moves fromReply and every later reply of its topic into another
// topic. Replies take positions after the destination's existing replies.
func (e *Engine) SplitTopic(ctx context.Context, fromReplyID int64, opts SplitOptions) (SplitResult, error) {
	from, err := e.store.Get(ctx, fromReplyID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("load reply %d: %w", fromReplyID, err)
	}
	if from.Type != store.TypeReply {
		return SplitResult{}, fmt.Errorf("%d: %w", fromReplyID, ErrNotReply)
	}
	source, err := e.loadTopic(ctx, from.ParentID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("%w: %v", ErrReplyNotInTopic, err)
	}

	var dest store.Post
	switch opts.Mode {
	case SplitExisting:
		if opts.DestinationID == 0 {
			return SplitResult{}, ErrNoDestination
		}
		if opts.DestinationID == source.ID {
			return SplitResult{}, ErrSameTopic
		}
		if dest, err = e.loadTopic(ctx, opts.DestinationID); err != nil {
			return SplitResult{}, err
		}
	case SplitReply:
	default:
		return SplitResult{}, fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}

	res := SplitResult{Mode: opts.Mode, SourceID: source.ID}
	err = e.run(ctx, "split", func(o ops) error {
		ids, err := o.store.Children(ctx, store.ChildQuery{ParentID: source.ID, Type: store.TypeReply, Order: store.OrderCreatedAsc})
		if err != nil {
			return fmt.Errorf("list replies of %d: %w", source.ID, err)
		}
		at := indexOf(ids, fromReplyID)
		if at < 0 {
			return fmt.Errorf("%d: %w", fromReplyID, ErrReplyNotInTopic)
		}
		moving := ids[at:]

		if opts.Mode == SplitReply {
			title := opts.Title
			if title == "" {
				title = source.Title
			}
			from.Type = store.TypeTopic
			from.ParentID = source.ParentID
			from.ForumID = source.ParentID
			from.TopicID = from.ID
			from.Title = title
			from.MenuOrder = 0
			from.Stats = store.Stats{}
			if err := o.store.Update(ctx, from); err != nil {
				return fmt.Errorf("promote reply %d: %w", fromReplyID, err)
			}
			dest = from
			moving = moving[1:]
		} else if len(moving) > 0 {
			first, err := o.store.Get(ctx, moving[0])
			if err != nil {
				return fmt.Errorf("load reply %d: %w", moving[0], err)
			}
			if first.CreatedAt.Before(dest.CreatedAt) {
				dest.CreatedAt = first.CreatedAt.Add(-time.Second)
				if err := o.store.Update(ctx, dest); err != nil {
					return fmt.Errorf("backdate topic %d: %w", dest.ID, err)
				}
			}
		}
		res.DestinationID = dest.ID

		if err := transferAssociations(ctx, o.store, source.ID, dest.ID, associations{
			subscribers: opts.Subscribers,
			favorites:   opts.Favorites,
			tags:        opts.Tags,
		}, false); err != nil {
			return err
		}

		position, err := o.store.CountChildren(ctx, store.ChildQuery{ParentID: dest.ID, Type: store.TypeReply})
		if err != nil {
			return fmt.Errorf("count replies of %d: %w", dest.ID, err)
		}
		label := ReplyTitlePrefix + dest.Title
		for _, id := range moving {
			reply, err := o.store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("load reply %d: %w", id, err)
			}
			position++
			reply.ParentID = dest.ID
			reply.TopicID = dest.ID
			reply.ForumID = dest.ParentID
			reply.Title = label
			reply.MenuOrder = position
			if err := o.store.Update(ctx, reply); err != nil {
				return fmt.Errorf("move reply %d: %w", id, err)
			}
		}
		res.Moved = append([]int64(nil), moving...)

		if err := o.agg.RefreshTopic(ctx, dest.ID); err != nil {
			return err
		}
		if err := o.agg.RefreshTopic(ctx, source.ID); err != nil {
			return err
		}
		return refreshBranches(ctx, o.agg, source.ParentID, dest.ParentID)
	})
	if err != nil {
		return SplitResult{}, err
	}
	e.logger.Info("topic split", "source_id", source.ID, "destination_id", res.DestinationID, "mode", opts.Mode, "moved", len(res.Moved))
	return res, nil
}

func indexOf(ids []int64, target int64) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}
