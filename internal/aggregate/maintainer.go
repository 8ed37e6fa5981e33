// Package aggregate keeps the denormalized counters and last-activity
// pointers of topics and forums consistent with their descendants.
//
// Recompute functions read the source of truth and are idempotent; running
// one again converges to the right value no matter what raced before it.
// Bump functions apply a known delta and assume a single writer per entity.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"forumcore/internal/metrics"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

// forumActivity lists the subforum statuses whose activity bubbles up.
var forumActivity = status.Set{status.Public, status.Closed, status.Category}

type Maintainer struct {
	store  store.Store
	logger *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Maintainer {
	return &Maintainer{store: st, logger: logger}
}

func (m *Maintainer) getTyped(ctx context.Context, id int64, want store.PostType) (store.Post, error) {
	post, err := m.store.Get(ctx, id)
	if err != nil {
		return store.Post{}, fmt.Errorf("load %s %d: %w", want, id, err)
	}
	if post.Type != want {
		return store.Post{}, fmt.Errorf("post %d is a %s, not a %s", id, post.Type, want)
	}
	return post, nil
}

func (m *Maintainer) updateStats(ctx context.Context, id int64, want store.PostType, mutate func(*store.Post)) (store.Post, error) {
	post, err := m.getTyped(ctx, id, want)
	if err != nil {
		return store.Post{}, err
	}
	mutate(&post)
	if err := m.store.Update(ctx, post); err != nil {
		return store.Post{}, fmt.Errorf("save %s %d stats: %w", want, id, err)
	}
	return post, nil
}

// BumpReplyCount adds delta to the topic's reply count without recounting.
func (m *Maintainer) BumpReplyCount(ctx context.Context, topicID int64, delta int) (int, error) {
	post, err := m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) {
		p.Stats.ReplyCount = max(p.Stats.ReplyCount+delta, 0)
	})
	return post.Stats.ReplyCount, err
}

func (m *Maintainer) BumpReplyCountHidden(ctx context.Context, topicID int64, delta int) (int, error) {
	post, err := m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) {
		p.Stats.ReplyCountHidden = max(p.Stats.ReplyCountHidden+delta, 0)
	})
	return post.Stats.ReplyCountHidden, err
}

func (m *Maintainer) RecomputeReplyCount(ctx context.Context, topicID int64) (int, error) {
	metrics.Recomputes.WithLabelValues("reply_count").Inc()
	count, err := m.store.CountChildren(ctx, store.ChildQuery{ParentID: topicID, Type: store.TypeReply, Statuses: status.Visible})
	if err != nil {
		return 0, fmt.Errorf("count replies of %d: %w", topicID, err)
	}
	_, err = m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) { p.Stats.ReplyCount = count })
	return count, err
}

func (m *Maintainer) RecomputeHiddenReplyCount(ctx context.Context, topicID int64) (int, error) {
	metrics.Recomputes.WithLabelValues("reply_count_hidden").Inc()
	count, err := m.store.CountChildren(ctx, store.ChildQuery{ParentID: topicID, Type: store.TypeReply, Statuses: status.Removed})
	if err != nil {
		return 0, fmt.Errorf("count hidden replies of %d: %w", topicID, err)
	}
	_, err = m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) { p.Stats.ReplyCountHidden = count })
	return count, err
}

func (m *Maintainer) visibleReplies(ctx context.Context, topicID int64, order store.Order) ([]store.Post, error) {
	ids, err := m.store.Children(ctx, store.ChildQuery{ParentID: topicID, Type: store.TypeReply, Statuses: status.Visible, Order: order})
	if err != nil {
		return nil, fmt.Errorf("list replies of %d: %w", topicID, err)
	}
	return store.LoadPosts(ctx, m.store, ids)
}

// RecomputeVoiceCount counts distinct authors across the topic and its
// visible replies. Every anonymous poster shares author 0. Never below 1.
func (m *Maintainer) RecomputeVoiceCount(ctx context.Context, topicID int64) (int, error) {
	metrics.Recomputes.WithLabelValues("voice_count").Inc()
	topic, err := m.getTyped(ctx, topicID, store.TypeTopic)
	if err != nil {
		return 0, err
	}
	replies, err := m.visibleReplies(ctx, topicID, store.OrderCreatedAsc)
	if err != nil {
		return 0, err
	}
	voices := map[int64]struct{}{topic.AuthorID: {}}
	for _, reply := range replies {
		voices[reply.AuthorID] = struct{}{}
	}
	count := max(len(voices), 1)
	_, err = m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) { p.Stats.VoiceCount = count })
	return count, err
}

// RecomputeAnonymousReplyCount counts the topic itself and its visible
// replies when posted anonymously.
func (m *Maintainer) RecomputeAnonymousReplyCount(ctx context.Context, topicID int64) (int, error) {
	metrics.Recomputes.WithLabelValues("anonymous_reply_count").Inc()
	topic, err := m.getTyped(ctx, topicID, store.TypeTopic)
	if err != nil {
		return 0, err
	}
	replies, err := m.visibleReplies(ctx, topicID, store.OrderCreatedAsc)
	if err != nil {
		return 0, err
	}
	count := 0
	if topic.IsAnonymous() {
		count++
	}
	for _, reply := range replies {
		if reply.IsAnonymous() {
			count++
		}
	}
	_, err = m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) { p.Stats.AnonymousReplyCount = count })
	return count, err
}

// RecomputeTopicLastActive points the topic at its newest visible reply, or
// at itself when it has none.
func (m *Maintainer) RecomputeTopicLastActive(ctx context.Context, topicID int64) (store.Stats, error) {
	metrics.Recomputes.WithLabelValues("topic_last_active").Inc()
	replies, err := m.visibleReplies(ctx, topicID, store.OrderCreatedDesc)
	if err != nil {
		return store.Stats{}, err
	}
	post, err := m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) {
		if len(replies) == 0 {
			p.Stats.LastReplyID = 0
			p.Stats.LastActiveID = p.ID
			p.Stats.LastActiveTime = p.CreatedAt
			return
		}
		latest := replies[0]
		p.Stats.LastReplyID = latest.ID
		p.Stats.LastActiveID = latest.ID
		p.Stats.LastActiveTime = latest.CreatedAt
	})
	return post.Stats, err
}

// SetTopicLastActive pushes known pointers onto a topic, used when the
// caller already knows which reply is newest.
func (m *Maintainer) SetTopicLastActive(ctx context.Context, topicID, replyID int64, at time.Time) error {
	_, err := m.updateStats(ctx, topicID, store.TypeTopic, func(p *store.Post) {
		p.Stats.LastReplyID = replyID
		p.Stats.LastActiveID = replyID
		if replyID == 0 {
			p.Stats.LastActiveID = p.ID
		}
		p.Stats.LastActiveTime = at
	})
	return err
}

// RefreshTopic recomputes every topic rollup from its replies.
func (m *Maintainer) RefreshTopic(ctx context.Context, topicID int64) error {
	if _, err := m.RecomputeReplyCount(ctx, topicID); err != nil {
		return err
	}
	if _, err := m.RecomputeHiddenReplyCount(ctx, topicID); err != nil {
		return err
	}
	if _, err := m.RecomputeVoiceCount(ctx, topicID); err != nil {
		return err
	}
	if _, err := m.RecomputeAnonymousReplyCount(ctx, topicID); err != nil {
		return err
	}
	_, err := m.RecomputeTopicLastActive(ctx, topicID)
	return err
}

// WalkParams are the positional arguments of WalkAndUpdate. With Refresh
// set every other field but TopicID/ForumID is ignored and each ancestor
// forum is rebuilt from scratch.
type WalkParams struct {
	TopicID    int64
	ForumID    int64
	ReplyID    int64
	ActiveTime time.Time
	Refresh    bool
}

// WalkAndUpdate propagates the latest activity of a topic to every forum
// above it. Forums are processed nearest-first so totals roll up from the
// freshly updated child.
func (m *Maintainer) WalkAndUpdate(ctx context.Context, p WalkParams) error {
	if p.Refresh {
		chain, err := m.refreshChain(ctx, p)
		if err != nil {
			return err
		}
		return m.RefreshForums(ctx, chain)
	}

	topic, err := m.getTyped(ctx, p.TopicID, store.TypeTopic)
	if err != nil {
		return err
	}
	forumID := p.ForumID
	if forumID == 0 {
		forumID = topic.ParentID
	}
	chain, err := m.Chain(ctx, forumID)
	if err != nil {
		return err
	}

	activeID := topic.ID
	active := topic
	if p.ReplyID != 0 {
		candidate, err := m.store.Get(ctx, p.ReplyID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load reply %d: %w", p.ReplyID, err)
		}
		if err == nil && candidate.Type == store.TypeReply {
			activeID = candidate.ID
			active = candidate
		}
	}
	replyID := p.ReplyID
	if activeID == topic.ID {
		replyID = 0
	}
	activeTime := p.ActiveTime
	if activeTime.IsZero() {
		activeTime = active.CreatedAt
	}
	fresh := active.Status() == status.Public

	for _, ancestor := range chain {
		forum, err := m.store.Get(ctx, ancestor)
		if err != nil {
			return fmt.Errorf("load ancestor %d: %w", ancestor, err)
		}
		if forum.Type != store.TypeForum {
			continue
		}
		if err := m.recomputeForumCounts(ctx, &forum); err != nil {
			return err
		}
		if fresh {
			forum.Stats.LastTopicID = topic.ID
			forum.Stats.LastReplyID = replyID
			forum.Stats.LastActiveID = activeID
			forum.Stats.LastActiveTime = activeTime
		}
		if err := m.store.Update(ctx, forum); err != nil {
			return fmt.Errorf("save forum %d: %w", forum.ID, err)
		}
	}
	return nil
}

func (m *Maintainer) refreshChain(ctx context.Context, p WalkParams) ([]int64, error) {
	if p.TopicID != 0 {
		topic, err := m.store.Get(ctx, p.TopicID)
		if err == nil {
			return m.Chain(ctx, topic.ParentID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load topic %d: %w", p.TopicID, err)
		}
	}
	if p.ForumID == 0 {
		return nil, nil
	}
	return m.Chain(ctx, p.ForumID)
}

// Chain returns forumID followed by its ancestors, nearest-first.
func (m *Maintainer) Chain(ctx context.Context, forumID int64) ([]int64, error) {
	if forumID == 0 {
		return nil, nil
	}
	ancestors, err := m.store.Ancestors(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %d: %w", forumID, err)
	}
	return append([]int64{forumID}, ancestors...), nil
}

// RefreshForums rebuilds counts and activity pointers of each forum in ids,
// in the order given. Non-forum IDs are skipped.
func (m *Maintainer) RefreshForums(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		forum, err := m.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load forum %d: %w", id, err)
		}
		if forum.Type != store.TypeForum {
			continue
		}
		if err := m.recomputeForumCounts(ctx, &forum); err != nil {
			return err
		}
		if err := m.recomputeForumLastActive(ctx, &forum); err != nil {
			return err
		}
		if err := m.store.Update(ctx, forum); err != nil {
			return fmt.Errorf("save forum %d: %w", id, err)
		}
	}
	return nil
}

// RefreshForum rebuilds a single forum and everything above it.
func (m *Maintainer) RefreshForum(ctx context.Context, forumID int64) error {
	chain, err := m.Chain(ctx, forumID)
	if err != nil {
		return err
	}
	return m.RefreshForums(ctx, chain)
}

func (m *Maintainer) recomputeForumCounts(ctx context.Context, forum *store.Post) error {
	metrics.Recomputes.WithLabelValues("forum_counts").Inc()
	topicIDs, err := m.store.Children(ctx, store.ChildQuery{ParentID: forum.ID, Type: store.TypeTopic, Statuses: status.Visible})
	if err != nil {
		return fmt.Errorf("list topics of %d: %w", forum.ID, err)
	}
	topics, err := store.LoadPosts(ctx, m.store, topicIDs)
	if err != nil {
		return err
	}
	hidden, err := m.store.CountChildren(ctx, store.ChildQuery{ParentID: forum.ID, Type: store.TypeTopic, Statuses: status.Removed})
	if err != nil {
		return fmt.Errorf("count hidden topics of %d: %w", forum.ID, err)
	}
	subIDs, err := m.store.Children(ctx, store.ChildQuery{ParentID: forum.ID, Type: store.TypeForum})
	if err != nil {
		return fmt.Errorf("list subforums of %d: %w", forum.ID, err)
	}
	subforums, err := store.LoadPosts(ctx, m.store, subIDs)
	if err != nil {
		return err
	}

	replies := 0
	for _, topic := range topics {
		replies += topic.Stats.ReplyCount
	}
	totalTopics, totalReplies, live := len(topics), replies, 0
	for _, sub := range subforums {
		if sub.Status() == status.Trash {
			continue
		}
		live++
		totalTopics += sub.Stats.TotalTopicCount
		totalReplies += sub.Stats.TotalReplyCount
	}

	forum.Stats.TopicCount = len(topics)
	forum.Stats.TopicCountHidden = hidden
	forum.Stats.ReplyCount = replies
	forum.Stats.SubforumCount = live
	forum.Stats.TotalTopicCount = totalTopics
	forum.Stats.TotalReplyCount = totalReplies
	return nil
}

func (m *Maintainer) recomputeForumLastActive(ctx context.Context, forum *store.Post) error {
	var best struct {
		topicID, replyID, activeID int64
		at                         time.Time
	}
	consider := func(topicID, replyID, activeID int64, at time.Time) {
		if activeID == 0 || at.Before(best.at) || (at.Equal(best.at) && best.activeID != 0) {
			return
		}
		best.topicID, best.replyID, best.activeID, best.at = topicID, replyID, activeID, at
	}

	topicIDs, err := m.store.Children(ctx, store.ChildQuery{ParentID: forum.ID, Type: store.TypeTopic, Statuses: status.Visible})
	if err != nil {
		return fmt.Errorf("list topics of %d: %w", forum.ID, err)
	}
	topics, err := store.LoadPosts(ctx, m.store, topicIDs)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		activeID, at := topic.Stats.LastActiveID, topic.Stats.LastActiveTime
		if activeID == 0 {
			activeID, at = topic.ID, topic.CreatedAt
		}
		consider(topic.ID, topic.Stats.LastReplyID, activeID, at)
	}

	subIDs, err := m.store.Children(ctx, store.ChildQuery{ParentID: forum.ID, Type: store.TypeForum, Statuses: forumActivity})
	if err != nil {
		return fmt.Errorf("list subforums of %d: %w", forum.ID, err)
	}
	subforums, err := store.LoadPosts(ctx, m.store, subIDs)
	if err != nil {
		return err
	}
	for _, sub := range subforums {
		consider(sub.Stats.LastTopicID, sub.Stats.LastReplyID, sub.Stats.LastActiveID, sub.Stats.LastActiveTime)
	}

	forum.Stats.LastTopicID = best.topicID
	forum.Stats.LastReplyID = best.replyID
	forum.Stats.LastActiveID = best.activeID
	forum.Stats.LastActiveTime = best.at
	return nil
}
