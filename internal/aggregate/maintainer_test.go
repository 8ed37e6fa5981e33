package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumcore/internal/logging"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	store *store.MemoryStore
	m     *Maintainer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	return &fixture{ctx: context.Background(), store: st, m: New(st, logging.Discard())}
}

func (f *fixture) create(t *testing.T, post store.Post) int64 {
	t.Helper()
	if post.State.Current == "" {
		post.State.Current = status.Public
	}
	id, err := f.store.Create(f.ctx, post)
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, id int64) store.Post {
	t.Helper()
	post, err := f.store.Get(f.ctx, id)
	require.NoError(t, err)
	return post
}

func TestBumpFloorsAtZero(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum})

	n, err := f.m.BumpReplyCount(f.ctx, topic, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = f.m.BumpReplyCount(f.ctx, topic, -5)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.m.BumpReplyCountHidden(f.ctx, topic, -1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBumpRejectsNonTopic(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	_, err := f.m.BumpReplyCount(f.ctx, forum, 1)
	assert.Error(t, err)
}

func TestRefreshTopicCountsVisibleAndHidden(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, AuthorID: 1, CreatedAt: base})
	f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, AuthorID: 2, CreatedAt: base.Add(time.Minute)})
	last := f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, AuthorID: 0, CreatedAt: base.Add(2 * time.Minute)})
	f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, AuthorID: 3, CreatedAt: base.Add(3 * time.Minute), State: status.State{Current: status.Spam}})
	f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, AuthorID: 4, CreatedAt: base.Add(4 * time.Minute), State: status.State{Current: status.Pending}})

	require.NoError(t, f.m.RefreshTopic(f.ctx, topic))

	stats := f.get(t, topic).Stats
	assert.Equal(t, 2, stats.ReplyCount)
	assert.Equal(t, 1, stats.ReplyCountHidden)
	assert.Equal(t, 3, stats.VoiceCount)
	assert.Equal(t, 1, stats.AnonymousReplyCount)
	assert.Equal(t, last, stats.LastReplyID)
	assert.Equal(t, last, stats.LastActiveID)
	assert.True(t, stats.LastActiveTime.Equal(base.Add(2*time.Minute)))
}

func TestEmptyTopicPointsAtItself(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, AuthorID: 0, CreatedAt: base})

	require.NoError(t, f.m.RefreshTopic(f.ctx, topic))

	stats := f.get(t, topic).Stats
	assert.Zero(t, stats.LastReplyID)
	assert.Equal(t, topic, stats.LastActiveID)
	assert.True(t, stats.LastActiveTime.Equal(base))
	assert.Equal(t, 1, stats.VoiceCount)
	assert.Equal(t, 1, stats.AnonymousReplyCount)
}

func TestRecomputeTwiceChangesNothing(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, AuthorID: 1, CreatedAt: base})
	reply := f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, AuthorID: 2, CreatedAt: base.Add(time.Minute)})
	f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, AuthorID: 3, CreatedAt: base.Add(2 * time.Minute), State: status.State{Current: status.Trash}})

	first, err := f.m.RecomputeReplyCount(f.ctx, topic)
	require.NoError(t, err)
	second, err := f.m.RecomputeReplyCount(f.ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, 1, first)
	assert.Equal(t, first, second)

	require.NoError(t, f.m.RefreshTopic(f.ctx, topic))
	require.NoError(t, f.m.WalkAndUpdate(f.ctx, WalkParams{TopicID: topic, ReplyID: reply}))
	topicStats, forumStats := f.get(t, topic).Stats, f.get(t, forum).Stats

	require.NoError(t, f.m.RefreshTopic(f.ctx, topic))
	require.NoError(t, f.m.WalkAndUpdate(f.ctx, WalkParams{TopicID: topic, ReplyID: reply}))
	assert.Equal(t, topicStats, f.get(t, topic).Stats)
	assert.Equal(t, forumStats, f.get(t, forum).Stats)
	assert.Equal(t, 1, topicStats.ReplyCountHidden)
	assert.Equal(t, 1, forumStats.TotalReplyCount)
}

func TestWalkRollsTotalsUpNestedForums(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, store.Post{Type: store.TypeForum})
	child := f.create(t, store.Post{Type: store.TypeForum, ParentID: root})
	rootTopic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: root, ForumID: root, CreatedAt: base})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: child, ForumID: child, CreatedAt: base})
	reply := f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: child, TopicID: topic, CreatedAt: base.Add(time.Hour)})
	f.create(t, store.Post{Type: store.TypeTopic, ParentID: child, ForumID: child, State: status.State{Current: status.Trash}})
	require.NoError(t, f.m.RefreshTopic(f.ctx, topic))
	require.NoError(t, f.m.RefreshTopic(f.ctx, rootTopic))

	require.NoError(t, f.m.WalkAndUpdate(f.ctx, WalkParams{TopicID: topic, ReplyID: reply}))

	c := f.get(t, child).Stats
	assert.Equal(t, 1, c.TopicCount)
	assert.Equal(t, 1, c.TopicCountHidden)
	assert.Equal(t, 1, c.TotalTopicCount)
	assert.Equal(t, 1, c.TotalReplyCount)
	assert.Equal(t, reply, c.LastActiveID)
	assert.Equal(t, topic, c.LastTopicID)

	r := f.get(t, root).Stats
	assert.Equal(t, 1, r.SubforumCount)
	assert.Equal(t, 1, r.TopicCount)
	assert.Equal(t, 2, r.TotalTopicCount)
	assert.Equal(t, 1, r.TotalReplyCount)
	assert.Equal(t, 3, r.PostCount())
	assert.Equal(t, reply, r.LastReplyID)
	assert.True(t, r.LastActiveTime.Equal(base.Add(time.Hour)))
}

func TestWalkSkipsPointersForPendingActivity(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, CreatedAt: base})
	require.NoError(t, f.m.WalkAndUpdate(f.ctx, WalkParams{TopicID: topic}))

	pending := f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, CreatedAt: base.Add(time.Hour), State: status.State{Current: status.Pending}})
	require.NoError(t, f.m.WalkAndUpdate(f.ctx, WalkParams{TopicID: topic, ReplyID: pending}))

	stats := f.get(t, forum).Stats
	assert.Equal(t, topic, stats.LastActiveID)
	assert.True(t, stats.LastActiveTime.Equal(base))
}

func TestWalkRefreshRebuildsFromScratch(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	old := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, CreatedAt: base})
	newer := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, CreatedAt: base.Add(time.Hour)})
	require.NoError(t, f.m.RefreshTopic(f.ctx, old))
	require.NoError(t, f.m.RefreshTopic(f.ctx, newer))

	post := f.get(t, forum)
	post.Stats = store.Stats{TopicCount: 40, LastActiveID: 999}
	require.NoError(t, f.store.Update(f.ctx, post))

	require.NoError(t, f.m.WalkAndUpdate(f.ctx, WalkParams{TopicID: old, ReplyID: 12345, Refresh: true}))

	stats := f.get(t, forum).Stats
	assert.Equal(t, 2, stats.TopicCount)
	assert.Equal(t, newer, stats.LastActiveID)
	assert.Equal(t, newer, stats.LastTopicID)
	assert.Zero(t, stats.LastReplyID)
}

func TestRefreshForumWithoutTopicsClearsPointers(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum})
	post := f.get(t, forum)
	post.Stats.LastActiveID = 5
	post.Stats.LastActiveTime = base
	require.NoError(t, f.store.Update(f.ctx, post))

	require.NoError(t, f.m.RefreshForum(f.ctx, forum))

	stats := f.get(t, forum).Stats
	assert.Zero(t, stats.LastActiveID)
	assert.True(t, stats.LastActiveTime.IsZero())
}
