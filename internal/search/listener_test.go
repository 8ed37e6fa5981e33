package search

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumcore/internal/events"
	"forumcore/internal/logging"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[int64]PostRecord
	deleted map[ResultType][]int64
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{indexed: map[int64]PostRecord{}, deleted: map[ResultType][]int64{}}
}

func (f *fakeIndexer) IndexRecords(records []PostRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.indexed[r.ID] = r
	}
	return nil
}

func (f *fakeIndexer) DeleteRecords(t ResultType, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.indexed, id)
	}
	f.deleted[t] = append(f.deleted[t], ids...)
	return nil
}

type fixture struct {
	ctx   context.Context
	store *store.MemoryStore
	bus   *events.Bus
	index *fakeIndexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemoryStore(),
		bus:   events.NewBus(logging.Discard()),
		index: newFakeIndexer(),
	}
	NewListener(f.store, f.index, logging.Discard()).Attach(f.bus)
	return f
}

func (f *fixture) create(t *testing.T, post store.Post) int64 {
	t.Helper()
	id, err := f.store.Create(f.ctx, post)
	require.NoError(t, err)
	return id
}

func TestListenerIndexesVisibleTopicWithTags(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, Title: "Hello", Content: "world", State: status.State{Current: status.Public}})
	require.NoError(t, f.store.SetTags(f.ctx, topic, []string{"go"}))

	f.bus.Publish(events.TopicCreated, events.PostData{PostID: topic, ForumID: forum})

	record, ok := f.index.indexed[topic]
	require.True(t, ok)
	assert.Equal(t, "topic", record.Type)
	assert.Equal(t, "Hello", record.Title)
	assert.Equal(t, forum, record.ForumID)
	assert.Equal(t, []string{"go"}, record.Tags)
}

func TestListenerSkipsPendingAndRemovesHidden(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, State: status.State{Current: status.Public}})
	reply := f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, State: status.State{Current: status.Pending}})

	f.bus.Publish(events.ReplyCreated, events.PostData{PostID: reply})

	assert.NotContains(t, f.index.indexed, reply)
	assert.Equal(t, []int64{reply}, f.index.deleted[ResultReply])
}

func TestListenerFollowsSpamCascade(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})
	topic := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, State: status.State{Current: status.Public}})
	reply := f.create(t, store.Post{Type: store.TypeReply, ParentID: topic, ForumID: forum, TopicID: topic, State: status.State{Current: status.Public}})
	f.bus.Publish(events.TopicCreated, events.PostData{PostID: topic})
	f.bus.Publish(events.ReplyCreated, events.PostData{PostID: reply})
	require.Len(t, f.index.indexed, 2)

	for _, id := range []int64{topic, reply} {
		post, err := f.store.Get(f.ctx, id)
		require.NoError(t, err)
		post.State = post.State.Push(status.Spam)
		require.NoError(t, f.store.Update(f.ctx, post))
	}
	f.bus.Publish(events.StatusTransitioned, events.StatusData{PostID: topic, PostType: "topic", Action: "spam", Children: []int64{reply}})

	assert.Empty(t, f.index.indexed)
	assert.Equal(t, []int64{topic}, f.index.deleted[ResultTopic])
	assert.Equal(t, []int64{reply}, f.index.deleted[ResultReply])
}

func TestListenerDropsDeletedPostsFromBothIndexes(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(events.StatusTransitioned, events.StatusData{PostID: 42, PostType: "topic", Action: "delete"})

	assert.Equal(t, []int64{42}, f.index.deleted[ResultTopic])
	assert.Equal(t, []int64{42}, f.index.deleted[ResultReply])
}

func TestListenerMergeRemovesSourceAndReindexesMoved(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})
	dest := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, State: status.State{Current: status.Public}})
	moved := f.create(t, store.Post{Type: store.TypeReply, ParentID: dest, ForumID: forum, TopicID: dest, State: status.State{Current: status.Public}})

	f.bus.Publish(events.TopicMerged, events.MergeData{SourceID: 99, DestinationID: dest, Moved: []int64{moved}})

	assert.Contains(t, f.index.deleted[ResultTopic], int64(99))
	require.Contains(t, f.index.indexed, moved)
	assert.Equal(t, dest, f.index.indexed[moved].TopicID)
}

func TestListenerSplitPromotesReplyToTopic(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})
	promoted := f.create(t, store.Post{Type: store.TypeTopic, ParentID: forum, ForumID: forum, Title: "Split", State: status.State{Current: status.Public}})

	f.bus.Publish(events.TopicSplit, events.SplitData{SourceID: 1, DestinationID: promoted, Mode: "reply"})

	assert.Equal(t, []int64{promoted}, f.index.deleted[ResultReply])
	require.Contains(t, f.index.indexed, promoted)
	assert.Equal(t, "topic", f.index.indexed[promoted].Type)
}

func TestListenerIgnoresForums(t *testing.T) {
	f := newFixture(t)
	forum := f.create(t, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})

	f.bus.Publish(events.StatusTransitioned, events.StatusData{PostID: forum, PostType: "forum", Action: "close"})

	assert.Empty(t, f.index.indexed)
	assert.Empty(t, f.index.deleted)
}
