package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumcore/internal/logging"
	"forumcore/internal/status"
	"forumcore/internal/store"
)

type tree struct {
	ctx     context.Context
	store   *store.MemoryStore
	machine *Machine
	forum   int64
	topic   int64
	replies []int64
}

// newTree builds a forum with one topic and replies in the given statuses.
func newTree(t *testing.T, replyStatuses ...status.Status) *tree {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := &tree{ctx: ctx, store: st, machine: New(st, logging.Discard())}

	var err error
	tr.forum, err = st.Create(ctx, store.Post{Type: store.TypeForum, State: status.State{Current: status.Public}})
	require.NoError(t, err)
	tr.topic, err = st.Create(ctx, store.Post{Type: store.TypeTopic, ParentID: tr.forum, ForumID: tr.forum, State: status.State{Current: status.Public}})
	require.NoError(t, err)
	for _, s := range replyStatuses {
		id, err := st.Create(ctx, store.Post{Type: store.TypeReply, ParentID: tr.topic, ForumID: tr.forum, TopicID: tr.topic, State: status.State{Current: s}})
		require.NoError(t, err)
		tr.replies = append(tr.replies, id)
	}
	return tr
}

func (tr *tree) status(t *testing.T, id int64) status.Status {
	t.Helper()
	post, err := tr.store.Get(tr.ctx, id)
	require.NoError(t, err)
	return post.Status()
}

func TestCloseOpenRoundTrip(t *testing.T) {
	tr := newTree(t)
	before, err := tr.store.Get(tr.ctx, tr.topic)
	require.NoError(t, err)

	closed, err := tr.machine.Apply(tr.ctx, tr.topic, ActionClose)
	require.NoError(t, err)
	assert.Equal(t, status.Closed, closed.Post.Status())
	assert.Equal(t, status.Public, closed.Post.State.Previous)

	_, err = tr.machine.Close(tr.ctx, tr.topic)
	assert.ErrorIs(t, err, ErrNoChange)

	opened, err := tr.machine.Apply(tr.ctx, tr.topic, ActionOpen)
	require.NoError(t, err)
	assert.Equal(t, before.State, opened.Post.State)

	_, err = tr.machine.Open(tr.ctx, tr.topic)
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestCloseRestoresPrivate(t *testing.T) {
	tr := newTree(t)
	post, err := tr.store.Get(tr.ctx, tr.topic)
	require.NoError(t, err)
	post.State = status.State{Current: status.Private}
	require.NoError(t, tr.store.Update(tr.ctx, post))

	_, err = tr.machine.Close(tr.ctx, tr.topic)
	require.NoError(t, err)
	_, err = tr.machine.Open(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, status.Private, tr.status(t, tr.topic))
}

func TestCloseRejectsReplies(t *testing.T) {
	tr := newTree(t, status.Public)
	_, err := tr.machine.Close(tr.ctx, tr.replies[0])
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSpamUnspamRestoresExactlyTrashedReplies(t *testing.T) {
	tr := newTree(t, status.Public, status.Trash, status.Public, status.Pending)
	require.NoError(t, tr.store.SetTags(tr.ctx, tr.topic, []string{"go", "forums"}))

	spam, err := tr.machine.Apply(tr.ctx, tr.topic, ActionSpam)
	require.NoError(t, err)
	assert.Equal(t, status.Spam, spam.Post.Status())
	assert.Equal(t, []int64{tr.replies[0], tr.replies[2]}, spam.Children)
	assert.Equal(t, status.Trash, tr.status(t, tr.replies[0]))
	assert.Equal(t, status.Pending, tr.status(t, tr.replies[3]))

	tags, err := tr.store.Tags(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Empty(t, tags)

	unspam, err := tr.machine.Apply(tr.ctx, tr.topic, ActionUnspam)
	require.NoError(t, err)
	assert.Equal(t, status.Public, unspam.Post.Status())
	assert.Equal(t, status.Public, tr.status(t, tr.replies[0]))
	assert.Equal(t, status.Trash, tr.status(t, tr.replies[1]))
	assert.Equal(t, status.Public, tr.status(t, tr.replies[2]))

	tags, err = tr.store.Tags(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, []string{"forums", "go"}, tags)

	_, ok, err := tr.store.GetMeta(tr.ctx, tr.topic, store.MetaSpamTrashed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnspamDefaultsToPublic(t *testing.T) {
	tr := newTree(t, status.Spam)
	unspam, err := tr.machine.Unspam(tr.ctx, tr.replies[0])
	require.NoError(t, err)
	assert.Equal(t, status.Public, unspam.Post.Status())

	_, err = tr.machine.Unspam(tr.ctx, tr.replies[0])
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestUnspamLeavesIndependentlyRestoredReply(t *testing.T) {
	tr := newTree(t, status.Public)
	_, err := tr.machine.Spam(tr.ctx, tr.topic)
	require.NoError(t, err)

	_, err = tr.machine.Untrash(tr.ctx, tr.replies[0])
	require.NoError(t, err)
	_, err = tr.machine.Close(tr.ctx, tr.topic)
	assert.NoError(t, err)
	_, err = tr.machine.Open(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, status.Spam, tr.status(t, tr.topic))

	_, err = tr.machine.Unspam(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, status.Public, tr.status(t, tr.replies[0]))
}

func TestSpamRejectsForum(t *testing.T) {
	tr := newTree(t)
	_, err := tr.machine.Spam(tr.ctx, tr.forum)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTrashTopicCascadesAndUntrashes(t *testing.T) {
	tr := newTree(t, status.Public, status.Spam, status.Closed)

	trash, err := tr.machine.Trash(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, []int64{tr.replies[0], tr.replies[2]}, trash.Children)
	assert.Equal(t, status.Spam, tr.status(t, tr.replies[1]))

	_, err = tr.machine.Trash(tr.ctx, tr.topic)
	assert.ErrorIs(t, err, ErrNoChange)

	untrash, err := tr.machine.Untrash(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, status.Public, untrash.Post.Status())
	assert.Equal(t, status.Public, tr.status(t, tr.replies[0]))
	assert.Equal(t, status.Spam, tr.status(t, tr.replies[1]))
	assert.Equal(t, status.Closed, tr.status(t, tr.replies[2]))
}

func TestTrashForumCascadesToTopicsAndReplies(t *testing.T) {
	tr := newTree(t, status.Public)

	trash, err := tr.machine.Trash(tr.ctx, tr.forum)
	require.NoError(t, err)
	assert.Equal(t, []int64{tr.topic, tr.replies[0]}, trash.Children)
	assert.Equal(t, status.Trash, tr.status(t, tr.topic))
	assert.Equal(t, status.Trash, tr.status(t, tr.replies[0]))

	_, err = tr.machine.Untrash(tr.ctx, tr.forum)
	require.NoError(t, err)
	assert.Equal(t, status.Public, tr.status(t, tr.forum))
	assert.Equal(t, status.Public, tr.status(t, tr.topic))
	assert.Equal(t, status.Public, tr.status(t, tr.replies[0]))
}

func TestApproveUnapprove(t *testing.T) {
	tr := newTree(t, status.Pending)

	_, err := tr.machine.Approve(tr.ctx, tr.replies[0])
	require.NoError(t, err)
	assert.Equal(t, status.Public, tr.status(t, tr.replies[0]))

	_, err = tr.machine.Approve(tr.ctx, tr.replies[0])
	assert.ErrorIs(t, err, ErrNoChange)

	_, err = tr.machine.Unapprove(tr.ctx, tr.replies[0])
	require.NoError(t, err)
	assert.Equal(t, status.Pending, tr.status(t, tr.replies[0]))
}

func TestApproveOnlyFromPending(t *testing.T) {
	tr := newTree(t, status.Public, status.Public)
	require.NoError(t, tr.store.SetTags(tr.ctx, tr.topic, []string{"go"}))

	_, err := tr.machine.Apply(tr.ctx, tr.topic, ActionSpam)
	require.NoError(t, err)

	_, err = tr.machine.Apply(tr.ctx, tr.topic, ActionApprove)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, status.Spam, tr.status(t, tr.topic))
	_, stashed, err := tr.store.GetMeta(tr.ctx, tr.topic, store.MetaSpamTrashed)
	require.NoError(t, err)
	assert.True(t, stashed)

	_, err = tr.machine.Apply(tr.ctx, tr.topic, ActionUnspam)
	require.NoError(t, err)
	assert.Equal(t, status.Public, tr.status(t, tr.replies[0]))
	assert.Equal(t, status.Public, tr.status(t, tr.replies[1]))
	tags, err := tr.store.Tags(tr.ctx, tr.topic)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, tags)

	_, err = tr.machine.Apply(tr.ctx, tr.replies[0], ActionTrash)
	require.NoError(t, err)
	_, err = tr.machine.Apply(tr.ctx, tr.replies[0], ActionApprove)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, status.Trash, tr.status(t, tr.replies[0]))
}

func TestUnapproveRemembersClosed(t *testing.T) {
	tr := newTree(t)
	_, err := tr.machine.Apply(tr.ctx, tr.topic, ActionClose)
	require.NoError(t, err)

	_, err = tr.machine.Apply(tr.ctx, tr.topic, ActionUnapprove)
	require.NoError(t, err)
	assert.Equal(t, status.Pending, tr.status(t, tr.topic))

	approved, err := tr.machine.Apply(tr.ctx, tr.topic, ActionApprove)
	require.NoError(t, err)
	assert.Equal(t, status.Pending, approved.From)
	assert.Equal(t, status.Closed, approved.Post.Status())

	_, err = tr.machine.Apply(tr.ctx, tr.topic, ActionTrash)
	require.NoError(t, err)
	_, err = tr.machine.Apply(tr.ctx, tr.topic, ActionUnapprove)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeleteRemovesDescendants(t *testing.T) {
	tr := newTree(t, status.Public, status.Trash)

	del, err := tr.machine.Apply(tr.ctx, tr.topic, ActionDelete)
	require.NoError(t, err)
	assert.ElementsMatch(t, tr.replies, del.Children)
	assert.Equal(t, tr.topic, del.Post.ID)

	for _, id := range append([]int64{tr.topic}, tr.replies...) {
		_, err := tr.store.Get(tr.ctx, id)
		assert.True(t, errors.Is(err, store.ErrNotFound))
	}
}

func TestUnknownAction(t *testing.T) {
	tr := newTree(t)
	_, err := tr.machine.Apply(tr.ctx, tr.topic, Action("explode"))
	assert.ErrorIs(t, err, ErrUnknownAction)
}
