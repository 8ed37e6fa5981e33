package moderation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forumcore/internal/errs"
	"forumcore/internal/logging"
	"forumcore/internal/status"
	"forumcore/internal/store"
	"forumcore/internal/throttle"
)

var now = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

func newGate(t *testing.T, cfg Config) (*Gate, *store.MemoryStore, int64) {
	t.Helper()
	st := store.NewMemoryStore()
	topic, err := st.Create(context.Background(), store.Post{Type: store.TypeTopic, State: status.State{Current: status.Public}})
	require.NoError(t, err)
	tracker := throttle.NewMemoryTracker().WithClock(func() time.Time { return now })
	gate := New(cfg, st, tracker, logging.Discard()).WithClock(func() time.Time { return now })
	return gate, st, topic
}

func anonymousReply(topic int64, content string) Submission {
	return Submission{
		Type:      store.TypeReply,
		ParentID:  topic,
		Anonymous: store.AnonymousAuthor{Name: "guest", Email: "guest@example.com", IP: "203.0.113.9"},
		Content:   content,
	}
}

func TestFloodRejectsSecondAnonymousPost(t *testing.T) {
	gate, _, topic := newGate(t, Config{FloodWindow: 10 * time.Second})
	ctx := context.Background()

	first := anonymousReply(topic, "first")
	decision, err := gate.Check(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, status.Public, decision.Status)
	require.NoError(t, gate.Record(ctx, first))

	_, err = gate.Check(ctx, anonymousReply(topic, "second"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindRejection))
	assert.True(t, errs.HasCode(err, CodeFlood))

	other := anonymousReply(topic, "third")
	other.Anonymous.IP = "203.0.113.10"
	_, err = gate.Check(ctx, other)
	assert.NoError(t, err)
}

func TestFloodWindowElapses(t *testing.T) {
	gate, _, topic := newGate(t, Config{FloodWindow: 10 * time.Second})
	ctx := context.Background()
	sub := Submission{Type: store.TypeReply, ParentID: topic, AuthorID: 4, Content: "a"}
	require.NoError(t, gate.Record(ctx, sub))

	later := now.Add(11 * time.Second)
	gate.WithClock(func() time.Time { return later })
	sub.Content = "b"
	_, err := gate.Check(ctx, sub)
	assert.NoError(t, err)
}

func TestFloodUsesRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	tracker, err := throttle.NewRedisTracker("redis://" + mr.Addr())
	require.NoError(t, err)
	defer tracker.Close()

	st := store.NewMemoryStore()
	gate := New(Config{FloodWindow: 30 * time.Second}, st, tracker, logging.Discard()).WithClock(func() time.Time { return now })
	ctx := context.Background()
	sub := Submission{Type: store.TypeTopic, AuthorID: 3, Content: "hello"}

	require.NoError(t, gate.Record(ctx, sub))
	sub.Content = "again"
	_, err = gate.Check(ctx, sub)
	assert.True(t, errs.HasCode(err, CodeFlood))
}

func TestDuplicateRejected(t *testing.T) {
	gate, st, topic := newGate(t, Config{})
	ctx := context.Background()
	_, err := st.Create(ctx, store.Post{Type: store.TypeReply, ParentID: topic, AuthorID: 9, Content: "same words", State: status.State{Current: status.Public}})
	require.NoError(t, err)

	_, err = gate.Check(ctx, Submission{Type: store.TypeReply, ParentID: topic, AuthorID: 9, Content: "same words"})
	assert.True(t, errs.HasCode(err, CodeDuplicate))

	_, err = gate.Check(ctx, Submission{Type: store.TypeReply, ParentID: topic, AuthorID: 9, Content: "same words!"})
	assert.NoError(t, err)
}

func TestBlacklistRejectsModerationQueues(t *testing.T) {
	gate, _, topic := newGate(t, Config{BlacklistKeys: "viagra\n\n", ModerationKeys: "casino\nfree.money"})
	ctx := context.Background()

	_, err := gate.Check(ctx, anonymousReply(topic, "Cheap VIAGRA here"))
	assert.True(t, errs.HasCode(err, CodeBlacklist))

	decision, err := gate.Check(ctx, anonymousReply(topic, "visit my Casino"))
	require.NoError(t, err)
	assert.Equal(t, status.Pending, decision.Status)
	assert.Equal(t, ReasonModerationKey, decision.Reason)

	decision, err = gate.Check(ctx, anonymousReply(topic, "free money"))
	require.NoError(t, err)
	assert.Equal(t, status.Public, decision.Status)
}

func TestKeywordsMatchAuthorFields(t *testing.T) {
	gate, _, topic := newGate(t, Config{BlacklistKeys: "spammer.example"})
	sub := anonymousReply(topic, "innocent")
	sub.Anonymous.URL = "http://spammer.example/"

	_, err := gate.Check(context.Background(), sub)
	assert.True(t, errs.HasCode(err, CodeBlacklist))
}

func TestPrecedenceBlacklistBeforeModeration(t *testing.T) {
	gate, _, topic := newGate(t, Config{BlacklistKeys: "bad", ModerationKeys: "bad"})
	_, err := gate.Check(context.Background(), anonymousReply(topic, "bad"))
	assert.True(t, errs.HasCode(err, CodeBlacklist))
}

func TestMaxLinksQueues(t *testing.T) {
	gate, _, topic := newGate(t, Config{MaxLinks: 2})
	ctx := context.Background()
	link := `<a href="http://example.com">x</a> `

	decision, err := gate.Check(ctx, anonymousReply(topic, strings.Repeat(link, 2)))
	require.NoError(t, err)
	assert.Equal(t, status.Public, decision.Status)

	decision, err = gate.Check(ctx, anonymousReply(topic, strings.Repeat(link, 3)))
	require.NoError(t, err)
	assert.Equal(t, status.Pending, decision.Status)
	assert.Equal(t, ReasonMaxLinks, decision.Reason)
}

func TestBypassSkipsEveryCheck(t *testing.T) {
	gate, _, topic := newGate(t, Config{FloodWindow: time.Minute, BlacklistKeys: "bad"})
	ctx := context.Background()
	sub := Submission{Type: store.TypeReply, ParentID: topic, AuthorID: 1, Content: "bad", Bypass: true}
	require.NoError(t, gate.Record(ctx, sub))

	decision, err := gate.Check(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, status.Public, decision.Status)
}

func TestEditSkipsFloodAndDuplicate(t *testing.T) {
	gate, st, topic := newGate(t, Config{FloodWindow: time.Minute, ModerationKeys: "casino"})
	ctx := context.Background()
	_, err := st.Create(ctx, store.Post{Type: store.TypeReply, ParentID: topic, AuthorID: 4, Content: "same", State: status.State{Current: status.Public}})
	require.NoError(t, err)
	sub := Submission{Type: store.TypeReply, ParentID: topic, AuthorID: 4, Content: "same", Edit: true}
	require.NoError(t, gate.Record(ctx, sub))

	decision, err := gate.Check(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, status.Public, decision.Status)

	sub.Content = "casino"
	decision, err = gate.Check(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, status.Pending, decision.Status)
}

func TestCountLinks(t *testing.T) {
	assert.Equal(t, 2, CountLinks(`<A HREF="x">a</A> <a class="y" href='z'>b</a> <a name="n">`))
	assert.Zero(t, CountLinks("http://plain.example"))
}

func TestKeywordsMatchRegisteredPosterIP(t *testing.T) {
	gate, _, topic := newGate(t, Config{BlacklistKeys: "198.51.100.7", ModerationKeys: "192.0.2."})
	ctx := context.Background()
	sub := Submission{Type: store.TypeReply, ParentID: topic, AuthorID: 8, AuthorName: "alice", IP: "198.51.100.7", Content: "hello"}

	_, err := gate.Check(ctx, sub)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, CodeBlacklist))

	sub.IP = "192.0.2.44"
	decision, err := gate.Check(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, status.Pending, decision.Status)
	assert.Equal(t, ReasonModerationKey, decision.Reason)
}

func TestFloodKeysAnonymousWithoutIPByEmail(t *testing.T) {
	gate, _, topic := newGate(t, Config{FloodWindow: 10 * time.Second})
	ctx := context.Background()

	first := anonymousReply(topic, "first")
	first.Anonymous.IP = ""
	require.NoError(t, gate.Record(ctx, first))

	other := anonymousReply(topic, "from someone else")
	other.Anonymous.IP = ""
	other.Anonymous.Email = "someone@example.com"
	_, err := gate.Check(ctx, other)
	assert.NoError(t, err)

	again := anonymousReply(topic, "second")
	again.Anonymous.IP = ""
	_, err = gate.Check(ctx, again)
	assert.True(t, errs.HasCode(err, CodeFlood))
}

func TestFloodSkippedWithoutAnyIdentity(t *testing.T) {
	gate, _, topic := newGate(t, Config{FloodWindow: 10 * time.Second})
	ctx := context.Background()

	sub := Submission{Type: store.TypeReply, ParentID: topic, Content: "one"}
	require.NoError(t, gate.Record(ctx, sub))
	sub.Content = "two"
	_, err := gate.Check(ctx, sub)
	assert.NoError(t, err)

	_, keyed := floodKey(sub)
	assert.False(t, keyed)
}
