package search

import (
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHitPrefersHighlightedText(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`12`),
		"title":      json.RawMessage(`"Reply To: Welcome"`),
		"content":    json.RawMessage(`"hello forum"`),
		"forumId":    json.RawMessage(`3`),
		"topicId":    json.RawMessage(`9`),
		"_formatted": json.RawMessage(`{"id":"12","title":"","content":"hello <mark>forum</mark>"}`),
	}

	got, err := decodeHit(hit, ResultReply)
	require.NoError(t, err)
	assert.Equal(t, Result{
		Type:    ResultReply,
		ID:      12,
		Title:   "Reply To: Welcome",
		Snippet: "hello <mark>forum</mark>",
		ForumID: 3,
		TopicID: 9,
	}, got)
}

func TestDecodeHitWithoutFormatting(t *testing.T) {
	hit := meili.Hit{
		"id":    json.RawMessage(`4`),
		"title": json.RawMessage(`"Rules"`),
	}
	got, err := decodeHit(hit, ResultTopic)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.ID)
	assert.Equal(t, "Rules", got.Title)
	assert.Empty(t, got.Snippet)
}

func TestIndexOfRoutesByType(t *testing.T) {
	assert.Equal(t, "forum_topics", indexOf(ResultTopic).uid)
	assert.Equal(t, "forum_replies", indexOf(ResultReply).uid)
	assert.Equal(t, "forum_replies", indexOf("unknown").uid)
}
