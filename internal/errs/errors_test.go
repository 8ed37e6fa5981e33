package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorReturnsAllErrors(t *testing.T) {
	var c Collector
	require.NoError(t, c.Err())

	c.Add("topic_title", "title is required")
	c.Add("topic_content", "content is required")

	err := c.Err()
	require.Error(t, err)

	var many *ValidationErrors
	require.True(t, errors.As(err, &many))
	assert.Len(t, many.Errors, 2)
	assert.True(t, HasCode(err, "topic_content"))
	assert.Contains(t, err.Error(), "topic_title: title is required")
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", Rejection("flood", "slow down"))
	assert.True(t, IsKind(err, KindRejection))
	assert.False(t, IsKind(err, KindValidation))
	assert.True(t, HasCode(err, "flood"))
}
