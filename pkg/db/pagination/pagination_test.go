package pagination

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	token := TokenFor(snowflake.ID(42), at)
	require.NotEmpty(t, token)

	cursor, err := ParseToken(token)
	require.NoError(t, err)
	assert.EqualValues(t, 42, cursor.ID)
	assert.True(t, at.Equal(cursor.CreatedAt))

	none, err := ParseToken("")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseToken("%%%")
	assert.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	one, two, three := 1, 2, 3
	info := BuildCursorPageInfo([]*int{&one, &two, &three}, 2, func(v *int) string { return string(rune('a' + *v)) })
	assert.True(t, info.HasMore)
	assert.Equal(t, "c", info.NextPageToken)

	info = BuildCursorPageInfo([]*int{&one}, 2, func(v *int) string { return "x" })
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestLimitClamps(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 1000}.Limit())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Limit())
}
