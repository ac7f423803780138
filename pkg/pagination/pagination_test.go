package pagination

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine/pkg/errors"
)

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampPageSize(0))
	assert.Equal(t, DefaultPageSize, ClampPageSize(-3))
	assert.Equal(t, 10, ClampPageSize(10))
	assert.Equal(t, MaxPageSize, ClampPageSize(MaxPageSize+1))
}

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 50, 12345} {
		got, err := DecodeCursor(EncodeCursor(offset))
		require.NoError(t, err)
		assert.Equal(t, offset, got)
	}

	got, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"@@@", "aGVsbG8", EncodeCursor(-1)} {
		_, err := DecodeCursor(cursor)
		require.Error(t, err, cursor)
		assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidParams), cursor)
	}
}

func TestPage(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6}

	first, next, err := Page(items, "", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, first)
	require.NotEmpty(t, next)

	second, next, err := Page(items, next, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, second)

	last, next, err := Page(items, next, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{6}, last)
	assert.Empty(t, next)

	_, _, err = Page(items, EncodeCursor(7), 3)
	assert.Error(t, err)
}

func TestPageEmpty(t *testing.T) {
	page, next, err := Page([]string(nil), "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestCollect(t *testing.T) {
	items := make([]int, 120)
	for i := range items {
		items[i] = i
	}

	calls := 0
	got, err := Collect(context.Background(), func(_ context.Context, cursor string) ([]int, string, error) {
		calls++
		return Page(items, cursor, 50)
	})
	require.NoError(t, err)
	assert.Equal(t, items, got)
	assert.Equal(t, 3, calls)
}

func TestCollectRepeatedCursor(t *testing.T) {
	_, err := Collect(context.Background(), func(context.Context, string) ([]int, string, error) {
		return []int{1}, "same", nil
	})
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeProtocolError))
}

func TestCollectPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Collect(context.Background(), func(context.Context, string) ([]int, string, error) {
		return nil, "", boom
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Collect(ctx, func(context.Context, string) ([]int, string, error) {
		return []int{1}, "", nil
	})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeOperationCancelled))
}
