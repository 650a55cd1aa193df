package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListLocate(t *testing.T) {
	l, err := NewList([]string{"a", "b", "c"}, []int64{100, 50, 10})
	require.NoError(t, err)
	require.Equal(t, int64(160), l.Size())
	require.Equal(t, 3, l.Len())

	tests := []struct {
		off int64
		idx int
		rel int64
	}{
		{0, 0, 0},
		{99, 0, 99},
		{100, 1, 0},
		{149, 1, 49},
		{150, 2, 0},
		{159, 2, 9},
	}
	for _, tc := range tests {
		idx, rel, ok := l.Locate(tc.off)
		require.True(t, ok, "offset %d", tc.off)
		require.Equal(t, tc.idx, idx, "offset %d", tc.off)
		require.Equal(t, tc.rel, rel, "offset %d", tc.off)
	}

	_, _, ok := l.Locate(160)
	require.False(t, ok)
	_, _, ok = l.Locate(-1)
	require.False(t, ok)

	start, end := l.Bounds(1)
	require.Equal(t, int64(100), start)
	require.Equal(t, int64(150), end)
}

func TestNewListRejectsEmptySegment(t *testing.T) {
	_, err := NewList([]string{"a", "b"}, []int64{10, 0})
	require.ErrorIs(t, err, ErrEmptySegment)

	_, err = NewList([]string{"a"}, []int64{1, 2})
	require.Error(t, err)
}
