package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](3)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	require.NoError(t, q.Push(3))
	require.ErrorIs(t, q.Push(4), ErrNoMemory)

	v, err := q.Pop()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.NoError(t, q.Push(4))

	for _, want := range []int{2, 3, 4} {
		got, err := q.Pop()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err = q.Pop()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestFrontBack(t *testing.T) {
	q := New[string](4)
	require.NoError(t, q.Push("a"))
	require.NoError(t, q.Push("b"))
	require.NoError(t, q.Push("c"))

	front, err := q.Front()
	require.NoError(t, err)
	require.Equal(t, "a", *front)

	back, err := q.Back()
	require.NoError(t, err)
	require.Equal(t, "c", *back)
}

func TestAtWrapsAroundRing(t *testing.T) {
	q := New[int](3)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	_, _ = q.Pop()
	require.NoError(t, q.Push(3))
	require.NoError(t, q.Push(4))

	require.Equal(t, 2, *q.At(0))
	require.Equal(t, 3, *q.At(1))
	require.Equal(t, 4, *q.At(2))
}

func TestEmptyQueueAccessors(t *testing.T) {
	q := New[int](2)
	_, err := q.Front()
	require.ErrorIs(t, err, ErrEmpty)
	_, err = q.Back()
	require.ErrorIs(t, err, ErrEmpty)
}
