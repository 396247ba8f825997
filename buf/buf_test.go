package buf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(16)

	require.NoError(t, b.Write([]byte("hello")))
	require.Equal(t, 5, b.Len())

	got := make([]byte, 5)
	require.NoError(t, b.Read(got, 5))
	require.Equal(t, "hello", string(got))
	require.Equal(t, 0, b.Len())
}

func TestOutOfRange(t *testing.T) {
	b := New(4)
	require.ErrorIs(t, b.Write([]byte("hello")), ErrOutOfRange)

	got := make([]byte, 5)
	require.ErrorIs(t, b.Read(got, 5), ErrOutOfRange)
}

func TestAllocWraps(t *testing.T) {
	b := New(4)

	first, err := b.Alloc(4)
	require.NoError(t, err)
	copy(first, "abcd")
	require.NoError(t, b.Free(4))

	// PosW is at 4 (==cap), next Alloc must wrap to 0.
	second, err := b.Alloc(2)
	require.NoError(t, err)
	copy(second, "xy")
	require.Equal(t, 2, b.PosW)
}

func TestAllocTooLarge(t *testing.T) {
	b := New(4)
	_, err := b.Alloc(5)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestReset(t *testing.T) {
	b := New(4)
	require.NoError(t, b.Write([]byte("ab")))
	b.Reset()
	require.Equal(t, 0, b.PosR)
	require.Equal(t, 0, b.PosW)
}

func TestCopy(t *testing.T) {
	src := New(8)
	dst := New(8)
	require.NoError(t, src.Write([]byte("abcd")))

	require.NoError(t, Copy(src, dst, 2))
	require.Equal(t, 2, src.PosR)
	require.Equal(t, 2, dst.PosW)

	got := make([]byte, 2)
	require.NoError(t, dst.Read(got, 2))
	require.Equal(t, "ab", string(got))
}

func TestCompact(t *testing.T) {
	b := New(8)
	require.NoError(t, b.Write([]byte("abcdef")))
	got := make([]byte, 3)
	require.NoError(t, b.Read(got, 3))

	b.Compact()
	require.Equal(t, 0, b.PosR)
	require.Equal(t, 3, b.PosW)

	rest := make([]byte, 3)
	require.NoError(t, b.Read(rest, 3))
	require.Equal(t, "def", string(rest))
}

func TestCompactEmpty(t *testing.T) {
	b := New(8)
	require.NoError(t, b.Write([]byte("ab")))
	got := make([]byte, 2)
	require.NoError(t, b.Read(got, 2))

	b.Compact()
	require.Equal(t, 0, b.PosR)
	require.Equal(t, 0, b.PosW)
}
