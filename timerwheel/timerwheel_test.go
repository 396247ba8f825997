package timerwheel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFiresAtTrigger(t *testing.T) {
	w := New()
	var fired int
	timer := &Timer{}

	require.NoError(t, w.SetTimeout(timer, 3, func(data any, status error) {
		fired++
	}, nil))

	w.Tick()
	w.Tick()
	require.Equal(t, 0, fired)
	w.Tick()
	require.Equal(t, 1, fired)
	require.False(t, timer.Armed())
}

func TestAlreadyArmed(t *testing.T) {
	w := New()
	timer := &Timer{}
	require.NoError(t, w.SetTimeout(timer, 1, func(any, error) {}, nil))
	require.ErrorIs(t, w.SetTimeout(timer, 1, func(any, error) {}, nil), ErrAlready)
}

func TestCancelIdempotent(t *testing.T) {
	w := New()
	timer := &Timer{}
	require.NoError(t, w.SetTimeout(timer, 1, func(any, error) {
		t.Fatal("should not fire")
	}, nil))

	w.Cancel(timer)
	w.Cancel(timer) // idempotent
	w.Tick()
	require.False(t, timer.Armed())
}

func TestOrderedFiring(t *testing.T) {
	w := New()
	var order []int

	t1 := &Timer{}
	t2 := &Timer{}
	t3 := &Timer{}

	// Insert out of trigger order; wheel must still fire 2 before 5 before 5b.
	require.NoError(t, w.SetTimeout(t2, 5, func(any, error) { order = append(order, 2) }, nil))
	require.NoError(t, w.SetTimeout(t1, 2, func(any, error) { order = append(order, 1) }, nil))
	require.NoError(t, w.SetTimeout(t3, 5, func(any, error) { order = append(order, 3) }, nil))

	for i := 0; i < 5; i++ {
		w.Tick()
	}
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestRearmFromCallback(t *testing.T) {
	w := New()
	timer := &Timer{}
	var fired int

	var arm func()
	arm = func() {
		require.NoError(t, w.SetTimeout(timer, 2, func(any, error) {
			fired++
			if fired < 3 {
				arm()
			}
		}, nil))
	}
	arm()

	for i := 0; i < 10; i++ {
		w.Tick()
	}
	require.Equal(t, 3, fired)
}
