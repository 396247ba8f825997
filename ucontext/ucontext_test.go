package ucontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSuspendResumeHandoff(t *testing.T) {
	b := New()
	done := make(chan any, 1)

	go func() {
		done <- b.Suspend()
	}()

	require.Eventually(t, b.Waiting, time.Second, time.Millisecond)
	b.Resume("reply")

	select {
	case v := <-done:
		require.Equal(t, "reply", v)
	case <-time.After(time.Second):
		t.Fatal("Suspend never returned")
	}
	require.False(t, b.Waiting())
}

func TestResumeWithoutSuspendIsNoop(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.Resume("nothing") })
}

func TestConcurrentSuspendPanics(t *testing.T) {
	b := New()
	go b.Suspend()
	require.Eventually(t, b.Waiting, time.Second, time.Millisecond)

	require.Panics(t, func() { b.Suspend() })
}
