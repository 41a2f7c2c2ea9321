package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Stop()

	done := make(chan int, 1)
	l.Post(func() { done <- 42 })

	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("posted event never ran")
	}
}

func TestTimeoutAddFires(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Stop()

	fired := make(chan struct{})
	l.TimeoutAdd(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimeoutDelCancels(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Stop()

	fired := make(chan struct{}, 1)
	h := l.TimeoutAdd(50*time.Millisecond, func() { fired <- struct{}{} })
	l.TimeoutDel(h)

	select {
	case <-fired:
		t.Fatal("cancelled timer fired anyway")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimeoutSetRearms(t *testing.T) {
	l := New()
	go l.Run()
	defer l.Stop()

	calls := make(chan string, 2)
	h := l.TimeoutAdd(time.Hour, func() { calls <- "first" }) // far future
	l.TimeoutSet(h, 10*time.Millisecond, func() { calls <- "second" })

	select {
	case v := <-calls:
		require.Equal(t, "second", v)
	case <-time.After(time.Second):
		t.Fatal("rearmed timer never fired")
	}
}

func TestIOAddIODelInvokesCancel(t *testing.T) {
	l := New()
	cancelled := make(chan struct{})
	h := l.IOAdd(func() { close(cancelled) })
	l.IODel(h)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("IODel did not invoke cancel")
	}
}

func TestNowIsMonotonicallyNonDecreasing(t *testing.T) {
	l := New()
	a := l.Now()
	b := l.Now()
	require.False(t, b.Before(a))
}

func TestStopDrainsPendingEvents(t *testing.T) {
	l := New()
	ran := make(chan struct{}, 1)
	l.Post(func() { ran <- struct{}{} })
	go l.Run()
	l.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("event posted before Stop was not drained")
	}
}
