//go:build linux || darwin

package tickloop

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestPipe returns a non-blocking pipe pair, closed on test cleanup.
func newTestPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// TestOnReadableDeliversData drives a real poll backend: data written to a
// pipe wakes the loop and fires the readable callback with the fd.
func TestOnReadableDeliversData(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	rfd, wfd := newTestPipe(t)
	_, err = unix.Write(wfd, []byte("ping"))
	require.NoError(t, err)

	var got string
	var id CallbackID
	id = l.OnReadable(rfd, func(cbID CallbackID, fd int) {
		assert.Equal(t, id, cbID)
		buf := make([]byte, 16)
		n, err := unix.Read(fd, buf)
		require.NoError(t, err)
		got = string(buf[:n])
		l.Cancel(id)
	})

	require.NoError(t, l.Run())
	assert.Equal(t, "ping", got)
}

// TestOnWritableFiresImmediately: a fresh pipe's write end is writable.
func TestOnWritableFiresImmediately(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	_, wfd := newTestPipe(t)

	var fired bool
	var id CallbackID
	id = l.OnWritable(wfd, func(CallbackID, int) {
		fired = true
		l.Cancel(id)
	})

	require.NoError(t, l.Run())
	assert.True(t, fired)
}

// TestReadableFiresRepeatedly verifies level-triggered persistence: the
// callback keeps firing while data remains, across writes.
func TestReadableFiresRepeatedly(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	rfd, wfd := newTestPipe(t)

	var fires int
	var id CallbackID
	id = l.OnReadable(rfd, func(_ CallbackID, fd int) {
		fires++
		buf := make([]byte, 16)
		_, _ = unix.Read(fd, buf)
		if fires == 2 {
			l.Cancel(id)
			return
		}
		_, _ = unix.Write(wfd, []byte("again"))
	})

	_, err = unix.Write(wfd, []byte("first"))
	require.NoError(t, err)

	require.NoError(t, l.Run())
	assert.Equal(t, 2, fires)
}

// TestOnSignalDelivery registers a signal watch and raises the signal from
// within the loop; delivery lands in the same run.
func TestOnSignalDelivery(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	var got syscall.Signal
	id, err := l.OnSignal(syscall.SIGUSR1, func(cbID CallbackID, sig syscall.Signal) {
		got = sig
		l.Cancel(cbID)
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	l.Defer(func(CallbackID) {
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not observe the signal")
	}
	assert.Equal(t, syscall.SIGUSR1, got)
}

// TestQueueWakesBlockedLoop verifies the cross-goroutine microtask path
// interrupts a blocking dispatch.
func TestQueueWakesBlockedLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	rfd, _ := newTestPipe(t)
	l.OnReadable(rfd, func(CallbackID, int) {}) // keeps the loop alive, never fires

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	for !l.IsRunning() {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond) // let the loop block in dispatch

	l.Queue(func() { l.Stop() })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not wake the loop")
	}
}

// TestStopWakesBlockedLoop verifies Stop from a foreign goroutine.
func TestStopWakesBlockedLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	rfd, _ := newTestPipe(t)
	l.OnReadable(rfd, func(CallbackID, int) {})

	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	for !l.IsRunning() {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	l.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not wake the loop")
	}
}

// TestHandleExposesPollerFD verifies the opaque backend handle is the
// poller's file descriptor.
func TestHandleExposesPollerFD(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	fd, ok := l.Handle().(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, fd, 0)
}

// TestSharedFDMultipleWatches: two callbacks on the same fd both fire for
// one readiness event, in unspecified order.
func TestSharedFDMultipleWatches(t *testing.T) {
	l, err := New()
	require.NoError(t, err)

	rfd, wfd := newTestPipe(t)
	_, err = unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	fired := map[string]bool{}
	var aID, bID CallbackID
	maybeFinish := func() {
		if fired["a"] && fired["b"] {
			buf := make([]byte, 4)
			_, _ = unix.Read(rfd, buf)
			l.Cancel(aID)
			l.Cancel(bID)
		}
	}
	aID = l.OnReadable(rfd, func(CallbackID, int) {
		fired["a"] = true
		maybeFinish()
	})
	bID = l.OnReadable(rfd, func(CallbackID, int) {
		fired["b"] = true
		maybeFinish()
	})

	require.NoError(t, l.Run())
	assert.True(t, fired["a"])
	assert.True(t, fired["b"])
}
