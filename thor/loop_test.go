package thor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mnot/thor/thor"
)

type pipeHandler struct {
	loop     *thor.Loop
	rfd, wfd int
	got      []byte
	done     chan struct{}
}

func (h *pipeHandler) OnReadable(fd int) {
	var buf [64]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		close(h.done)
		return
	}
	if n > 0 {
		h.got = append(h.got, buf[:n]...)
	}
	if len(h.got) >= 5 {
		close(h.done)
	}
}

func (h *pipeHandler) OnWritable(int) {}
func (h *pipeHandler) OnError(int, error) {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func TestLoopRegisterDispatchesReadable(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	rfd, wfd := fds[0], fds[1]
	require.NoError(t, unix.SetNonblock(rfd, true))
	defer unix.Close(wfd)

	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	h := &pipeHandler{loop: loop, rfd: rfd, wfd: wfd, done: make(chan struct{})}
	require.NoError(t, loop.Register(rfd, true, false, h))
	defer loop.Unregister(rfd)
	defer unix.Close(rfd)

	go func() {
		time.Sleep(5 * time.Millisecond)
		unix.Write(wfd, []byte("hello"))
	}()

	runErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { runErr <- loop.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readable dispatch")
	}
	cancel()
	require.NoError(t, <-runErr)
	assert.Equal(t, "hello", string(h.got))
}

func TestRegisterDuplicateFails(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	unix.SetNonblock(fds[0], true)

	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	h := &pipeHandler{done: make(chan struct{})}
	require.NoError(t, loop.Register(fds[0], true, false, h))
	defer loop.Unregister(fds[0])
	assert.ErrorIs(t, loop.Register(fds[0], true, false, h), thor.ErrAlreadyRegistered)
}
