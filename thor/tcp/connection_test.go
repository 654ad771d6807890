package tcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnot/thor/thor"
	"github.com/mnot/thor/thor/tcp"
)

// echoSink is an tcp.Sink that writes back whatever it receives and
// reports all of it consumed on each call.
func echoSink(c *tcp.Connection, b []byte) int {
	_ = c.Write(b)
	return len(b)
}

func TestConnectionEchoRoundTrip(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	srvCfg := tcp.DefaultServerConfig()
	srvCfg.Address = "127.0.0.1:18123"
	srv, err := tcp.Listen(loop, srvCfg)
	require.NoError(t, err)
	srv.OnConnect = func(c *tcp.Connection) {
		c.OnData = echoSink
		c.Resume()
	}

	got := make(chan []byte, 1)
	var client *tcp.Connection
	clientReady := make(chan struct{})

	cliCfg := tcp.DefaultClientConfig()
	if err := tcp.Dial(loop, "tcp4", "127.0.0.1:18123", cliCfg, func(c *tcp.Connection, derr error) {
		if derr != nil {
			t.Errorf("dial: %v", derr)
			close(clientReady)
			return
		}
		client = c
		var buf []byte
		c.OnData = func(_ *tcp.Connection, b []byte) int {
			buf = append(buf, b...)
			if len(buf) >= 5 {
				got <- buf
			}
			return len(b)
		}
		c.Resume()
		close(clientReady)
	}); err != nil {
		require.NoError(t, err, "Dial")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	select {
	case <-clientReady:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never completed")
	}
	require.NotNil(t, client, "no client connection")
	require.NoError(t, client.Write([]byte("hello")))

	select {
	case b := <-got:
		assert.Equal(t, "hello", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	srv.Shutdown()
}

func TestConnectionPauseResumeReplaysBufferedData(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	srvCfg := tcp.DefaultServerConfig()
	srvCfg.Address = "127.0.0.1:18124"
	srv, err := tcp.Listen(loop, srvCfg)
	require.NoError(t, err)

	var serverSide *tcp.Connection
	received := make(chan []byte, 1)
	var pending []byte
	serverConnReady := make(chan struct{})
	srv.OnConnect = func(c *tcp.Connection) {
		serverSide = c
		c.Pause()
		c.OnData = func(_ *tcp.Connection, b []byte) int {
			pending = append(pending, b...)
			if len(pending) >= 3 {
				received <- pending
			}
			return len(b)
		}
		close(serverConnReady)
	}

	clientReady := make(chan struct{})
	cliCfg := tcp.DefaultClientConfig()
	if err := tcp.Dial(loop, "tcp4", "127.0.0.1:18124", cliCfg, func(c *tcp.Connection, derr error) {
		if derr != nil {
			t.Errorf("dial: %v", derr)
		}
		close(clientReady)
		if derr == nil {
			_ = c.Write([]byte("abc"))
		}
	}); err != nil {
		require.NoError(t, err, "Dial")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
	}()

	<-clientReady
	<-serverConnReady

	// Give the write time to land in the (paused) server's read buffer.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-received:
		t.Fatal("data delivered while paused")
	default:
	}

	serverSide.Resume()

	select {
	case b := <-received:
		assert.Equal(t, "abc", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resumed delivery")
	}

	srv.Shutdown()
}
