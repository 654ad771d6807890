package http_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnot/thor/thor"
	"github.com/mnot/thor/thor/http"
)

type recordingHandler struct {
	loop      *thor.Loop
	status    int
	reason    string
	headers   []http.Header
	body      []byte
	trailer   []http.Header
	err       error
	done      chan struct{}
}

func newRecordingHandler(loop *thor.Loop) *recordingHandler {
	return &recordingHandler{loop: loop, done: make(chan struct{})}
}

func (h *recordingHandler) OnResponse1xx(int, string, []http.Header) {}

func (h *recordingHandler) OnResponse(status int, reason, version string, headers []http.Header) {
	h.status, h.reason, h.headers = status, reason, headers
}

func (h *recordingHandler) OnResponseBody(chunk []byte) {
	h.body = append(h.body, chunk...)
}

func (h *recordingHandler) OnResponseDone(trailer []http.Header) {
	h.trailer = trailer
	close(h.done)
}

func (h *recordingHandler) OnError(err error) {
	h.err = err
	close(h.done)
}

func TestClientServerRoundTripEcho(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	srvCfg := http.DefaultServerConfig()
	srvCfg.TCP.Address = "127.0.0.1:18201"
	srv, err := http.ListenHTTP(loop, srvCfg)
	require.NoError(t, err)
	srv.OnExchange = func(ex *http.ServerExchange) {
		var buf []byte
		ex.OnRequestBody = func(chunk []byte) { buf = append(buf, chunk...) }
		ex.OnRequestDone = func([]http.Header) {
			_ = ex.ResponseStart(200, "OK", []http.Header{
				{Name: "Content-Length", Value: strconv.Itoa(len(buf))},
			})
			_ = ex.ResponseBody(buf)
			_ = ex.ResponseDone(nil)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
		srv.Shutdown()
	}()

	cl := http.NewClient(loop, http.DefaultClientConfig())
	h := newRecordingHandler(loop)
	ex, err := cl.RequestStart("PUT", "http://127.0.0.1:18201/echo", nil, true, h)
	require.NoError(t, err)
	require.NoError(t, ex.RequestBody([]byte("round trip")))
	require.NoError(t, ex.RequestDone(nil))

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	require.NoError(t, h.err)
	assert.Equal(t, 200, h.status)
	assert.Equal(t, "round trip", string(h.body))
}

func TestClientServerConnectionReuse(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	srvCfg := http.DefaultServerConfig()
	srvCfg.TCP.Address = "127.0.0.1:18202"
	srv, err := http.ListenHTTP(loop, srvCfg)
	require.NoError(t, err)
	srv.OnExchange = func(ex *http.ServerExchange) {
		ex.OnRequestDone = func([]http.Header) {
			_ = ex.ResponseStart(204, "No Content", nil)
			_ = ex.ResponseDone(nil)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()
	defer func() {
		cancel()
		<-runErr
		srv.Shutdown()
	}()

	cl := http.NewClient(loop, http.DefaultClientConfig())

	for i := 0; i < 2; i++ {
		h := newRecordingHandler(loop)
		ex, err := cl.RequestStart("GET", "http://127.0.0.1:18202/", nil, false, h)
		require.NoErrorf(t, err, "RequestStart[%d]", i)
		require.NoErrorf(t, ex.RequestDone(nil), "RequestDone[%d]", i)
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("request %d timed out", i)
		}
		require.NoErrorf(t, h.err, "request %d", i)
		assert.Equalf(t, 204, h.status, "request %d", i)
	}
}
