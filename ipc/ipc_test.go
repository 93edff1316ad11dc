package ipc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipeforge/pipecore/errs"
	"github.com/pipeforge/pipecore/internal/platform/logger"
)

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	log, err := logger.New("dev")
	require.NoError(t, err)

	srv, err := NewServer(log, "127.0.0.1:0")
	require.NoError(t, err)

	srv.Register("echo", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	})
	srv.Register("add", func(ctx context.Context, args []any) (any, error) {
		return asInt64(args[0]) + asInt64(args[1]), nil
	})
	srv.Register("boom", func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("handler failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { srv.Stop() })
	go srv.Serve(ctx)
	return srv
}

// TestCallRoundTripsArgsAndResult exercises component A/D end to end over a
// real TCP connection: a client dials a server's bound address, issues a
// framed request, and decodes the framed response back into Go values.
func TestCallRoundTripsArgsAndResult(t *testing.T) {
	srv := startTestServer(t)
	c, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer c.Close()

	res, err := c.Call(context.Background(), "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", res)

	res, err = c.Call(context.Background(), "add", int64(2), int64(3))
	require.NoError(t, err)
	require.EqualValues(t, 5, res)
}

// TestCallUnknownOpReturnsError covers the dynamic op-name dispatch
// table's miss path.
func TestCallUnknownOpReturnsError(t *testing.T) {
	srv := startTestServer(t)
	c, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), "does_not_exist")
	require.Error(t, err)
	var remoteErr *errs.RemoteProcessError
	require.True(t, errors.As(err, &remoteErr))
}

// TestCallHandlerErrorSurfacesAsRemoteProcessError covers a handler
// returning an error: the client sees it wrapped, not a raw connection
// failure, and the connection stays usable for the next call.
func TestCallHandlerErrorSurfacesAsRemoteProcessError(t *testing.T) {
	srv := startTestServer(t)
	c, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), "boom")
	require.Error(t, err)
	var remoteErr *errs.RemoteProcessError
	require.True(t, errors.As(err, &remoteErr))

	res, err := c.Call(context.Background(), "echo", "still alive")
	require.NoError(t, err)
	require.Equal(t, "still alive", res)
}

// TestMultipleConnectionsServedConcurrently exercises the per-connection
// goroutine model: two independent clients get independent responses.
func TestMultipleConnectionsServedConcurrently(t *testing.T) {
	srv := startTestServer(t)

	c1, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer c1.Close()
	c2, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer c2.Close()

	res1, err := c1.Call(context.Background(), "echo", "one")
	require.NoError(t, err)
	res2, err := c2.Call(context.Background(), "echo", "two")
	require.NoError(t, err)

	require.Equal(t, "one", res1)
	require.Equal(t, "two", res2)
}

// TestStopDrainsInFlightConnections verifies Stop blocks until in-flight
// handlers finish rather than severing them mid-response.
func TestStopDrainsInFlightConnections(t *testing.T) {
	log, err := logger.New("dev")
	require.NoError(t, err)
	srv, err := NewServer(log, "127.0.0.1:0")
	require.NoError(t, err)

	release := make(chan struct{})
	srv.Register("slow", func(ctx context.Context, args []any) (any, error) {
		<-release
		return "done", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	c, err := Dial(srv.Addr())
	require.NoError(t, err)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		_, _ = c.Call(context.Background(), "slow")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight handler finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	<-done
	<-stopped
}
