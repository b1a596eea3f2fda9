package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ssd-technologies/creamas/internal/artifact"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoArgs struct {
	Text string `json:"text"`
}

// testServer starts a server on a random port with an echo handler at id 1
// and returns its address.
func testServer(t *testing.T, cfg ServerConfig) (*Mux, Addr) {
	t.Helper()
	mux := NewMux()
	mux.Handle(1, Methods{
		"echo": Bind(func(_ context.Context, a echoArgs) (string, error) {
			return a.Text, nil
		}),
		"fail": Bind0(func(context.Context) (any, error) {
			return nil, errors.New("nope")
		}),
		"artifact": Bind(func(_ context.Context, a *artifact.Artifact) (*artifact.Artifact, error) {
			a.AddEvaluation("server", 0.5, []byte("seen"))
			return a, nil
		}),
		"slow": Bind0(func(ctx context.Context) (bool, error) {
			select {
			case <-time.After(2 * time.Second):
				return true, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}),
	})
	srv := NewServer(mux, cfg, zaptest.NewLogger(t))
	require.NoError(t, srv.Listen("127.0.0.1", 0))
	t.Cleanup(func() { srv.Close() })
	return mux, Addr{Host: "127.0.0.1", Port: srv.Port(), ID: 1}
}

func testClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second}, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestCallRoundTrip(t *testing.T) {
	_, addr := testServer(t, ServerConfig{})
	c := testClient(t)

	p, err := c.Connect(context.Background(), addr, time.Second)
	require.NoError(t, err)

	var got string
	require.NoError(t, p.Call(context.Background(), "echo", echoArgs{Text: "hello"}, &got))
	assert.Equal(t, "hello", got)
}

func TestArtifactSurvivesTheWire(t *testing.T) {
	_, addr := testServer(t, ServerConfig{})
	c := testClient(t)

	sent := artifact.New(addr.WithID(7).String(), "word", []byte("payload"), 0.25, []byte("mine"))
	var got artifact.Artifact
	require.NoError(t, c.Proxy(addr).Call(context.Background(), "artifact", sent, &got))

	sent.AddEvaluation("server", 0.5, []byte("seen"))
	assert.True(t, sent.Equal(&got))
}

func TestRemoteErrors(t *testing.T) {
	_, addr := testServer(t, ServerConfig{})
	c := testClient(t)
	ctx := context.Background()

	err := c.Proxy(addr).Call(ctx, "fail", nil, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "remote fail: nope", re.Error())

	err = c.Proxy(addr).Call(ctx, "missing", nil, nil)
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "unknown method")

	err = c.Proxy(addr.WithID(42)).Call(ctx, "echo", echoArgs{}, nil)
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "no such agent")
	assert.False(t, errors.Is(err, ErrConnection))
}

var errShelved = errors.New("shelved")

func TestRemoteErrorsKeepRegisteredSentinels(t *testing.T) {
	RegisterCode("test_shelved", errShelved)
	mux, addr := testServer(t, ServerConfig{})
	mux.Handle(2, Methods{
		"shelve": Bind0(func(context.Context) (any, error) {
			return nil, fmt.Errorf("book 7: %w", errShelved)
		}),
	})
	c := testClient(t)
	ctx := context.Background()

	err := c.Proxy(addr.WithID(2)).Call(ctx, "shelve", nil, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "test_shelved", re.Code)
	assert.ErrorIs(t, err, errShelved)
	assert.ErrorIs(t, fmt.Errorf("outer: %w", err), errShelved)

	err = c.Proxy(addr).Call(ctx, "missing", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	assert.NotErrorIs(t, err, errShelved)

	err = c.Proxy(addr).Call(ctx, "fail", nil, nil)
	require.ErrorAs(t, err, &re)
	assert.Empty(t, re.Code)
}

func TestConnectFailureIsConnError(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := testClient(t)
	_, err = c.Connect(context.Background(), Addr{Host: "127.0.0.1", Port: port}, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestCallTimeout(t *testing.T) {
	_, addr := testServer(t, ServerConfig{})
	c := testClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.Proxy(addr).Call(ctx, "slow", nil, nil)
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServerCloseFailsPendingCalls(t *testing.T) {
	mux := NewMux()
	release := make(chan struct{})
	mux.Handle(0, Methods{"block": Bind0(func(ctx context.Context) (bool, error) {
		close(release)
		<-ctx.Done()
		return false, ctx.Err()
	})})
	srv := NewServer(mux, ServerConfig{}, zaptest.NewLogger(t))
	require.NoError(t, srv.Listen("127.0.0.1", 0))
	c := testClient(t)

	errc := make(chan error, 1)
	go func() {
		errc <- c.Proxy(Addr{Host: "127.0.0.1", Port: srv.Port()}).Call(context.Background(), "block", nil, nil)
	}()
	<-release
	require.NoError(t, srv.Close())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("call did not return after server close")
	}
}

func TestRateLimitPerConnection(t *testing.T) {
	_, addr := testServer(t, ServerConfig{RateLimit: 3, RateWindow: time.Minute})
	c := testClient(t)
	p := c.Proxy(addr)

	var limited int
	for i := 0; i < 5; i++ {
		err := p.Call(context.Background(), "echo", echoArgs{Text: "x"}, nil)
		if err != nil {
			require.ErrorIs(t, err, ErrRateLimited)
			limited++
		}
	}
	assert.Equal(t, 2, limited)
}

func TestRefusedCallsLoggedOnClose(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mux := NewMux()
	mux.Handle(1, Methods{"ping": Bind0(func(context.Context) (bool, error) { return true, nil })})
	srv := NewServer(mux, ServerConfig{RateLimit: 1, RateWindow: time.Minute}, zap.New(core))
	require.NoError(t, srv.Listen("127.0.0.1", 0))
	defer srv.Close()

	c := testClient(t)
	p := c.Proxy(Addr{Host: "127.0.0.1", Port: srv.Port(), ID: 1})
	require.NoError(t, p.Call(context.Background(), "ping", nil, nil))
	for range 2 {
		assert.ErrorIs(t, p.Call(context.Background(), "ping", nil, nil), ErrRateLimited)
	}
	c.Close()

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("connection closed after refusing calls").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	entry := logs.FilterMessage("connection closed after refusing calls").All()[0]
	assert.EqualValues(t, 2, entry.ContextMap()["denied"])
}

func TestOversizedReplyKeepsConnection(t *testing.T) {
	mux, addr := testServer(t, ServerConfig{ReadLimit: 4096})
	mux.Handle(3, Methods{
		"big": Bind0(func(context.Context) (string, error) {
			return strings.Repeat("x", 8192), nil
		}),
	})
	c := NewClient(ClientConfig{ConnectTimeout: time.Second, CallTimeout: 5 * time.Second, ReadLimit: 4096}, zaptest.NewLogger(t))
	defer c.Close()
	ctx := context.Background()

	err := c.Proxy(addr.WithID(3)).Call(ctx, "big", nil, nil)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.NotErrorIs(t, err, ErrConnection)

	var out string
	require.NoError(t, c.Proxy(addr).Call(ctx, "echo", echoArgs{Text: "still here"}, &out))
	assert.Equal(t, "still here", out)
}

func TestMuxRemove(t *testing.T) {
	mux, addr := testServer(t, ServerConfig{})
	c := testClient(t)
	mux.Remove(1)
	err := c.Proxy(addr).Call(context.Background(), "echo", echoArgs{}, nil)
	var re *RemoteError
	assert.ErrorAs(t, err, &re)
}
