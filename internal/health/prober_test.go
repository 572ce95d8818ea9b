package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/carlosprados/assetlink/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestProbe_Alive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("4242"))
	}))
	defer srv.Close()

	reg, err := ports.New(serverPort(t, srv))
	require.NoError(t, err)

	res, err := New(reg, nil).Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Alive())
	assert.Equal(t, "4242", res.PID)
	assert.Contains(t, res.Message, "4242")
}

func TestProbe_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg, err := ports.New(serverPort(t, srv))
	require.NoError(t, err)

	res, err := New(reg, nil).Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Alive())
	assert.Equal(t, Unexpected, res.Status)
	assert.Equal(t, 503, res.Code)
	assert.Contains(t, res.Message, "503")
}

func TestProbe_ConnectionRefused(t *testing.T) {
	reg, err := ports.New(freePort(t))
	require.NoError(t, err)

	res, err := New(reg, nil).Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Alive())
	assert.Equal(t, Unreachable, res.Status)
	assert.Contains(t, res.Message, "EXCEPTION")
	assert.Error(t, res.Reason)
}

func TestProbe_TimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	reg, err := ports.New(serverPort(t, srv))
	require.NoError(t, err)

	start := time.Now()
	res, err := New(reg, nil).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Unreachable, res.Status)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestProbe_FollowsRegistryOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("7"))
	}))
	defer srv.Close()

	live := serverPort(t, srv)
	reg, err := ports.New(freePort(t), live)
	require.NoError(t, err)
	p := New(reg, nil)

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Alive())

	require.NoError(t, reg.Reorder(live))
	res, err = p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Alive())
}

func TestWaitAlive_BecomesReady(t *testing.T) {
	port := freePort(t)
	reg, err := ports.New(port)
	require.NoError(t, err)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("99"))
	})}
	defer srv.Close()
	go func() {
		time.Sleep(300 * time.Millisecond)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return
		}
		_ = srv.Serve(l)
	}()

	res, err := New(reg, nil).WaitAlive(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Alive())
	assert.Equal(t, "99", res.PID)
}

func TestWaitAlive_Timeout(t *testing.T) {
	reg, err := ports.New(freePort(t))
	require.NoError(t, err)

	res, err := New(reg, nil).WaitAlive(context.Background(), 400*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, Unreachable, res.Status)
}
