package loopback

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_IgnoresProxyEnvironment(t *testing.T) {
	t.Setenv("HTTP_PROXY", "http://127.0.0.1:1")
	t.Setenv("http_proxy", "http://127.0.0.1:1")
	t.Setenv("NO_PROXY", "")

	c := NewClient(DefaultTimeouts)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Nil(t, tr.Proxy)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("4242"))
	}))
	defer srv.Close()
	resp, err := c.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewClient_DefaultsForZeroTimeouts(t *testing.T) {
	c := NewClient(Timeouts{})
	assert.Equal(t, DefaultTimeouts.Connect+DefaultTimeouts.Read, c.Timeout)
	assert.Equal(t, 100*time.Millisecond, DefaultTimeouts.Connect)
	assert.Equal(t, 500*time.Millisecond, DefaultTimeouts.Read)
}

func TestNewClient_SilentServerTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			// Hold the connection open without answering.
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()
		}
	}()

	c := NewClient(DefaultTimeouts)
	start := time.Now()
	_, err = c.Get("http://" + l.Addr().String() + "/")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, DefaultTimeouts.Read-50*time.Millisecond)
	assert.Less(t, elapsed, DefaultTimeouts.Connect+DefaultTimeouts.Read+time.Second)
}

func TestNewClient_DoesNotFollowRedirects(t *testing.T) {
	var followed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			followed = true
			return
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	resp, err := NewClient(DefaultTimeouts).Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.False(t, followed)
}
