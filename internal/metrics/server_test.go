package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(0, zerolog.Nop())
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server
}

func TestNewServer(t *testing.T) {
	server := NewServer(9999, zerolog.Nop())

	assert.NotNil(t, server)
	assert.Equal(t, 9999, server.port)
	assert.Empty(t, server.Addr())
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	server := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", server.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"ok"`)

	RecordPublish("price_tick", "normal")

	mresp, err := http.Get(fmt.Sprintf("http://%s/metrics", server.Addr()))
	require.NoError(t, err)
	defer mresp.Body.Close()

	assert.Equal(t, http.StatusOK, mresp.StatusCode)

	mbody, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(mbody), "botfunk_bus_messages_published_total")
}

func TestServerRejectsTakenPort(t *testing.T) {
	first := startTestServer(t)

	_, portStr, err := net.SplitHostPort(first.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	second := NewServer(port, zerolog.Nop())
	err = second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics listener")
}

func TestServerShutdown(t *testing.T) {
	server := NewServer(0, zerolog.Nop())
	require.NoError(t, server.Start())
	addr := server.Addr()

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	resp2, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if resp2 != nil {
		resp2.Body.Close()
	}
	assert.Error(t, err)
}

func TestShutdownWithoutStart(t *testing.T) {
	server := NewServer(9996, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}
