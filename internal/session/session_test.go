package session

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/apperr"
	"github.com/rapidaai/sttproxy/internal/config"
	"github.com/rapidaai/sttproxy/internal/logging"
	"github.com/rapidaai/sttproxy/internal/metrics"
	"github.com/rapidaai/sttproxy/internal/tracedump"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWSPair spins up a real WebSocket server and returns the
// server-side *websocket.Conn (for the Session under test) and the
// client-side conn (for assertions), since Session writes through a
// concrete *websocket.Conn rather than an interface.
func newWSPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srvCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		srvCh <- c
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server = <-srvCh
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestHandleInboundPingRespondsWithPong(t *testing.T) {
	serverConn, clientConn := newWSPair(t)
	s := New(serverConn, Options{SendBack: true}, &config.AppConfig{}, metrics.Noop{}, logging.Nop(), nil, nil)

	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{"event": "ping", "id": 7}))

	_, raw, err := serverConn.ReadMessage()
	require.NoError(t, err)
	s.HandleInbound(raw)

	_ = clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, reply, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(reply), `"event":"pong"`)
	assert.Contains(t, string(reply), `"id":7`)
}

func TestHandleInboundMediaRoutesToDummyBackend(t *testing.T) {
	cfg := &config.AppConfig{EnableDummyProvider: true}
	s := New(nil, Options{Provider: "dummy", SendBack: true}, cfg, metrics.Noop{}, logging.Nop(), nil, nil)

	s.HandleInbound([]byte(`{"event":"media","media":{"tag":"p1-1","payload":"AAAA","chunk":0,"timestamp":0}}`))

	s.mu.Lock()
	_, ok := s.pipelines["p1-1"]
	s.mu.Unlock()
	assert.True(t, ok)
}

func TestHandleInboundUnknownEventIsIgnored(t *testing.T) {
	cfg := &config.AppConfig{}
	s := New(nil, Options{}, cfg, metrics.Noop{}, logging.Nop(), nil, nil)
	assert.NotPanics(t, func() {
		s.HandleInbound([]byte(`{"event":"mystery"}`))
	})
}

func TestHandleInboundMalformedJSONIsIgnored(t *testing.T) {
	cfg := &config.AppConfig{}
	s := New(nil, Options{}, cfg, metrics.Noop{}, logging.Nop(), nil, nil)
	assert.NotPanics(t, func() {
		s.HandleInbound([]byte(`not json`))
	})
}

func TestResolveProviderDefaultsToFirstAvailable(t *testing.T) {
	cfg := &config.AppConfig{ProvidersPriority: []string{"openai", "dummy"}, EnableDummyProvider: true}
	p, err := ResolveProvider(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "dummy", p)
}

func TestResolveProviderRejectsUnconfigured(t *testing.T) {
	cfg := &config.AppConfig{}
	_, err := ResolveProvider(cfg, "openai")
	assert.Error(t, err)
}

func TestResolveProviderAcceptsConfigured(t *testing.T) {
	cfg := &config.AppConfig{Deepgram: config.DeepgramConfig{APIKey: "key"}}
	p, err := ResolveProvider(cfg, "deepgram")
	require.NoError(t, err)
	assert.Equal(t, "deepgram", p)
}

func TestOnPipelineErrorIsolatesOtherParticipants(t *testing.T) {
	serverConn, clientConn := newWSPair(t)
	cfg := &config.AppConfig{EnableDummyProvider: true}
	s := New(serverConn, Options{Provider: "dummy", SendBack: true}, cfg, metrics.Noop{}, logging.Nop(), nil, nil)
	t.Cleanup(func() { _ = clientConn })

	s.getOrCreate("p1-1")
	s.getOrCreate("p2-1")

	s.mu.Lock()
	_, ok1 := s.pipelines["p1-1"]
	_, ok2 := s.pipelines["p2-1"]
	s.mu.Unlock()
	require.True(t, ok1)
	require.True(t, ok2)

	s.onPipelineError("p1-1", apperr.Transport, "upstream dropped")

	s.mu.Lock()
	_, survivorStillThere := s.pipelines["p2-1"]
	_, failedStillThere := s.pipelines["p1-1"]
	open := s.connOpen
	s.mu.Unlock()

	assert.True(t, survivorStillThere, "other participant's pipeline must keep running")
	assert.False(t, failedStillThere, "failed participant's pipeline must be dropped")
	assert.True(t, open, "a per-participant failure must not close the session connection")
}

func TestDeliverRawWritesOutboundTrace(t *testing.T) {
	serverConn, clientConn := newWSPair(t)
	tracePath := filepath.Join(t.TempDir(), "trace.jsonl")
	dump := tracedump.New(tracePath, 1, 1, logging.Nop())

	s := New(serverConn, Options{SendBack: true}, &config.AppConfig{}, metrics.Noop{}, logging.Nop(), nil, dump)
	require.NoError(t, clientConn.WriteJSON(map[string]interface{}{"event": "ping", "id": 1}))
	_, raw, err := serverConn.ReadMessage()
	require.NoError(t, err)
	s.HandleInbound(raw)

	_ = clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, err = clientConn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, dump.Close())
	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"direction":"out"`)
}

func TestCloseIsIdempotent(t *testing.T) {
	serverConn, _ := newWSPair(t)
	s := New(serverConn, Options{}, &config.AppConfig{}, metrics.Noop{}, logging.Nop(), nil, nil)
	s.Close()
	assert.NotPanics(t, func() { s.Close() })
}
