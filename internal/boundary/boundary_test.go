package boundary

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rapidaai/sttproxy/internal/config"
	"github.com/rapidaai/sttproxy/internal/logging"
	"github.com/rapidaai/sttproxy/internal/metrics"
	"github.com/rapidaai/sttproxy/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func newTestServer(t *testing.T, cfg *config.AppConfig) (*httptest.Server, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(cfg.SessionResumeEnabled, time.Duration(cfg.SessionResumeGracePeriod)*time.Second, logging.Nop())
	srv := NewServer(cfg, registry, metrics.Noop{}, logging.Nop(), nil)

	engine := gin.New()
	srv.Routes(engine)
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts, registry
}

func TestHealthReturnsOK(t *testing.T) {
	ts, _ := newTestServer(t, &config.AppConfig{})
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTranscribeRejectsWithoutOutputSink(t *testing.T) {
	ts, _ := newTestServer(t, &config.AppConfig{EnableDummyProvider: true})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/transcribe?provider=dummy"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTranscribeAcceptsWithDummyProvider(t *testing.T) {
	ts, _ := newTestServer(t, &config.AppConfig{EnableDummyProvider: true})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/transcribe?provider=dummy&sendBack=true"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "ping", "id": 1}))
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event":"pong"`)
}

func TestTranscribeClosesWithPolicyViolationForUnknownProvider(t *testing.T) {
	ts, _ := newTestServer(t, &config.AppConfig{})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/transcribe?provider=unknown-provider&sendBack=true"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestUnknownRouteReturnsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, &config.AppConfig{})
	resp, err := http.Get(ts.URL + "/not-a-route")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseQueryRejectsOversizedTag(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/transcribe?sendBack=true&tag="+strings.Repeat("a", 200), nil)
	_, _, err := parseQuery(r)
	assert.Error(t, err)
}

func TestParseQueryDefaultsEncodingToOpus(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/transcribe?sendBack=true", nil)
	opts, _, err := parseQuery(r)
	require.NoError(t, err)
	assert.Equal(t, "opus", string(opts.Encoding))
}
