package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wslib "github.com/gorilla/websocket"
	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/config"
	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/handlers"
	"github.com/m0rjc/WatchBridge/internal/types"
	"github.com/m0rjc/WatchBridge/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct{}

func (nopSender) Send(types.Message) error { return nil }

func testConfig(token string) *config.Config {
	return &config.Config{
		Local:   config.LocalConfig{Mode: config.LocalModeWebSocket, Host: "127.0.0.1", Port: 8765, Token: token},
		Metrics: config.MetricsConfig{Port: 9090},
	}
}

func wsURL(serverURL, path string) string {
	return strings.Replace(serverURL, "http://", "ws://", 1) + path
}

func TestNewServer_Addr(t *testing.T) {
	srv := NewServer(testConfig(""), http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:8765", srv.Addr)
}

func TestNewServer_UpgradesThroughMiddleware(t *testing.T) {
	hub := websocket.NewHub()
	srv := httptest.NewServer(NewServer(testConfig("s3cret"), websocket.LocalDeviceHandler(hub, nopSender{})).Handler)
	defer srv.Close()

	_, resp, err := wslib.DefaultDialer.Dial(wsURL(srv.URL, "/ws/local"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, resp, err := wslib.DefaultDialer.Dial(wsURL(srv.URL, "/ws/local?token=s3cret"), nil)
	require.NoError(t, err, "upgrade must work through the logging wrapper")
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, hub.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestNewServer_UnknownPath(t *testing.T) {
	srv := httptest.NewServer(NewServer(testConfig(""), http.NotFoundHandler()).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewMetricsServer_Routes(t *testing.T) {
	ep, err := types.NewEndpoint("ws://peer.local:3000/watch", "")
	require.NoError(t, err)
	b := bridge.New(ep, nil, bridge.SinkFunc(nil))

	deps := &handlers.Dependencies{
		Config: testConfig(""),
		Conns:  db.NewConnections(nil, nil),
		Link:   b,
	}
	metricsSrv := NewMetricsServer(testConfig(""), deps)
	assert.Equal(t, ":9090", metricsSrv.Addr)

	srv := httptest.NewServer(metricsSrv.Handler)
	defer srv.Close()

	for path, want := range map[string]int{
		"/health":   http.StatusOK,
		"/ready":    http.StatusOK,
		"/status":   http.StatusOK,
		"/metrics":  http.StatusOK,
		"/sessions": http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, "%s: %s", path, body)
	}
}

func TestStatusWriter_CapturesStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rr, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, sw.statusCode)

	_, _, err := sw.Hijack()
	assert.Error(t, err, "httptest.ResponseRecorder cannot be hijacked")
}
