package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/mcp-gateway/internal/capture"
	"github.com/janhq/mcp-gateway/internal/config"
	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/httpserver"
	"github.com/janhq/mcp-gateway/internal/proxy"
	"github.com/janhq/mcp-gateway/internal/registry"
	"github.com/janhq/mcp-gateway/internal/session"
	"github.com/janhq/mcp-gateway/packages/go-common/testhelpers"
)

func newTestServer(t *testing.T, upstreamURL string) *httpserver.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	bus := eventbus.New(zerolog.Nop())
	reg, err := registry.Load(dir, bus)
	require.NoError(t, err)
	if upstreamURL != "" {
		_, err = reg.Add(registry.Spec{Name: "weather", URL: upstreamURL})
		require.NoError(t, err)
	}

	store := capture.New(dir)
	engine := proxy.New(proxy.Deps{
		Registry:               reg,
		Capture:                store,
		Bus:                    bus,
		Sessions:               session.New(),
		Logger:                 zerolog.Nop(),
		ProtocolVersionDefault: "2024-11-05",
		ExchangeTimeout:        2 * time.Second,
		CodemodeTimeout:        time.Second,
	})

	cfg := &config.Config{HTTPPort: "0", MetricsEnabled: true}
	return httpserver.New(httpserver.Deps{
		Config:   cfg,
		Registry: reg,
		Engine:   engine,
		Logger:   zerolog.Nop(),
	})
}

func TestServer_RootReportsServerCount(t *testing.T) {
	srv := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "mcp-gateway", body["name"])
}

func TestServer_HealthzAndReadyz(t *testing.T) {
	srv := newTestServer(t, "")

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServer_HealthzServesRealListener(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	require.NoError(t, testhelpers.CheckHealth(ts.URL))
	require.NoError(t, testhelpers.CheckReady(ts.URL))
	require.NoError(t, testhelpers.WaitForHealth(ts.URL, 2*time.Second))
}

func TestServer_ProxyRoute_RejectsInvalidEnvelope(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/servers/weather/mcp", bytes.NewBufferString(`not json`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ProxyRoute_RejectsMissingMethod(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/servers/weather/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ProxyRoute_ForwardsValidEnvelope(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/servers/weather/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result"`)
}

func TestServer_ProxyRoute_UnknownServerReturnsNotFound(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/servers/ghost/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MetricsRouteMountedWhenEnabled(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS_PreflightIsAborted(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodOptions, "/servers/weather/mcp", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
