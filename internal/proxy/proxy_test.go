package proxy_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/mcp-gateway/internal/capture"
	"github.com/janhq/mcp-gateway/internal/codemode"
	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/proxy"
	"github.com/janhq/mcp-gateway/internal/registry"
	"github.com/janhq/mcp-gateway/internal/session"
)

// scriptSandbox is a Sandbox stand-in that immediately invokes the
// RPCHandler it's given, the way a real sandboxed script calling
// __rpcCall would, so HandleCodemode's round trip through innerToolCall
// and back out to the upstream server is exercised end-to-end.
type scriptSandbox struct {
	server, tool string
	args         json.RawMessage
}

func (s scriptSandbox) Run(ctx context.Context, code string, rpc codemode.RPCHandler) (codemode.ExecutionResult, error) {
	result, err := rpc(ctx, s.server, s.tool, s.args)
	if err != nil {
		return codemode.ExecutionResult{}, err
	}
	return codemode.ExecutionResult{Success: true, Output: string(result), ReturnValue: json.RawMessage(result)}, nil
}

type testEngine struct {
	engine   *proxy.Engine
	registry *registry.Registry
	capture  *capture.Store
	bus      *eventbus.Bus
	dir      string
}

func newTestEngine(t *testing.T, upstreamURL string) *testEngine {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New(zerolog.Nop())
	reg, err := registry.Load(dir, bus)
	require.NoError(t, err)
	_, err = reg.Add(registry.Spec{Name: "weather", URL: upstreamURL})
	require.NoError(t, err)

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
	return &testEngine{engine: engine, registry: reg, capture: store, bus: bus, dir: dir}
}

func requestEnvelope(t *testing.T, id, method string, params any) ([]byte, proxy.Envelope) {
	t.Helper()
	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		rawParams = b
	}
	var rawID json.RawMessage
	if id != "" {
		rawID = json.RawMessage(fmt.Sprintf("%q", id))
	}
	env := proxy.Envelope{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body, env
}

func TestHandle_UnknownServerErrors(t *testing.T) {
	te := newTestEngine(t, "http://127.0.0.1:0")
	body, env := requestEnvelope(t, "1", "tools/list", nil)

	_, err := te.engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "ghost",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	assert.Error(t, err)
}

func TestHandle_ForwardsAndCapturesJSONExchange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"tools":[]}}`))
	}))
	defer upstream.Close()

	te := newTestEngine(t, upstream.URL)
	body, env := requestEnvelope(t, "1", "tools/list", nil)

	outcome, err := te.engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Contains(t, string(outcome.Body), `"result"`)

	srv, _ := te.registry.Get("weather")
	assert.Equal(t, int64(1), srv.ExchangeCount)
}

func TestHandle_CapturesRedactedConfiguredHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	bus := eventbus.New(zerolog.Nop())
	reg, err := registry.Load(dir, bus)
	require.NoError(t, err)
	_, err = reg.Add(registry.Spec{
		Name: "weather",
		URL:  upstream.URL,
		Headers: map[string]string{
			"Authorization": "Bearer super-secret",
			"X-Team":        "observability",
		},
	})
	require.NoError(t, err)

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

	body, env := requestEnvelope(t, "1", "tools/list", nil)
	_, err = engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "weather"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	records, err := capture.ScanLines(filepath.Join(dir, "weather", entries[0].Name()))
	require.NoError(t, err)
	require.NotEmpty(t, records)

	headers, ok := records[0].Metadata.Extra["configuredHeaders"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", headers["Authorization"])
	assert.Equal(t, "observability", headers["X-Team"])
}

func TestHandle_InitializeTransitionsSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-real")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	}))
	defer upstream.Close()

	te := newTestEngine(t, upstream.URL)
	body, env := requestEnvelope(t, "1", "initialize", map[string]any{
		"clientInfo": map[string]string{"name": "codex", "version": "1.0"},
	})

	outcome, err := te.engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-real", outcome.Header.Get("Mcp-Session-Id"))

	entries, err := os.ReadDir(filepath.Join(te.dir, "weather"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "the stateless capture file is renamed, not copied")
	assert.Contains(t, entries[0].Name(), "weather__sess-real__")
}

func TestHandle_UpstreamUnreachableSynthesizesJSONRPCError(t *testing.T) {
	te := newTestEngine(t, "http://127.0.0.1:1")
	body, env := requestEnvelope(t, "1", "tools/list", nil)

	outcome, err := te.engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	var decoded struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(outcome.Body, &decoded))
	require.NotNil(t, decoded.Error)
	assert.Equal(t, -32603, decoded.Error.Code)
}

func TestHandle_NotificationOnUpstreamFailureReturnsNoBody(t *testing.T) {
	te := newTestEngine(t, "http://127.0.0.1:1")
	body, env := requestEnvelope(t, "", "notifications/progress", nil)

	_, err := te.engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	assert.Error(t, err, "a notification that fails to forward has no id to answer")
}

func TestHandleCodemode_ExecutesScriptAndRoutesInnerRPCCall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		if req.Method == "tools/call" && req.Params.Name == "get_forecast" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"structuredContent":{"forecast":"sunny"}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{}}`))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	bus := eventbus.New(zerolog.Nop())
	reg, err := registry.Load(dir, bus)
	require.NoError(t, err)
	_, err = reg.Add(registry.Spec{Name: "weather", URL: upstream.URL})
	require.NoError(t, err)
	require.NoError(t, reg.CacheToolList("weather", []registry.Tool{{Name: "get_forecast", Description: "fetch the forecast"}}))

	store := capture.New(dir)
	engine := proxy.New(proxy.Deps{
		Registry:               reg,
		Capture:                store,
		Bus:                    bus,
		Sessions:               session.New(),
		Logger:                 zerolog.Nop(),
		Sandbox:                scriptSandbox{server: "weather", tool: "get_forecast", args: json.RawMessage(`{}`)},
		ProtocolVersionDefault: "2024-11-05",
		ExchangeTimeout:        2 * time.Second,
		CodemodeTimeout:        time.Second,
	})

	params := map[string]any{
		"name":      "execute_code",
		"arguments": map[string]any{"code": "Weather.getForecast()"},
	}
	body, env := requestEnvelope(t, "1", "tools/call", params)

	outcome, err := engine.HandleCodemode(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	require.NoError(t, err)
	assert.Contains(t, string(outcome.Body), "sunny")
}

func TestHandle_SSEResponseIsStreamedToClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		_, _ = fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"id\":\"1\",\"result\":{}}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	te := newTestEngine(t, upstream.URL)
	body, env := requestEnvelope(t, "1", "tools/call", nil)

	outcome, err := te.engine.Handle(context.Background(), proxy.InboundRequest{
		ServerName: "weather",
		Body:       env,
		RawBody:    body,
		SessionID:  session.Stateless,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.SSEBody)
	defer outcome.SSEBody.Close()

	buf := make([]byte, 4096)
	n, _ := outcome.SSEBody.Read(buf)
	assert.Contains(t, string(buf[:n]), `"result"`)
}
