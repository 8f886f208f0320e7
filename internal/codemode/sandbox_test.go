package codemode

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These drive newCallbackHandler directly rather than through RemoteSandbox,
// since RemoteSandbox.Run also depends on the unverified sandboxsdk wire
// protocol; the loopback listener's own request handling is what P7 (the
// maintainer review's code-mode comment) actually needs covered.

func TestCallbackHandler_ValidTokenDispatchesToRPCHandler(t *testing.T) {
	var gotServer, gotTool string
	var gotArgs json.RawMessage
	rpc := RPCHandler(func(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
		gotServer, gotTool, gotArgs = serverName, toolName, args
		return json.RawMessage(`{"forecast":"sunny"}`), nil
	})

	handler := newCallbackHandler(rpc, "secret-token")
	srv := httptest.NewServer(handler)
	defer srv.Close()

	reqBody := rpcCallbackRequest{Server: "weather", Tool: "get_forecast", Args: json.RawMessage(`{"city":"hanoi"}`)}
	buf, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "weather", gotServer)
	assert.Equal(t, "get_forecast", gotTool)
	assert.JSONEq(t, `{"city":"hanoi"}`, string(gotArgs))

	var out rpcCallbackResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.JSONEq(t, `{"forecast":"sunny"}`, string(out.Result))
	assert.Empty(t, out.Error)
}

func TestCallbackHandler_WrongTokenIsForbidden(t *testing.T) {
	rpc := RPCHandler(func(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
		t.Fatal("rpc handler must not be invoked with a bad token")
		return nil, nil
	})

	handler := newCallbackHandler(rpc, "secret-token")
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-token")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCallbackHandler_RPCHandlerErrorReturnsBadGateway(t *testing.T) {
	rpc := RPCHandler(func(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
		return nil, assertErr
	})

	handler := newCallbackHandler(rpc, "secret-token")
	srv := httptest.NewServer(handler)
	defer srv.Close()

	reqBody := rpcCallbackRequest{Server: "weather", Tool: "get_forecast", Args: json.RawMessage(`{}`)}
	buf, err := json.Marshal(reqBody)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewReader(buf))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret-token")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out rpcCallbackResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, assertErr.Error(), out.Error)
}

var assertErr = &callbackTestError{"inner tool call failed"}

type callbackTestError struct{ msg string }

func (e *callbackTestError) Error() string { return e.msg }
