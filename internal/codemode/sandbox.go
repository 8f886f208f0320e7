package codemode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	sandboxsdk "github.com/agent-infra/sandbox-sdk-go"
)

// RemoteSandbox evaluates scripts via an out-of-process sandbox service,
// grounded on sandboxfusion/client.go's RunCodeRequest/RunCodeResponse
// shape but targeting the agent-infra sandbox-sdk-go client so the
// gateway's own process never runs untrusted script (the §9 design note:
// "evaluating in the host process... is unsafe").
//
// __rpcCall is bridged across the process boundary with a callback HTTP
// listener bound on all interfaces (0.0.0.0, random port): Run starts one
// short-lived server per execution, passes its
// URL and a one-time token to the sandbox via the request's environment,
// and the generated runtime API's __rpcCall posts to it. The listener is
// torn down as soon as RunCode returns, so it never outlives one script's
// execution window.
type RemoteSandbox struct {
	client       *sandboxsdk.Client
	callbackHost string
}

// NewRemoteSandbox constructs a RemoteSandbox talking to baseURL.
// callbackHost is the address the sandbox service can reach this process
// on for the __rpcCall loopback; see config.Config.SandboxCallbackHost.
func NewRemoteSandbox(baseURL, callbackHost string) *RemoteSandbox {
	if baseURL == "" {
		return nil
	}
	if callbackHost == "" {
		callbackHost = "127.0.0.1"
	}
	return &RemoteSandbox{client: sandboxsdk.NewClient(baseURL), callbackHost: callbackHost}
}

// Run implements Sandbox.
func (s *RemoteSandbox) Run(ctx context.Context, code string, rpc RPCHandler) (ExecutionResult, error) {
	if s == nil || s.client == nil {
		return ExecutionResult{}, fmt.Errorf("codemode: remote sandbox not configured")
	}

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("codemode: start rpc callback listener: %w", err)
	}
	defer listener.Close()

	token, err := randomToken()
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("codemode: generate callback token: %w", err)
	}

	srv := &http.Server{Handler: newCallbackHandler(rpc, token)}
	go srv.Serve(listener)
	defer srv.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	callbackURL := fmt.Sprintf("http://%s:%d/rpc", s.callbackHost, port)

	resp, err := s.client.RunCode(ctx, sandboxsdk.RunCodeRequest{
		Code:     code,
		Language: "javascript",
		Env: map[string]string{
			"RPC_CALLBACK_URL":   callbackURL,
			"RPC_CALLBACK_TOKEN": token,
		},
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	if resp.Error != "" {
		return ExecutionResult{Success: false, Error: resp.Error, Output: resp.Stdout}, nil
	}
	return ExecutionResult{Success: true, Output: resp.Stdout, ReturnValue: resp.ReturnValue}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// rpcCallbackRequest is the body the sandboxed script's __rpcCall posts to
// the loopback listener: one inner tool invocation, routed back through
// the host's RPCHandler (spec.md §4.G, §9's "(a) the script can call
// __rpcCall").
type rpcCallbackRequest struct {
	Server string          `json:"server"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args"`
}

type rpcCallbackResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// newCallbackHandler builds the loopback HTTP handler __rpcCall posts to.
// The token is expected in the Authorization header as "Bearer <token>",
// rejecting anything else with 403 so a sandbox process that leaked onto a
// shared network can't ride this listener to call arbitrary tools.
func newCallbackHandler(rpc RPCHandler, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var req rpcCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCallbackError(w, http.StatusBadRequest, err)
			return
		}

		result, err := rpc(r.Context(), req.Server, req.Tool, req.Args)
		if err != nil {
			writeCallbackError(w, http.StatusBadGateway, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcCallbackResponse{Result: result})
	})
	return mux
}

func writeCallbackError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcCallbackResponse{Error: err.Error()})
}
