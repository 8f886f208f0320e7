// Code-mode variant of handle-forward, mounted at
// /servers/:server/mcp-codemode (spec.md §4.F's "Code-mode variant").
// Grounded on mcpprovider/bridge.go's rpcHandler shape for the inner
// tool-call POST this file's innerToolCall performs.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/janhq/mcp-gateway/internal/capture"
	"github.com/janhq/mcp-gateway/internal/codemode"
	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/gatewayerr"
	"github.com/janhq/mcp-gateway/internal/metrics"
	"github.com/janhq/mcp-gateway/internal/registry"
	"github.com/janhq/mcp-gateway/internal/session"
)

const executeCodeToolName = "execute_code"

// HandleCodemode implements the code-mode variant: tools/list is
// intercepted and collapsed to the single execute_code tool; tools/call
// for execute_code is delegated to G; every other method behaves
// exactly like the regular path.
func (e *Engine) HandleCodemode(ctx context.Context, in InboundRequest) (Outcome, error) {
	switch in.Body.Method {
	case "tools/list":
		return e.codemodeToolsList(ctx, in)
	case "tools/call":
		if name, ok := toolCallName(in.Body.Params); ok && name == executeCodeToolName {
			return e.codemodeExecute(ctx, in)
		}
		return e.Handle(ctx, in)
	default:
		return e.Handle(ctx, in)
	}
}

func toolCallName(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", false
	}
	return p.Name, p.Name != ""
}

// codemodeToolsList forwards once to discover the real tool list, caches
// it on the server record, and rewrites the response into the single
// synthesized execute_code tool.
func (e *Engine) codemodeToolsList(ctx context.Context, in InboundRequest) (Outcome, error) {
	outcome, err := e.Handle(ctx, in)
	if err != nil || len(outcome.Body) == 0 {
		return outcome, err
	}

	var rpcResp struct {
		ID     json.RawMessage `json:"id"`
		Result *struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
		} `json:"result"`
	}
	if jsonErr := json.Unmarshal(outcome.Body, &rpcResp); jsonErr != nil || rpcResp.Result == nil {
		// upstream error or malformed body: relay untouched.
		return outcome, nil
	}

	server, ok := e.registry.Get(in.ServerName)
	if !ok {
		return outcome, nil
	}

	tools := make([]registry.Tool, 0, len(rpcResp.Result.Tools))
	for _, t := range rpcResp.Result.Tools {
		tools = append(tools, registry.Tool{Name: t.Name, Description: t.Description})
	}
	if cacheErr := e.registry.CacheToolList(server.Name, tools); cacheErr != nil {
		gatewayerr.Log(e.logger, asGatewayErr(cacheErr))
	}

	surface, surfaceErr := e.buildSurface(server, in.SessionID, tools)
	if surfaceErr != nil {
		gatewayerr.Log(e.logger, asGatewayErr(surfaceErr))
		return outcome, nil
	}

	toolName, description, inputSchema := codemode.GetExecuteCodeToolSchema(surface.TypeDefinitions)
	synthesized := map[string]any{
		"jsonrpc": "2.0",
		"id":      rpcResp.ID,
		"result": map[string]any{
			"tools": []map[string]any{{
				"name":        toolName,
				"description": description,
				"inputSchema": inputSchema,
			}},
		},
	}
	body, marshalErr := json.Marshal(synthesized)
	if marshalErr != nil {
		return outcome, nil
	}
	outcome.Body = body
	outcome.ContentType = "application/json"
	return outcome, nil
}

// buildSurface constructs the code-mode surface for one server's cached
// tool list.
func (e *Engine) buildSurface(server registry.Server, sessionID string, tools []registry.Tool) (*codemode.Surface, error) {
	if e.sandbox == nil {
		return nil, gatewayerr.New(gatewayerr.LayerCodemode, gatewayerr.KindCodemodeExecution, "no sandbox configured", nil)
	}
	return codemode.Create(codemode.Options{
		Servers:   []codemode.ServerDescriptor{{Name: server.Name, URL: server.URL, Tools: tools}},
		SessionID: sessionID,
		Timeout:   e.codemodeTimeout,
		Sandbox:   e.sandbox,
	})
}

type executeCodeArgs struct {
	Code string `json:"code"`
}

// codemodeExecute implements the execute_code branch: captures the
// request like the regular path, runs the script against the cached
// surface, and captures/publishes a synthesized JSON-RPC success
// carrying the serialized return value as a single text content block.
func (e *Engine) codemodeExecute(ctx context.Context, in InboundRequest) (Outcome, error) {
	server, ok := e.registry.Get(in.ServerName)
	if !ok {
		return Outcome{}, gatewayerr.NewWithContext(gatewayerr.LayerProxy, gatewayerr.KindNotFound,
			"unknown server", nil, map[string]any{"server": in.ServerName})
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = session.Stateless
	}

	reqRecord := capture.Record{
		Kind:       capture.KindRequest,
		ServerName: server.Name,
		SessionID:  sessionID,
		Method:     in.Body.Method,
		Direction:  capture.DirectionRequest,
		Timestamp:  time.Now().UTC(),
		Request:    json.RawMessage(in.RawBody),
		Metadata:   configuredHeaderMetadata(server),
	}
	if _, err := e.capture.Append(reqRecord); err != nil {
		e.logCaptureErr(server.Name, err)
	}
	e.bus.PublishLogAdded(eventbus.LogEntry{
		CaptureID:  reqRecord.CaptureID,
		ServerName: server.Name,
		SessionID:  sessionID,
		Method:     in.Body.Method,
		Direction:  eventbus.DirectionRequest,
		Timestamp:  reqRecord.Timestamp,
	})

	var call struct {
		Params struct {
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	_ = json.Unmarshal(in.RawBody, &call)

	var args executeCodeArgs
	_ = json.Unmarshal(call.Params.Arguments, &args)

	start := time.Now()

	surface, err := e.buildSurface(server, sessionID, server.ToolList)
	if err != nil {
		return e.synthesizeError(ctx, server, sessionID, in, asGatewayErr(err), 0)
	}

	rpc := codemode.BuildRPCHandler(func(ctx context.Context, serverName, toolName string, rpcArgs json.RawMessage) (json.RawMessage, error) {
		return e.innerToolCall(ctx, serverName, sessionID, toolName, rpcArgs)
	})

	result := surface.ExecuteCode(ctx, args.Code, rpc)
	duration := time.Since(start).Milliseconds()

	codemodeStatus := "success"
	if !result.Success {
		codemodeStatus = "error"
	}
	metrics.RecordCodemodeExecution(codemodeStatus, time.Since(start).Seconds())

	outputText := codemode.SerializeReturnValue(result)
	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      bodyID(in.Body),
		"result": map[string]any{
			"content": []map[string]any{{
				"type": "text",
				"text": outputText,
			}},
		},
	}
	body, _ := json.Marshal(envelope)

	respRecord := capture.Record{
		Kind:       capture.KindResponse,
		ServerName: server.Name,
		SessionID:  sessionID,
		Method:     in.Body.Method,
		Direction:  capture.DirectionResponse,
		Timestamp:  time.Now().UTC(),
		Response:   json.RawMessage(body),
		Metadata:   capture.Metadata{DurationMS: duration},
	}
	if !result.Success {
		respRecord.ErrorMessage = result.Error
	}
	captureID, capErr := e.capture.Append(respRecord)
	if capErr != nil {
		e.logCaptureErr(server.Name, capErr)
	}
	e.bus.PublishLogAdded(eventbus.LogEntry{
		CaptureID:    captureID,
		ServerName:   server.Name,
		SessionID:    sessionID,
		Method:       in.Body.Method,
		Direction:    eventbus.DirectionResponse,
		Timestamp:    respRecord.Timestamp,
		DurationMS:   duration,
		ErrorMessage: respRecord.ErrorMessage,
	})

	if err := e.registry.BumpActivity(server.Name, time.Now().UTC()); err != nil {
		gatewayerr.Log(e.logger, asGatewayErr(err))
	}

	return Outcome{
		StatusCode:  200,
		ContentType: "application/json",
		Header:      map[string][]string{"Content-Type": {"application/json"}},
		Body:        body,
	}, nil
}

// innerToolCall implements G's rpcHandler contract: a plain, non-streaming
// tools/call POST against the original server and tool name, echoing the
// code-mode session id, returning result.structuredContent ?? result.content.
func (e *Engine) innerToolCall(ctx context.Context, serverName, sessionID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	server, ok := e.registry.Get(serverName)
	if !ok {
		return nil, gatewayerr.NewWithContext(gatewayerr.LayerCodemode, gatewayerr.KindNotFound,
			"unknown server", nil, map[string]any{"server": serverName})
	}

	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      fmt.Sprintf("codemode-%d", time.Now().UnixNano()),
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerCodemode, gatewayerr.KindCodemodeExecution, "marshal inner tool call", err)
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("Mcp-Session-Id", sessionID).
		SetBody(body).
		Post(server.URL)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerCodemode, gatewayerr.KindUpstreamTransport, "inner tool call failed", err)
	}

	var parsed struct {
		Result *struct {
			StructuredContent json.RawMessage `json:"structuredContent"`
			Content           json.RawMessage `json:"content"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerCodemode, gatewayerr.KindCodemodeExecution, "decode inner tool call response", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("tool %q: %s", toolName, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return json.RawMessage("null"), nil
	}
	if len(parsed.Result.StructuredContent) > 0 {
		return parsed.Result.StructuredContent, nil
	}
	return parsed.Result.Content, nil
}
