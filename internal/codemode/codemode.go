// Package codemode implements component G: the code-mode dispatcher.
// It generates a typed script surface for one or more servers' tool
// lists, executes a user script against that surface inside a Sandbox,
// and relays the script's inner tool calls back through a host-provided
// RPCHandler bound to spec.md §4.F's forwarding path.
//
// Grounded on the teacher's mcpprovider/bridge.go (the rpcHandler shape:
// build a tools/call envelope, POST with Accept/Content-Type: application/json,
// echo the session id in Mcp-Session-Id, read result.structuredContent ??
// result.content) and sandboxfusion/client.go (the Sandbox collaborator
// interface, §9's "a conforming implementation is free to evaluate in an
// isolated child process... the core specifies only the interface").
package codemode

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/janhq/mcp-gateway/internal/gatewayerr"
	"github.com/janhq/mcp-gateway/internal/registry"
)

// RPCHandler issues a fresh upstream tools/call for (serverName, toolName, args)
// through the host's forwarding path and returns the tool result payload
// (result.structuredContent, falling back to result.content) or an error.
type RPCHandler func(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error)

// Sandbox evaluates a user script against a prepared runtime surface.
// The default implementation adapts agent-infra/sandbox-sdk-go; tests use
// an in-process evaluator satisfying the same interface, per the design
// note that the core specifies only this contract.
type Sandbox interface {
	// Run evaluates code with the given rpc callback, returning the
	// execution result or an error. Implementations MUST
	// respect ctx's deadline and return promptly after it elapses.
	Run(ctx context.Context, code string, rpc RPCHandler) (ExecutionResult, error)
}

// ExecutionResult is the outcome of one executeCode call (spec.md §4.G).
type ExecutionResult struct {
	Output      string `json:"output"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	Stack       string `json:"stack,omitempty"`
	ReturnValue any    `json:"returnValue,omitempty"`
}

// ServerDescriptor is one input server plus its cached tool list.
type ServerDescriptor struct {
	Name  string
	URL   string
	Tools []registry.Tool
}

// Surface is the derived code-mode artifact for one or more servers: type
// declarations, a runtime client module, and the two runtime entry points.
type Surface struct {
	TypeDefinitions string
	RuntimeAPI      string

	servers map[string]ServerDescriptor // canonical server id -> descriptor
	names   map[string]toolNames        // "serverId.toolId" -> original names
	sandbox Sandbox
	timeout time.Duration
}

type toolNames struct {
	serverName string
	toolName   string
}

// Options configure Create.
type Options struct {
	Servers   []ServerDescriptor
	SessionID string
	Timeout   time.Duration
	Sandbox   Sandbox
}

// Create builds a Surface for the given servers: createCodeMode in spec.md §4.G.
func Create(opts Options) (*Surface, error) {
	if opts.Sandbox == nil {
		return nil, fmt.Errorf("codemode: a Sandbox implementation is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Surface{
		servers: make(map[string]ServerDescriptor),
		names:   make(map[string]toolNames),
		sandbox: opts.Sandbox,
		timeout: timeout,
	}

	var types strings.Builder
	var client strings.Builder
	client.WriteString("const M = {\n")

	for _, srv := range opts.Servers {
		serverID := pascalCase(srv.Name)
		s.servers[serverID] = srv

		fmt.Fprintf(&types, "declare namespace %s {\n", serverID)
		fmt.Fprintf(&client, "  %s: {\n", camelCase(srv.Name))

		for _, tool := range srv.Tools {
			toolID := camelCase(tool.Name)
			s.names[serverID+"."+toolID] = toolNames{serverName: srv.Name, toolName: tool.Name}

			if tool.Description != "" {
				fmt.Fprintf(&types, "  // %s\n", tool.Description)
			}
			inputType := schemaToTSType(tool.InputSchema)
			outputType := "{ [k: string]: any }"
			if tool.OutputSchema != nil {
				outputType = schemaToTSType(tool.OutputSchema)
			}
			fmt.Fprintf(&types, "  export function %s(input: %s): Promise<%s>;\n", toolID, inputType, outputType)

			fmt.Fprintf(&client, "    %s: async (input) => __rpcCall(%q, %q, input),\n", toolID, srv.Name, tool.Name)
		}

		types.WriteString("}\n\n")
		client.WriteString("  },\n")
	}
	client.WriteString("};\n")

	s.TypeDefinitions = types.String()
	s.RuntimeAPI = client.String()
	return s, nil
}

// schemaToTSType renders a TypeScript-like type for a JSON Schema by
// walking its structure: object properties (required ones unmarked,
// optional ones suffixed "?"), array item types, string enums as union
// literals, and the scalar types. Anything it can't express (a $ref it
// doesn't resolve, a missing schema) degrades to "any", matching §9's
// "implementers should not attempt to infer it" for missing schemas.
func schemaToTSType(schema *jsonschema.Schema) string {
	return schemaToTSTypeDepth(schema, 0)
}

const maxSchemaWalkDepth = 6

func schemaToTSTypeDepth(schema *jsonschema.Schema, depth int) string {
	if schema == nil || depth > maxSchemaWalkDepth {
		return "any"
	}

	if len(schema.Enum) > 0 {
		literals := make([]string, 0, len(schema.Enum))
		for _, v := range schema.Enum {
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			literals = append(literals, string(b))
		}
		if len(literals) > 0 {
			return strings.Join(literals, " | ")
		}
	}

	switch schema.Type {
	case "object":
		if len(schema.Properties) == 0 {
			return "{ [k: string]: any }"
		}
		required := make(map[string]bool, len(schema.Required))
		for _, r := range schema.Required {
			required[r] = true
		}
		names := make([]string, 0, len(schema.Properties))
		for name := range schema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		var b strings.Builder
		b.WriteString("{ ")
		for i, name := range names {
			if i > 0 {
				b.WriteString("; ")
			}
			optional := ""
			if !required[name] {
				optional = "?"
			}
			fmt.Fprintf(&b, "%s%s: %s", name, optional, schemaToTSTypeDepth(schema.Properties[name], depth+1))
		}
		b.WriteString(" }")
		return b.String()
	case "array":
		return schemaToTSTypeDepth(schema.Items, depth+1) + "[]"
	case "string":
		return "string"
	case "integer", "number":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	default:
		return "any"
	}
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' })
}

// camelCase converts a tool/server identifier to a script-safe camelCase
// name. The conversion is total (every input maps to some identifier)
// but not claimed reversible beyond the explicit name table Surface
// keeps alongside it (names map), which is what actually preserves the
// original name for RPC dispatch.
func camelCase(s string) string {
	words := splitWords(s)
	if len(words) == 0 {
		return "_"
	}
	var b strings.Builder
	for i, w := range words {
		if w == "" {
			continue
		}
		if i == 0 {
			b.WriteString(strings.ToLower(w))
		} else {
			b.WriteString(strings.ToUpper(w[:1]))
			b.WriteString(strings.ToLower(w[1:]))
		}
	}
	return b.String()
}

func pascalCase(s string) string {
	c := camelCase(s)
	if c == "" {
		return c
	}
	return strings.ToUpper(c[:1]) + c[1:]
}

// GetExecuteCodeToolSchema returns the fixed synthesized tool schema for
// execute_code (spec.md §6).
func GetExecuteCodeToolSchema(typeDefinitions string) (name string, description string, inputSchema map[string]any) {
	return "execute_code", "Execute a script against the generated tool surface:\n\n" + typeDefinitions,
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript-like source evaluated against the generated surface.",
				},
			},
			"required": []string{"code"},
		}
}

// ExecuteCode evaluates userCode inside the surface's sandbox, binding
// __rpcCall to rpc and enforcing the surface's configured deadline
// independent of any HTTP timeout.
func (s *Surface) ExecuteCode(ctx context.Context, userCode string, rpc RPCHandler) ExecutionResult {
	deadlineCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		result ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := s.sandbox.Run(deadlineCtx, userCode, rpc)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			// a sandbox that gave up because the deadline passed reports a timeout.
			if deadlineCtx.Err() == context.DeadlineExceeded {
				return s.timeoutResult()
			}
			return ExecutionResult{Success: false, Error: o.err.Error()}
		}
		return o.result
	case <-deadlineCtx.Done():
		return s.timeoutResult()
	}
}

func (s *Surface) timeoutResult() ExecutionResult {
	return ExecutionResult{
		Success: false,
		Error:   fmt.Sprintf("Execution timeout after %dms", s.timeout.Milliseconds()),
	}
}

// ResolveOriginal returns the original (server, tool) names for a
// canonical "serverId.toolId" pair used inside a script, for a Sandbox
// implementation that needs to map an identifier back before calling rpc.
func (s *Surface) ResolveOriginal(serverID, toolID string) (serverName, toolName string, ok bool) {
	n, found := s.names[serverID+"."+toolID]
	if !found {
		return "", "", false
	}
	return n.serverName, n.toolName, true
}

// BuildRPCHandler adapts a generic upstream caller into the RPCHandler
// shape the sandbox invokes, grounded on bridge.go's sendRequestWithSession:
// a plain JSON-RPC tools/call POST with the code-mode session id echoed
// in Mcp-Session-Id, returning result.structuredContent ?? result.content.
func BuildRPCHandler(call func(ctx context.Context, serverName, originalToolName string, args json.RawMessage) (json.RawMessage, error)) RPCHandler {
	return func(ctx context.Context, serverName, toolName string, args json.RawMessage) (json.RawMessage, error) {
		result, err := call(ctx, serverName, toolName, args)
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.LayerCodemode, gatewayerr.KindCodemodeExecution, "inner rpc call failed", err)
		}
		return result, nil
	}
}
