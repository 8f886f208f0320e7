// Package management implements component H: a management MCP endpoint
// mounted on the same process as the proxy, exposing gateway
// introspection as ordinary MCP tools. It consumes the registry (A) and
// capture store (B) read-only, and the event bus (E) to keep an
// in-memory tail of recent log entries.
//
// Grounded on the teacher's mcp/sandboxfusion_mcp.go and search_mcp.go
// (the mcp.AddTool generic-handler registration pattern against
// modelcontextprotocol/go-sdk's mcp.Server) and mcp_route.go (building
// one *mcp.Server per process, wrapped in mcp.NewStreamableHTTPHandler).
package management

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/janhq/mcp-gateway/internal/capture"
	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/gatewayerr"
	"github.com/janhq/mcp-gateway/internal/registry"
)

const recentLogCapacity = 200

// recentLogs is a small ring buffer fed by the event bus's log_added
// topic, giving the tail_logs tool something to read without re-scanning
// capture files on every call.
type recentLogs struct {
	mu      sync.Mutex
	entries []eventbus.LogEntry
}

func (r *recentLogs) push(e eventbus.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > recentLogCapacity {
		r.entries = r.entries[len(r.entries)-recentLogCapacity:]
	}
}

func (r *recentLogs) snapshot(limit int) []eventbus.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.entries) {
		limit = len(r.entries)
	}
	out := make([]eventbus.LogEntry, limit)
	copy(out, r.entries[len(r.entries)-limit:])
	return out
}

// Surface is the management MCP endpoint's HTTP-facing handler.
type Surface struct {
	Handler http.Handler

	registry *registry.Registry
	capture  *capture.Store
	logs     *recentLogs
	logger   zerolog.Logger
}

// Deps bundles the surface's constructor dependencies.
type Deps struct {
	Registry *registry.Registry
	Capture  *capture.Store
	Bus      *eventbus.Bus
	Logger   zerolog.Logger
}

// New builds the management MCP server and subscribes it to the bus.
func New(d Deps) *Surface {
	s := &Surface{
		registry: d.Registry,
		capture:  d.Capture,
		logs:     &recentLogs{},
		logger:   d.Logger,
	}

	d.Bus.OnLogAdded(s.logs.push)

	impl := &mcp.Implementation{Name: "mcp-gateway-management", Version: "1.0.0"}
	server := mcp.NewServer(impl, nil)

	s.registerTools(server)

	s.Handler = mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{Stateless: true})

	return s
}

type listServersArgs struct{}

type serverView struct {
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Transport       string    `json:"transport"`
	Health          string    `json:"health"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
	LastActivity    time.Time `json:"lastActivity"`
	ExchangeCount   int64     `json:"exchangeCount"`
	ToolCount       int       `json:"toolCount"`
}

func toServerView(s registry.Server) serverView {
	return serverView{
		Name:            s.Name,
		URL:             s.URL,
		Transport:       s.Transport,
		Health:          string(s.Health),
		LastHealthCheck: s.LastHealthCheck,
		LastActivity:    s.LastActivity,
		ExchangeCount:   s.ExchangeCount,
		ToolCount:       len(s.ToolList),
	}
}

type getServerArgs struct {
	Name string `json:"name"`
}

type tailLogsArgs struct {
	Limit int `json:"limit,omitempty"`
}

type scanCapturesArgs struct {
	Server    string `json:"server"`
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

func (s *Surface) registerTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_servers",
		Description: "List every registered upstream MCP server and its current health and activity.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ listServersArgs) (*mcp.CallToolResult, []serverView, error) {
		servers := s.registry.List()
		views := make([]serverView, 0, len(servers))
		for _, srv := range servers {
			views = append(views, toServerView(srv))
		}
		return nil, views, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_server",
		Description: "Fetch one registered server's full record by name, including its cached tool list.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input getServerArgs) (*mcp.CallToolResult, registry.Server, error) {
		srv, ok := s.registry.Get(input.Name)
		if !ok {
			return nil, registry.Server{}, fmt.Errorf("server %q is not registered", input.Name)
		}
		return nil, srv, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tail_logs",
		Description: "Return the most recent exchange log entries observed across all servers, newest last.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input tailLogsArgs) (*mcp.CallToolResult, []eventbus.LogEntry, error) {
		return nil, s.logs.snapshot(input.Limit), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "scan_captures",
		Description: "Read back a capture file's records, tolerating a truncated trailing line.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, input scanCapturesArgs) (*mcp.CallToolResult, []capture.Record, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}
		records, err := capture.ScanLines(input.Path)
		if err != nil {
			ge := gatewayerr.New(gatewayerr.LayerMgmt, gatewayerr.KindCaptureIO, "scan capture file", err)
			gatewayerr.Log(s.logger, ge)
			return nil, nil, ge
		}
		return nil, records, nil
	})
}
