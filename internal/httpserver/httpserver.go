// Package httpserver implements component I: the gin router wiring
// every route spec.md §4.I names onto the proxy engine (F), the
// code-mode dispatcher (G), and the management MCP surface (H), plus a
// single-pass validation middleware for the proxy paths.
//
// Grounded on the teacher's httpserver.go (gin.New + Recovery +
// RequestLogger + CORS, a setupRoutes method, Run dialing the
// configured port) and mcp_route.go's MCPMethodGuard (read-validate-
// restore body pattern for a JSON-RPC envelope, used here as the model
// for validateEnvelope).
package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/janhq/mcp-gateway/internal/config"
	"github.com/janhq/mcp-gateway/internal/gatewayerr"
	"github.com/janhq/mcp-gateway/internal/management"
	"github.com/janhq/mcp-gateway/internal/metrics"
	"github.com/janhq/mcp-gateway/internal/proxy"
	"github.com/janhq/mcp-gateway/internal/registry"
	"github.com/janhq/mcp-gateway/internal/session"
)

const serviceName = "mcp-gateway"

// Server is the gateway's HTTP edge.
type Server struct {
	router     *gin.Engine
	cfg        *config.Config
	registry   *registry.Registry
	engine     *proxy.Engine
	management *management.Surface
	logger     zerolog.Logger
	startedAt  time.Time
}

// Deps bundles the router's constructor dependencies.
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Engine     *proxy.Engine
	Management *management.Surface
	Logger     zerolog.Logger
}

// New builds the gateway's HTTP router.
func New(d Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(d.Logger))
	router.Use(CORS())

	s := &Server{
		router:     router,
		cfg:        d.Config,
		registry:   d.Registry,
		engine:     d.Engine,
		management: d.Management,
		logger:     d.Logger,
		startedAt:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the underlying router for tests and for an
// http.Server wrapping Run's behavior without the bind-and-listen.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	s.router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready", "service": serviceName, "servers": len(s.registry.List())})
	})

	if s.cfg.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	proxyGroup := s.router.Group("/")
	proxyGroup.Use(validateEnvelope())
	for _, prefix := range []string{"", "s/", "servers/"} {
		proxyGroup.POST(prefix+":server/mcp", s.handleProxy)
	}
	proxyGroup.POST("servers/:server/mcp-codemode", s.handleCodemode)

	if s.management != nil {
		s.router.Any("/gateway/*path", gin.WrapH(s.management.Handler))
		s.router.Any("/g/*path", gin.WrapH(s.management.Handler))
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    serviceName,
		"version": "1.0.0",
		"servers": len(s.registry.List()),
		"uptime":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.registry.List()})
}

// envelopeKey is where validateEnvelope stashes the parsed body for
// the handler, avoiding a second JSON decode.
const envelopeKey = "mcp.envelope"

// validateEnvelope implements spec.md §4.I's single validation pass for
// the proxy paths: the path param is implicit in gin's own routing and the
// body must decode as a JSON-RPC envelope. The session header is not
// checked here; sessionIDFromHeaders reads it later, falling back to
// session.Stateless when it is absent.
func validateEnvelope() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeValidationError(c, "failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if len(body) == 0 {
			writeValidationError(c, "empty request body")
			return
		}

		var env proxy.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			writeValidationError(c, "body does not decode as a JSON-RPC envelope")
			return
		}
		if env.JSONRPC != "2.0" {
			writeValidationError(c, `jsonrpc must be "2.0"`)
			return
		}
		if env.Method == "" {
			writeValidationError(c, "method is required")
			return
		}

		c.Set(envelopeKey, env)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}

func writeValidationError(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": message})
}

// writeEngineError maps an error returned from the proxy engine onto an
// HTTP status: a *gatewayerr.Error carries its own Kind, which knows its
// status (spec.md §7, e.g. an unknown server is KindNotFound -> 404);
// anything else is treated as a plain validation failure.
func writeEngineError(c *gin.Context, err error) {
	var ge *gatewayerr.Error
	if errors.As(err, &ge) {
		c.AbortWithStatusJSON(ge.Kind.HTTPStatus(), gin.H{"error": ge.Message})
		return
	}
	writeValidationError(c, err.Error())
}

func sessionIDFromHeaders(h http.Header) string {
	if v := h.Get("Mcp-Session-Id"); v != "" {
		return v
	}
	if v := h.Get("mcp-session-id"); v != "" {
		return v
	}
	return session.Stateless
}

func (s *Server) inboundFromContext(c *gin.Context) (proxy.InboundRequest, error) {
	env, ok := c.MustGet(envelopeKey).(proxy.Envelope)
	if !ok {
		return proxy.InboundRequest{}, fmt.Errorf("validated envelope missing from context")
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return proxy.InboundRequest{}, err
	}
	return proxy.InboundRequest{
		ServerName:      c.Param("server"),
		Body:            env,
		RawBody:         body,
		ProtocolVersion: c.GetHeader("MCP-Protocol-Version"),
		Accept:          c.GetHeader("Accept"),
		SessionID:       sessionIDFromHeaders(c.Request.Header),
	}, nil
}

func (s *Server) handleProxy(c *gin.Context) {
	in, err := s.inboundFromContext(c)
	if err != nil {
		writeValidationError(c, err.Error())
		return
	}

	outcome, err := s.engine.Handle(c.Request.Context(), in)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	writeOutcome(c, outcome)
}

func (s *Server) handleCodemode(c *gin.Context) {
	in, err := s.inboundFromContext(c)
	if err != nil {
		writeValidationError(c, err.Error())
		return
	}

	outcome, err := s.engine.HandleCodemode(c.Request.Context(), in)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	writeOutcome(c, outcome)
}

func writeOutcome(c *gin.Context, outcome proxy.Outcome) {
	for k, values := range outcome.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}

	if outcome.SSEBody != nil {
		defer outcome.SSEBody.Close()
		c.Status(outcome.StatusCode)
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Flush()
		_, _ = io.Copy(c.Writer, outcome.SSEBody)
		return
	}

	contentType := outcome.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(outcome.StatusCode, contentType, outcome.Body)
}
