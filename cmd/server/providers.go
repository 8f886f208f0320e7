package main

import (
	"github.com/google/wire"
	"github.com/rs/zerolog"

	"github.com/janhq/mcp-gateway/internal/capture"
	"github.com/janhq/mcp-gateway/internal/codemode"
	"github.com/janhq/mcp-gateway/internal/config"
	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/httpserver"
	"github.com/janhq/mcp-gateway/internal/logging"
	"github.com/janhq/mcp-gateway/internal/management"
	"github.com/janhq/mcp-gateway/internal/proxy"
	"github.com/janhq/mcp-gateway/internal/registry"
	"github.com/janhq/mcp-gateway/internal/session"
)

// GatewayProviderSet wires every component named in spec.md §2's
// component list into the gateway's composition root.
var GatewayProviderSet = wire.NewSet(
	ProvideConfig,
	ProvideLogger,
	ProvideEventBus,
	ProvideRegistry,
	ProvideCaptureStore,
	ProvideSessionTable,
	ProvideSandbox,
	ProvideProxyEngine,
	ProvideManagementSurface,
	ProvideHTTPServer,
)

// ProvideConfig loads configuration from the environment.
func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

// ProvideLogger builds the gateway's base logger.
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

// ProvideEventBus builds the in-process publish/subscribe bus (E).
func ProvideEventBus(logger zerolog.Logger) *eventbus.Bus {
	return eventbus.New(logger)
}

// ProvideRegistry loads the registry store (A) from disk.
func ProvideRegistry(cfg *config.Config, bus *eventbus.Bus) (*registry.Registry, error) {
	return registry.Load(cfg.RegistryRoot, bus)
}

// ProvideCaptureStore builds the append-only capture store (B).
func ProvideCaptureStore(cfg *config.Config) *capture.Store {
	return capture.New(cfg.RegistryRoot)
}

// ProvideSessionTable builds the session & client-info table (D).
func ProvideSessionTable() *session.Table {
	return session.New()
}

// ProvideSandbox builds the code-mode execution sandbox, or nil when no
// sandbox URL is configured — callers must compare the codemode.Sandbox
// interface, not the *RemoteSandbox concrete type, against nil.
func ProvideSandbox(cfg *config.Config) codemode.Sandbox {
	if cfg.SandboxURL == "" {
		return nil
	}
	return codemode.NewRemoteSandbox(cfg.SandboxURL, cfg.SandboxCallbackHost)
}

// ProvideProxyEngine builds the proxy engine (F), wired to the code-mode
// sandbox (G's execution backend).
func ProvideProxyEngine(
	cfg *config.Config,
	reg *registry.Registry,
	store *capture.Store,
	bus *eventbus.Bus,
	sessions *session.Table,
	logger zerolog.Logger,
	sandbox codemode.Sandbox,
) *proxy.Engine {
	return proxy.New(proxy.Deps{
		Registry:               reg,
		Capture:                store,
		Bus:                    bus,
		Sessions:               sessions,
		Logger:                 logger,
		Sandbox:                sandbox,
		ProtocolVersionDefault: cfg.ProtocolVersionDefault,
		ExchangeTimeout:        cfg.ExchangeTimeout,
		CodemodeTimeout:        cfg.CodemodeTimeoutDefault,
	})
}

// ProvideManagementSurface builds the management RPC surface (H).
func ProvideManagementSurface(
	reg *registry.Registry,
	store *capture.Store,
	bus *eventbus.Bus,
	logger zerolog.Logger,
) *management.Surface {
	return management.New(management.Deps{
		Registry: reg,
		Capture:  store,
		Bus:      bus,
		Logger:   logger,
	})
}

// ProvideHTTPServer builds the HTTP router (I).
func ProvideHTTPServer(
	cfg *config.Config,
	reg *registry.Registry,
	engine *proxy.Engine,
	mgmt *management.Surface,
	logger zerolog.Logger,
) *httpserver.Server {
	return httpserver.New(httpserver.Deps{
		Config:     cfg,
		Registry:   reg,
		Engine:     engine,
		Management: mgmt,
		Logger:     logger,
	})
}
