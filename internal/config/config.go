// Package config loads gateway configuration from environment variables,
// the same struct-tag-driven convention as the rest of this stack.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the gateway process.
type Config struct {
	HTTPPort  string `env:"GATEWAY_HTTP_PORT" envDefault:"8787"`
	LogLevel  string `env:"GATEWAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"GATEWAY_LOG_FORMAT" envDefault:"json"` // json or console

	// RegistryRoot is the directory holding registry.json and the
	// per-server capture subdirectories (the <root> of spec.md §3/§6).
	RegistryRoot string `env:"GATEWAY_DATA_ROOT" envDefault:"./data"`

	// ProtocolVersionDefault is mirrored onto the outbound MCP-Protocol-Version
	// header when the inbound request did not set one.
	ProtocolVersionDefault string `env:"GATEWAY_PROTOCOL_VERSION" envDefault:"2024-11-05"`

	// ExchangeTimeout is the global per-exchange deadline (spec.md §5).
	ExchangeTimeout time.Duration `env:"GATEWAY_EXCHANGE_TIMEOUT" envDefault:"60s"`

	// CodemodeTimeoutDefault is the deadline applied to every code-mode
	// execute_code script run; execute_code takes no per-call timeout.
	CodemodeTimeoutDefault time.Duration `env:"GATEWAY_CODEMODE_TIMEOUT" envDefault:"10s"`

	// SandboxURL, when set, points at an agent-infra sandbox-sdk-go-compatible
	// code execution service used by internal/codemode's default Sandbox.
	SandboxURL string `env:"GATEWAY_SANDBOX_URL"`

	// SandboxCallbackHost is the host (without port; the listener's own
	// port is appended) the sandbox service dials back to for an inner
	// __rpcCall (internal/codemode's callback RPC listener). Defaults to 127.0.0.1, which only works when the sandbox
	// runs on the same host as the gateway; a sandbox reachable only over
	// a container network needs this set to the gateway's network alias.
	SandboxCallbackHost string `env:"GATEWAY_SANDBOX_CALLBACK_HOST" envDefault:"127.0.0.1"`

	MetricsEnabled bool `env:"GATEWAY_METRICS_ENABLED" envDefault:"true"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if strings.TrimSpace(cfg.RegistryRoot) == "" {
		return nil, fmt.Errorf("GATEWAY_DATA_ROOT must not be empty")
	}
	return cfg, nil
}
