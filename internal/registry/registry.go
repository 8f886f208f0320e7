// Package registry implements component A: the in-memory and on-disk
// catalog of upstream MCP servers. Persistence is a single JSON file at
// <root>/registry.json, rewritten atomically (write-temp, rename), the
// same convention the provider-config loader in the teacher's
// mcpprovider package uses for its YAML file, adapted here to the
// read-write JSON contract spec.md §4.A/§6 mandates.
package registry

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/gatewayerr"
	"github.com/janhq/mcp-gateway/internal/metrics"
)

// HealthState is the server's last observed health.
type HealthState string

const (
	HealthUnknown HealthState = "unknown"
	HealthUp      HealthState = "up"
	HealthDown    HealthState = "down"
)

// Tool is a cached entry from the upstream's tools/list, schema types
// borrowed from google/jsonschema-go so the code-mode type generator can walk them
// directly without a second schema representation.
type Tool struct {
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	InputSchema  *jsonschema.Schema `json:"inputSchema,omitempty"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
}

// AuthMetadata is optional OAuth/authorization bookkeeping the registry
// carries but never validates (spec.md §1 Non-goals: no authentication).
type AuthMetadata struct {
	AuthURL        string `json:"authUrl,omitempty"`
	AuthError      string `json:"authError,omitempty"`
	OAuthClientID  string `json:"oauthClientId,omitempty"`
	OAuthSecret    string `json:"oauthClientSecret,omitempty"`
}

// Server is one server record (spec.md §3).
type Server struct {
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Transport        string            `json:"transport"`
	Headers          map[string]string `json:"headers,omitempty"`
	Health           HealthState       `json:"health"`
	LastHealthCheck  time.Time         `json:"lastHealthCheck"`
	LastActivity     time.Time         `json:"lastActivity"`
	ExchangeCount    int64             `json:"exchangeCount"`
	ToolList         []Tool            `json:"toolList,omitempty"`
	Auth             *AuthMetadata     `json:"auth,omitempty"`
}

// Spec is the caller-supplied shape for adding a server.
type Spec struct {
	Name    string
	URL     string
	Headers map[string]string
}

// Registry is the in-memory catalog, process-wide, guarded by a mutex per
// §9's "shards by server name" recommendation relaxed to a single short
// critical section around the whole map plus a per-server mutex for
// activity bumps, matching spec.md §5's "per-server serialization" rule.
type Registry struct {
	root string
	bus  *eventbus.Bus

	mu      sync.RWMutex
	servers map[string]*Server

	activityMu sync.Map // server name -> *sync.Mutex
}

type fileFormat struct {
	Servers []*Server `json:"servers"`
}

// Load reads <root>/registry.json, creating an empty registry if the
// file does not yet exist.
func Load(root string, bus *eventbus.Bus) (*Registry, error) {
	r := &Registry{root: root, bus: bus, servers: make(map[string]*Server)}

	path := filepath.Join(root, "registry.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindRegistryIO, "read registry file", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindRegistryIO, "parse registry file", err)
	}
	for _, s := range ff.Servers {
		r.servers[s.Name] = s
	}
	return r, nil
}

// save rewrites the registry file atomically: write-temp, rename.
func (r *Registry) save() error {
	r.mu.RLock()
	ff := fileFormat{Servers: make([]*Server, 0, len(r.servers))}
	for _, s := range r.servers {
		ff.Servers = append(ff.Servers, s)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindRegistryIO, "marshal registry file", err)
	}

	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindRegistryIO, "create registry root", err)
	}

	path := filepath.Join(r.root, "registry.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindRegistryIO, "write temp registry file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindRegistryIO, "rename registry file", err)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeURL(raw string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(trimmed)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("invalid absolute URL: %q", raw)
	}
	return trimmed, nil
}

// Get returns a copy of the named server record, if present.
func (r *Registry) Get(name string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[normalizeName(name)]
	if !ok {
		return Server{}, false
	}
	return *s, true
}

// List returns a copy of every server record.
func (r *Registry) List() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, *s)
	}
	return out
}

// Add registers a new server. A duplicate name is rejected with a
// KindValidation error whose context names the server; the kind is the
// same one an empty name or an invalid URL gets.
func (r *Registry) Add(spec Spec) (*Server, error) {
	name := normalizeName(spec.Name)
	if name == "" {
		return nil, gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindValidation, "server name must not be empty", nil)
	}
	normURL, err := normalizeURL(spec.URL)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerRegistry, gatewayerr.KindValidation, err.Error(), err)
	}

	r.mu.Lock()
	if _, exists := r.servers[name]; exists {
		r.mu.Unlock()
		return nil, gatewayerr.NewWithContext(gatewayerr.LayerRegistry, gatewayerr.KindValidation,
			"server already registered", nil, map[string]any{"server": name})
	}
	s := &Server{
		Name:      name,
		URL:       normURL,
		Transport: "http",
		Headers:   spec.Headers,
		Health:    HealthUnknown,
	}
	r.servers[name] = s
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return nil, err
	}
	r.bus.PublishRegistryUpdated()
	return s, nil
}

// Remove deletes a server record, if present.
func (r *Registry) Remove(name string) error {
	name = normalizeName(name)
	r.mu.Lock()
	if _, ok := r.servers[name]; !ok {
		r.mu.Unlock()
		return gatewayerr.NewWithContext(gatewayerr.LayerRegistry, gatewayerr.KindNotFound,
			"server not registered", nil, map[string]any{"server": name})
	}
	delete(r.servers, name)
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return err
	}
	r.bus.PublishRegistryUpdated()
	return nil
}

// UpdateHealth records a health-check observation.
func (r *Registry) UpdateHealth(name string, state HealthState, ts time.Time) error {
	name = normalizeName(name)
	r.mu.Lock()
	s, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return gatewayerr.NewWithContext(gatewayerr.LayerRegistry, gatewayerr.KindNotFound,
			"server not registered", nil, map[string]any{"server": name})
	}
	s.Health = state
	s.LastHealthCheck = ts
	r.mu.Unlock()

	metrics.SetServerHealth(name, string(state))

	if err := r.save(); err != nil {
		return err
	}
	r.bus.PublishRegistryUpdated()
	return nil
}

// activityLock returns the per-server mutex guarding exchangeCount/lastActivity
// bumps, lazily created, matching spec.md §5's per-server serialization rule.
func (r *Registry) activityLock(name string) *sync.Mutex {
	v, _ := r.activityMu.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// BumpActivity increments exchangeCount and sets lastActivity = now,
// serialized per server, then persists and publishes registry_updated.
func (r *Registry) BumpActivity(name string, now time.Time) error {
	name = normalizeName(name)
	lock := r.activityLock(name)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	s, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return gatewayerr.NewWithContext(gatewayerr.LayerRegistry, gatewayerr.KindNotFound,
			"server not registered", nil, map[string]any{"server": name})
	}
	s.ExchangeCount++
	s.LastActivity = now
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return err
	}
	r.bus.PublishRegistryUpdated()
	return nil
}

// CacheToolList stores a freshly discovered tools/list for a server.
func (r *Registry) CacheToolList(name string, tools []Tool) error {
	name = normalizeName(name)
	r.mu.Lock()
	s, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return gatewayerr.NewWithContext(gatewayerr.LayerRegistry, gatewayerr.KindNotFound,
			"server not registered", nil, map[string]any{"server": name})
	}
	s.ToolList = tools
	r.mu.Unlock()

	if err := r.save(); err != nil {
		return err
	}
	r.bus.PublishRegistryUpdated()
	return nil
}
