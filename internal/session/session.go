// Package session implements component D: a process-wide, concurrency-safe
// map from session id to the client-info a client advertised on
// initialize. Per the design note in spec.md §9, this is an explicit
// dependency constructed by the process entry point and threaded into the
// proxy engine, never a package-level global — tests construct their own
// instance.
package session

import "sync"

// Stateless is the sentinel session id denoting a not-yet-bound session.
const Stateless = "stateless"

// ClientInfo mirrors the initialize.params.clientInfo shape the spec
// requires the table to hold. Only name and version are decoded; Extra
// is excluded from JSON, so other clientInfo fields are dropped.
type ClientInfo struct {
	Name    string         `json:"name"`
	Version string         `json:"version"`
	Extra   map[string]any `json:"-"`
}

// Table is the session & client-info table.
type Table struct {
	mu      sync.RWMutex
	entries map[string]ClientInfo
}

// New constructs an empty table.
func New() *Table {
	return &Table{entries: make(map[string]ClientInfo)}
}

// Store records the client-info advertised for a session id.
func (t *Table) Store(sessionID string, info ClientInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[sessionID] = info
}

// Get returns the client-info for a session id, if any.
func (t *Table) Get(sessionID string) (ClientInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.entries[sessionID]
	return info, ok
}

// Transition copies the stateless entry into a newly assigned session id,
// the operation F must perform before any subsequent proxying once the
// upstream has issued a real Mcp-Session-Id on initialize.
func (t *Table) Transition(newSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info, ok := t.entries[Stateless]; ok {
		t.entries[newSessionID] = info
	}
}
