// Package capture implements component B: an append-only, per-session
// capture store. Layout is one directory per server, one file per
// (session, time-bucket), named "<server>__<session>__<iso>.ndjson"; each
// line is one JSON capture record, terminated by \n. Appends are
// serialized per file (spec.md §5: "appending to the currently-open
// capture file for a given session" is a per-server-session
// serialization point) so concurrent writers still produce whole-line
// writes.
//
// Sensitive configured server headers (Authorization and friends) are
// redacted from a record's metadata before it is written — a
// supplemented feature grounded on the peakyragnar-subluminal redact.go
// idea, additive to the wire schema spec.md §6 mandates, never touching
// the JSON-RPC payload itself.
package capture

import (
	"bufio"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/janhq/mcp-gateway/internal/gatewayerr"
)

// Kind is the capture record discriminant.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindSSEEvent Kind = "sse-event"
	KindError    Kind = "error"
)

// Direction mirrors eventbus.Direction without importing it, to keep
// this package leaf-level per spec.md §2's dependency ordering (B has no
// dependency on E; F wires both).
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Metadata carries the transport-observable facts about a record.
type Metadata struct {
	HTTPStatus int            `json:"httpStatus,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Record is one immutable capture line.
type Record struct {
	CaptureID    string         `json:"captureId"`
	Kind         Kind           `json:"kind"`
	ServerName   string         `json:"serverName"`
	SessionID    string         `json:"sessionId"`
	Method       string         `json:"method,omitempty"`
	Direction    Direction      `json:"direction,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	SSEEvent     json.RawMessage `json:"sseEvent,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Metadata     Metadata       `json:"metadata"`
}

var entropySource = ulid.Monotonic(rand.Reader, 0)

// NewCaptureID returns a ULID-sortable capture id (spec.md §3).
func NewCaptureID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropySource).String()
}

var authHeaderPattern = regexp.MustCompile(`(?i)^(authorization|cookie|x-api-key|mcp-session-id)$`)

// RedactHeaders returns a copy of headers with sensitive values replaced,
// for inclusion in a record's metadata when an exchange's configured
// server headers are logged for debugging.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if authHeaderPattern.MatchString(strings.TrimSpace(k)) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// fileHandle tracks the single open file for one (server, session) pair
// and the mutex serializing appends to it.
type fileHandle struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Store is the capture store.
type Store struct {
	root string

	mu    sync.Mutex
	files map[string]*fileHandle // key: server + "\x00" + session
}

// New constructs a capture store rooted at the given directory.
func New(root string) *Store {
	return &Store{root: root, files: make(map[string]*fileHandle)}
}

func fileKey(server, session string) string {
	return server + "\x00" + session
}

func (s *Store) fileName(server, session string, ts time.Time) string {
	stamp := ts.UTC().Format("2006-01-02T15-04-05.000000000Z")
	return fmt.Sprintf("%s__%s__%s.ndjson", server, session, stamp)
}

// handleFor returns the (possibly newly created) file handle for a
// server/session pair, creating the file and its server directory on
// first use.
func (s *Store) handleFor(server, session string) (*fileHandle, error) {
	key := fileKey(server, session)

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.files[key]; ok {
		return h, nil
	}

	dir := filepath.Join(s.root, server)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerCapture, gatewayerr.KindCaptureIO, "create server capture dir", err)
	}

	name := s.fileName(server, session, time.Now())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.LayerCapture, gatewayerr.KindCaptureIO, "open capture file", err)
	}

	h := &fileHandle{file: f, path: path}
	s.files[key] = h
	return h, nil
}

// Append writes one whole-line record to the currently open file for
// (record.ServerName, record.SessionID), creating it on first use, and
// returns the filename it wrote to. Capture-io failures are returned to
// the caller (F decides, per spec.md §7, that capture-io never aborts
// the exchange — it logs and drops).
func (s *Store) Append(record Record) (string, error) {
	if record.CaptureID == "" {
		record.CaptureID = NewCaptureID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	h, err := s.handleFor(record.ServerName, record.SessionID)
	if err != nil {
		return "", err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return "", gatewayerr.New(gatewayerr.LayerCapture, gatewayerr.KindCaptureIO, "marshal capture record", err)
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.file.Write(line); err != nil {
		return "", gatewayerr.New(gatewayerr.LayerCapture, gatewayerr.KindCaptureIO, "append capture record", err)
	}
	return filepath.Base(h.path), nil
}

// RenameSessionFile relabels the in-progress capture file for a server
// from its stateless/original session id to the upstream-assigned one,
// atomically on the filesystem, exactly once per session.
func (s *Store) RenameSessionFile(server, oldSession, newSession string) error {
	oldKey := fileKey(server, oldSession)
	newKey := fileKey(server, newSession)

	s.mu.Lock()
	h, ok := s.files[oldKey]
	if !ok {
		s.mu.Unlock()
		return gatewayerr.NewWithContext(gatewayerr.LayerCapture, gatewayerr.KindCaptureIO,
			"no open capture file for session", nil, map[string]any{"server": server, "session": oldSession})
	}
	delete(s.files, oldKey)
	s.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()

	newName := s.fileName(server, newSession, time.Now())
	newPath := filepath.Join(filepath.Dir(h.path), newName)
	if err := os.Rename(h.path, newPath); err != nil {
		// put the handle back so future appends still land somewhere.
		s.mu.Lock()
		s.files[oldKey] = h
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.LayerCapture, gatewayerr.KindCaptureIO, "rename session capture file", err)
	}
	h.path = newPath

	s.mu.Lock()
	s.files[newKey] = h
	s.mu.Unlock()
	return nil
}

// ScanLines reads a capture file tolerating a truncated final line (the
// "crash mid-line" contract in spec.md §4.B); used by tests and any
// future read-side tooling against capture files.
func ScanLines(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// tolerate a truncated trailing line; skip it.
			continue
		}
		records = append(records, r)
	}
	return records, nil
}
