// Package sse implements component C: an incremental decoder of the
// Server-Sent Events wire format, plus a JSON-RPC recognizer for each
// decoded event's data field. Grounded on the field-line state machine in
// golang.org/x/tools' internal/mcp streamable transport (the pack's only
// from-scratch SSE parser) — every SSE-touching file in the retrieved
// pack hand-rolls this loop rather than reaching for a library, so this
// package does too (see DESIGN.md's standard-library justification).
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// Event is one decoded SSE event.
type Event struct {
	ID    string
	Name  string
	Data  string
	Retry int
	// HasRetry distinguishes an absent retry field from a literal "0".
	HasRetry bool
}

// Decoder incrementally parses an SSE byte stream into Events, preserving
// frame boundaries across chunked reads and tolerating CR, LF, and CRLF
// line endings.
type Decoder struct {
	r       *bufio.Reader
	pending Event
}

// NewDecoder wraps a byte stream reader.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next decoded event, or io.EOF when the stream ends
// cleanly. A stream that ends mid-event (upstream closed prematurely)
// discards the partial event and also returns io.EOF, per spec.md §5's
// "the last partial SSE event is discarded" cancellation rule.
func (d *Decoder) Next() (Event, error) {
	var data strings.Builder
	haveData := false

	for {
		line, err := d.readLine()
		if err != nil {
			if err == io.EOF {
				// stream ended; discard any partial event in progress.
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		if line == "" {
			// blank line: dispatch the event, if any fields were seen.
			if !haveData && d.pending.ID == "" && d.pending.Name == "" && !d.pending.HasRetry {
				continue
			}
			evt := d.pending
			evt.Data = data.String()
			d.pending = Event{}
			return evt, nil
		}

		if strings.HasPrefix(line, ":") {
			continue // comment line, ignored
		}

		field, value := splitField(line)
		switch field {
		case "id":
			d.pending.ID = value
		case "event":
			d.pending.Name = value
		case "data":
			if haveData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			haveData = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				d.pending.Retry = ms
				d.pending.HasRetry = true
			}
		}
	}
}

// splitField parses a "field: value" or "field:value" line per the SSE
// spec (a single leading space after the colon is stripped if present).
func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}

// readLine reads one logical line tolerating \n, \r\n, and bare \r
// terminators, buffering partial reads across chunk boundaries.
func (d *Decoder) readLine() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}
		if b == '\n' {
			s := buf.String()
			return strings.TrimSuffix(s, "\r"), nil
		}
		if b == '\r' {
			// peek for an immediately following \n to treat CRLF as one terminator.
			next, err := d.r.Peek(1)
			if err == nil && len(next) == 1 && next[0] == '\n' {
				_, _ = d.r.ReadByte()
			}
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

// RPCClass classifies a decoded SSE event's data as JSON-RPC request,
// response, or notification, or "" when the data does not parse as a
// JSON-RPC envelope at all.
type RPCClass string

const (
	ClassNone         RPCClass = ""
	ClassRequest      RPCClass = "request"
	ClassResponse     RPCClass = "response"
	ClassNotification RPCClass = "notification"
)

type envelopeProbe struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// ClassifyJSONRPC attempts to parse data as a JSON-RPC message and
// classifies it by the presence of id, result, error, and method, per
// spec.md §4.C's second predicate.
func ClassifyJSONRPC(data string) (envelope json.RawMessage, class RPCClass, ok bool) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, ClassNone, false
	}

	var probe envelopeProbe
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return nil, ClassNone, false
	}

	hasID := len(probe.ID) > 0 && string(probe.ID) != "null"
	hasResultOrError := len(probe.Result) > 0 || len(probe.Error) > 0

	switch {
	case hasResultOrError && hasID:
		return json.RawMessage(trimmed), ClassResponse, true
	case probe.Method != "" && hasID:
		return json.RawMessage(trimmed), ClassRequest, true
	case probe.Method != "" && !hasID:
		return json.RawMessage(trimmed), ClassNotification, true
	default:
		return nil, ClassNone, false
	}
}
