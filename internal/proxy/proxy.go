// Package proxy implements component F, the proxy engine: the heart of
// the gateway. One operation, handle-forward, validates an inbound
// JSON-RPC request, records it, forwards it to the named upstream,
// branches on plain JSON vs. SSE responses, captures and publishes both
// halves of the exchange, and relays the upstream response to the
// client.
//
// Grounded on the teacher's mcp_route.go (body-peeking via read +
// io.NopCloser restore, a guard that inspects the JSON-RPC envelope
// before dispatch) and mcpprovider/bridge.go (building the outbound
// request, Content-Type/Accept negotiation, SSE-vs-JSON response
// sniffing via a body prefix check), plus golang-tools'
// internal/mcp/streamable.go for the SSE tee pattern.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/janhq/mcp-gateway/internal/capture"
	"github.com/janhq/mcp-gateway/internal/codemode"
	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/gatewayerr"
	"github.com/janhq/mcp-gateway/internal/metrics"
	"github.com/janhq/mcp-gateway/internal/registry"
	"github.com/janhq/mcp-gateway/internal/session"
	"github.com/janhq/mcp-gateway/internal/sse"
)

// hostManagedHeaders are stripped both when building outbound proxy
// headers and when relaying the upstream response back to the client
// (spec.md §4.F step 6/10).
var hostManagedHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Transfer-Encoding":  {},
	"Connection":        {},
}

// Envelope is the validated JSON-RPC request shape (spec.md §6).
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this envelope is a notification (no id).
func (e Envelope) IsNotification() bool {
	return len(e.ID) == 0 || string(e.ID) == "null"
}

// InboundRequest is everything the HTTP edge extracts before calling Handle.
type InboundRequest struct {
	ServerName     string
	Body           Envelope
	RawBody        []byte
	ProtocolVersion string
	Accept         string
	SessionID      string // already normalized to session.Stateless when absent
}

// Outcome is what the HTTP edge writes back to the client.
type Outcome struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
	// SSEBody, when non-nil, is a reader the edge must copy to the
	// client verbatim while capture proceeds on a parallel tee; Body is
	// unused in that case.
	SSEBody io.ReadCloser
}

// Engine is the proxy engine.
type Engine struct {
	registry *registry.Registry
	capture  *capture.Store
	bus      *eventbus.Bus
	sessions *session.Table
	client   *resty.Client
	logger   zerolog.Logger
	sandbox  codemode.Sandbox

	protocolVersionDefault string
	exchangeTimeout        time.Duration
	codemodeTimeout        time.Duration
}

// Deps bundles the engine's constructor dependencies, one per wire provider.
type Deps struct {
	Registry               *registry.Registry
	Capture                *capture.Store
	Bus                    *eventbus.Bus
	Sessions               *session.Table
	Logger                 zerolog.Logger
	Sandbox                codemode.Sandbox
	ProtocolVersionDefault string
	ExchangeTimeout        time.Duration
	CodemodeTimeout        time.Duration
}

// New constructs a proxy engine.
func New(d Deps) *Engine {
	client := resty.New().SetTimeout(d.ExchangeTimeout)
	return &Engine{
		registry:               d.Registry,
		capture:                d.Capture,
		bus:                    d.Bus,
		sessions:               d.Sessions,
		client:                 client,
		logger:                 d.Logger,
		sandbox:                d.Sandbox,
		protocolVersionDefault: d.ProtocolVersionDefault,
		exchangeTimeout:        d.ExchangeTimeout,
		codemodeTimeout:        d.CodemodeTimeout,
	}
}

func bodyID(env Envelope) any {
	if len(env.ID) == 0 || string(env.ID) == "null" {
		return nil
	}
	var v any
	_ = json.Unmarshal(env.ID, &v)
	return v
}

// Handle implements handle-forward, the proxy engine's one public
// operation (spec.md §4.F).
func (e *Engine) Handle(ctx context.Context, in InboundRequest) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.exchangeTimeout)
	defer cancel()

	// 1. Resolve the server by name.
	server, ok := e.registry.Get(in.ServerName)
	if !ok {
		return Outcome{}, gatewayerr.NewWithContext(gatewayerr.LayerProxy, gatewayerr.KindNotFound,
			"unknown server", nil, map[string]any{"server": in.ServerName})
	}

	// 2. Derive the session id (already normalized by the HTTP edge).
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = session.Stateless
	}

	// 3. Capture the request; remember the filename for a possible rename.
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
		// capture-io never aborts the exchange; log and drop (spec.md §7).
		e.logCaptureErr(server.Name, err)
	}

	// 4. Publish a request LogEntry.
	e.bus.PublishLogAdded(eventbus.LogEntry{
		CaptureID:  reqRecord.CaptureID,
		ServerName: server.Name,
		SessionID:  sessionID,
		Method:     in.Body.Method,
		Direction:  eventbus.DirectionRequest,
		Timestamp:  reqRecord.Timestamp,
		HTTPStatus: 0,
		DurationMS: 0,
	})

	// 5. On initialize, store clientInfo in D under the current id.
	if in.Body.Method == "initialize" {
		if info, ok := parseClientInfo(in.Body.Params); ok {
			e.sessions.Store(sessionID, info)
		}
	}

	// 6. Build proxy headers.
	protocolVersion := in.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = e.protocolVersionDefault
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("MCP-Protocol-Version", protocolVersion)
	if sessionID != session.Stateless {
		headers.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range server.Headers {
		if isHostManaged(k) {
			continue
		}
		headers.Set(k, v)
	}
	if in.Accept != "" {
		headers.Set("Accept", in.Accept)
	}

	start := time.Now()

	// 7. Forward as POST to the server's URL.
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeaderMultiValues(map[string][]string(headers)).
		SetBody(in.RawBody).
		SetDoNotParseResponse(true).
		Post(server.URL)

	if err != nil {
		transportErr := gatewayerr.New(gatewayerr.LayerProxy, gatewayerr.KindUpstreamTransport, "forward request failed", err)
		return e.synthesizeError(ctx, server, sessionID, in, transportErr, 0)
	}
	rawResp := resp.RawResponse

	contentType := rawResp.Header.Get("Content-Type")

	var outcome Outcome
	var httpStatus int

	// 8. Branch on Content-Type.
	if strings.HasPrefix(contentType, "text/event-stream") {
		outcome, httpStatus, err = e.handleSSE(ctx, server, sessionID, in, rawResp, start)
	} else {
		outcome, httpStatus, err = e.handleJSON(ctx, server, sessionID, in, rawResp, start)
	}
	if err != nil {
		return e.synthesizeError(ctx, server, sessionID, in, asGatewayErr(err), httpStatus)
	}
	if outcome.SSEBody == nil {
		// an SSE exchange's real result arrives as a background-classified
		// response event (captureSSEInBackground), not at this HTTP layer.
		metrics.RecordExchange(server.Name, in.Body.Method, strconv.Itoa(httpStatus), time.Since(start).Seconds())
	}

	// 9. Session transition on initialize with a freshly issued session header.
	if in.Body.Method == "initialize" && sessionID == session.Stateless {
		if newSessionID := outcome.Header.Get("Mcp-Session-Id"); newSessionID != "" {
			e.sessions.Transition(newSessionID)
			if err := e.capture.RenameSessionFile(server.Name, session.Stateless, newSessionID); err != nil {
				// rename failure is logged but non-fatal (spec.md §4.F step 9).
				e.logCaptureErr(server.Name, err)
			}
		}
	}

	// 11. Update activity.
	if err := e.registry.BumpActivity(server.Name, time.Now().UTC()); err != nil {
		gatewayerr.Log(e.logger, asGatewayErr(err))
	}

	return outcome, nil
}

// configuredHeaderMetadata carries a server's configured outbound headers
// into a request record's Metadata.Extra, redacted so a capture file never
// holds the raw Authorization/cookie/session value it was forwarding
// (spec.md's capture Non-goal doesn't cover debug metadata; capture.go's
// RedactHeaders does the redaction itself).
func configuredHeaderMetadata(server registry.Server) capture.Metadata {
	if len(server.Headers) == 0 {
		return capture.Metadata{}
	}
	return capture.Metadata{Extra: map[string]any{"configuredHeaders": capture.RedactHeaders(server.Headers)}}
}

func isHostManaged(key string) bool {
	_, ok := hostManagedHeaders[http.CanonicalHeaderKey(key)]
	return ok
}

func stripHostManaged(src http.Header) http.Header {
	dst := http.Header{}
	for k, v := range src {
		if isHostManaged(k) {
			continue
		}
		dst[k] = v
	}
	return dst
}

func parseClientInfo(params json.RawMessage) (session.ClientInfo, bool) {
	if len(params) == 0 {
		return session.ClientInfo{}, false
	}
	var wrapper struct {
		ClientInfo *session.ClientInfo `json:"clientInfo"`
	}
	if err := json.Unmarshal(params, &wrapper); err != nil || wrapper.ClientInfo == nil {
		return session.ClientInfo{}, false
	}
	return *wrapper.ClientInfo, true
}

// handleJSON implements spec.md §4.F step 8's non-SSE branch: read the
// body fully, decode as JSON, capture a response record only if the
// request carried a non-null id, publish a response LogEntry.
func (e *Engine) handleJSON(ctx context.Context, server registry.Server, sessionID string, in InboundRequest, resp *http.Response, start time.Time) (Outcome, int, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Outcome{}, resp.StatusCode, gatewayerr.New(gatewayerr.LayerProxy, gatewayerr.KindUpstreamTransport, "read upstream body", err)
	}
	duration := time.Since(start).Milliseconds()

	if !in.Body.IsNotification() {
		var errMsg string
		var parsed struct {
			Error *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
			errMsg = fmt.Sprintf("JSON-RPC %d: %s", parsed.Error.Code, parsed.Error.Message)
		}

		respRecord := capture.Record{
			Kind:         capture.KindResponse,
			ServerName:   server.Name,
			SessionID:    sessionID,
			Method:       in.Body.Method,
			Direction:    capture.DirectionResponse,
			Timestamp:    time.Now().UTC(),
			Response:     json.RawMessage(body),
			ErrorMessage: errMsg,
			Metadata:     capture.Metadata{HTTPStatus: resp.StatusCode, DurationMS: duration},
		}
		if !json.Valid(body) {
			// non-JSON upstream body: retained as an opaque string.
			raw, _ := json.Marshal(string(body))
			respRecord.Response = raw
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
			HTTPStatus:   resp.StatusCode,
			DurationMS:   duration,
			ErrorMessage: errMsg,
		})
	}

	return Outcome{
		StatusCode:  resp.StatusCode,
		ContentType: "application/json",
		Header:      stripHostManaged(resp.Header),
		Body:        body,
	}, resp.StatusCode, nil
}

// handleSSE implements spec.md §4.F step 8's SSE branch: tee the body,
// stream one copy to the client untouched, drive the other through the
// SSE decoder in the background, capturing each framed event.
func (e *Engine) handleSSE(ctx context.Context, server registry.Server, sessionID string, in InboundRequest, resp *http.Response, start time.Time) (Outcome, int, error) {
	if resp.Body == nil {
		return Outcome{}, resp.StatusCode, gatewayerr.New(gatewayerr.LayerProxy, gatewayerr.KindUpstreamTransport, "empty SSE body", nil)
	}

	pr, pw := io.Pipe()
	tee := io.TeeReader(resp.Body, pw)

	// the client-facing body reads through tee (and therefore also feeds pw);
	// closing resp.Body and pw happens once both readers are drained.
	clientBody := &teeCloser{r: tee, closers: []io.Closer{resp.Body, pw}}

	go e.captureSSEInBackground(server, sessionID, in, pr, start)

	return Outcome{
		StatusCode:  resp.StatusCode,
		ContentType: "text/event-stream",
		Header:      stripHostManaged(resp.Header),
		SSEBody:     clientBody,
	}, resp.StatusCode, nil
}

type teeCloser struct {
	r       io.Reader
	closers []io.Closer
}

func (t *teeCloser) Read(p []byte) (int, error) { return t.r.Read(p) }
func (t *teeCloser) Close() error {
	var firstErr error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// captureSSEInBackground drains the tee pipe to completion regardless of
// client disconnect (spec.md §5's cancellation rule), classifying and
// capturing each framed event.
func (e *Engine) captureSSEInBackground(server registry.Server, sessionID string, in InboundRequest, r io.ReadCloser, start time.Time) {
	defer r.Close()
	dec := sse.NewDecoder(r)

	for {
		evt, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				errRecord := capture.Record{
					ServerName:   server.Name,
					SessionID:    sessionID,
					Method:       in.Body.Method,
					Timestamp:    time.Now().UTC(),
					Kind:         capture.KindError,
					ErrorMessage: err.Error(),
				}
				if _, capErr := e.capture.Append(errRecord); capErr != nil {
					e.logCaptureErr(server.Name, capErr)
				}
			}
			return
		}

		envelope, class, ok := sse.ClassifyJSONRPC(evt.Data)
		if ok {
			record := capture.Record{
				ServerName: server.Name,
				SessionID:  sessionID,
				Method:     in.Body.Method,
				Timestamp:  time.Now().UTC(),
			}
			duration := time.Since(start).Milliseconds()
			switch class {
			case sse.ClassResponse:
				record.Kind = capture.KindResponse
				record.Direction = capture.DirectionResponse
				record.Response = envelope
				record.Metadata = capture.Metadata{DurationMS: duration}
				captureID, err := e.capture.Append(record)
				if err != nil {
					e.logCaptureErr(server.Name, err)
				}
				metrics.RecordExchange(server.Name, in.Body.Method, "200", float64(duration)/1000)
				e.bus.PublishLogAdded(eventbus.LogEntry{
					CaptureID:  captureID,
					ServerName: server.Name,
					SessionID:  sessionID,
					Method:     in.Body.Method,
					Direction:  eventbus.DirectionResponse,
					Timestamp:  record.Timestamp,
					DurationMS: duration,
				})
			default:
				record.Kind = capture.KindSSEEvent
				record.SSEEvent = envelope
				if _, err := e.capture.Append(record); err != nil {
					e.logCaptureErr(server.Name, err)
				}
			}
		} else {
			raw, _ := json.Marshal(map[string]any{"id": evt.ID, "event": evt.Name, "data": evt.Data})
			record := capture.Record{
				ServerName: server.Name,
				SessionID:  sessionID,
				Method:     in.Body.Method,
				Timestamp:  time.Now().UTC(),
				Kind:       capture.KindSSEEvent,
				SSEEvent:   json.RawMessage(raw),
			}
			if _, err := e.capture.Append(record); err != nil {
				e.logCaptureErr(server.Name, err)
			}
		}
	}
}

// synthesizeError implements spec.md §4.F step 12: a synthesized
// JSON-RPC error envelope, captured as an error record, published, and
// returned to the client — unless the original request was a
// notification, in which case nothing is returned to the client.
func (e *Engine) synthesizeError(ctx context.Context, server registry.Server, sessionID string, in InboundRequest, cause *gatewayerr.Error, lastStatus int) (Outcome, error) {
	gatewayerr.Log(e.logger, cause)

	errRecord := capture.Record{
		ServerName:   server.Name,
		SessionID:    sessionID,
		Method:       in.Body.Method,
		Timestamp:    time.Now().UTC(),
		Kind:         capture.KindError,
		ErrorMessage: cause.Error(),
		Metadata:     capture.Metadata{HTTPStatus: lastStatus},
	}
	captureID, capErr := e.capture.Append(errRecord)
	if capErr != nil {
		e.logCaptureErr(server.Name, capErr)
	}
	metrics.RecordExchange(server.Name, in.Body.Method, "error", 0)

	e.bus.PublishLogAdded(eventbus.LogEntry{
		CaptureID:    captureID,
		ServerName:   server.Name,
		SessionID:    sessionID,
		Method:       in.Body.Method,
		Direction:    eventbus.DirectionResponse,
		Timestamp:    errRecord.Timestamp,
		HTTPStatus:   lastStatus,
		ErrorMessage: cause.Error(),
	})

	if in.Body.IsNotification() {
		// no id to answer; the error is captured and logged but not returned.
		return Outcome{}, cause
	}

	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      bodyID(in.Body),
		"error": map[string]any{
			"code":    -32603,
			"message": cause.Error(),
		},
	}
	body, _ := json.Marshal(envelope)
	return Outcome{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Header:      http.Header{"Content-Type": []string{"application/json"}},
		Body:        body,
	}, nil
}

func asGatewayErr(err error) *gatewayerr.Error {
	var ge *gatewayerr.Error
	if errors.As(err, &ge) {
		return ge
	}
	return gatewayerr.New(gatewayerr.LayerProxy, gatewayerr.KindUpstreamTransport, "unclassified error", err)
}

// logCaptureErr logs a failed capture.Append/rename the way every call
// site already did, plus mirrors it into the capture_write_errors_total
// counter so a degraded capture store is visible on /metrics.
func (e *Engine) logCaptureErr(server string, err error) {
	gatewayerr.Log(e.logger, asGatewayErr(err))
	metrics.RecordCaptureWriteError(server)
}
