// Package gatewayerr provides the gateway's single error type: a
// Kind-tagged, layer-attributed error that every component wraps its
// failures in, so the HTTP edge can map any error to a status code and
// the capture store can record a structured error record without type
// assertions scattered through the codebase.
package gatewayerr

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind is the gateway's error taxonomy, exactly the kinds named in the
// error handling design: not-found, validation, upstream-transport,
// upstream-semantic, capture-io, registry-io, codemode-execution,
// codemode-timeout.
type Kind string

const (
	KindNotFound          Kind = "not-found"
	KindValidation        Kind = "validation"
	KindUpstreamTransport Kind = "upstream-transport"
	KindUpstreamSemantic  Kind = "upstream-semantic"
	KindCaptureIO         Kind = "capture-io"
	KindRegistryIO        Kind = "registry-io"
	KindCodemodeExecution Kind = "codemode-execution"
	KindCodemodeTimeout   Kind = "codemode-timeout"
)

// Layer is the subsystem that raised the error.
type Layer string

const (
	LayerRegistry Layer = "registry"
	LayerCapture  Layer = "capture"
	LayerSSE      Layer = "sse"
	LayerSession  Layer = "session"
	LayerEventBus Layer = "eventbus"
	LayerProxy    Layer = "proxy"
	LayerCodemode Layer = "codemode"
	LayerMgmt     Layer = "management"
	LayerHTTP     Layer = "http"
)

// Error is the gateway's error type: carries enough structure for the
// HTTP edge to respond, for the capture store to persist an error
// record, and for the log line to be searchable by UUID.
type Error struct {
	UUID      string
	Kind      Kind
	Layer     Layer
	Message   string
	Err       error
	Context   map[string]any
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s][%s][%s] %s: %v", e.Layer, e.Kind, e.UUID, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s][%s][%s] %s", e.Layer, e.Kind, e.UUID, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a gateway error with a fresh UUID.
func New(layer Layer, kind Kind, message string, cause error) *Error {
	return NewWithContext(layer, kind, message, cause, nil)
}

// NewWithContext builds a gateway error carrying structured context fields.
func NewWithContext(layer Layer, kind Kind, message string, cause error, ctx map[string]any) *Error {
	c := make(map[string]any, len(ctx))
	for k, v := range ctx {
		c[k] = v
	}
	return &Error{
		UUID:      uuid.NewString(),
		Kind:      kind,
		Layer:     layer,
		Message:   message,
		Err:       cause,
		Context:   c,
		Timestamp: time.Now().UTC(),
	}
}

// HTTPStatus maps an error kind to the status code the HTTP edge returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstreamTransport, KindCaptureIO, KindRegistryIO, KindCodemodeExecution, KindCodemodeTimeout:
		return http.StatusInternalServerError
	case KindUpstreamSemantic:
		// upstream-semantic is never surfaced as an HTTP status on its own;
		// the upstream's JSON-RPC envelope is relayed verbatim instead.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Log writes a structured log line for a gateway error.
func Log(logger zerolog.Logger, err *Error) {
	if err == nil {
		return
	}
	event := logger.Error().
		Str("error_uuid", err.UUID).
		Str("error_kind", string(err.Kind)).
		Str("layer", string(err.Layer)).
		Time("timestamp_utc", err.Timestamp)

	for k, v := range err.Context {
		event = event.Interface(k, v)
	}
	if err.Err != nil {
		event = event.Err(err.Err)
	}
	event.Msg(err.Message)
}
