package gatewayerr_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/mcp-gateway/internal/gatewayerr"
)

func TestNew_AssignsUUIDAndTimestamp(t *testing.T) {
	err := gatewayerr.New(gatewayerr.LayerProxy, gatewayerr.KindNotFound, "no such server", nil)

	require.NotEmpty(t, err.UUID)
	assert.False(t, err.Timestamp.IsZero())
	assert.Equal(t, gatewayerr.LayerProxy, err.Layer)
	assert.Equal(t, gatewayerr.KindNotFound, err.Kind)
}

func TestNewWithContext_CopiesContextMap(t *testing.T) {
	ctx := map[string]any{"server": "weather"}
	err := gatewayerr.NewWithContext(gatewayerr.LayerProxy, gatewayerr.KindNotFound, "no such server", nil, ctx)

	ctx["server"] = "mutated"
	assert.Equal(t, "weather", err.Context["server"], "context map must be copied, not aliased")
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := gatewayerr.New(gatewayerr.LayerProxy, gatewayerr.KindUpstreamTransport, "forward failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKind_HTTPStatus(t *testing.T) {
	tests := []struct {
		kind   gatewayerr.Kind
		status int
	}{
		{gatewayerr.KindNotFound, http.StatusNotFound},
		{gatewayerr.KindValidation, http.StatusBadRequest},
		{gatewayerr.KindUpstreamTransport, http.StatusInternalServerError},
		{gatewayerr.KindCaptureIO, http.StatusInternalServerError},
		{gatewayerr.KindRegistryIO, http.StatusInternalServerError},
		{gatewayerr.KindCodemodeExecution, http.StatusInternalServerError},
		{gatewayerr.KindCodemodeTimeout, http.StatusInternalServerError},
		{gatewayerr.KindUpstreamSemantic, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.HTTPStatus())
		})
	}
}

func TestLog_NilErrorIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		gatewayerr.Log(zerolog.Nop(), nil)
	})
}
