package testhelpers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var healthClient = &http.Client{Timeout: 5 * time.Second}

// WaitForHealth polls /healthz until it succeeds or timeout elapses,
// returning the last observed error if the deadline passes first.
func WaitForHealth(gatewayURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var lastErr error
	for {
		if lastErr = CheckHealth(gatewayURL); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("health check timeout after %v: %w", timeout, lastErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// CheckHealth performs a single /healthz check against a running gateway.
func CheckHealth(gatewayURL string) error {
	return checkEndpoint(gatewayURL, "/healthz")
}

// CheckReady performs a single /readyz check, the gateway's
// servers-loaded signal (internal/httpserver's readyz route) as opposed
// to /healthz's bare liveness check.
func CheckReady(gatewayURL string) error {
	return checkEndpoint(gatewayURL, "/readyz")
}

func checkEndpoint(gatewayURL, path string) error {
	url := strings.TrimSuffix(gatewayURL, "/") + path
	resp, err := healthClient.Get(url)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: unhealthy status %d", path, resp.StatusCode)
	}
	return nil
}
