package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/janhq/mcp-gateway/internal/config"
	"github.com/janhq/mcp-gateway/internal/httpserver"
)

// Application is the gateway's composition root, assembled by
// CreateApplication (see wire.go / wire_gen.go).
type Application struct {
	Config     *config.Config
	Logger     zerolog.Logger
	HTTPServer *httpserver.Server
}

// Run blocks serving the gateway's HTTP edge until the context is
// cancelled or the listener fails.
func (app *Application) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%s", app.Config.HTTPPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: app.HTTPServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info().Str("address", addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func main() {
	app, err := CreateApplication()
	if err != nil {
		panic(fmt.Sprintf("failed to create application: %v", err))
	}

	if err := app.Run(context.Background()); err != nil {
		app.Logger.Fatal().Err(err).Msg("gateway exited with error")
	}
}
