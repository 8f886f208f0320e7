//go:build wireinject

package main

import (
	"github.com/google/wire"
)

// CreateApplication builds the gateway's composition root. Run `wire`
// from this directory to regenerate wire_gen.go after changing
// GatewayProviderSet.
func CreateApplication() (*Application, error) {
	wire.Build(
		GatewayProviderSet,
		wire.Struct(new(Application), "*"),
	)
	return nil, nil
}
