//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
)

func initializeApp(ctx context.Context, path configPath) (*App, func(), error) {
	panic(wire.Build(providerSet))
}
