package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/server"
)

// App is the assembled lobby server.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	lifecycle *server.Lifecycle
}

func newApp(cfg config.Config, logger *zap.Logger, lifecycle *server.Lifecycle) *App {
	return &App{cfg: cfg, logger: logger, lifecycle: lifecycle}
}

// Run serves until ctx is cancelled, a signal arrives or a service fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("lobby server initialized",
		zap.String("websocket_addr", a.cfg.Frontend.Addr()),
		zap.String("admin_addr", a.cfg.Admin.Addr()),
		zap.String("grpc_addr", a.cfg.GRPC.Addr()),
		zap.String("match_mode", a.cfg.Match.Mode),
		zap.String("broadcast_policy", a.cfg.World.BroadcastPolicy),
	)
	return a.lifecycle.Run(ctx)
}
