// Package main provides the lobby server binary: the WebSocket frontend, the
// shared world, match orchestration and the admin endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"
)

func main() {
	start := time.Now()

	path := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	app, cleanup, err := initializeApp(ctx, configPath(*path))
	if err != nil {
		log.Fatalf("initializing lobby server: %v", err)
	}

	app.logger.Info("startup complete", zap.Duration("elapsed", time.Since(start)))
	err = app.Run(ctx)
	cleanup()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
