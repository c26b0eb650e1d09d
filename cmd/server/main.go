// Package main provides the admin API server. With WORKER_IN_SERVER the
// scheduler runs in the same process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/chess-ingest/internal/api"
	"github.com/chess-ingest/internal/app"
	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/logging"
)

func main() {
	fmt.Println("Chess Ingest API Server")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize components")
	}
	defer a.Close()

	server, err := api.NewServer(cfg.Server, api.Deps{
		Store:   a.Store,
		Planner: a.Planner,
		Clients: a.Clients,
		Gate:    a.Gate,
		Monitor: a.Monitor,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	var wg sync.WaitGroup
	if cfg.Worker.InServer {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Scheduler.Run(ctx); err != nil {
				logger.WithError(err).Error("Scheduler stopped")
			}
		}()
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	wg.Wait()

	logger.Info("Server exited")
}
