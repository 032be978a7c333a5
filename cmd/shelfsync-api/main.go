package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"shelfsync/internal/api"
	"shelfsync/internal/config"
	"shelfsync/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shelfsync-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := syncer.NewEngine(*cfg, logger)
	if err != nil {
		return fmt.Errorf("initialise engine: %w", err)
	}
	defer engine.Close()

	manager := api.NewSessionManager(ctx, engine.NewOrchestrator, engine.Runs(), cfg.Server.MaxConcurrentSyncs, logger)
	server := api.NewServer(manager, engine.Persister(), logger, cfg.Server.AllowedOrigins)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("api server listening", "addr", cfg.Server.Addr, "max_concurrent_syncs", cfg.Server.MaxConcurrentSyncs)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if werr := manager.Shutdown(shutdownCtx); werr != nil {
			logger.Warn("runs still active at shutdown", "error", werr)
		}
		return err
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("api server stopped")
	return nil
}
