// Command shelfsync runs one sync from the command line and prints its
// progress events as newline-delimited JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shelfsync/internal/config"
	"shelfsync/internal/storage"
	"shelfsync/internal/syncer"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	userID := flag.String("user", "", "User the books are stored for")
	profileID := flag.String("profile", "", "Public catalog profile to sync")
	dryRun := flag.Bool("dry-run", false, "Keep books in memory instead of the configured database")
	flag.Parse()

	if *userID == "" || *profileID == "" {
		fmt.Fprintln(os.Stderr, "both --user and --profile are required")
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}

	var opts []syncer.EngineOption
	if *dryRun {
		opts = append(opts, syncer.WithStore(storage.NewMemoryStore()))
	}
	engine, err := syncer.NewEngine(*cfg, logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		return 1
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if last, ok, err := engine.Persister().LastSync(ctx, *userID); err == nil && ok {
		logger.Info("previous sync found", "user_id", *userID, "last_sync", last)
	}

	progress := syncer.NewProgress(16)
	enc := json.NewEncoder(os.Stdout)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range progress.Events() {
			if err := enc.Encode(ev); err != nil {
				logger.Error("write event failed", "error", err)
				progress.Abandon()
				cancel()
				return
			}
		}
	}()

	_, err = engine.NewOrchestrator().Run(ctx, syncer.Request{UserID: *userID, ProfileID: *profileID}, progress)
	<-printed
	if err != nil {
		return 1
	}
	return 0
}
