// Command mindmeldserver runs the MindMeld collaboration server: the
// REST map repository, the CRDT document registry, and the
// bidirectional sync channel, wired from environment configuration
// (spec §6). Shutdown follows the same signal-then-drain shape as
// cuemby-warren/cmd/warren's manager/worker commands, scaled down to
// one process with one listener instead of a cluster of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mindmeld/collabd/internal/adminfacade"
	"github.com/mindmeld/collabd/internal/config"
	"github.com/mindmeld/collabd/internal/crdtpersist"
	"github.com/mindmeld/collabd/internal/httpapi"
	"github.com/mindmeld/collabd/internal/hub"
	"github.com/mindmeld/collabd/internal/mapstore"
	"github.com/mindmeld/collabd/internal/obslog"
	"github.com/mindmeld/collabd/internal/registry"
	"github.com/mindmeld/collabd/internal/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mindmeldserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := obslog.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := sqlstore.Open(ctx, cfg.SQLiteFile, sqlstore.DefaultOptions(), log)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	if _, err := adminfacade.New(engine, "./backups", "./tmp", log).Migrate(ctx, false); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	persist := crdtpersist.New(engine)
	reg := registry.New(persist, log)
	repo := mapstore.New(engine, reg, log, mapstore.DefaultOptions())
	mapsHandler := httpapi.NewMapsHandler(repo, log)
	syncHub := hub.New(reg, persist, mapsHandler, log, cfg.CORSOrigin)
	reg.SetSessionCloser(syncHub)
	router := httpapi.NewRouter(mapsHandler, syncHub, engine, log, cfg.CORSOrigin, cfg.FeatureMapsAPI, cfg.ServerSync)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("mindmeldserver listening", zap.Int("port", cfg.Port), zap.String("data_provider", cfg.DataProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	syncHub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
