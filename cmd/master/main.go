package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/config"
	"github.com/hamed0406/gefion/internal/httpapi"
	"github.com/hamed0406/gefion/internal/logging"
	"github.com/hamed0406/gefion/internal/metrics"
	"github.com/hamed0406/gefion/internal/notify"
	"github.com/hamed0406/gefion/internal/reconcile"
	"github.com/hamed0406/gefion/internal/repo"
	"github.com/hamed0406/gefion/internal/repo/memory"
	mg "github.com/hamed0406/gefion/internal/repo/mongo"
	pg "github.com/hamed0406/gefion/internal/repo/postgres"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "gefion-master",
		Short:         "Serve monitor assignments and reconcile worker results",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfgPath)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(config.RoleMaster); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log, "master")
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	seeds, err := cfg.SeedMonitors()
	if err != nil {
		return err
	}
	if err := repo.Seed(ctx, store, seeds); err != nil {
		return fmt.Errorf("seed monitors: %w", err)
	}
	logger.Info("monitors_seeded", zap.Int("count", len(seeds)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	channels := notify.NewRegistryFromConfig(cfg.Config)
	logger.Info("notifiers_ready", zap.Strings("kinds", channels.Kinds()))
	engine := reconcile.NewEngine(store, notify.NewDispatcher(channels, logger, m), logger, m)

	api := httpapi.NewServer(logger, store, engine, cfg.WorkerKeys())
	api.RateLimit = httpapi.RateLimit(cfg.RateLimit)
	api.Metrics = metrics.Handler(reg)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("api_listen", zap.String("addr", cfg.Listen), zap.String("database", cfg.Database.Driver))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("api_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// results accepted before shutdown still owe their notifications
	if werr := engine.Wait(shutdownCtx); werr != nil {
		logger.Warn("notify_pending_on_shutdown", zap.Error(werr))
	}
	return err
}

func openStore(ctx context.Context, db config.Database, logger *zap.Logger) (repo.MonitorStore, func(), error) {
	switch db.Driver {
	case config.DriverPostgres:
		s, err := pg.New(ctx, db.URI, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMongo:
		s, err := mg.New(ctx, db.URI, db.Name, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close(context.Background()) }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
