package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/client"
	"github.com/hamed0406/gefion/internal/config"
	"github.com/hamed0406/gefion/internal/logging"
	"github.com/hamed0406/gefion/internal/metrics"
	"github.com/hamed0406/gefion/internal/probe"
	"github.com/hamed0406/gefion/internal/scheduler"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "gefion-worker",
		Short:         "Run the checks the master assigns to this worker",
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
	if err := cfg.Validate(config.RoleWorker); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log, "worker")
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("worker", cfg.MyName), zap.String("instance", uuid.NewString()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	master := client.New(cfg.Master.Endpoint, cfg.MyName, cfg.Master.Key)
	runner := probe.NewRunner(probe.DefaultRegistry(), logger, m)
	manager := scheduler.NewManager(runner, master, logger, m)
	defer manager.Stop()

	syncer := scheduler.NewSyncer(master, manager, cfg.Sync.Schedule, logger)
	if err := syncer.Start(ctx); err != nil {
		return err
	}
	defer syncer.Stop()

	if cfg.MetricsListen != "" {
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: metrics.Handler(reg), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics_listen_failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	logger.Info("worker_started", zap.String("master", cfg.Master.Endpoint))
	<-ctx.Done()
	logger.Info("worker_stopping", zap.Strings("active", manager.Active()))
	return nil
}
