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

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/dedup"
	"github.com/addison-moore/fleetrunner/internal/listener"
	"github.com/addison-moore/fleetrunner/internal/logging"
	"github.com/addison-moore/fleetrunner/internal/metrics"
	"github.com/addison-moore/fleetrunner/internal/tracing"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fleetrunner-listener",
	Short: "fleetrunner-listener maintains the session with the orchestration service",
	Long: `fleetrunner-listener is the long-lived process that polls the orchestration
service for work, dispatches each accepted job to a short-lived Worker
process over a local IPC channel, and reports the Worker's result back.`,
	RunE: runListener,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetrunner-listener %s\n", Version)
		fmt.Printf("Built: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the runner configuration file")
}

func runListener(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.Logging.Level)
	entry := log.WithField("runner", cfg.Runner.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, "fleetrunner-listener")
	if err != nil {
		entry.WithError(err).Warn("failed to initialize tracing, continuing without it")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutCtx)
	}()

	var dedupStore dedup.Store
	if cfg.Dedup.RedisAddr != "" {
		dedupStore, err = dedup.NewRedisStore(cfg.Dedup.RedisAddr, cfg.Dedup.TTL)
		if err != nil {
			entry.WithError(err).Warn("failed to connect to redis dedup store, falling back to in-memory ring")
			dedupStore = dedup.NewRing(0)
		}
	} else {
		dedupStore = dedup.NewRing(0)
	}
	defer dedupStore.Close()

	collector := metrics.NewCollector()
	metricsServer := metrics.NewServer(cfg.Monitoring, entry.WithField("component", "metrics"))

	l, err := listener.New(*cfg, entry, listener.WithDedupStore(dedupStore), listener.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("construct listener: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		entry.Info("shutdown signal received, cancelling any in-flight job")
		l.Shutdown()
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Listener.ShutdownGrace)
			defer cancel()
			_ = metricsServer.Shutdown(shutCtx)
		}()
		return l.Run(groupCtx)
	})

	if err := group.Wait(); err != nil {
		entry.WithError(err).Error("listener exited")
		return err
	}

	if l.RestartRequested() {
		entry.Info("a configuration refresh requires a runner restart")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
