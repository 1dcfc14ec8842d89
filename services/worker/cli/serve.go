package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/capacity"
	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
	"github.com/Kandimus/FreeDistributedBuild/services/worker"
	"github.com/Kandimus/FreeDistributedBuild/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Wait for build announcements and run tasks",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("work-begin", "", "start of the throttle window, HH:MM")
	serveCmd.Flags().String("work-end", "", "end of the throttle window, HH:MM; equal to --work-begin disables it")
	serveCmd.Flags().Float64("bath", 50, "percent of available threads offered inside the window")
	serveCmd.Flags().Float64("default", 100, "percent of available threads offered outside the window")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address; empty disables it")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	cliutil.BindFlag("work_begin", serveCmd.Flags(), "work-begin")
	cliutil.BindFlag("work_end", serveCmd.Flags(), "work-end")
	cliutil.BindFlag("bath", serveCmd.Flags(), "bath")
	cliutil.BindFlag("default", serveCmd.Flags(), "default")
	cliutil.BindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	cliutil.BindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger := cliutil.Logger(cfg.LogLevel, cfg.LogFile, "worker")

	policy, err := capacity.New(cfg.Capacity())
	if err != nil {
		return fmt.Errorf("capacity: %w", err)
	}
	if len(policy.Projects()) == 0 {
		logger.Warn("no projects configured, every announcement will be ignored")
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint,
		telemetry.WithSampleRatio(cfg.OTelSampleRatio))
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	w := worker.NewWorker(policy, process.NewExec(logger), worker.WithLogger(logger))

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger,
		telemetry.WithReadiness(func() bool { return w.State() == worker.Idle }),
		telemetry.WithState(func() string { return w.State().String() }))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, stopping running tasks...")
		runCancel()
	}()

	logger.Info("worker starting",
		slog.Any("projects", policy.Projects()),
		slog.Int("threads", capacity.Available(runtime.NumCPU())),
		slog.Uint64("free_slots", uint64(policy.FreeSlots())),
	)

	if err := w.Run(runCtx); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("stopped cleanly")
	return nil
}
