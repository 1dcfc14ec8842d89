package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
	redisstore "github.com/Kandimus/FreeDistributedBuild/internal/redis"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
	"github.com/Kandimus/FreeDistributedBuild/services/master/config"
)

const leaderTTL = 30 * time.Second

var scheduleCmd = &cobra.Command{
	Use:   "schedule [build-set.yaml]",
	Short: "Re-run a build set on a cron schedule",
	Long: `Run the build set every time the cron expression fires. The build set is
re-read on every run. A run that is still going when the next one is due
makes the next one skip.

With --redis-addr set, several masters can share a schedule: only the one
holding the lease starts a build.`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: bindScheduleFlags,
	RunE:    runSchedule,
}

func init() {
	addJobFlags(scheduleCmd.Flags())
	scheduleCmd.Flags().String("cron", "", `standard 5-field cron expression or descriptor, e.g. "0 2 * * *" or "@hourly"`)
}

func bindScheduleFlags(cmd *cobra.Command, args []string) error {
	if err := bindJobFlags(cmd, args); err != nil {
		return err
	}
	cliutil.BindFlag("cron", cmd.Flags(), "cron")
	return nil
}

func runSchedule(_ *cobra.Command, args []string) error {
	cfg := config.Load(viper.GetViper())
	if len(args) == 1 {
		cfg.BuildSet = args[0]
	}
	if cfg.Cron == "" {
		return errors.New("--cron is required")
	}
	sched, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
	}

	instanceID := "master-" + uuid.New().String()[:8]
	logger := cliutil.Logger(cfg.LogLevel, cfg.LogFile, "master").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "master", cfg.OTelEndpoint,
		telemetry.WithSampleRatio(cfg.OTelSampleRatio), telemetry.WithInstance(instanceID))
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	be, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	var leader *redisstore.Leader
	if be.redis != nil {
		leader = redisstore.NewLeader(be.redis, instanceID, leaderTTL)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	runner := newJobRunner(cfg, be, logger)
	if err := serveStatus(runCtx, cfg, be, runner, logger); err != nil {
		return err
	}

	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	c.Schedule(sched, cron.FuncJob(func() {
		fireScheduled(runCtx, cfg, runner, leader, logger)
	}))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	logger.Info("schedule starting",
		slog.String("cron", cfg.Cron),
		slog.String("build_set", cfg.BuildSet),
		slog.Time("next_run", sched.Next(time.Now())),
		slog.Bool("leader_election", leader != nil),
	)
	c.Start()

	<-quit
	logger.Info("shutting down, waiting for the running build...")
	runCancel()
	<-c.Stop().Done()

	if leader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := leader.Release(ctx); err != nil {
			logger.Warn("failed to release schedule lease", slog.String("error", err.Error()))
		}
		cancel()
	}
	logger.Info("stopped")
	return nil
}

func fireScheduled(ctx context.Context, cfg config.Config, runner jobRunner, leader *redisstore.Leader, logger *slog.Logger) {
	if leader != nil {
		ok, err := leader.Acquire(ctx)
		if err != nil {
			logger.Error("schedule lease", slog.String("error", err.Error()))
			return
		}
		if !ok {
			logger.Info("another master holds the schedule lease, skipping")
			return
		}
	}
	sum, err := runOnce(ctx, cfg, runner, logger)
	switch {
	case err != nil:
		logger.Error("scheduled build stopped", slog.String("error", err.Error()))
	case !sum.Success:
		logger.Warn("scheduled build failed", slog.String("job_id", sum.JobID), slog.Int("errors", sum.Errors))
	}
}

// cronLogger routes robfig/cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
