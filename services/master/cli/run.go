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

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/buildset"
	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
	"github.com/Kandimus/FreeDistributedBuild/internal/discovery"
	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/process"
	redisstore "github.com/Kandimus/FreeDistributedBuild/internal/redis"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
	"github.com/Kandimus/FreeDistributedBuild/services/master"
	"github.com/Kandimus/FreeDistributedBuild/services/master/api"
	"github.com/Kandimus/FreeDistributedBuild/services/master/config"
)

var errJobFailed = errors.New("build failed")

var runCmd = &cobra.Command{
	Use:   "run [build-set.yaml]",
	Short: "Run a build set once and exit",
	Long: `Load the build set, announce it to the workers on the network and
wait until every task has a result.

Exits non-zero when the job stops early or any task fails.`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: bindJobFlags,
	RunE:    runRun,
}

func init() {
	addJobFlags(runCmd.Flags())
}

// addJobFlags registers the flags shared by run and schedule.
func addJobFlags(fs *pflag.FlagSet) {
	fs.String("build-set", "buildset.yaml", "build-set file")
	fs.String("sdir", "", "value of $(sdir)")
	fs.String("odir", "", "value of $(odir)")
	fs.String("wdir", "", "value of $(wdir)")
	fs.String("sfile", "", "value of $(sfile)")
	fs.String("ofile", "", "value of $(ofile)")
	fs.String("listen-addr", fmt.Sprintf(":%d", discovery.TCPPort), "TCP address workers connect to")
	fs.Duration("wait", 3*time.Second, "fail when no worker is connected for this long; 0 waits forever")
	fs.Duration("tick", 100*time.Millisecond, "scheduler and progress interval")
	fs.Bool("local", false, "build on this machine only, without workers")
	fs.Int("workers", master.DefaultLocalWorkers(), "parallel processes in --local mode")
	fs.String("project-dir", ".", "value of $(pdir) in --local mode")
	fs.String("webhook-url", "", "POST the job summary here when a job ends")
	fs.String("metrics-addr", ":9095", "Prometheus metrics server address; empty disables it")
	fs.String("api-addr", "", "status API address (e.g. :8080); empty disables it")
	fs.String("grpc-addr", "", "status gRPC address (e.g. :9090); empty disables it")
	fs.Int("api-rate-limit", 0, "status API requests per minute per client, shared through Redis; 0 disables it")
}

// bindJobFlags binds the flags of the command actually running, since run
// and schedule share viper keys.
func bindJobFlags(cmd *cobra.Command, _ []string) error {
	fs := cmd.Flags()
	for key, flag := range map[string]string{
		"build_set":      "build-set",
		"sdir":           "sdir",
		"odir":           "odir",
		"wdir":           "wdir",
		"sfile":          "sfile",
		"ofile":          "ofile",
		"listen_addr":    "listen-addr",
		"wait":           "wait",
		"tick":           "tick",
		"local":          "local",
		"workers":        "workers",
		"project_dir":    "project-dir",
		"webhook_url":    "webhook-url",
		"metrics_addr":   "metrics-addr",
		"api_addr":       "api-addr",
		"grpc_addr":      "grpc-addr",
		"api_rate_limit": "api-rate-limit",
	} {
		cliutil.BindFlag(key, fs, flag)
	}
	return nil
}

// jobRunner runs one job to completion.
type jobRunner interface {
	Run(ctx context.Context, job *master.Job) (*domain.JobSummary, error)
}

func runRun(_ *cobra.Command, args []string) error {
	cfg := config.Load(viper.GetViper())
	if len(args) == 1 {
		cfg.BuildSet = args[0]
	}
	logger := cliutil.Logger(cfg.LogLevel, cfg.LogFile, "master")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "master", cfg.OTelEndpoint,
		telemetry.WithSampleRatio(cfg.OTelSampleRatio))
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	be, err := openBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("interrupted, stopping the job...")
		runCancel()
	}()

	runner := newJobRunner(cfg, be, logger)
	if err := serveStatus(runCtx, cfg, be, runner, logger); err != nil {
		return err
	}

	sum, err := runOnce(runCtx, cfg, runner, logger)
	if err != nil {
		return err
	}
	if !sum.Success {
		return errJobFailed
	}
	return nil
}

// serveStatus starts the HTTP and gRPC status endpoints when the job runs
// with workers. Local builds have no sessions to report.
func serveStatus(ctx context.Context, cfg config.Config, be *backends, runner jobRunner, logger *slog.Logger) error {
	srv, ok := runner.(*master.Server)
	if !ok {
		return nil
	}
	h := newAPIHandler(cfg, be, srv, logger)
	api.Serve(ctx, cfg.APIAddr, h.Router(), logger)
	return api.ServeGRPC(ctx, cfg.GRPCAddr, h.GRPCServer(), logger)
}

func newAPIHandler(cfg config.Config, be *backends, src api.Source, logger *slog.Logger) *api.Handler {
	var opts []api.HandlerOption
	switch {
	case cfg.APIRateLimit <= 0:
	case be.redis == nil:
		logger.Warn("api rate limit ignored, redis_addr is not set")
	default:
		opts = append(opts, api.WithRateLimit(redisstore.NewRateLimiter(be.redis, cfg.APIRateLimit, time.Minute)))
	}
	return api.NewHandler(src, be.sinks.History, logger, opts...)
}

func newJobRunner(cfg config.Config, be *backends, logger *slog.Logger) jobRunner {
	if cfg.Local {
		return master.NewLocalRunner(process.NewExec(logger),
			master.WithWorkers(cfg.Workers),
			master.WithProjectDir(cfg.ProjectDir),
			master.WithLocalSinks(be.sinks),
			master.WithLocalProgress(os.Stderr),
			master.WithLocalLogger(logger),
		)
	}
	return master.NewServer(
		master.WithListenAddr(cfg.ListenAddr),
		master.WithSinks(be.sinks),
		master.WithWait(cfg.Wait),
		master.WithTick(cfg.Tick),
		master.WithProgress(os.Stderr),
		master.WithLogger(logger),
	)
}

// runOnce loads the build set fresh and runs it. The summary is printed even
// when the job stops early.
func runOnce(ctx context.Context, cfg config.Config, runner jobRunner, logger *slog.Logger) (*domain.JobSummary, error) {
	tasks, err := buildset.Load(cfg.BuildSet, cfg.Vars())
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("build set %s has no tasks", cfg.BuildSet)
	}
	job := master.NewJob(tasks)
	logger.Info("build set loaded",
		slog.String("job_id", job.ID),
		slog.String("build_set", cfg.BuildSet),
		slog.Int("tasks", len(tasks)),
	)

	sum, runErr := runner.Run(ctx, job)
	if sum != nil {
		printSummary(os.Stderr, sum)
	}
	if runErr != nil {
		return sum, fmt.Errorf("job %s: %w", job.ID, runErr)
	}
	return sum, nil
}
