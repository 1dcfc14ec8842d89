package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
	"github.com/Kandimus/FreeDistributedBuild/internal/kafka"
	"github.com/Kandimus/FreeDistributedBuild/services/master/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print build events published by masters",
	Long: `Follow the builds.results and builds.jobs topics and print one line per
finished task and per finished job. Needs --kafka-brokers.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("job", "", "only show events of this job id")
	watchCmd.Flags().Bool("from-start", false, "replay events already on the topics")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	jobID, _ := cmd.Flags().GetString("job")
	fromStart, _ := cmd.Flags().GetBool("from-start")
	logger := cliutil.Logger(cfg.LogLevel, cfg.LogFile, "master-watch")

	var opts []kafka.ConsumerOption
	if !fromStart {
		opts = append(opts, kafka.FromLatest())
	}
	// a private group so every watcher sees every event
	group := "fdb-watch-" + uuid.New().String()[:8]
	results := kafka.NewConsumer(brokers, kafka.TopicResults, group, logger, opts...)
	defer func() { _ = results.Close() }()
	jobs := kafka.NewConsumer(brokers, kafka.TopicJobs, group, logger, opts...)
	defer func() { _ = jobs.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	handle := eventPrinter(os.Stdout, jobID, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return results.Subscribe(gctx, handle) })
	g.Go(func() error { return jobs.Subscribe(gctx, handle) })
	return g.Wait()
}

// eventPrinter formats build events as text. Undecodable events are logged
// and acknowledged so they are not redelivered.
func eventPrinter(w io.Writer, jobID string, logger *slog.Logger) kafka.HandlerFunc {
	return func(_ context.Context, msg kafka.Message) error {
		if jobID != "" && string(msg.Key) != jobID {
			return nil
		}
		switch msg.Topic {
		case kafka.TopicResults:
			e, err := kafka.DecodeExecution(msg)
			if err != nil {
				logger.Warn("skipping event", slog.String("error", err.Error()))
				return nil
			}
			line := fmt.Sprintf("%s task %-5d %-8s %-16s exit=%d %dms %s",
				e.JobID, e.TaskID, e.Status, e.Worker, e.ExitCode, e.DurationMs, e.SourceFile)
			if e.Warnings != 0 {
				line += " [" + e.Warnings.String() + "]"
			}
			fmt.Fprintln(w, line)
		case kafka.TopicJobs:
			s, err := kafka.DecodeSummary(msg)
			if err != nil {
				logger.Warn("skipping event", slog.String("error", err.Error()))
				return nil
			}
			state := "SUCCESS"
			if !s.Success {
				state = "FAILED"
			}
			fmt.Fprintf(w, "%s job %s %d/%d succeeded, %d errors, %d warnings\n",
				s.JobID, state, s.Succeeded, s.Total, s.Errors, s.Warnings)
		}
		return nil
	}
}
