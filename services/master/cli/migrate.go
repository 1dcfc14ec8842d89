package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kandimus/FreeDistributedBuild/internal/cliutil"
	"github.com/Kandimus/FreeDistributedBuild/internal/postgres"
	"github.com/Kandimus/FreeDistributedBuild/pkg/retry"
	"github.com/Kandimus/FreeDistributedBuild/services/master/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the build history tables",
	Long: `Apply the build history schema to PostgreSQL.

The DSN comes from --postgres-dsn, POSTGRES_DSN or the config file. The
database may still be starting, so connecting is retried until --timeout.
Applying twice is harmless.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Duration("timeout", 30*time.Second, "give up connecting after this long")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if cfg.PostgresDSN == "" {
		return errors.New("migrate needs --postgres-dsn")
	}
	logger := cliutil.Logger(cfg.LogLevel, cfg.LogFile, "master-migrate")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	pool, err := retry.Value(ctx, retry.Config{
		MaxAttempts: 8,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		OnRetry:     func(attempt int, err error) {
			logger.Warn("postgres not reachable yet", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		},
	}, func() (*pgxpool.Pool, error) {
		return postgres.NewPool(ctx, cfg.PostgresDSN)
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	out := cmd.OutOrStdout()
	err = postgres.Migrate(ctx, pool, func(file string) {
		fmt.Fprintln(out, "applied", file)
	})
	if err != nil {
		return err
	}
	logger.Info("build history schema is current")
	return nil
}
