package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Kandimus/FreeDistributedBuild/internal/kafka"
	"github.com/Kandimus/FreeDistributedBuild/internal/notify"
	"github.com/Kandimus/FreeDistributedBuild/internal/postgres"
	redisstore "github.com/Kandimus/FreeDistributedBuild/internal/redis"
	"github.com/Kandimus/FreeDistributedBuild/services/master"
	"github.com/Kandimus/FreeDistributedBuild/services/master/config"
)

// backends are the external connections a master run may use. Every field
// is optional.
type backends struct {
	sinks master.Sinks
	redis *goredis.Client

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects to every sink that has an address configured.
func openBackends(cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.RedisAddr != "" {
		client := redisstore.NewClient(cfg.RedisAddr)
		b.redis = client
		b.sinks.Status = redisstore.NewStateStore(client)
		b.closers = append(b.closers, func() { _ = client.Close() })
		logger.Info("status mirror enabled", slog.String("redis_addr", cfg.RedisAddr))
	}

	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.sinks.History = postgres.NewRepository(pool)
		b.closers = append(b.closers, pool.Close)
		logger.Info("build history enabled")
	}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer := kafka.NewProducer(brokers)
		b.sinks.Events = kafka.NewEvents(producer)
		b.closers = append(b.closers, func() { _ = producer.Close() })
		logger.Info("build events enabled", slog.Any("brokers", brokers))
	}

	if cfg.WebhookURL != "" {
		wh, err := notify.NewWebhook(cfg.WebhookURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("webhook: %w", err)
		}
		b.sinks.Notifier = wh
		logger.Info("job webhook enabled", slog.String("url", cfg.WebhookURL))
	}
	return b, nil
}
