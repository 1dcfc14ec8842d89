package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

// benchClient connects to $FDB_BENCH_REDIS, localhost:6379 by default, and
// skips when nothing answers.
func benchClient(b *testing.B) *redis.Client {
	b.Helper()
	addr := os.Getenv("FDB_BENCH_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}
	c := NewClient(addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		b.Skipf("no redis at %s: %v", addr, err)
	}
	b.Cleanup(func() { _ = c.Close() })
	return c
}

// BenchmarkStateStore_MirrorJob replays the status writes of a whole job:
// every task assigned, then done, as the scheduler mirrors them.
func BenchmarkStateStore_MirrorJob(b *testing.B) {
	store := NewStateStore(benchClient(b))
	ctx := context.Background()

	for _, tasks := range []uint32{64, 1024} {
		b.Run(fmt.Sprintf("tasks=%d", tasks), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				jobID := fmt.Sprintf("bench-%d-%d", tasks, i)
				for _, st := range []domain.Status{domain.StatusAssigned, domain.StatusDone} {
					for id := uint32(1); id <= tasks; id++ {
						if err := store.SetTaskStatus(ctx, jobID, id, st); err != nil {
							b.Fatal(err)
						}
					}
				}
			}
		})
	}
}

// BenchmarkStateStore_SessionsFinishing has many sessions report results
// for one job at once.
func BenchmarkStateStore_SessionsFinishing(b *testing.B) {
	store := NewStateStore(benchClient(b))
	ctx := context.Background()

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		var id uint32
		for pb.Next() {
			id++
			if err := store.SetTaskStatus(ctx, "bench-sessions", id%4096, domain.StatusDone); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkStateStore_DashboardRead is what a dashboard polling the mirror
// of a running job costs.
func BenchmarkStateStore_DashboardRead(b *testing.B) {
	store := NewStateStore(benchClient(b))
	ctx := context.Background()
	for id := uint32(1); id <= 512; id++ {
		if err := store.SetTaskStatus(ctx, "bench-read", id, domain.StatusAssigned); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.TaskStatuses(ctx, "bench-read"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRateLimiter_Allow(b *testing.B) {
	l := NewRateLimiter(benchClient(b), 1<<30, time.Minute)
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := l.Allow(ctx, "bench-client"); err != nil {
			b.Fatal(err)
		}
	}
}
