// Command sentineld runs the Sentinel task service: an HTTP API for task
// submission and stats, backed by a priority queue and a pool of workers.
//
// Configuration is taken from the environment:
//
//	LISTEN_ADDR              HTTP listen address (default ":8080")
//	REDIS_ADDR               Redis address (default "localhost:6379")
//	POSTGRES_URL             when set, use PostgreSQL instead of Redis
//	SENTINEL_CONCURRENCY     worker goroutines (default 4)
//	SENTINEL_POLL_INTERVAL   idle worker poll interval (default 500ms)
//	SENTINEL_MAX_RETRIES     redelivery budget per task (default 0, off)
//	SENTINEL_LEASE_TTL       claim lease lifetime (default 0, off)
//	SENTINEL_HEARTBEAT_INTERVAL  lease renewal interval (default 10s)
//	SENTINEL_MAX_PAYLOAD_BYTES   submission payload size limit (default 262144)
//	SENTINEL_FAILURE_RATE    simulated execution failure rate (default 0.2)
//	SENTINEL_WORK_DURATION   simulated execution duration (default 2s)
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/sentinel"
	"github.com/xraph/sentinel/api"
	"github.com/xraph/sentinel/middleware"
	"github.com/xraph/sentinel/scheduler"
	"github.com/xraph/sentinel/stats"
	"github.com/xraph/sentinel/store"
	pgstore "github.com/xraph/sentinel/store/postgres"
	redisstore "github.com/xraph/sentinel/store/redis"
	"github.com/xraph/sentinel/task"
	"github.com/xraph/sentinel/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("sentineld exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	if err := st.Ping(ctx); err != nil {
		return err
	}

	s, err := sentinel.New(
		sentinel.WithStore(st),
		sentinel.WithConcurrency(cfg.concurrency),
		sentinel.WithPollInterval(cfg.pollInterval),
		sentinel.WithMaxPayloadBytes(cfg.maxPayloadBytes),
		sentinel.WithMaxRetries(cfg.maxRetries),
		sentinel.WithLeaseTTL(cfg.leaseTTL),
		sentinel.WithHeartbeatInterval(cfg.heartbeatInterval),
		sentinel.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	// The coordinator's config is the single source for subsystem wiring.
	conf := s.Config()
	runner := worker.NewRunner(st, st, st, simulatedExecutor(cfg, logger), logger,
		worker.WithMaxRetries(conf.MaxRetries),
		worker.WithMiddleware(
			middleware.Recover(logger),
			middleware.Logging(logger),
			middleware.Metrics(),
		),
	)
	pool := worker.NewPool(st, st, st, runner, logger,
		worker.WithPoolConcurrency(conf.Concurrency),
		worker.WithPollInterval(conf.PollInterval),
		worker.WithLeaseTTL(conf.LeaseTTL),
		worker.WithHeartbeatInterval(conf.HeartbeatInterval),
	)
	s.SetPool(pool)

	sched := scheduler.New(st, st, st,
		scheduler.WithLogger(logger),
		scheduler.WithMaxPayloadBytes(conf.MaxPayloadBytes),
	)
	agg := stats.New(st, st)
	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           api.New(sched, st, agg, nil).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	logger.Info("sentineld started",
		slog.String("addr", cfg.listenAddr),
		slog.Int("concurrency", cfg.concurrency),
		slog.String("worker_id", pool.WorkerID().String()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), sentinel.DefaultConfig().ShutdownTimeout)
		defer cancel()

		if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
			logger.Error("http shutdown error", slog.String("error", shutErr.Error()))
		}
		return s.Stop(shutdownCtx)
	})

	return g.Wait()
}

type daemonConfig struct {
	listenAddr        string
	redisAddr         string
	postgresURL       string
	concurrency       int
	pollInterval      time.Duration
	maxPayloadBytes   int
	maxRetries        int
	leaseTTL          time.Duration
	heartbeatInterval time.Duration
	failureRate       float64
	workDuration      time.Duration
}

func loadConfig() daemonConfig {
	defaults := sentinel.DefaultConfig()
	return daemonConfig{
		listenAddr:        envString("LISTEN_ADDR", ":8080"),
		redisAddr:         envString("REDIS_ADDR", "localhost:6379"),
		postgresURL:       envString("POSTGRES_URL", ""),
		concurrency:       envInt("SENTINEL_CONCURRENCY", defaults.Concurrency),
		pollInterval:      envDuration("SENTINEL_POLL_INTERVAL", defaults.PollInterval),
		maxPayloadBytes:   envInt("SENTINEL_MAX_PAYLOAD_BYTES", defaults.MaxPayloadBytes),
		maxRetries:        envInt("SENTINEL_MAX_RETRIES", defaults.MaxRetries),
		leaseTTL:          envDuration("SENTINEL_LEASE_TTL", defaults.LeaseTTL),
		heartbeatInterval: envDuration("SENTINEL_HEARTBEAT_INTERVAL", defaults.HeartbeatInterval),
		failureRate:       envFloat("SENTINEL_FAILURE_RATE", 0.2),
		workDuration:      envDuration("SENTINEL_WORK_DURATION", 2*time.Second),
	}
}

// openStore selects PostgreSQL when POSTGRES_URL is set, Redis otherwise.
func openStore(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.postgresURL != "" {
		logger.Info("using postgres store")
		return pgstore.New(ctx, cfg.postgresURL, pgstore.WithLogger(logger))
	}

	logger.Info("using redis store", slog.String("addr", cfg.redisAddr))
	client := goredis.NewClient(&goredis.Options{Addr: cfg.redisAddr})
	return redisstore.New(client, redisstore.WithLogger(logger)), nil
}

// simulatedExecutor burns the configured work duration and fails a random
// fraction of attempts. It stands in for a real execution strategy.
func simulatedExecutor(cfg daemonConfig, logger *slog.Logger) worker.Executor {
	return worker.ExecutorFunc(func(ctx context.Context, t *task.Task) error {
		select {
		case <-time.After(cfg.workDuration):
		case <-ctx.Done():
			return ctx.Err()
		}

		if rand.Float64() < cfg.failureRate { //nolint:gosec // simulation, not crypto
			return errSimulatedFailure
		}

		logger.Debug("task work finished", slog.String("task_id", t.ID.String()))
		return nil
	})
}

var errSimulatedFailure = errors.New("simulated execution failure")

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
