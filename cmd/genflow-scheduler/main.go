// genflow Scheduler — запускает flows по расписанию.
//
// Несколько экземпляров могут работать одновременно: лидер выбирается через
// pg_try_advisory_lock, остальные ждут и периодически пытаются взять lock.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/scheduler"
	"github.com/shaiso/genflow/internal/telemetry"
)

const (
	schedLockKey int64 = 424242

	// lockRetryInterval — как часто не-лидер пытается взять lock.
	lockRetryInterval = 5 * time.Second
)

func main() {
	logger := telemetry.SetupLogger("genflow-scheduler")
	logger.Info("starting genflow-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to prepare schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	mqConn, err := mq.NewConnection(mq.ConnectionConfig{
		URL:     os.Getenv("RABBITMQ_URL"),
		Service: "genflow-scheduler",
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	loc := time.UTC
	if tz := os.Getenv("SCHED_TIMEZONE"); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			logger.Error("invalid SCHED_TIMEZONE", "timezone", tz, "error", err)
			os.Exit(1)
		}
	}

	sched := scheduler.New(scheduler.Config{
		Flows:     repo.NewFlowRepo(pool),
		Runs:      repo.NewRunRepo(pool),
		Requester: mq.NewPublisher(mqConn, logger),
		Logger:    logger,
		Location:  loc,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8081"
	if v := os.Getenv("SCHED_PORT"); v != "" {
		port = ":" + v
	}
	server := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", "addr", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	runAsLeader(ctx, pool, sched, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("genflow-scheduler stopped")
}

// runAsLeader ждёт лидерства и выполняет scheduler до отмены ctx.
//
// Advisory lock принадлежит сессии, поэтому соединение берётся из пула
// и удерживается всё время лидерства.
func runAsLeader(ctx context.Context, pool *pgxpool.Pool, sched *scheduler.Scheduler, logger *slog.Logger) {
	tk := time.NewTicker(lockRetryInterval)
	defer tk.Stop()

	for {
		conn, err := pool.Acquire(ctx)
		if err == nil {
			var ok bool
			err = conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", schedLockKey).Scan(&ok)
			if err == nil && ok {
				logger.Info("acquired scheduler lock, running as leader")

				if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("scheduler stopped", "error", err)
				}

				_, _ = conn.Exec(context.Background(), "select pg_advisory_unlock($1)", schedLockKey)
				conn.Release()
				return
			}
			conn.Release()
		}
		if err != nil && ctx.Err() == nil {
			logger.Error("lock error", "error", err)
		}

		select {
		case <-tk.C:
		case <-ctx.Done():
			return
		}
	}
}
