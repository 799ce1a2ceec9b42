// genflow API — HTTP API для flows и runs.
//
// Сохраняет документы flows (с проверкой композиции), создаёт runs
// и публикует run.requested для workers.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/genflow/internal/api"
	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/steps"
	"github.com/shaiso/genflow/internal/telemetry"
)

var startTime = time.Now()

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("genflow-api")
	logger.Info("starting genflow-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
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
	logger.Info("connected to database")

	cfg := api.Config{
		Flows: repo.NewFlowRepo(pool),
		Runs:  repo.NewRunRepo(pool),
		// Для проверки типов узлов достаточно реестра без клиентов
		Kinds:  steps.DefaultRegistry(steps.BuiltinFunctions(), nil),
		Logger: logger,
	}

	// RabbitMQ: без него runs создаются, но не выполняются до повторного запроса
	mqConn, err := mq.NewConnection(mq.ConnectionConfig{
		URL:     os.Getenv("RABBITMQ_URL"),
		Service: "genflow-api",
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("RabbitMQ not available, runs will not be dispatched", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		cfg.Requester = mq.NewPublisher(mqConn, logger)
		logger.Info("RabbitMQ connected")
	}

	cfg.Metrics = telemetry.NewHTTPMetrics(prometheus.DefaultRegisterer)
	handler := api.NewHandler(cfg)

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
