// genflow Worker — выполняет runs.
//
// Worker:
//   - Получает run.requested из RabbitMQ
//   - Загружает документ flow и его под-flow из Postgres, композирует
//   - Выполняет flow через orchestrator (узлы одного слоя — параллельно)
//   - Сохраняет run и результаты узлов, публикует node.finished и run.finished
//
// Workers масштабируются горизонтально: очередь runs.requested общая.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/shaiso/genflow/internal/mq"
	"github.com/shaiso/genflow/internal/orchestrator"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/steps"
	"github.com/shaiso/genflow/internal/telemetry"
	"github.com/shaiso/genflow/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("genflow-worker")
	logger.Info("starting genflow-worker")

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

	flowRepo := repo.NewFlowRepo(pool)
	runRepo := repo.NewRunRepo(pool)

	// RabbitMQ обязателен: из него приходят run.requested
	mqConn, err := mq.NewConnection(mq.ConnectionConfig{
		URL:     os.Getenv("RABBITMQ_URL"),
		Service: "genflow-worker",
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
	logger.Info("RabbitMQ connected")

	// Реестр шагов. Без OPENAI_API_KEY узлы llm_service падают с ошибкой конфигурации.
	var llm steps.ChatCompleter
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		llm = openai.NewClient(key)
	} else {
		logger.Warn("OPENAI_API_KEY is not set, llm_service nodes will fail")
	}
	registry := steps.DefaultRegistry(steps.BuiltinFunctions(), llm)

	orch := orchestrator.New(orchestrator.Config{
		Registry:    registry,
		Logger:      logger,
		Metrics:     telemetry.NewMetrics(prometheus.DefaultRegisterer),
		Recorder:    runRepo,
		Events:      mq.NewPublisher(mqConn, logger),
		Concurrency: envInt("GENFLOW_CONCURRENCY", 0),
	})

	wrk := worker.New(worker.Config{
		Flows:        flowRepo,
		Runs:         runRepo,
		Orchestrator: orch,
		Conn:         mqConn,
		Prefetch:     envInt("WORKER_PREFETCH", 0),
		Logger:       logger,
	})

	if err := wrk.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics. Без брокера worker не получает runs: 503
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "broker disconnected, in_flight=%d", len(wrk.InFlight()))
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok, in_flight=%d", len(wrk.InFlight()))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":8082"
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	server := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", "addr", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	wrk.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("genflow-worker stopped")
}

// envInt читает целое из переменной окружения. 0 — значение по умолчанию компонента.
func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
