package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/killbill/killbill-sub011/internal/health"
	"github.com/killbill/killbill-sub011/internal/messaging/kafka"
	httpsvc "github.com/killbill/killbill-sub011/internal/service/http"
	idempotencysvc "github.com/killbill/killbill-sub011/internal/service/idempotency"
	outboxsvc "github.com/killbill/killbill-sub011/internal/service/outbox"
	"github.com/killbill/killbill-sub011/internal/version"
)

// Backlog outbox выше этого порога помечает проверку "outbox" как degraded.
const outboxBacklogAlertThreshold = 1000

// Run запускает entitlement-сервис: JSON API, метрики, фоновые воркеры и,
// при настроенных брокерах, Kafka-обвязку. Блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if deps.closeFn != nil {
			if err := deps.closeFn(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}
	}()

	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	defer closeKafka(kafkaProducer, logger)

	orch, recorder := createTimelineEngine(deps, kafkaProducer, logger)

	apiService := httpsvc.NewService(
		deps.bundles,
		deps.transitions,
		recorder,
		orch,
		deps.idemRepo,
		logger.WithField("layer", "http"),
	)
	apiMux := http.NewServeMux()
	apiService.Routes(apiMux)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	healthHandler.RegisterChecker("outbox",
		healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, outboxBacklogAlertThreshold))

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	if kafkaProducer != nil {
		publisher := kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicEntitlementEvents)
		dlqPublisher := kafka.NewOutboxPublisher(kafkaProducer, kafka.TopicDeadLetterQueue)
		worker := outboxsvc.NewWorker(deps.outboxRepo, publisher,
			outboxsvc.WithLogger(logger.WithField("layer", "outbox")),
			outboxsvc.WithDLQPublisher(dlqPublisher),
			outboxsvc.WithPollInterval(cfg.OutboxPollInterval),
			outboxsvc.WithBatchSize(cfg.OutboxBatchSize),
			outboxsvc.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outboxsvc.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		go worker.Run(workerCtx)

		consumer, err := initBlockingCommandConsumer(cfg.KafkaBrokers, recorder, kafkaProducer, logger)
		if err == nil && consumer != nil {
			go func() {
				if err := consumer.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Warn("blocking command consumer stopped with error")
				}
			}()
			defer func() {
				if err := consumer.Stop(); err != nil {
					logger.WithError(err).Warn("failed to stop kafka consumer")
				}
			}()
		}
	}

	cleanupWorker := idempotencysvc.NewCleanupWorker(deps.idemRepo,
		idempotencysvc.WithLogger(logger.WithField("layer", "idempotency")),
		idempotencysvc.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotencysvc.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	go cleanupWorker.Run(workerCtx)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: apiMux}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.APIAddr)
		errCh <- apiSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем HTTP API")
		shutdownHTTP(apiSrv, logger)
		shutdownHTTP(metricsSrv, logger)
		return ctx.Err()
	case err := <-errCh:
		shutdownHTTP(metricsSrv, logger)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus
// и пробы /healthz, /livez, /readyz.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
