package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/messaging/kafka"
	"github.com/killbill/killbill-sub011/internal/service/timeline"
)

// createTimelineEngine собирает orchestrator и recorder поверх выбранного
// хранилища. Outbox участвует в записи только когда настроен Kafka:
// без брокера события некуда публиковать.
func createTimelineEngine(
	deps runtimeDependencies,
	kafkaProducer *kafka.Producer,
	logger *log.Entry,
) (timeline.Orchestrator, *timeline.Recorder) {
	orch := timeline.NewOrchestrator(
		deps.bundles,
		deps.transitions,
		deps.blocking,
		deps.accounts,
		logger.WithField("layer", "timeline"),
	)

	outboxRepo := deps.outboxRepo
	if kafkaProducer == nil {
		outboxRepo = nil
	}
	recorder := timeline.NewRecorder(deps.blocking, outboxRepo, logger.WithField("layer", "recorder"))

	return orch, recorder
}
