package timeline

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/metrics"
)

// Recorder принимает blocking-записи: валидирует, сохраняет и ставит
// событие в transactional outbox. Единственная точка записи для HTTP API
// и Kafka-консюмера команд.
type Recorder struct {
	blocking domain.BlockingStateRepository
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.TimelineMetrics
}

// NewRecorder создаёт рабочий экземпляр recorder'а.
func NewRecorder(blocking domain.BlockingStateRepository, outbox domain.OutboxRepository, logger *log.Entry) *Recorder {
	if logger == nil {
		logger = log.New().WithField("component", "timeline-recorder")
	}
	return &Recorder{
		blocking: blocking,
		outbox:   outbox,
		logger:   logger,
		metrics:  metrics.NewTimelineMetrics(),
	}
}

// NewRecorderWithoutMetrics создаёт recorder без метрик (для тестов).
func NewRecorderWithoutMetrics(blocking domain.BlockingStateRepository, outbox domain.OutboxRepository, logger *log.Entry) *Recorder {
	if logger == nil {
		logger = log.New().WithField("component", "timeline-recorder")
	}
	return &Recorder{
		blocking: blocking,
		outbox:   outbox,
		logger:   logger,
	}
}

// RecordBlockingState сохраняет запись и возвращает её с назначенным
// sequence number. SequenceNumber из входа игнорируется: нумерует только
// хранилище.
func (r *Recorder) RecordBlockingState(state domain.BlockingState) (domain.BlockingState, error) {
	if errs := state.ValidateInvariants(); len(errs) > 0 {
		return domain.BlockingState{}, errors.Join(errs...)
	}
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	state.SequenceNumber = 0

	saved, err := r.blocking.Record(state)
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"blocked_id": state.BlockedID,
			"state_name": state.StateName,
		}).Error("failed to persist blocking state")
		return domain.BlockingState{}, err
	}
	if r.metrics != nil {
		r.metrics.RecordBlockingState(string(saved.Scope))
	}

	r.enqueueRecorded(saved)

	r.logger.WithFields(log.Fields{
		"blocked_id": saved.BlockedID,
		"scope":      saved.Scope,
		"state_name": saved.StateName,
		"service":    saved.Service,
		"sequence":   saved.SequenceNumber,
	}).Info("blocking state recorded")
	return saved, nil
}

// enqueueRecorded кладёт событие в outbox. Сбой не откатывает запись:
// outbox — best-effort относительно уже сохранённого состояния.
func (r *Recorder) enqueueRecorded(state domain.BlockingState) {
	if r.outbox == nil {
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"blocking_state_id": state.ID,
		"blocked_id":        state.BlockedID,
		"scope":             string(state.Scope),
		"state_name":        state.StateName,
		"service":           state.Service,
		"block_entitlement": state.BlockEntitlement,
		"block_billing":     state.BlockBilling,
		"block_change":      state.BlockChange,
		"effective_at":      state.EffectiveAt.UTC().Format(time.RFC3339Nano),
		"sequence_number":   state.SequenceNumber,
	})
	if err != nil {
		r.logger.WithError(err).WithField("blocked_id", state.BlockedID).Error("marshal blocking event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: "blocking_state",
		AggregateID:   state.BlockedID,
		EventType:     "BlockingStateRecorded",
		Payload:       payload,
	}
	if _, err := r.outbox.Enqueue(msg); err != nil {
		r.logger.WithError(err).WithField("blocked_id", state.BlockedID).Error("enqueue blocking event failed")
		return
	}
	if r.metrics != nil {
		r.metrics.RecordOutboxEvent()
	}
}
