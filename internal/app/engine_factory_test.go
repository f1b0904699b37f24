package app

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
)

func TestCreateTimelineEngine_WithoutKafka(t *testing.T) {
	logger := log.WithField("test", "engine")
	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, logger)
	if err != nil {
		t.Fatalf("init deps: %v", err)
	}

	orch, recorder := createTimelineEngine(deps, nil, logger)
	if orch == nil || recorder == nil {
		t.Fatal("engine parts must not be nil")
	}

	// Recorder работает и без Kafka: blocking-записи сохраняются,
	// публикация в outbox просто не происходит.
	saved, err := recorder.RecordBlockingState(domain.BlockingState{
		BlockedID:   "sub-1",
		Scope:       domain.BlockingScopeSubscription,
		StateName:   "PAUSED",
		Service:     domain.EntitlementService,
		EffectiveAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("record blocking state: %v", err)
	}
	if saved.SequenceNumber != 1 {
		t.Fatalf("sequence number = %d, want 1", saved.SequenceNumber)
	}

	stats, err := deps.outboxRepo.Stats()
	if err != nil {
		t.Fatalf("outbox stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("outbox must stay empty without kafka, got %d pending", stats.PendingCount)
	}

	if _, err := orch.BuildTimeline(context.Background(), "missing-bundle"); !errors.Is(err, domain.ErrBundleNotFound) {
		t.Fatalf("expected ErrBundleNotFound, got %v", err)
	}
}
