package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
	healthcheck "github.com/killbill/killbill-sub011/internal/health"
	"github.com/killbill/killbill-sub011/internal/service/accounts"
	"github.com/killbill/killbill-sub011/internal/storage/memory"
	"github.com/killbill/killbill-sub011/internal/storage/postgres"
)

// runtimeDependencies — репозитории и сопутствующие ручки, выбранные по
// cfg.StorageDriver.
type runtimeDependencies struct {
	bundles        domain.BundleRepository
	transitions    domain.TransitionRepository
	blocking       domain.BlockingStateRepository
	outboxRepo     domain.OutboxRepository
	idemRepo       domain.IdempotencyRepository
	accounts       domain.AccountDirectory
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		bundles := memory.NewBundleRepository()
		return runtimeDependencies{
			bundles:     bundles,
			transitions: memory.NewTransitionRepository(),
			blocking:    memory.NewBlockingStateRepository(),
			outboxRepo:  memory.NewOutboxRepository(),
			idemRepo:    memory.NewIdempotencyRepository(),
			accounts:    accounts.NewDirectory(bundles),
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return runtimeDependencies{}, errors.New("postgres storage driver requires a DSN")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}

		bundles := postgres.NewBundleRepository(store)
		return runtimeDependencies{
			bundles:     bundles,
			transitions: postgres.NewTransitionRepository(store),
			blocking:    postgres.NewBlockingStateRepository(store),
			outboxRepo:  postgres.NewOutboxRepository(store),
			idemRepo:    postgres.NewIdempotencyRepository(store),
			accounts:    accounts.NewDirectory(bundles),
			storageChecker: healthcheck.NewPingChecker("postgres", 2*time.Second, store.Ping),
			closeFn: store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}
