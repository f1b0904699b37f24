package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/service/accounts"
	"github.com/killbill/killbill-sub011/internal/storage/memory"
)

// Dependencies содержит все зависимости приложения.
type Dependencies struct {
	Bundles     domain.BundleRepository
	Transitions domain.TransitionRepository
	Blocking    domain.BlockingStateRepository
	OutboxRepo  domain.OutboxRepository
	IdemRepo    domain.IdempotencyRepository
	Accounts    domain.AccountDirectory
	Logger      *log.Entry
}

// NewDependencies создаёт in-memory зависимости приложения. Используется в
// тестах и в dev-режиме без внешнего хранилища.
func NewDependencies(logger *log.Entry) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	bundles := memory.NewBundleRepository()
	return &Dependencies{
		Bundles:     bundles,
		Transitions: memory.NewTransitionRepository(),
		Blocking:    memory.NewBlockingStateRepository(),
		OutboxRepo:  memory.NewOutboxRepository(),
		IdemRepo:    memory.NewIdempotencyRepository(),
		Accounts:    accounts.NewDirectory(bundles),
		Logger:      logger,
	}
}
