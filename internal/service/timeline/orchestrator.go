package timeline

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/metrics"
)

// Orchestrator описывает интерфейс построения timeline.
type Orchestrator interface {
	BuildTimeline(ctx context.Context, bundleID string) (domain.BundleTimeline, error)
	BuildSubscriptionTimeline(ctx context.Context, subscriptionID string) ([]domain.SubscriptionEvent, error)
}

// orchestrator реализует последовательность построения: load → synthesize → merge → sort.
type orchestrator struct {
	bundles     domain.BundleRepository
	transitions domain.TransitionRepository
	blocking    domain.BlockingStateRepository
	accounts    domain.AccountDirectory
	cfg         MergeConfig
	logger      *log.Entry
	metrics     *metrics.TimelineMetrics
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(
	bundles domain.BundleRepository,
	transitions domain.TransitionRepository,
	blocking domain.BlockingStateRepository,
	accounts domain.AccountDirectory,
	logger *log.Entry,
) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "timeline")
	}
	return &orchestrator{
		bundles:     bundles,
		transitions: transitions,
		blocking:    blocking,
		accounts:    accounts,
		cfg:         DefaultMergeConfig(),
		logger:      logger,
		metrics:     metrics.NewTimelineMetrics(),
	}
}

// NewOrchestratorWithoutMetrics создаёт оркестратор без метрик (для тестов).
func NewOrchestratorWithoutMetrics(
	bundles domain.BundleRepository,
	transitions domain.TransitionRepository,
	blocking domain.BlockingStateRepository,
	accounts domain.AccountDirectory,
	logger *log.Entry,
) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "timeline")
	}
	return &orchestrator{
		bundles:     bundles,
		transitions: transitions,
		blocking:    blocking,
		accounts:    accounts,
		cfg:         DefaultMergeConfig(),
		logger:      logger,
		metrics:     nil, // Отключаем метрики для тестов
	}
}

// BuildTimeline строит timeline всех подписок bundle. Результат — снимок:
// повторный вызов на тех же данных возвращает побайтно идентичный timeline.
func (o *orchestrator) BuildTimeline(ctx context.Context, bundleID string) (domain.BundleTimeline, error) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordBuildStarted()
	}
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordBuildDuration(time.Since(start))
		}
	}()

	bundle, err := o.bundles.GetBundle(bundleID)
	if err != nil {
		o.logger.WithError(err).WithField("bundle_id", bundleID).Warn("bundle not found for timeline build")
		return domain.BundleTimeline{}, o.failBuild(err)
	}

	loc, err := o.accounts.TimeZone(bundle.AccountID)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"bundle_id":  bundleID,
			"account_id": bundle.AccountID,
		}).Warn("account timezone lookup failed")
		return domain.BundleTimeline{}, o.failBuild(err)
	}

	subs, err := o.bundles.ListSubscriptions(bundleID)
	if err != nil {
		return domain.BundleTimeline{}, o.failBuild(fmt.Errorf("list subscriptions: %w", err))
	}

	// Один запрос на все scope-идентификаторы bundle: каждая подписка
	// затем фильтрует применимые записи сама.
	blockedIDs := make([]string, 0, len(subs)+2)
	blockedIDs = append(blockedIDs, bundle.AccountID, bundle.ID)
	for _, sub := range subs {
		blockedIDs = append(blockedIDs, sub.ID)
	}
	candidates, err := o.blocking.ListByBlockedIDs(blockedIDs...)
	if err != nil {
		return domain.BundleTimeline{}, o.failBuild(fmt.Errorf("list blocking states: %w", err))
	}

	events := make([]domain.SubscriptionEvent, 0, 4*len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return domain.BundleTimeline{}, o.failBuild(err)
		}
		merged, err := o.buildSubscription(sub, candidates, loc)
		if err != nil {
			return domain.BundleTimeline{}, o.failBuild(err)
		}
		events = append(events, merged...)
	}
	domain.SortEvents(events)

	if o.metrics != nil {
		o.metrics.RecordBuildCompleted(len(events))
		for _, ev := range events {
			o.metrics.RecordEvent(string(ev.Type))
		}
	}
	o.logger.WithFields(log.Fields{
		"bundle_id":     bundleID,
		"subscriptions": len(subs),
		"events":        len(events),
	}).Debug("timeline built")

	return domain.BundleTimeline{
		AccountID:   bundle.AccountID,
		BundleID:    bundle.ID,
		ExternalKey: bundle.ExternalKey,
		Events:      events,
	}, nil
}

// BuildSubscriptionTimeline строит timeline одной подписки.
func (o *orchestrator) BuildSubscriptionTimeline(ctx context.Context, subscriptionID string) ([]domain.SubscriptionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub, err := o.bundles.GetSubscription(subscriptionID)
	if err != nil {
		o.logger.WithError(err).WithField("subscription_id", subscriptionID).Warn("subscription not found for timeline build")
		return nil, err
	}

	loc, err := o.accounts.TimeZone(sub.AccountID)
	if err != nil {
		return nil, err
	}

	candidates, err := o.blocking.ListByBlockedIDs(sub.ScopeIDs().All()...)
	if err != nil {
		return nil, fmt.Errorf("list blocking states: %w", err)
	}
	return o.buildSubscription(sub, candidates, loc)
}

func (o *orchestrator) buildSubscription(sub domain.Subscription, candidates []domain.BlockingState, loc *time.Location) ([]domain.SubscriptionEvent, error) {
	transitions, err := o.transitions.ListBySubscription(sub.ID)
	if err != nil {
		return nil, fmt.Errorf("list transitions for %s: %w", sub.ID, err)
	}
	base, err := synthesizeAll(transitions, loc)
	if err != nil {
		return nil, err
	}
	return Merge(sub, base, candidates, o.cfg, loc), nil
}

func (o *orchestrator) failBuild(err error) error {
	if o.metrics != nil {
		o.metrics.RecordBuildFailed()
	}
	return err
}

var _ Orchestrator = (*orchestrator)(nil)
