package memory

import (
	"sort"
	"sync"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// bundleRepositoryInMemory — in-memory реализация BundleRepository: аккаунты,
// bundle'ы и подписки в одном хранилище.
type bundleRepositoryInMemory struct {
	mu            sync.RWMutex
	accounts      map[string]domain.Account
	bundles       map[string]domain.Bundle
	subscriptions map[string]domain.Subscription
}

// NewBundleRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewBundleRepository() domain.BundleRepository {
	return &bundleRepositoryInMemory{
		accounts:      make(map[string]domain.Account),
		bundles:       make(map[string]domain.Bundle),
		subscriptions: make(map[string]domain.Subscription),
	}
}

func (r *bundleRepositoryInMemory) CreateAccount(account domain.Account) error {
	if errs := account.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[account.ID]; exists {
		return domain.ErrEntityAlreadyExists
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *bundleRepositoryInMemory) GetAccount(id string) (domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return account, nil
}

// CreateBundle сохраняет bundle; аккаунт должен существовать.
func (r *bundleRepositoryInMemory) CreateBundle(bundle domain.Bundle) error {
	if errs := bundle.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bundles[bundle.ID]; exists {
		return domain.ErrEntityAlreadyExists
	}
	if _, ok := r.accounts[bundle.AccountID]; !ok {
		return domain.ErrAccountNotFound
	}
	r.bundles[bundle.ID] = bundle
	return nil
}

func (r *bundleRepositoryInMemory) GetBundle(id string) (domain.Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bundle, ok := r.bundles[id]
	if !ok {
		return domain.Bundle{}, domain.ErrBundleNotFound
	}
	return bundle, nil
}

// CreateSubscription сохраняет подписку; bundle должен существовать и
// принадлежать тому же аккаунту.
func (r *bundleRepositoryInMemory) CreateSubscription(subscription domain.Subscription) error {
	if errs := subscription.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscriptions[subscription.ID]; exists {
		return domain.ErrEntityAlreadyExists
	}
	bundle, ok := r.bundles[subscription.BundleID]
	if !ok {
		return domain.ErrBundleNotFound
	}
	if bundle.AccountID != subscription.AccountID {
		return domain.ErrAccountNotFound
	}
	r.subscriptions[subscription.ID] = subscription
	return nil
}

func (r *bundleRepositoryInMemory) GetSubscription(id string) (domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subscription, ok := r.subscriptions[id]
	if !ok {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// ListSubscriptions возвращает подписки bundle по (CreatedAt, ID):
// стабильный порядок обхода для детерминированных билдов timeline.
func (r *bundleRepositoryInMemory) ListSubscriptions(bundleID string) ([]domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Subscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		if sub.BundleID == bundleID {
			result = append(result, sub)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

var _ domain.BundleRepository = (*bundleRepositoryInMemory)(nil)
