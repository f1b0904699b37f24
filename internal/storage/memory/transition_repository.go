package memory

import (
	"sort"
	"sync"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// transitionRepositoryInMemory — in-memory реализация TransitionRepository.
type transitionRepositoryInMemory struct {
	mu    sync.RWMutex
	items []domain.SubscriptionTransition
	byID  map[string]struct{}
}

// NewTransitionRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewTransitionRepository() domain.TransitionRepository {
	return &transitionRepositoryInMemory{
		byID: make(map[string]struct{}),
	}
}

// Append сохраняет переход; повторный ID отклоняется.
func (r *transitionRepositoryInMemory) Append(transition domain.SubscriptionTransition) error {
	if errs := transition.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if transition.ID != "" {
		if _, exists := r.byID[transition.ID]; exists {
			return domain.ErrEntityAlreadyExists
		}
		r.byID[transition.ID] = struct{}{}
	}
	r.items = append(r.items, transition)
	return nil
}

// ListBySubscription возвращает переходы подписки по (EffectiveAt, CreatedAt).
func (r *transitionRepositoryInMemory) ListBySubscription(subscriptionID string) ([]domain.SubscriptionTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.SubscriptionTransition, 0, len(r.items))
	for _, tr := range r.items {
		if tr.SubscriptionID == subscriptionID {
			result = append(result, tr)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].EffectiveAt.Equal(result[j].EffectiveAt) {
			return result[i].EffectiveAt.Before(result[j].EffectiveAt)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

var _ domain.TransitionRepository = (*transitionRepositoryInMemory)(nil)
