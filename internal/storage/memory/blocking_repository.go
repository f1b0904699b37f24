package memory

import (
	"sync"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// blockingRepositoryInMemory — in-memory реализация BlockingStateRepository.
// Sequence number назначается из единого монотонного счётчика.
type blockingRepositoryInMemory struct {
	mu      sync.RWMutex
	items   []domain.BlockingState
	byID    map[string]struct{}
	lastSeq int64
}

// NewBlockingStateRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewBlockingStateRepository() domain.BlockingStateRepository {
	return &blockingRepositoryInMemory{
		byID: make(map[string]struct{}),
	}
}

// Record сохраняет запись, назначая следующий sequence number.
// Записи append-only: перезапись по ID запрещена.
func (r *blockingRepositoryInMemory) Record(state domain.BlockingState) (domain.BlockingState, error) {
	if errs := state.ValidateInvariants(); len(errs) > 0 {
		return domain.BlockingState{}, errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if state.ID != "" {
		if _, exists := r.byID[state.ID]; exists {
			return domain.BlockingState{}, domain.ErrEntityAlreadyExists
		}
		r.byID[state.ID] = struct{}{}
	}

	r.lastSeq++
	state.SequenceNumber = r.lastSeq
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items = append(r.items, state)
	return state, nil
}

// ListByBlockedIDs возвращает записи в порядке вставки; сортировка по
// (EffectiveAt, SequenceNumber) — обязанность вызывающей стороны.
func (r *blockingRepositoryInMemory) ListByBlockedIDs(ids ...string) ([]domain.BlockingState, error) {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.BlockingState, 0, len(r.items))
	for _, st := range r.items {
		if _, ok := wanted[st.BlockedID]; ok {
			result = append(result, st)
		}
	}
	return result, nil
}

var _ domain.BlockingStateRepository = (*blockingRepositoryInMemory)(nil)
