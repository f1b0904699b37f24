package domain

import (
	"sort"
	"time"
)

// BlockingScope описывает уровень, на который нацелен blocking state.
type BlockingScope string

const (
	// BlockingScopeAccount — запись действует на все подписки аккаунта.
	BlockingScopeAccount BlockingScope = "ACCOUNT"
	// BlockingScopeBundle — запись действует на все подписки bundle.
	BlockingScopeBundle BlockingScope = "BUNDLE"
	// BlockingScopeSubscription — запись действует на одну подписку.
	BlockingScopeSubscription BlockingScope = "SUBSCRIPTION"
)

// Valid проверяет, что scope относится к закрытому множеству значений.
func (s BlockingScope) Valid() bool {
	switch s {
	case BlockingScopeAccount, BlockingScopeBundle, BlockingScopeSubscription:
		return true
	default:
		return false
	}
}

// Well-known сервисы. Entitlement и billing — единственные сервисы, чьи
// blocking-флаги движок интерпретирует семантически; остальные имена
// пропускаются через timeline как SERVICE_STATE_CHANGE.
const (
	EntitlementService = "entitlement-service"
	BillingService     = "billing-service"
	// EntitlementBillingService помечает события, принадлежащие обеим
	// сторонам сразу (PHASE, CHANGE).
	EntitlementBillingService = "entitlement+billing-service"
)

// Зарезервированные state-имена. Записи с этими именами управляют
// датами start/stop, а не pause/resume.
const (
	StateEntitlementStarted   = "ENT_STARTED"
	StateEntitlementCancelled = "ENT_CANCELLED"
)

// BlockingState — неизменяемая запись о блокировке/разблокировке,
// нацеленная на аккаунт, bundle или подписку. SequenceNumber назначается
// хранилищем при записи строго монотонно и служит единственным
// детерминированным tie-break'ом для записей с одинаковым EffectiveAt.
type BlockingState struct {
	ID               string
	BlockedID        string
	Scope            BlockingScope
	StateName        string
	Service          string
	BlockEntitlement bool
	BlockBilling     bool
	BlockChange      bool
	EffectiveAt      time.Time
	SequenceNumber   int64
	CreatedAt        time.Time
}

// ValidateInvariants проверяет контракт записи перед сохранением.
func (b *BlockingState) ValidateInvariants() []error {
	var errs []error

	if b.BlockedID == "" {
		errs = append(errs, ErrBlockedIDRequired)
	}
	if !b.Scope.Valid() {
		errs = append(errs, ErrBlockingScopeInvalid)
	}
	if b.StateName == "" {
		errs = append(errs, ErrStateNameRequired)
	}
	if b.Service == "" {
		errs = append(errs, ErrServiceNameRequired)
	}
	if b.EffectiveAt.IsZero() {
		errs = append(errs, ErrEffectiveAtRequired)
	}

	return errs
}

// ScopeIDs — результат scope-резолюции подписки: все идентификаторы,
// записи по которым применимы к ней.
type ScopeIDs struct {
	AccountID      string
	BundleID       string
	SubscriptionID string
}

// All возвращает идентификаторы одним срезом (для выборки из хранилища).
func (s ScopeIDs) All() []string {
	return []string{s.AccountID, s.BundleID, s.SubscriptionID}
}

// Applies сообщает, действует ли запись на подписку с данными scope-id.
func (s ScopeIDs) Applies(state BlockingState) bool {
	switch state.Scope {
	case BlockingScopeAccount:
		return state.BlockedID == s.AccountID
	case BlockingScopeBundle:
		return state.BlockedID == s.BundleID
	case BlockingScopeSubscription:
		return state.BlockedID == s.SubscriptionID
	default:
		return false
	}
}

// SortBlockingStates упорядочивает записи по (EffectiveAt, SequenceNumber).
// Это единственный допустимый порядок обхода: порядок выборки из
// хранилища не несёт смысла и не должен влиять на результат.
func SortBlockingStates(states []BlockingState) {
	sort.SliceStable(states, func(i, j int) bool {
		if !states[i].EffectiveAt.Equal(states[j].EffectiveAt) {
			return states[i].EffectiveAt.Before(states[j].EffectiveAt)
		}
		return states[i].SequenceNumber < states[j].SequenceNumber
	})
}
