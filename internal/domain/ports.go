package domain

import "time"

// BlockingStateRepository — хранилище blocking-записей (Blocking State Store).
type BlockingStateRepository interface {
	// Record сохраняет запись, назначая ей строго монотонный
	// SequenceNumber; возвращает сохранённую запись.
	Record(state BlockingState) (BlockingState, error)
	// ListByBlockedIDs возвращает все записи, нацеленные на любой из
	// идентификаторов. Порядок результата не специфицирован: вызывающая
	// сторона обязана сортировать по (EffectiveAt, SequenceNumber).
	ListByBlockedIDs(ids ...string) ([]BlockingState, error)
}

// TransitionRepository — источник lifecycle-переходов (Transition Source).
type TransitionRepository interface {
	// Append сохраняет переход подписки.
	Append(transition SubscriptionTransition) error
	// ListBySubscription возвращает переходы подписки в хронологическом
	// порядке (EffectiveAt, затем CreatedAt).
	ListBySubscription(subscriptionID string) ([]SubscriptionTransition, error)
}

// BundleRepository — хранилище аккаунтов, bundle'ов и подписок.
type BundleRepository interface {
	CreateAccount(account Account) error
	GetAccount(id string) (Account, error)
	CreateBundle(bundle Bundle) error
	GetBundle(id string) (Bundle, error)
	CreateSubscription(subscription Subscription) error
	GetSubscription(id string) (Subscription, error)
	// ListSubscriptions возвращает подписки bundle, упорядоченные по
	// (CreatedAt, ID) для стабильного обхода.
	ListSubscriptions(bundleID string) ([]Subscription, error)
}

// AccountDirectory — clock/timezone-адаптер: таймзона аккаунта и "сейчас".
type AccountDirectory interface {
	// TimeZone возвращает *time.Location аккаунта или ErrTimeZoneUnknown.
	TimeZone(accountID string) (*time.Location, error)
	// Now возвращает текущий момент (подменяется в тестах).
	Now() time.Time
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
