package kafka

import "time"

// EventType определяет тип события
type EventType string

const (
	// Blocking события
	EventTypeBlockingRecordRequested EventType = "blocking.record.requested"
	EventTypeBlockingRecorded        EventType = "blocking.recorded"

	// Timeline события
	EventTypeTimelineBuilt EventType = "timeline.built"

	// Lifecycle события подписок
	EventTypeSubscriptionCreated  EventType = "subscription.created"
	EventTypeSubscriptionCanceled EventType = "subscription.canceled"
)

// Topics для Kafka
const (
	TopicBlockingCommands  = "killbill.blocking.commands"
	TopicEntitlementEvents = "killbill.entitlement.events"
	TopicDeadLetterQueue   = "killbill.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// BlockingCommand — команда на запись blocking state, приходящая из
// topic'а команд. EffectiveAt — instant; перевод в календарную дату
// делает движок по таймзоне аккаунта.
type BlockingCommand struct {
	BlockedID        string    `json:"blocked_id"`
	Scope            string    `json:"scope"`
	StateName        string    `json:"state_name"`
	Service          string    `json:"service"`
	BlockEntitlement bool      `json:"block_entitlement"`
	BlockBilling     bool      `json:"block_billing"`
	BlockChange      bool      `json:"block_change"`
	EffectiveAt      time.Time `json:"effective_at"`
	RequestedAt      time.Time `json:"requested_at,omitempty"`
}

// EntitlementEvent — событие движка, публикуемое во внешний topic.
type EntitlementEvent struct {
	EventType EventType              `json:"event_type"`
	BundleID  string                 `json:"bundle_id,omitempty"`
	BlockedID string                 `json:"blocked_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// DLQRecord — конверт сообщения в dead letter queue: исходное сообщение
// плюс контекст отказа. OriginalValue хранится как есть, чтобы
// реобработка могла восстановить команду байт в байт.
type DLQRecord struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// NewEntitlementEvent создает новое событие движка
func NewEntitlementEvent(eventType EventType, blockedID string, metadata map[string]interface{}) *EntitlementEvent {
	return &EntitlementEvent{
		EventType: eventType,
		BlockedID: blockedID,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
}
