package domain

import (
	"sort"
	"strings"
	"time"
)

// EventType — закрытое множество семантических событий timeline.
type EventType string

const (
	EventStartEntitlement   EventType = "START_ENTITLEMENT"
	EventStartBilling       EventType = "START_BILLING"
	EventPhase              EventType = "PHASE"
	EventChange             EventType = "CHANGE"
	EventPauseEntitlement   EventType = "PAUSE_ENTITLEMENT"
	EventPauseBilling       EventType = "PAUSE_BILLING"
	EventResumeEntitlement  EventType = "RESUME_ENTITLEMENT"
	EventResumeBilling      EventType = "RESUME_BILLING"
	EventServiceStateChange EventType = "SERVICE_STATE_CHANGE"
	EventStopEntitlement    EventType = "STOP_ENTITLEMENT"
	EventStopBilling        EventType = "STOP_BILLING"
)

// eventTypePriority — явная таблица приоритетов для сортировки событий
// с одинаковой effective-датой. Контракт порядка зафиксирован таблицей,
// а не порядком объявления констант, чтобы его можно было проверять
// независимо от layout'а enum'а.
var eventTypePriority = map[EventType]int{
	EventStartEntitlement:   1,
	EventStartBilling:       2,
	EventPhase:              3,
	EventChange:             4,
	EventPauseEntitlement:   5,
	EventPauseBilling:       6,
	EventResumeEntitlement:  7,
	EventResumeBilling:      8,
	EventServiceStateChange: 9,
	EventStopEntitlement:    10,
	EventStopBilling:        11,
}

// Priority возвращает позицию типа в повествовательном порядке дня.
// Неизвестные типы уходят в конец.
func (t EventType) Priority() int {
	if p, ok := eventTypePriority[t]; ok {
		return p
	}
	return len(eventTypePriority) + 1
}

// Valid проверяет принадлежность типа закрытому множеству.
func (t EventType) Valid() bool {
	_, ok := eventTypePriority[t]
	return ok
}

// SubscriptionEvent — элемент timeline подписки. EffectiveDate —
// календарная дата в таймзоне аккаунта. SequenceNumber заполняется для
// событий, порождённых blocking-записями (0 для переходов); CreatedAt —
// момент создания исходной записи/перехода. Оба поля служат только
// детерминированным tie-break'ом в компараторе.
type SubscriptionEvent struct {
	SubscriptionID string
	EffectiveDate  LocalDate
	Type           EventType
	Service        string
	StateName      string
	PreviousPhase  *PhaseDescriptor
	NextPhase      *PhaseDescriptor
	SequenceNumber int64
	CreatedAt      time.Time
}

// CompareEvents — глобальный компаратор timeline (общий для merge-движка
// и оркестратора bundle). Полный порядок:
//  1. effective-дата;
//  2. приоритет типа события;
//  3. sequence number исходной blocking-записи либо момент создания
//     перехода;
//  4. идентификатор подписки как непрозрачный упорядоченный ключ.
func CompareEvents(a, b SubscriptionEvent) int {
	if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
		return c
	}
	if pa, pb := a.Type.Priority(), b.Type.Priority(); pa != pb {
		return sign(pa - pb)
	}
	if a.SequenceNumber != b.SequenceNumber {
		if a.SequenceNumber < b.SequenceNumber {
			return -1
		}
		return 1
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.SubscriptionID, b.SubscriptionID)
}

// SortEvents упорядочивает события глобальным компаратором.
func SortEvents(events []SubscriptionEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return CompareEvents(events[i], events[j]) < 0
	})
}

// BundleTimeline — неизменяемый снимок timeline всего bundle.
type BundleTimeline struct {
	AccountID   string
	BundleID    string
	ExternalKey string
	Events      []SubscriptionEvent
}
