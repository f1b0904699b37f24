package timeline

import (
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// MergeConfig задаёт зарезервированные маркеры и well-known сервисы,
// которые merge-движок интерпретирует семантически. Передаётся явно,
// чтобы edge-логика не опиралась на строковые литералы по месту.
type MergeConfig struct {
	EntitlementService string
	BillingService     string
	StartMarker        string
	CancelMarker       string
}

// DefaultMergeConfig возвращает стандартные маркеры и сервисы домена.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		EntitlementService: domain.EntitlementService,
		BillingService:     domain.BillingService,
		StartMarker:        domain.StateEntitlementStarted,
		CancelMarker:       domain.StateEntitlementCancelled,
	}
}

// waypointKey — пара (service, stateName) для подавления повторных
// SERVICE_STATE_CHANGE-событий.
type waypointKey struct {
	service string
	state   string
}

// Merge накладывает применимые blocking-записи на базовые события одной
// подписки и возвращает объединённый, глобально отсортированный timeline.
//
// Алгоритм (детерминированный при любом порядке candidates):
//  1. scope-резолюция: остаются записи, нацеленные на подписку, её
//     bundle или аккаунт;
//  2. явная сортировка по (EffectiveAt, SequenceNumber);
//  3. обход с edge-детекцией по двум независимым булевым измерениям
//     (entitlement, billing): событие возникает только на фактической
//     смене значения. Записи трактуются литерально — RESUME без
//     предшествующего PAUSE не ошибка, а переход false→false без
//     события. Повторные записи с тем же результирующим состоянием
//     поглощаются молча;
//  4. записи, не меняющие ни одно измерение, оставляют ровно один
//     SERVICE_STATE_CHANGE-waypoint на пару (service, stateName);
//  5. маркер entitlement-старта закрепляет дату START_ENTITLEMENT
//     (без маркера она остаётся датой billing-старта — режим обратной
//     совместимости); маркер отмены закрепляет даты STOP-событий;
//  6. склейка с базовыми событиями и пересортировка глобальным
//     компаратором.
//
// Входные срезы не мутируются; результат строится заново на каждый вызов.
func Merge(
	sub domain.Subscription,
	baseEvents []domain.SubscriptionEvent,
	candidates []domain.BlockingState,
	cfg MergeConfig,
	loc *time.Location,
) []domain.SubscriptionEvent {
	scope := sub.ScopeIDs()
	applicable := make([]domain.BlockingState, 0, len(candidates))
	for _, st := range candidates {
		if scope.Applies(st) {
			applicable = append(applicable, st)
		}
	}
	domain.SortBlockingStates(applicable)

	var (
		entBlocked  bool
		billBlocked bool

		entStartDate   *domain.LocalDate
		cancelEntDate  *domain.LocalDate
		cancelBillDate *domain.LocalDate

		seen        = make(map[waypointKey]struct{})
		synthesized []domain.SubscriptionEvent
	)

	for _, st := range applicable {
		date := domain.LocalDateOf(st.EffectiveAt, loc)

		if st.StateName == cfg.StartMarker {
			if entStartDate == nil {
				d := date
				entStartDate = &d
			}
			// Маркер представлен START_ENTITLEMENT-событием и не
			// порождает собственных; булевы измерения присваиваются
			// литерально, как у любой записи.
			entBlocked = st.BlockEntitlement
			billBlocked = st.BlockBilling
			continue
		}

		isCancelMarker := st.StateName == cfg.CancelMarker
		if isCancelMarker {
			if st.BlockEntitlement && cancelEntDate == nil {
				d := date
				cancelEntDate = &d
			}
			if st.BlockBilling && cancelBillDate == nil {
				d := date
				cancelBillDate = &d
			}
		}

		emitted := false

		// Фиксированный same-instant порядок: entitlement-сторона
		// раньше billing-стороны.
		if st.BlockEntitlement != entBlocked {
			typ := domain.EventPauseEntitlement
			switch {
			case isCancelMarker:
				typ = domain.EventStopEntitlement
			case !st.BlockEntitlement:
				typ = domain.EventResumeEntitlement
			}
			synthesized = append(synthesized, eventFromState(sub.ID, st, typ, date))
			entBlocked = st.BlockEntitlement
			emitted = true
		}

		if st.BlockBilling != billBlocked {
			typ := domain.EventPauseBilling
			switch {
			case isCancelMarker:
				typ = domain.EventStopBilling
			case !st.BlockBilling:
				typ = domain.EventResumeBilling
			}
			synthesized = append(synthesized, eventFromState(sub.ID, st, typ, date))
			billBlocked = st.BlockBilling
			emitted = true
		}

		key := waypointKey{service: st.Service, state: st.StateName}
		if emitted || isCancelMarker {
			seen[key] = struct{}{}
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		synthesized = append(synthesized, eventFromState(sub.ID, st, domain.EventServiceStateChange, date))
	}

	// Базовые события копируются: входы неизменяемы по контракту.
	merged := make([]domain.SubscriptionEvent, len(baseEvents))
	copy(merged, baseEvents)

	baseHasStopEnt := false
	baseHasStopBill := false
	for i := range merged {
		switch merged[i].Type {
		case domain.EventStartEntitlement:
			if entStartDate != nil {
				merged[i].EffectiveDate = *entStartDate
			}
		case domain.EventStartBilling:
			// Маркер старта может закрепить дату позже billing-старта;
			// billing тогда сдвигается к ней: START_ENTITLEMENT всегда
			// открывает список, START_BILLING — той же датой или позже.
			if entStartDate != nil && merged[i].EffectiveDate.Before(*entStartDate) {
				merged[i].EffectiveDate = *entStartDate
			}
		case domain.EventStopEntitlement:
			baseHasStopEnt = true
			if cancelEntDate != nil {
				merged[i].EffectiveDate = *cancelEntDate
			}
		case domain.EventStopBilling:
			baseHasStopBill = true
			if cancelBillDate != nil {
				merged[i].EffectiveDate = *cancelBillDate
			}
		}
	}

	// STOP-события от маркера отмены дублируют базовые, если CANCEL-переход
	// уже синтезировал их: маркер тогда лишь передатирует базовые.
	for _, ev := range synthesized {
		if ev.Type == domain.EventStopEntitlement && baseHasStopEnt {
			continue
		}
		if ev.Type == domain.EventStopBilling && baseHasStopBill {
			continue
		}
		merged = append(merged, ev)
	}

	domain.SortEvents(merged)
	return merged
}

// eventFromState строит событие из blocking-записи, перенося её
// sequence number и момент создания как tie-break'и компаратора.
func eventFromState(subscriptionID string, st domain.BlockingState, typ domain.EventType, date domain.LocalDate) domain.SubscriptionEvent {
	createdAt := st.CreatedAt
	if createdAt.IsZero() {
		createdAt = st.EffectiveAt
	}
	return domain.SubscriptionEvent{
		SubscriptionID: subscriptionID,
		EffectiveDate:  date,
		Type:           typ,
		Service:        st.Service,
		StateName:      st.StateName,
		SequenceNumber: st.SequenceNumber,
		CreatedAt:      createdAt,
	}
}
