package timeline

import (
	"fmt"
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// synthesizeTransition конвертирует lifecycle-переход в одно или два
// семантических события. Чистая функция без побочных эффектов; падает
// только на типе перехода вне закрытого enum'а (нарушение контракта
// Transition Source).
func synthesizeTransition(tr domain.SubscriptionTransition, loc *time.Location) ([]domain.SubscriptionEvent, error) {
	date := domain.LocalDateOf(tr.EffectiveAt, loc)

	base := domain.SubscriptionEvent{
		SubscriptionID: tr.SubscriptionID,
		EffectiveDate:  date,
		PreviousPhase:  tr.PreviousPhase,
		NextPhase:      tr.NextPhase,
		CreatedAt:      tr.CreatedAt,
	}

	event := func(typ domain.EventType, service, stateName string) domain.SubscriptionEvent {
		ev := base
		ev.Type = typ
		ev.Service = service
		ev.StateName = stateName
		return ev
	}

	switch tr.Type {
	case domain.TransitionCreate, domain.TransitionTransfer:
		// Entitlement-старт всегда предшествует billing-старту в пределах дня.
		return []domain.SubscriptionEvent{
			event(domain.EventStartEntitlement, domain.EntitlementService, domain.StateEntitlementStarted),
			event(domain.EventStartBilling, domain.BillingService, string(domain.EventStartBilling)),
		}, nil
	case domain.TransitionCancel:
		// Дата billing-стопа может быть переопределена blocking-записью
		// с маркером отмены: стороны отменяются независимо.
		return []domain.SubscriptionEvent{
			event(domain.EventStopEntitlement, domain.EntitlementService, domain.StateEntitlementCancelled),
			event(domain.EventStopBilling, domain.BillingService, string(domain.EventStopBilling)),
		}, nil
	case domain.TransitionPhase:
		return []domain.SubscriptionEvent{
			event(domain.EventPhase, domain.EntitlementBillingService, string(domain.EventPhase)),
		}, nil
	case domain.TransitionChange, domain.TransitionUndoChange:
		return []domain.SubscriptionEvent{
			event(domain.EventChange, domain.EntitlementBillingService, string(domain.EventChange)),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownTransitionType, tr.Type)
	}
}

// synthesizeAll прогоняет все переходы подписки через синтезатор.
func synthesizeAll(transitions []domain.SubscriptionTransition, loc *time.Location) ([]domain.SubscriptionEvent, error) {
	events := make([]domain.SubscriptionEvent, 0, 2*len(transitions))
	for _, tr := range transitions {
		synthesized, err := synthesizeTransition(tr, loc)
		if err != nil {
			return nil, err
		}
		events = append(events, synthesized...)
	}
	return events, nil
}
