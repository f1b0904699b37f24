package domain

import "time"

// TransitionType описывает вид lifecycle-перехода подписки.
type TransitionType string

const (
	TransitionCreate     TransitionType = "CREATE"
	TransitionChange     TransitionType = "CHANGE"
	TransitionCancel     TransitionType = "CANCEL"
	TransitionPhase      TransitionType = "PHASE"
	TransitionTransfer   TransitionType = "TRANSFER"
	TransitionUndoChange TransitionType = "UNDO_CHANGE"
)

// Valid проверяет принадлежность типа закрытому множеству.
func (t TransitionType) Valid() bool {
	switch t {
	case TransitionCreate, TransitionChange, TransitionCancel,
		TransitionPhase, TransitionTransfer, TransitionUndoChange:
		return true
	default:
		return false
	}
}

// PhaseDescriptor описывает план/продукт/фазу до или после перехода.
type PhaseDescriptor struct {
	PlanName    string
	ProductName string
	PhaseName   string
}

// SubscriptionTransition — неизменяемый lifecycle-переход подписки.
// CreatedAt служит вторичным tie-break'ом, когда переходы разных
// подписок совпадают по effective-моменту.
type SubscriptionTransition struct {
	ID             string
	SubscriptionID string
	BundleID       string
	Type           TransitionType
	EffectiveAt    time.Time
	PreviousPhase  *PhaseDescriptor
	NextPhase      *PhaseDescriptor
	CreatedAt      time.Time
}

// ValidateInvariants проверяет контракт перехода перед сохранением.
func (t *SubscriptionTransition) ValidateInvariants() []error {
	var errs []error

	if t.SubscriptionID == "" {
		errs = append(errs, ErrSubscriptionIDRequired)
	}
	if !t.Type.Valid() {
		errs = append(errs, ErrUnknownTransitionType)
	}
	if t.EffectiveAt.IsZero() {
		errs = append(errs, ErrEffectiveAtRequired)
	}

	return errs
}
