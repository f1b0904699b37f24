package domain

import "time"

// Account — владелец bundle'ов и подписок. TimeZone задаёт календарную
// зону, в которой считаются effective-даты событий.
type Account struct {
	ID          string
	ExternalKey string
	TimeZone    string
	CreatedAt   time.Time
}

// ValidateInvariants проверяет базовые инварианты аккаунта.
func (a *Account) ValidateInvariants() []error {
	var errs []error

	if a.ID == "" {
		errs = append(errs, ErrAccountIDRequired)
	}
	if a.TimeZone != "" {
		if _, err := time.LoadLocation(a.TimeZone); err != nil {
			errs = append(errs, ErrTimeZoneUnknown)
		}
	}

	return errs
}

// Bundle группирует связанные подписки (base + add-on'ы) одного аккаунта.
type Bundle struct {
	ID          string
	AccountID   string
	ExternalKey string
	CreatedAt   time.Time
}

// ValidateInvariants проверяет базовые инварианты bundle.
func (b *Bundle) ValidateInvariants() []error {
	var errs []error

	if b.ID == "" {
		errs = append(errs, ErrBundleIDRequired)
	}
	if b.AccountID == "" {
		errs = append(errs, ErrAccountIDRequired)
	}

	return errs
}

// Subscription — отдельная подписка внутри bundle.
type Subscription struct {
	ID          string
	BundleID    string
	AccountID   string
	ExternalKey string
	CreatedAt   time.Time
}

// ScopeIDs возвращает полный набор идентификаторов, по которым blocking
// state может применяться к подписке: сама подписка, её bundle и аккаунт.
func (s Subscription) ScopeIDs() ScopeIDs {
	return ScopeIDs{
		AccountID:      s.AccountID,
		BundleID:       s.BundleID,
		SubscriptionID: s.ID,
	}
}

// ValidateInvariants проверяет базовые инварианты подписки.
func (s *Subscription) ValidateInvariants() []error {
	var errs []error

	if s.ID == "" {
		errs = append(errs, ErrSubscriptionIDRequired)
	}
	if s.BundleID == "" {
		errs = append(errs, ErrBundleIDRequired)
	}
	if s.AccountID == "" {
		errs = append(errs, ErrAccountIDRequired)
	}

	return errs
}
