package accounts

import (
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// MockDirectory — конфигурируемая заглушка AccountDirectory для тестов.
type MockDirectory struct {
	Zones   map[string]*time.Location
	FixedAt time.Time

	TimeZoneCalls int
}

// NewMockDirectory возвращает mock, отвечающий UTC для любого аккаунта.
func NewMockDirectory() *MockDirectory {
	return &MockDirectory{
		Zones:   make(map[string]*time.Location),
		FixedAt: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// SetZone регистрирует зону аккаунта.
func (m *MockDirectory) SetZone(accountID string, loc *time.Location) {
	m.Zones[accountID] = loc
}

// TimeZone возвращает зарегистрированную зону или UTC по умолчанию.
func (m *MockDirectory) TimeZone(accountID string) (*time.Location, error) {
	m.TimeZoneCalls++
	if loc, ok := m.Zones[accountID]; ok {
		if loc == nil {
			return nil, domain.ErrTimeZoneUnknown
		}
		return loc, nil
	}
	return time.UTC, nil
}

// Now возвращает фиксированный момент.
func (m *MockDirectory) Now() time.Time {
	return m.FixedAt
}

var _ domain.AccountDirectory = (*MockDirectory)(nil)
