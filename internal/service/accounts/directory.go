package accounts

import (
	"fmt"
	"sync"
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
)

// Directory — AccountDirectory поверх BundleRepository: резолвит таймзону
// аккаунта по его записи. Распарсенные *time.Location кэшируются: LoadLocation
// читает tzdata с диска.
type Directory struct {
	bundles domain.BundleRepository

	mu    sync.RWMutex
	cache map[string]*time.Location
}

// NewDirectory создаёт справочник аккаунтов поверх репозитория.
func NewDirectory(bundles domain.BundleRepository) *Directory {
	return &Directory{
		bundles: bundles,
		cache:   make(map[string]*time.Location),
	}
}

// TimeZone возвращает зону аккаунта; пустая зона трактуется как UTC.
func (d *Directory) TimeZone(accountID string) (*time.Location, error) {
	account, err := d.bundles.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account.TimeZone == "" {
		return time.UTC, nil
	}

	d.mu.RLock()
	loc, ok := d.cache[account.TimeZone]
	d.mu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err = time.LoadLocation(account.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrTimeZoneUnknown, account.TimeZone)
	}

	d.mu.Lock()
	d.cache[account.TimeZone] = loc
	d.mu.Unlock()
	return loc, nil
}

// Now возвращает текущий момент в UTC.
func (d *Directory) Now() time.Time {
	return time.Now().UTC()
}

var _ domain.AccountDirectory = (*Directory)(nil)
