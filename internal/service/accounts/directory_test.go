package accounts

import (
	"errors"
	"testing"
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
	"github.com/killbill/killbill-sub011/internal/storage/memory"
)

func TestDirectoryTimeZone(t *testing.T) {
	repo := memory.NewBundleRepository()
	if err := repo.CreateAccount(domain.Account{ID: "account-tokyo", TimeZone: "Asia/Tokyo"}); err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	if err := repo.CreateAccount(domain.Account{ID: "account-default"}); err != nil {
		t.Fatalf("create account failed: %v", err)
	}

	dir := NewDirectory(repo)

	loc, err := dir.TimeZone("account-tokyo")
	if err != nil {
		t.Fatalf("timezone lookup failed: %v", err)
	}
	if loc.String() != "Asia/Tokyo" {
		t.Fatalf("zone = %s, want Asia/Tokyo", loc)
	}

	// Повторный lookup идёт из кэша и возвращает ту же зону.
	cached, err := dir.TimeZone("account-tokyo")
	if err != nil {
		t.Fatalf("cached lookup failed: %v", err)
	}
	if cached != loc {
		t.Fatal("expected cached *time.Location instance")
	}

	utc, err := dir.TimeZone("account-default")
	if err != nil {
		t.Fatalf("default lookup failed: %v", err)
	}
	if utc != time.UTC {
		t.Fatalf("zone = %s, want UTC", utc)
	}

	if _, err := dir.TimeZone("missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestDirectoryNowIsUTC(t *testing.T) {
	dir := NewDirectory(memory.NewBundleRepository())

	now := dir.Now()
	if now.Location() != time.UTC {
		t.Fatalf("Now location = %s, want UTC", now.Location())
	}
}

func TestMockDirectory(t *testing.T) {
	mock := NewMockDirectory()

	loc, err := mock.TimeZone("any")
	if err != nil {
		t.Fatalf("timezone failed: %v", err)
	}
	if loc != time.UTC {
		t.Fatalf("zone = %s, want UTC", loc)
	}

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	mock.SetZone("account-1", tokyo)
	loc, err = mock.TimeZone("account-1")
	if err != nil {
		t.Fatalf("timezone failed: %v", err)
	}
	if loc != tokyo {
		t.Fatal("expected registered zone")
	}

	mock.SetZone("account-broken", nil)
	if _, err := mock.TimeZone("account-broken"); !errors.Is(err, domain.ErrTimeZoneUnknown) {
		t.Fatalf("expected ErrTimeZoneUnknown, got %v", err)
	}

	if mock.TimeZoneCalls != 3 {
		t.Fatalf("calls = %d, want 3", mock.TimeZoneCalls)
	}
}
