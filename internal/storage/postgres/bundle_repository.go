package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
)

type bundleRepository struct {
	db *sql.DB
}

// NewBundleRepository создаёт PostgreSQL-реализацию BundleRepository.
func NewBundleRepository(store *Store) domain.BundleRepository {
	return &bundleRepository{db: store.DB()}
}

func (r *bundleRepository) CreateAccount(account domain.Account) error {
	if errs := account.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, external_key, time_zone, created_at)
		VALUES ($1,$2,$3,$4)
	`, account.ID, account.ExternalKey, account.TimeZone, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEntityAlreadyExists
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

func (r *bundleRepository) GetAccount(id string) (domain.Account, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var account domain.Account
	err := r.db.QueryRowContext(ctx, `
		SELECT id, external_key, time_zone, created_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&account.ID, &account.ExternalKey, &account.TimeZone, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrAccountNotFound
		}
		return domain.Account{}, fmt.Errorf("select account: %w", err)
	}
	account.CreatedAt = account.CreatedAt.UTC()

	return account, nil
}

func (r *bundleRepository) CreateBundle(bundle domain.Bundle) error {
	if errs := bundle.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if bundle.CreatedAt.IsZero() {
		bundle.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bundles (id, account_id, external_key, created_at)
		VALUES ($1,$2,$3,$4)
	`, bundle.ID, bundle.AccountID, bundle.ExternalKey, bundle.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEntityAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("insert bundle: %w", err)
	}

	return nil
}

func (r *bundleRepository) GetBundle(id string) (domain.Bundle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var bundle domain.Bundle
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, external_key, created_at
		FROM bundles
		WHERE id = $1
	`, id).Scan(&bundle.ID, &bundle.AccountID, &bundle.ExternalKey, &bundle.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Bundle{}, domain.ErrBundleNotFound
		}
		return domain.Bundle{}, fmt.Errorf("select bundle: %w", err)
	}
	bundle.CreatedAt = bundle.CreatedAt.UTC()

	return bundle, nil
}

func (r *bundleRepository) CreateSubscription(subscription domain.Subscription) error {
	if subscription.ID == "" {
		return domain.ErrSubscriptionIDRequired
	}
	if subscription.BundleID == "" {
		return domain.ErrBundleIDRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if subscription.CreatedAt.IsZero() {
		subscription.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, bundle_id, account_id, external_key, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`,
		subscription.ID, subscription.BundleID, subscription.AccountID,
		subscription.ExternalKey, subscription.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEntityAlreadyExists
		}
		if isForeignKeyViolation(err) {
			return domain.ErrBundleNotFound
		}
		return fmt.Errorf("insert subscription: %w", err)
	}

	return nil
}

func (r *bundleRepository) GetSubscription(id string) (domain.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var sub domain.Subscription
	err := r.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, account_id, external_key, created_at
		FROM subscriptions
		WHERE id = $1
	`, id).Scan(&sub.ID, &sub.BundleID, &sub.AccountID, &sub.ExternalKey, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subscription{}, domain.ErrSubscriptionNotFound
		}
		return domain.Subscription{}, fmt.Errorf("select subscription: %w", err)
	}
	sub.CreatedAt = sub.CreatedAt.UTC()

	return sub, nil
}

func (r *bundleRepository) ListSubscriptions(bundleID string) ([]domain.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, bundle_id, account_id, external_key, created_at
		FROM subscriptions
		WHERE bundle_id = $1
		ORDER BY created_at, id
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	var result []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ID, &sub.BundleID, &sub.AccountID, &sub.ExternalKey, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.CreatedAt = sub.CreatedAt.UTC()
		result = append(result, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return result, nil
}

var _ domain.BundleRepository = (*bundleRepository)(nil)
