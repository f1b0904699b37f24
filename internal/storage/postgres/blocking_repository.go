package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/killbill/killbill-sub011/internal/domain"
)

const opTimeout = 5 * time.Second

type blockingStateRepository struct {
	db *sql.DB
}

// NewBlockingStateRepository создаёт PostgreSQL-реализацию BlockingStateRepository.
func NewBlockingStateRepository(store *Store) domain.BlockingStateRepository {
	return &blockingStateRepository{db: store.DB()}
}

// Record сохраняет blocking-запись. SequenceNumber назначает база через
// BIGSERIAL: клиентское значение игнорируется, монотонность обеспечивает
// последовательность PostgreSQL.
func (r *blockingStateRepository) Record(state domain.BlockingState) (domain.BlockingState, error) {
	if errs := state.ValidateInvariants(); len(errs) > 0 {
		return domain.BlockingState{}, errs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO blocking_states (
			id, blocked_id, scope, state_name, service,
			block_entitlement, block_billing, block_change,
			effective_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING sequence_number
	`,
		state.ID, state.BlockedID, string(state.Scope), state.StateName, state.Service,
		state.BlockEntitlement, state.BlockBilling, state.BlockChange,
		state.EffectiveAt, state.CreatedAt,
	).Scan(&state.SequenceNumber)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.BlockingState{}, domain.ErrEntityAlreadyExists
		}
		return domain.BlockingState{}, fmt.Errorf("insert blocking state: %w", err)
	}

	return state, nil
}

func (r *blockingStateRepository) ListByBlockedIDs(ids ...string) ([]domain.BlockingState, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, blocked_id, scope, state_name, service,
		       block_entitlement, block_billing, block_change,
		       effective_at, sequence_number, created_at
		FROM blocking_states
		WHERE blocked_id IN (%s)
		ORDER BY sequence_number
	`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select blocking states: %w", err)
	}
	defer rows.Close()

	var result []domain.BlockingState
	for rows.Next() {
		var (
			state domain.BlockingState
			scope string
		)
		if err := rows.Scan(
			&state.ID, &state.BlockedID, &scope, &state.StateName, &state.Service,
			&state.BlockEntitlement, &state.BlockBilling, &state.BlockChange,
			&state.EffectiveAt, &state.SequenceNumber, &state.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan blocking state: %w", err)
		}
		state.Scope = domain.BlockingScope(scope)
		state.EffectiveAt = state.EffectiveAt.UTC()
		state.CreatedAt = state.CreatedAt.UTC()
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocking states: %w", err)
	}

	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

var _ domain.BlockingStateRepository = (*blockingStateRepository)(nil)
