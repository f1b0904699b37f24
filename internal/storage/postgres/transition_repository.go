package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/killbill/killbill-sub011/internal/domain"
)

type transitionRepository struct {
	db *sql.DB
}

// NewTransitionRepository создаёт PostgreSQL-реализацию TransitionRepository.
func NewTransitionRepository(store *Store) domain.TransitionRepository {
	return &transitionRepository{db: store.DB()}
}

func (r *transitionRepository) Append(transition domain.SubscriptionTransition) error {
	if errs := transition.ValidateInvariants(); len(errs) > 0 {
		return errs[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if transition.CreatedAt.IsZero() {
		transition.CreatedAt = time.Now().UTC()
	}

	prevPlan, prevProduct, prevPhase := phaseColumns(transition.PreviousPhase)
	nextPlan, nextProduct, nextPhase := phaseColumns(transition.NextPhase)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscription_transitions (
			id, subscription_id, bundle_id, type, effective_at,
			prev_plan_name, prev_product_name, prev_phase_name,
			next_plan_name, next_product_name, next_phase_name,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		transition.ID, transition.SubscriptionID, transition.BundleID,
		string(transition.Type), transition.EffectiveAt,
		prevPlan, prevProduct, prevPhase,
		nextPlan, nextProduct, nextPhase,
		transition.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEntityAlreadyExists
		}
		return fmt.Errorf("insert subscription transition: %w", err)
	}

	return nil
}

func (r *transitionRepository) ListBySubscription(subscriptionID string) ([]domain.SubscriptionTransition, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subscription_id, bundle_id, type, effective_at,
		       prev_plan_name, prev_product_name, prev_phase_name,
		       next_plan_name, next_product_name, next_phase_name,
		       created_at
		FROM subscription_transitions
		WHERE subscription_id = $1
		ORDER BY effective_at, created_at
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("select subscription transitions: %w", err)
	}
	defer rows.Close()

	var result []domain.SubscriptionTransition
	for rows.Next() {
		var (
			tr                                 domain.SubscriptionTransition
			trType                             string
			prevPlan, prevProduct, prevPhase   sql.NullString
			nextPlan, nextProduct, nextPhase   sql.NullString
		)
		if err := rows.Scan(
			&tr.ID, &tr.SubscriptionID, &tr.BundleID, &trType, &tr.EffectiveAt,
			&prevPlan, &prevProduct, &prevPhase,
			&nextPlan, &nextProduct, &nextPhase,
			&tr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription transition: %w", err)
		}
		tr.Type = domain.TransitionType(trType)
		tr.EffectiveAt = tr.EffectiveAt.UTC()
		tr.CreatedAt = tr.CreatedAt.UTC()
		tr.PreviousPhase = phaseFromColumns(prevPlan, prevProduct, prevPhase)
		tr.NextPhase = phaseFromColumns(nextPlan, nextProduct, nextPhase)
		result = append(result, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription transitions: %w", err)
	}

	return result, nil
}

func phaseColumns(phase *domain.PhaseDescriptor) (plan, product, phaseName sql.NullString) {
	if phase == nil {
		return
	}
	plan = sql.NullString{String: phase.PlanName, Valid: true}
	product = sql.NullString{String: phase.ProductName, Valid: true}
	phaseName = sql.NullString{String: phase.PhaseName, Valid: true}
	return
}

func phaseFromColumns(plan, product, phaseName sql.NullString) *domain.PhaseDescriptor {
	if !plan.Valid && !product.Valid && !phaseName.Valid {
		return nil
	}
	return &domain.PhaseDescriptor{
		PlanName:    plan.String,
		ProductName: product.String,
		PhaseName:   phaseName.String,
	}
}

var _ domain.TransitionRepository = (*transitionRepository)(nil)
