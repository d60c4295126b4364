package resolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"flowpay/internal/common/database"
	"flowpay/internal/common/money"
	"flowpay/internal/guardrail"
)

// PostgresPlanStore implements PlanStore using PostgreSQL. A partial
// unique index on (intent_id) WHERE committed enforces at most one
// committed plan per intent.
type PostgresPlanStore struct {
	db *database.DB
}

// NewPostgresPlanStore creates a new PostgreSQL plan store.
func NewPostgresPlanStore(db *database.DB) *PostgresPlanStore {
	return &PostgresPlanStore{db: db}
}

var _ PlanStore = (*PostgresPlanStore)(nil)

// Save persists a plan as uncommitted. Saving the same id again replaces
// the stored copy; promotion to committed goes through MarkCommitted.
func (s *PostgresPlanStore) Save(ctx context.Context, plan *Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO resolution_plans (id, intent_id, user_id, committed, plan, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5)
		ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan
	`, plan.ID, plan.IntentID, plan.UserID, payload, plan.CreatedAt)
	return err
}

// GetCommitted returns the committed plan for an intent.
func (s *PostgresPlanStore) GetCommitted(ctx context.Context, intentID string) (*Plan, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT plan FROM resolution_plans WHERE intent_id = $1 AND committed
	`, intentID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCommittedPlan
		}
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

// GetLatest returns the most recent plan for an intent.
func (s *PostgresPlanStore) GetLatest(ctx context.Context, intentID string) (*Plan, error) {
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT plan FROM resolution_plans
		WHERE intent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, intentID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPlan
		}
		return nil, err
	}

	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &plan, nil
}

// MarkCommitted promotes a stored plan to committed.
func (s *PostgresPlanStore) MarkCommitted(ctx context.Context, planID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE resolution_plans SET committed = TRUE WHERE id = $1
	`, planID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("plan %s: intent already has a committed plan: %w", planID, database.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("plan %s not found", planID)
	}
	return nil
}

// PostgresSourceStore implements SourceReader over the funding_sources
// table.
type PostgresSourceStore struct {
	db *database.DB
}

// NewPostgresSourceStore creates a new PostgreSQL source store.
func NewPostgresSourceStore(db *database.DB) *PostgresSourceStore {
	return &PostgresSourceStore{db: db}
}

var _ SourceReader = (*PostgresSourceStore)(nil)

// ListSources returns every funding source for a user, preferred first.
func (s *PostgresSourceStore) ListSources(ctx context.Context, userID string) ([]Source, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, rail_type, name, balance_minor, currency,
		       is_linked, is_available, priority,
		       max_auto_topup_minor, confirm_above_minor, linked_at
		FROM funding_sources
		WHERE user_id = $1
		ORDER BY priority ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		var balanceMinor int64
		var currency string
		var maxTopUp, confirmAbove *int64
		if err := rows.Scan(
			&src.ID, &src.UserID, &src.Type, &src.Name, &balanceMinor, &currency,
			&src.Linked, &src.Available, &src.Priority,
			&maxTopUp, &confirmAbove, &src.LinkedAt,
		); err != nil {
			return nil, err
		}
		src.Currency = money.Currency(currency)
		src.Balance = money.New(balanceMinor, src.Currency)
		if maxTopUp != nil {
			m := money.New(*maxTopUp, src.Currency)
			src.MaxAutoTopUp = &m
		}
		if confirmAbove != nil {
			m := money.New(*confirmAbove, src.Currency)
			src.ConfirmAbove = &m
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// Upsert creates or replaces a funding source.
func (s *PostgresSourceStore) Upsert(ctx context.Context, src Source) error {
	var maxTopUp, confirmAbove *int64
	if src.MaxAutoTopUp != nil {
		maxTopUp = &src.MaxAutoTopUp.AmountMinor
	}
	if src.ConfirmAbove != nil {
		confirmAbove = &src.ConfirmAbove.AmountMinor
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO funding_sources (
			id, user_id, rail_type, name, balance_minor, currency,
			is_linked, is_available, priority,
			max_auto_topup_minor, confirm_above_minor, linked_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			rail_type = EXCLUDED.rail_type,
			name = EXCLUDED.name,
			balance_minor = EXCLUDED.balance_minor,
			currency = EXCLUDED.currency,
			is_linked = EXCLUDED.is_linked,
			is_available = EXCLUDED.is_available,
			priority = EXCLUDED.priority,
			max_auto_topup_minor = EXCLUDED.max_auto_topup_minor,
			confirm_above_minor = EXCLUDED.confirm_above_minor,
			linked_at = EXCLUDED.linked_at,
			updated_at = now()
	`,
		src.ID, src.UserID, src.Type, src.Name, src.Balance.AmountMinor, string(src.Currency),
		src.Linked, src.Available, src.Priority,
		maxTopUp, confirmAbove, src.LinkedAt,
	)
	return err
}

// PostgresConfigStore implements ConfigReader: a per-user override row
// when present, env-configured defaults otherwise.
type PostgresConfigStore struct {
	db       *database.DB
	defaults guardrail.Defaults
}

// NewPostgresConfigStore creates a new PostgreSQL guardrail config store.
func NewPostgresConfigStore(db *database.DB, defaults guardrail.Defaults) *PostgresConfigStore {
	return &PostgresConfigStore{db: db, defaults: defaults}
}

var _ ConfigReader = (*PostgresConfigStore)(nil)

// GuardrailConfig loads the user's guardrail policy in the given currency.
func (s *PostgresConfigStore) GuardrailConfig(ctx context.Context, userID string, currency money.Currency) (guardrail.Config, error) {
	var topUp, single, confirm, daily int64
	var split bool
	err := s.db.QueryRow(ctx, `
		SELECT max_auto_topup_minor, max_single_auto_minor,
		       confirm_above_minor, daily_auto_limit_minor, allow_split_payments
		FROM guardrail_overrides
		WHERE user_id = $1
	`, userID).Scan(&topUp, &single, &confirm, &daily, &split)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.defaults.ConfigFor(currency), nil
		}
		return guardrail.Config{}, err
	}

	return guardrail.Config{
		MaxAutoTopUp:       money.New(topUp, currency),
		MaxSingleAuto:      money.New(single, currency),
		ConfirmAbove:       money.New(confirm, currency),
		DailyAutoLimit:     money.New(daily, currency),
		AllowSplitPayments: split,
	}, nil
}

// SaveOverride stores a per-user guardrail policy override.
func (s *PostgresConfigStore) SaveOverride(ctx context.Context, userID string, cfg guardrail.Config) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO guardrail_overrides (
			user_id, max_auto_topup_minor, max_single_auto_minor,
			confirm_above_minor, daily_auto_limit_minor, allow_split_payments, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE SET
			max_auto_topup_minor = EXCLUDED.max_auto_topup_minor,
			max_single_auto_minor = EXCLUDED.max_single_auto_minor,
			confirm_above_minor = EXCLUDED.confirm_above_minor,
			daily_auto_limit_minor = EXCLUDED.daily_auto_limit_minor,
			allow_split_payments = EXCLUDED.allow_split_payments,
			updated_at = now()
	`,
		userID, cfg.MaxAutoTopUp.AmountMinor, cfg.MaxSingleAuto.AmountMinor,
		cfg.ConfirmAbove.AmountMinor, cfg.DailyAutoLimit.AmountMinor, cfg.AllowSplitPayments,
	)
	return err
}

// PostgresStateStore implements StateStore over the payment_state table.
type PostgresStateStore struct {
	db *database.DB
}

// NewPostgresStateStore creates a new PostgreSQL payment state store.
func NewPostgresStateStore(db *database.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

var _ StateStore = (*PostgresStateStore)(nil)

// GetState loads the user's payment state. Users with no state row get a
// zero counter; the caller's ResetIfStale stamps today's date.
func (s *PostgresStateStore) GetState(ctx context.Context, userID string, currency money.Currency) (guardrail.PaymentState, error) {
	state := guardrail.PaymentState{
		UserID:            userID,
		DailyAutoApproved: money.Zero(currency),
		TypicalAmount:     money.Zero(currency),
	}

	var approved, typical int64
	var resetDate time.Time
	err := s.db.QueryRow(ctx, `
		SELECT daily_auto_approved, last_reset_date, typical_minor
		FROM payment_state
		WHERE user_id = $1
	`, userID).Scan(&approved, &resetDate, &typical)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state, nil
		}
		return state, err
	}

	state.DailyAutoApproved = money.New(approved, currency)
	state.LastResetDate = resetDate.Format("2006-01-02")
	state.TypicalAmount = money.New(typical, currency)
	return state, nil
}

// AddAutoApproved adds amount to the daily counter only if the result
// stays within limit. The guard and the increment are one UPDATE, so
// concurrent commits cannot jointly breach the cap; a counter dated
// before day restarts from zero.
func (s *PostgresStateStore) AddAutoApproved(ctx context.Context, userID string, amount, limit money.Money, day string) (bool, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_state (user_id, daily_auto_approved, last_reset_date, updated_at)
		VALUES ($1, 0, $2::date, now())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, day)
	if err != nil {
		return false, err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE payment_state
		SET daily_auto_approved = CASE
		        WHEN last_reset_date < $2::date THEN $3
		        ELSE daily_auto_approved + $3
		    END,
		    last_reset_date = $2::date,
		    updated_at = now()
		WHERE user_id = $1
		  AND (CASE WHEN last_reset_date < $2::date THEN 0 ELSE daily_auto_approved END) + $3 <= $4
	`, userID, day, amount.AmountMinor, limit.AmountMinor)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordCommitted folds a committed amount into the trailing typical
// transaction size.
func (s *PostgresStateStore) RecordCommitted(ctx context.Context, userID string, amount money.Money) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_state (
			user_id, daily_auto_approved, last_reset_date,
			typical_minor, committed_count, updated_at
		) VALUES ($1, 0, now()::date, $2, 1, now())
		ON CONFLICT (user_id) DO UPDATE SET
			typical_minor = (payment_state.typical_minor * payment_state.committed_count + $2)
			                / (payment_state.committed_count + 1),
			committed_count = payment_state.committed_count + 1,
			updated_at = now()
	`, userID, amount.AmountMinor)
	return err
}
