package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"flowpay/internal/common/database"
)

// ErrNotFound is returned when no intent matches.
var ErrNotFound = errors.New("intent not found")

// ErrCurrentExists is returned when a user already has a current intent.
var ErrCurrentExists = errors.New("user already has a current intent")

// HistoryRecord is a closed intent in the immutable transaction log.
type HistoryRecord struct {
	Intent   Intent    `json:"intent"`
	ClosedAt time.Time `json:"closed_at"`
}

// Store persists intents: one mutable "current" slot per user plus an
// append-only history of terminal intents.
type Store interface {
	PutCurrent(ctx context.Context, i Intent) error
	GetCurrent(ctx context.Context, userID string) (Intent, error)
	GetByID(ctx context.Context, intentID string) (Intent, error)
	Update(ctx context.Context, i Intent) error
	// Archive appends the terminal intent to history and clears the slot.
	Archive(ctx context.Context, i Intent) error
	ListHistory(ctx context.Context, userID string, limit int) ([]HistoryRecord, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// PutCurrent stores the intent as the user's current intent. A user has
// at most one current intent; a second insert fails.
func (s *PostgresStore) PutCurrent(ctx context.Context, i Intent) error {
	m := i.Common()
	payload, err := Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	amount := RequestedAmount(i)

	query := `
		INSERT INTO current_intents (
			user_id, intent_id, kind, trigger_source, status,
			amount_minor, currency, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO NOTHING
	`

	tag, err := s.db.Exec(ctx, query,
		m.UserID, m.ID, i.Kind(), m.Trigger, m.Status,
		amount.AmountMinor, amount.Currency, payload, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCurrentExists
	}
	return nil
}

// GetCurrent retrieves the user's current intent.
func (s *PostgresStore) GetCurrent(ctx context.Context, userID string) (Intent, error) {
	query := `SELECT kind, payload FROM current_intents WHERE user_id = $1`
	return s.scanIntent(s.db.QueryRow(ctx, query, userID))
}

// GetByID retrieves a current intent by its id.
func (s *PostgresStore) GetByID(ctx context.Context, intentID string) (Intent, error) {
	query := `SELECT kind, payload FROM current_intents WHERE intent_id = $1`
	return s.scanIntent(s.db.QueryRow(ctx, query, intentID))
}

// Update persists a status change to the current intent.
func (s *PostgresStore) Update(ctx context.Context, i Intent) error {
	m := i.Common()
	payload, err := Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	query := `
		UPDATE current_intents
		SET status = $2, payload = $3, updated_at = $4
		WHERE intent_id = $1
	`
	tag, err := s.db.Exec(ctx, query, m.ID, m.Status, payload, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Archive moves a terminal intent into the history log and clears the
// user's current slot, atomically.
func (s *PostgresStore) Archive(ctx context.Context, i Intent) error {
	m := i.Common()
	if !m.IsTerminal() {
		return fmt.Errorf("cannot archive non-terminal intent %s (status %s)", m.ID, m.Status)
	}

	payload, err := Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	amount := RequestedAmount(i)

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO intent_history (
				intent_id, user_id, kind, trigger_source, status,
				amount_minor, currency, payload, created_at, closed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			m.ID, m.UserID, i.Kind(), m.Trigger, m.Status,
			amount.AmountMinor, amount.Currency, payload, m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM current_intents WHERE intent_id = $1`, m.ID); err != nil {
			return fmt.Errorf("clear current slot: %w", err)
		}
		return nil
	})
}

// ListHistory lists closed intents for a user, most recent first.
func (s *PostgresStore) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT kind, payload, closed_at
		FROM intent_history
		WHERE user_id = $1
		ORDER BY closed_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var kind Kind
		var payload []byte
		var closedAt time.Time
		if err := rows.Scan(&kind, &payload, &closedAt); err != nil {
			return nil, err
		}
		i, err := Unmarshal(kind, payload)
		if err != nil {
			return nil, err
		}
		records = append(records, HistoryRecord{Intent: i, ClosedAt: closedAt})
	}
	return records, rows.Err()
}

func (s *PostgresStore) scanIntent(row pgx.Row) (Intent, error) {
	var kind Kind
	var payload []byte
	if err := row.Scan(&kind, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return Unmarshal(kind, payload)
}
