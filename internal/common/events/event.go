package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"flowpay/internal/common/money"
)

// Envelope wraps all domain events with common metadata.
type Envelope struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        string          `json:"user_id"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// New creates a new event envelope.
func New(eventType, userID, aggregateID string, data any) (*Envelope, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:          ulid.Make().String(),
		Type:        eventType,
		Version:     1,
		OccurredAt:  time.Now().UTC(),
		UserID:      userID,
		AggregateID: aggregateID,
		Data:        dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID.
func (e *Envelope) WithCorrelation(correlationID string) *Envelope {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct.
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker. Publishing from the
// payment flow is fire-and-forget; implementations must not block it.
type Publisher interface {
	Publish(ctx context.Context, event *Envelope) error
}

// Event types
const (
	EventIntentCreated    = "payments.intent.created"
	EventIntentAuthorized = "payments.intent.authorized"
	EventIntentCompleted  = "payments.intent.completed"
	EventIntentCancelled  = "payments.intent.cancelled"
	EventIntentFailed     = "payments.intent.failed"
	EventPlanResolved     = "payments.plan.resolved"
	EventHandoffInitiated = "payments.handoff.initiated"
	EventHandoffClosed    = "payments.handoff.closed"
)

// IntentEventData is the data for intent lifecycle events.
type IntentEventData struct {
	IntentID string      `json:"intent_id"`
	Kind     string      `json:"kind"`
	Trigger  string      `json:"trigger"`
	Status   string      `json:"status"`
	Amount   money.Money `json:"amount"`
}

// PlanResolvedData is the data for plan.resolved events.
type PlanResolvedData struct {
	PlanID        string      `json:"plan_id"`
	IntentID      string      `json:"intent_id"`
	Rail          string      `json:"rail"`
	FallbackRail  string      `json:"fallback_rail,omitempty"`
	Amount        money.Money `json:"amount"`
	TopUpNeeded   bool        `json:"topup_needed"`
	TopUpAmount   money.Money `json:"topup_amount,omitempty"`
	ExecutionMode string      `json:"execution_mode"`
	RiskLevel     string      `json:"risk_level"`
	Committed     bool        `json:"committed"`
}

// HandoffEventData is the data for handoff events.
type HandoffEventData struct {
	IntentID string      `json:"intent_id"`
	PlanID   string      `json:"plan_id"`
	Rail     string      `json:"rail"`
	Amount   money.Money `json:"amount"`
	Method   string      `json:"method,omitempty"`
	Outcome  string      `json:"outcome,omitempty"`
}
