// Package payments orchestrates the payment flow: trigger payload to
// intent, intent to resolution plan, plan to handoff, user self-report
// to transaction record.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flowpay/internal/common/events"
	"flowpay/internal/common/money"
	"flowpay/internal/guardrail"
	"flowpay/internal/handoff"
	"flowpay/internal/intent"
	"flowpay/internal/resolution"
)

// SourceStore is the funding-source surface the service exposes.
type SourceStore interface {
	resolution.SourceReader
	Upsert(ctx context.Context, src resolution.Source) error
}

// ConfigStore is the guardrail policy surface the service exposes.
type ConfigStore interface {
	resolution.ConfigReader
	SaveOverride(ctx context.Context, userID string, cfg guardrail.Config) error
}

// ErrNotAuthorized is returned when a handoff is requested before the
// intent's plan was committed and authorized.
var ErrNotAuthorized = errors.New("intent is not authorized for handoff")

// ErrWrongUser is returned when an intent belongs to another user.
var ErrWrongUser = errors.New("intent does not belong to this user")

// Service wires the parser, engine, coordinator and stores into the
// payment flow.
type Service struct {
	intents     intent.Store
	engine      *resolution.Engine
	plans       resolution.PlanStore
	sources     SourceStore
	config      ConfigStore
	coordinator *handoff.Coordinator
	publisher   events.Publisher
	logger      *slog.Logger
}

// NewService creates a payments service.
func NewService(
	intents intent.Store,
	engine *resolution.Engine,
	plans resolution.PlanStore,
	sources SourceStore,
	config ConfigStore,
	coordinator *handoff.Coordinator,
	publisher events.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		intents:     intents,
		engine:      engine,
		plans:       plans,
		sources:     sources,
		config:      config,
		coordinator: coordinator,
		publisher:   publisher,
		logger:      logger,
	}
}

// CreateFromQR parses QR text into an intent and stores it as the user's
// current intent.
func (s *Service) CreateFromQR(ctx context.Context, userID, payload string) (intent.Intent, error) {
	i, err := intent.ParseQR(userID, payload)
	if err != nil {
		return nil, err
	}
	return s.storeNew(ctx, i)
}

// CreateFromLink parses a payment-link payload into an intent.
func (s *Service) CreateFromLink(ctx context.Context, userID string, p intent.LinkPayload) (intent.Intent, error) {
	i, err := intent.ParseLink(userID, p)
	if err != nil {
		return nil, err
	}
	return s.storeNew(ctx, i)
}

// CreateFromContact builds a zero-amount SEND_MONEY intent from a
// contact selection.
func (s *Service) CreateFromContact(ctx context.Context, userID string, c intent.Contact) (intent.Intent, error) {
	return s.storeNew(ctx, intent.FromContact(userID, c))
}

// ManualRequest constructs one of the three intent variants directly.
type ManualRequest struct {
	Kind         intent.Kind          `json:"kind" validate:"required,oneof=PAY_MERCHANT SEND_MONEY RECEIVE_MONEY"`
	AmountMinor  int64                `json:"amount_minor" validate:"gte=0"`
	Currency     string               `json:"currency" validate:"required,len=3"`
	Merchant     *intent.Merchant     `json:"merchant,omitempty"`
	Recipient    *intent.Recipient    `json:"recipient,omitempty"`
	Counterparty *intent.Counterparty `json:"counterparty,omitempty"`
	Reference    string               `json:"reference,omitempty"`
	Note         string               `json:"note,omitempty"`
}

// CreateManual builds an intent from a manual entry request.
func (s *Service) CreateManual(ctx context.Context, userID string, req ManualRequest) (intent.Intent, error) {
	amount := money.New(req.AmountMinor, money.Currency(req.Currency))

	var i intent.Intent
	switch req.Kind {
	case intent.KindPayMerchant:
		if req.Merchant == nil {
			return nil, fmt.Errorf("%w: merchant required for %s", intent.ErrUnrecognizedPayload, req.Kind)
		}
		i = intent.NewPayMerchant(userID, *req.Merchant, amount, req.Reference)
	case intent.KindSendMoney:
		if req.Recipient == nil {
			return nil, fmt.Errorf("%w: recipient required for %s", intent.ErrUnrecognizedPayload, req.Kind)
		}
		i = intent.NewSendMoney(userID, *req.Recipient, amount, req.Note)
	case intent.KindReceiveMoney:
		i = intent.NewReceiveMoney(userID, amount, req.Counterparty, req.Note)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", intent.ErrUnrecognizedPayload, req.Kind)
	}

	return s.storeNew(ctx, i)
}

func (s *Service) storeNew(ctx context.Context, i intent.Intent) (intent.Intent, error) {
	if err := s.intents.PutCurrent(ctx, i); err != nil {
		return nil, err
	}

	s.publishIntent(ctx, events.EventIntentCreated, i)

	m := i.Common()
	s.logger.Info("intent created",
		"intent_id", m.ID,
		"kind", i.Kind(),
		"trigger", m.Trigger,
	)
	return i, nil
}

// Resolve runs the engine against a pending intent. Committing an
// auto-approved plan authorizes the intent in the same call.
func (s *Service) Resolve(ctx context.Context, userID, intentID string, mode resolution.Mode) (*resolution.Plan, error) {
	i, err := s.ownedIntent(ctx, userID, intentID)
	if err != nil {
		return nil, err
	}

	plan, err := s.engine.Resolve(ctx, i, mode)
	if err != nil {
		return nil, err
	}

	if mode == resolution.ModeCommit && !plan.RequiresConfirmation {
		if err := s.authorize(ctx, i); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// Confirm applies the user's explicit approval to an awaiting plan:
// the plan becomes committed and the intent authorized. The daily
// auto-approval counter is untouched.
func (s *Service) Confirm(ctx context.Context, userID, intentID string) (*resolution.Plan, error) {
	i, err := s.ownedIntent(ctx, userID, intentID)
	if err != nil {
		return nil, err
	}

	plan, err := s.plans.GetLatest(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("loading plan for intent %s: %w", intentID, err)
	}

	if err := s.engine.CommitConfirmed(ctx, plan); err != nil {
		return nil, err
	}

	if err := s.authorize(ctx, i); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) authorize(ctx context.Context, i intent.Intent) error {
	m := i.Common()
	if m.Status == intent.StatusAuthorized {
		return nil
	}
	if err := m.Authorize(); err != nil {
		return err
	}
	if err := s.intents.Update(ctx, i); err != nil {
		return fmt.Errorf("persisting authorized intent: %w", err)
	}
	s.publishIntent(ctx, events.EventIntentAuthorized, i)
	return nil
}

// Cancel closes a pending intent as cancelled and archives it.
func (s *Service) Cancel(ctx context.Context, userID, intentID string) (intent.Intent, error) {
	return s.closeIntent(ctx, userID, intentID, func(m *intent.Meta) error { return m.Cancel() }, events.EventIntentCancelled)
}

// Complete records the user-attested success of an authorized intent.
func (s *Service) Complete(ctx context.Context, userID, intentID string) (intent.Intent, error) {
	return s.closeIntent(ctx, userID, intentID, func(m *intent.Meta) error { return m.Complete() }, events.EventIntentCompleted)
}

// Fail records a failure self-report and archives the intent.
func (s *Service) Fail(ctx context.Context, userID, intentID string) (intent.Intent, error) {
	return s.closeIntent(ctx, userID, intentID, func(m *intent.Meta) error { return m.Fail() }, events.EventIntentFailed)
}

func (s *Service) closeIntent(ctx context.Context, userID, intentID string, transition func(*intent.Meta) error, eventType string) (intent.Intent, error) {
	i, err := s.ownedIntent(ctx, userID, intentID)
	if err != nil {
		return nil, err
	}

	if err := transition(i.Common()); err != nil {
		return nil, err
	}

	if err := s.intents.Archive(ctx, i); err != nil {
		return nil, fmt.Errorf("archiving intent: %w", err)
	}

	s.publishIntent(ctx, eventType, i)

	s.logger.Info("intent closed",
		"intent_id", intentID,
		"status", i.Common().Status,
	)
	return i, nil
}

// Current returns the user's current intent.
func (s *Service) Current(ctx context.Context, userID string) (intent.Intent, error) {
	return s.intents.GetCurrent(ctx, userID)
}

// History lists the user's closed intents, most recent first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]intent.HistoryRecord, error) {
	return s.intents.ListHistory(ctx, userID, limit)
}

// ListSources returns the user's funding sources.
func (s *Service) ListSources(ctx context.Context, userID string) ([]resolution.Source, error) {
	return s.sources.ListSources(ctx, userID)
}

// LinkSource creates or updates a funding source for the user.
func (s *Service) LinkSource(ctx context.Context, src resolution.Source) error {
	return s.sources.Upsert(ctx, src)
}

// Guardrails returns the user's effective guardrail policy.
func (s *Service) Guardrails(ctx context.Context, userID string, currency money.Currency) (guardrail.Config, error) {
	return s.config.GuardrailConfig(ctx, userID, currency)
}

// SetGuardrails stores a per-user guardrail override.
func (s *Service) SetGuardrails(ctx context.Context, userID string, cfg guardrail.Config) error {
	return s.config.SaveOverride(ctx, userID, cfg)
}

// InitiateHandoff opens the external destination for the current
// intent's committed plan.
func (s *Service) InitiateHandoff(ctx context.Context, userID string) (handoff.Outcome, error) {
	i, err := s.intents.GetCurrent(ctx, userID)
	if err != nil {
		return handoff.Outcome{}, err
	}
	m := i.Common()
	if m.Status != intent.StatusAuthorized {
		return handoff.Outcome{}, fmt.Errorf("%w: intent %s is %s", ErrNotAuthorized, m.ID, m.Status)
	}

	plan, err := s.plans.GetCommitted(ctx, m.ID)
	if err != nil {
		return handoff.Outcome{}, fmt.Errorf("loading committed plan: %w", err)
	}

	merchant, reference := handoffDetails(i)
	return s.coordinator.Initiate(ctx, plan, merchant, reference), nil
}

// HandoffReturn records the user coming back to the app.
func (s *Service) HandoffReturn(userID string) error {
	return s.coordinator.Return(userID)
}

// HandoffConfirm closes the handoff as attested success.
func (s *Service) HandoffConfirm(ctx context.Context, userID string) (handoff.Context, error) {
	return s.coordinator.Confirm(ctx, userID)
}

// HandoffCancel abandons the handoff round trip.
func (s *Service) HandoffCancel(ctx context.Context, userID string) (handoff.Context, error) {
	return s.coordinator.Cancel(ctx, userID)
}

// HandoffStatus reports the round-trip state and elapsed time.
func (s *Service) HandoffStatus(userID string) (handoff.Context, time.Duration, bool) {
	hc, ok := s.coordinator.Get(userID)
	if !ok {
		return handoff.Context{}, 0, false
	}
	elapsed, _ := s.coordinator.ElapsedTime(userID)
	return hc, elapsed, true
}

func handoffDetails(i intent.Intent) (merchant, reference string) {
	switch v := i.(type) {
	case *intent.PayMerchant:
		return v.Merchant.Name, v.Reference
	case *intent.SendMoney:
		return v.Recipient.Name, ""
	case *intent.ReceiveMoney:
		if v.Counterparty != nil {
			return v.Counterparty.Name, ""
		}
	}
	return "", ""
}

func (s *Service) ownedIntent(ctx context.Context, userID, intentID string) (intent.Intent, error) {
	i, err := s.intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if i.Common().UserID != userID {
		return nil, ErrWrongUser
	}
	return i, nil
}

func (s *Service) publishIntent(ctx context.Context, eventType string, i intent.Intent) {
	if s.publisher == nil {
		return
	}
	m := i.Common()
	data := events.IntentEventData{
		IntentID: m.ID,
		Kind:     string(i.Kind()),
		Trigger:  string(m.Trigger),
		Status:   string(m.Status),
		Amount:   intent.RequestedAmount(i),
	}
	env, err := events.New(eventType, m.UserID, m.ID, data)
	if err != nil {
		s.logger.Warn("building intent event failed", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.logger.Warn("publishing intent event failed", "error", err, "intent_id", m.ID)
	}
}
