package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"flowpay/internal/common/events"
	"flowpay/internal/common/money"
	"flowpay/internal/guardrail"
	"flowpay/internal/intent"
)

// Mode selects between a speculative resolution and one accepted for
// execution. Preview never touches the daily auto-approval counter.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeCommit  Mode = "commit"
)

// SourceReader loads the funding-source snapshot for a user.
type SourceReader interface {
	ListSources(ctx context.Context, userID string) ([]Source, error)
}

// ConfigReader loads the guardrail configuration for a user.
type ConfigReader interface {
	GuardrailConfig(ctx context.Context, userID string, currency money.Currency) (guardrail.Config, error)
}

// StateStore reads and updates the per-user payment state. Increments are
// conditional on the daily cap so concurrent commits serialize correctly.
type StateStore interface {
	GetState(ctx context.Context, userID string, currency money.Currency) (guardrail.PaymentState, error)
	// AddAutoApproved atomically adds amount to today's counter if the
	// result stays within limit. Returns false without changing anything
	// when the addition would breach the cap.
	AddAutoApproved(ctx context.Context, userID string, amount, limit money.Money, day string) (bool, error)
	// RecordCommitted feeds the trailing typical-transaction average.
	RecordCommitted(ctx context.Context, userID string, amount money.Money) error
}

// PlanStore persists resolution plans.
type PlanStore interface {
	// Save stores a plan as uncommitted; saving the same id again
	// replaces the stored copy. Promotion goes through MarkCommitted.
	Save(ctx context.Context, plan *Plan) error
	// GetCommitted returns the committed plan for an intent, or
	// ErrNoCommittedPlan.
	GetCommitted(ctx context.Context, intentID string) (*Plan, error)
	// GetLatest returns the most recent plan for an intent, committed or not.
	GetLatest(ctx context.Context, intentID string) (*Plan, error)
	// MarkCommitted promotes a previously saved plan to committed.
	MarkCommitted(ctx context.Context, planID string) error
}

// ErrNoCommittedPlan is returned when an intent has no committed plan.
var ErrNoCommittedPlan = errors.New("no committed plan for intent")

// ErrNoPlan is returned when an intent has no plan at all.
var ErrNoPlan = errors.New("no plan for intent")

// ErrNoAmount is returned when an intent carries no positive amount,
// e.g. a contact selection the user has not filled in yet.
var ErrNoAmount = errors.New("intent has no positive amount to resolve")

// Engine produces resolution plans.
type Engine struct {
	sources   SourceReader
	config    ConfigReader
	state     StateStore
	plans     PlanStore
	publisher events.Publisher
	risk      RiskPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a resolution engine.
func NewEngine(sources SourceReader, config ConfigReader, state StateStore, plans PlanStore, publisher events.Publisher, risk RiskPolicy, logger *slog.Logger) *Engine {
	return &Engine{
		sources:   sources,
		config:    config,
		state:     state,
		plans:     plans,
		publisher: publisher,
		risk:      risk,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine clock. Intended for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Resolve runs the resolution algorithm for a pending intent. In commit
// mode the plan is accepted for execution: auto-approved plans increment
// the daily counter exactly once, and a repeated commit for the same
// intent returns the stored plan without further side effects.
func (e *Engine) Resolve(ctx context.Context, in intent.Intent, mode Mode) (*Plan, error) {
	m := in.Common()
	amount := intent.RequestedAmount(in)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("intent %s: %w", m.ID, ErrNoAmount)
	}

	if mode == ModeCommit {
		if existing, err := e.plans.GetCommitted(ctx, m.ID); err == nil {
			e.logger.Info("returning committed plan for intent",
				"intent_id", m.ID,
				"plan_id", existing.ID,
			)
			return existing, nil
		} else if !errors.Is(err, ErrNoCommittedPlan) {
			return nil, fmt.Errorf("checking committed plan: %w", err)
		}
	}

	// Snapshot collaborator state as of resolution start.
	all, err := e.sources.ListSources(ctx, m.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading funding sources: %w", err)
	}
	cfg, err := e.config.GuardrailConfig(ctx, m.UserID, amount.Currency)
	if err != nil {
		return nil, fmt.Errorf("loading guardrail config: %w", err)
	}
	state, err := e.state.GetState(ctx, m.UserID, amount.Currency)
	if err != nil {
		return nil, fmt.Errorf("loading payment state: %w", err)
	}
	state.ResetIfStale(e.now())

	eligible, sawLinked := eligibleSources(all, amount.Currency)
	if len(eligible) == 0 {
		if sawLinked {
			return nil, &Error{
				Code:    FailCurrencyMismatch,
				Message: fmt.Sprintf("no linked source holds %s", amount.Currency),
			}
		}
		return nil, &Error{
			Code:    FailNoFundingSource,
			Message: "no linked and available funding source",
		}
	}

	plan, cand := e.buildCandidate(m, amount, eligible, cfg)
	if plan == nil {
		// Split was permitted but every eligible source together cannot cover.
		return nil, &Error{
			Code:    FailInsufficientFunds,
			Message: "eligible sources cannot cover the amount even when split",
		}
	}

	decision := guardrail.Evaluate(cand, amount, state, cfg)
	if decision.Blocked {
		return nil, &Error{
			Code:        FailBlockedByGuardrail,
			Message:     decision.BlockedReason,
			ReasonCodes: decision.ReasonCodes,
		}
	}

	plan.ReasonCodes = append(plan.ReasonCodes, decision.ReasonCodes...)
	plan.RequiresConfirmation = decision.RequiresConfirmation

	chosen := eligible[0]
	for _, s := range eligible {
		if s.ID == plan.SourceID {
			chosen = s
			break
		}
	}
	e.finalize(plan, amount, chosen, state)

	// Persist before reserving daily allowance: a failed write must not
	// consume the cap with no plan behind it, and a retried commit would
	// then reserve again. Persistence is fatal to the attempt; event
	// publish is not.
	if err := e.plans.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("persisting plan: %w", err)
	}

	committed := false
	if mode == ModeCommit && !plan.RequiresConfirmation {
		ok, err := e.state.AddAutoApproved(ctx, m.UserID, amount, cfg.DailyAutoLimit, guardrail.DateOf(e.now()))
		if err != nil {
			return nil, fmt.Errorf("updating daily counter: %w", err)
		}
		if ok {
			if err := e.plans.MarkCommitted(ctx, plan.ID); err != nil {
				return nil, fmt.Errorf("committing plan: %w", err)
			}
			committed = true
		} else {
			// Lost a race against another commit: demote to confirmation
			// rather than breach the cap.
			plan.RequiresConfirmation = true
			plan.ReasonCodes = append(plan.ReasonCodes, guardrail.ReasonOverDailyLimit)
			e.finalize(plan, amount, chosen, state)
			if err := e.plans.Save(ctx, plan); err != nil {
				return nil, fmt.Errorf("persisting demoted plan: %w", err)
			}
		}
	}

	if committed {
		if err := e.state.RecordCommitted(ctx, m.UserID, amount); err != nil {
			e.logger.Warn("recording committed amount failed", "error", err, "plan_id", plan.ID)
		}
	}

	e.publishResolved(ctx, plan, committed)

	e.logger.Info("intent resolved",
		"intent_id", m.ID,
		"plan_id", plan.ID,
		"mode", mode,
		"rail", plan.Rail,
		"topup_needed", plan.TopUpNeeded,
		"requires_confirmation", plan.RequiresConfirmation,
		"risk", plan.RiskLevel,
	)

	return plan, nil
}

// CommitConfirmed accepts a previously returned confirmation-pending plan
// after the user approved it. Confirmed payments are not auto-approvals,
// so the daily counter is untouched.
func (e *Engine) CommitConfirmed(ctx context.Context, plan *Plan) error {
	if !plan.RequiresConfirmation {
		return fmt.Errorf("plan %s does not await confirmation", plan.ID)
	}

	if existing, err := e.plans.GetCommitted(ctx, plan.IntentID); err == nil {
		if existing.ID == plan.ID {
			return nil
		}
		return fmt.Errorf("intent %s already committed under plan %s", plan.IntentID, existing.ID)
	} else if !errors.Is(err, ErrNoCommittedPlan) {
		return fmt.Errorf("checking committed plan: %w", err)
	}

	if err := e.plans.MarkCommitted(ctx, plan.ID); err != nil {
		return fmt.Errorf("committing plan: %w", err)
	}

	if err := e.state.RecordCommitted(ctx, plan.UserID, plan.Amount); err != nil {
		e.logger.Warn("recording committed amount failed", "error", err, "plan_id", plan.ID)
	}

	e.publishResolved(ctx, plan, true)
	return nil
}

// eligibleSources filters to linked+available sources in the intent
// currency and orders them: priority ascending, then balance descending,
// then id for a total order.
func eligibleSources(all []Source, currency money.Currency) (eligible []Source, sawLinked bool) {
	for _, s := range all {
		if !s.Linked || !s.Available {
			continue
		}
		sawLinked = true
		// A source with no declared currency is assumed to hold the
		// intent currency; anything else is a mismatch (no implicit FX).
		if s.Currency != "" && s.Currency != currency {
			continue
		}
		eligible = append(eligible, s)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		if eligible[i].Balance.AmountMinor != eligible[j].Balance.AmountMinor {
			return eligible[i].Balance.AmountMinor > eligible[j].Balance.AmountMinor
		}
		return eligible[i].ID < eligible[j].ID
	})

	return eligible, sawLinked
}

// buildCandidate selects sources and builds the step sequence plus the
// guardrail candidate. A nil plan means split coverage failed.
func (e *Engine) buildCandidate(m *intent.Meta, amount money.Money, eligible []Source, cfg guardrail.Config) (*Plan, guardrail.Candidate) {
	plan := &Plan{
		ID:        ulid.Make().String(),
		IntentID:  m.ID,
		UserID:    m.UserID,
		Amount:    amount,
		CreatedAt: e.now(),
	}

	// Direct coverage by the preferred source.
	top := eligible[0]
	if top.Balance.GreaterOrEqual(amount) {
		plan.Rail = top.Type
		plan.SourceID = top.ID
		plan.Steps = []Step{payStep(top, amount)}
		e.setFallback(plan, eligible[1:], amount)
		return plan, guardrail.Candidate{
			SourceConfirmAbove: top.ConfirmAbove,
			SourceMaxAutoTopUp: top.MaxAutoTopUp,
		}
	}

	// The preferred source cannot cover alone: top it up if the
	// configured maximum top-up closes the gap. Top-up on the preferred
	// source beats switching to a lower-priority source that could pay
	// outright.
	shortfall := amount.MustSub(top.Balance)
	if top.Balance.MustAdd(cfg.MaxAutoTopUp).GreaterOrEqual(amount) {
		plan.Rail = top.Type
		plan.SourceID = top.ID
		plan.TopUpNeeded = true
		plan.TopUpAmount = shortfall
		plan.Steps = []Step{
			{
				Action:      ActionTopUp,
				SourceID:    top.ID,
				SourceType:  top.Type,
				Amount:      shortfall,
				Description: fmt.Sprintf("Top up %s with %s", top.Name, shortfall),
			},
			payStep(top, amount),
		}
		e.setFallback(plan, eligible[1:], amount)
		return plan, guardrail.Candidate{
			SourceConfirmAbove: top.ConfirmAbove,
			SourceMaxAutoTopUp: top.MaxAutoTopUp,
			TopUpAmount:        shortfall,
		}
	}

	// Top-up on the preferred source cannot close the gap: fall through
	// to the next source able to cover the amount alone.
	for idx, s := range eligible[1:] {
		if s.Balance.GreaterOrEqual(amount) {
			plan.Rail = s.Type
			plan.SourceID = s.ID
			plan.Steps = []Step{payStep(s, amount)}
			e.setFallback(plan, eligible[idx+2:], amount)
			return plan, guardrail.Candidate{
				SourceConfirmAbove: s.ConfirmAbove,
				SourceMaxAutoTopUp: s.MaxAutoTopUp,
			}
		}
	}

	// Nothing covers alone. Split across sources if permitted.
	if cfg.AllowSplitPayments {
		remaining := amount
		var steps []Step
		for _, s := range eligible {
			if !remaining.IsPositive() {
				break
			}
			if !s.Balance.IsPositive() {
				continue
			}
			part := money.Min(s.Balance, remaining)
			steps = append(steps, payStep(s, part))
			remaining = remaining.MustSub(part)
		}
		if remaining.IsPositive() {
			return nil, guardrail.Candidate{}
		}
		// The plan-level rail and source of a split are the lead
		// contributor's; no single source covers, so there is no fallback.
		plan.Rail = eligible[0].Type
		plan.SourceID = eligible[0].ID
		plan.Steps = steps
		return plan, guardrail.Candidate{
			SourceConfirmAbove: eligible[0].ConfirmAbove,
			SourceMaxAutoTopUp: eligible[0].MaxAutoTopUp,
		}
	}

	// Uncoverable without a split, and splits are off: let the guardrail
	// produce the blocked decision.
	plan.Rail = top.Type
	plan.SourceID = top.ID
	total := money.Zero(amount.Currency)
	for _, s := range eligible {
		total = total.MustAdd(s.Balance)
	}
	if total.MustAdd(cfg.MaxAutoTopUp).LessThan(amount) {
		return plan, guardrail.Candidate{CoverageShortfall: true}
	}
	return plan, guardrail.Candidate{SplitRejected: true}
}

// finalize stamps the execution mode and risk derived from the plan's
// confirmation requirement. Demotion after a lost counter race re-stamps.
func (e *Engine) finalize(plan *Plan, amount money.Money, chosen Source, state guardrail.PaymentState) {
	if plan.RequiresConfirmation {
		plan.ExecutionMode = ExecutionAsync
		plan.PendingReason = PendingAwaitingConfirmation
	} else {
		plan.ExecutionMode = ExecutionSync
		plan.PendingReason = ""
	}
	plan.RiskLevel = e.risk.score(amount, chosen, state, plan.RequiresConfirmation, e.now())
}

func payStep(s Source, amount money.Money) Step {
	return Step{
		Action:      ActionPay,
		SourceID:    s.ID,
		SourceType:  s.Type,
		Amount:      amount,
		Description: fmt.Sprintf("Pay %s from %s", amount, s.Name),
	}
}

// setFallback records the next source able to cover the amount on its own.
func (e *Engine) setFallback(plan *Plan, rest []Source, amount money.Money) {
	for _, s := range rest {
		if s.Balance.GreaterOrEqual(amount) {
			plan.FallbackRail = s.Type
			plan.FallbackSourceID = s.ID
			return
		}
	}
}

func (e *Engine) publishResolved(ctx context.Context, plan *Plan, committed bool) {
	if e.publisher == nil {
		return
	}
	data := events.PlanResolvedData{
		PlanID:        plan.ID,
		IntentID:      plan.IntentID,
		Rail:          string(plan.Rail),
		FallbackRail:  string(plan.FallbackRail),
		Amount:        plan.Amount,
		TopUpNeeded:   plan.TopUpNeeded,
		TopUpAmount:   plan.TopUpAmount,
		ExecutionMode: string(plan.ExecutionMode),
		RiskLevel:     string(plan.RiskLevel),
		Committed:     committed,
	}
	env, err := events.New(events.EventPlanResolved, plan.UserID, plan.ID, data)
	if err != nil {
		e.logger.Warn("building plan event failed", "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, env); err != nil {
		e.logger.Warn("publishing plan event failed", "error", err, "plan_id", plan.ID)
	}
}
