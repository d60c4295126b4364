package resolution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowpay/internal/common/money"
	"flowpay/internal/guardrail"
	"flowpay/internal/intent"
)

type fakeSources struct {
	sources []Source
}

func (f *fakeSources) ListSources(ctx context.Context, userID string) ([]Source, error) {
	return f.sources, nil
}

type fakeConfig struct {
	cfg guardrail.Config
}

func (f *fakeConfig) GuardrailConfig(ctx context.Context, userID string, currency money.Currency) (guardrail.Config, error) {
	return f.cfg, nil
}

type fakeState struct {
	state     guardrail.PaymentState
	addCalls  int
	denyAdds  bool
	committed []money.Money
}

func (f *fakeState) GetState(ctx context.Context, userID string, currency money.Currency) (guardrail.PaymentState, error) {
	return f.state, nil
}

func (f *fakeState) AddAutoApproved(ctx context.Context, userID string, amount, limit money.Money, day string) (bool, error) {
	f.addCalls++
	if f.denyAdds {
		return false, nil
	}
	projected := f.state.DailyAutoApproved.MustAdd(amount)
	if projected.GreaterThan(limit) {
		return false, nil
	}
	f.state.DailyAutoApproved = projected
	f.state.LastResetDate = day
	return true, nil
}

func (f *fakeState) RecordCommitted(ctx context.Context, userID string, amount money.Money) error {
	f.committed = append(f.committed, amount)
	return nil
}

type fakePlans struct {
	saved       []*Plan
	byID        map[string]*Plan
	byCommitted map[string]*Plan // keyed by intent id
	failSaves   bool
}

func newFakePlans() *fakePlans {
	return &fakePlans{
		byID:        make(map[string]*Plan),
		byCommitted: make(map[string]*Plan),
	}
}

func (f *fakePlans) Save(ctx context.Context, plan *Plan) error {
	if f.failSaves {
		return errors.New("plan store unavailable")
	}
	if _, ok := f.byID[plan.ID]; !ok {
		f.saved = append(f.saved, plan)
	}
	f.byID[plan.ID] = plan
	return nil
}

func (f *fakePlans) GetCommitted(ctx context.Context, intentID string) (*Plan, error) {
	if p, ok := f.byCommitted[intentID]; ok {
		return p, nil
	}
	return nil, ErrNoCommittedPlan
}

func (f *fakePlans) GetLatest(ctx context.Context, intentID string) (*Plan, error) {
	for i := len(f.saved) - 1; i >= 0; i-- {
		if f.saved[i].IntentID == intentID {
			return f.saved[i], nil
		}
	}
	return nil, ErrNoPlan
}

func (f *fakePlans) MarkCommitted(ctx context.Context, planID string) error {
	p := f.byID[planID]
	f.byCommitted[p.IntentID] = p
	return nil
}

func testGuardrails() guardrail.Config {
	return guardrail.Config{
		MaxAutoTopUp:       money.New(10000, money.MYR),
		MaxSingleAuto:      money.New(5000, money.MYR),
		ConfirmAbove:       money.New(20000, money.MYR),
		DailyAutoLimit:     money.New(50000, money.MYR),
		AllowSplitPayments: false,
	}
}

func wallet(id string, balanceMinor int64, priority int) Source {
	return Source{
		ID:        id,
		UserID:    "u1",
		Type:      RailWallet,
		Name:      id,
		Balance:   money.New(balanceMinor, money.MYR),
		Linked:    true,
		Available: true,
		Priority:  priority,
	}
}

type fixture struct {
	engine  *Engine
	sources *fakeSources
	config  *fakeConfig
	state   *fakeState
	plans   *fakePlans
}

func newFixture(sources ...Source) *fixture {
	f := &fixture{
		sources: &fakeSources{sources: sources},
		config:  &fakeConfig{cfg: testGuardrails()},
		state: &fakeState{state: guardrail.PaymentState{
			UserID:            "u1",
			DailyAutoApproved: money.Zero(money.MYR),
			LastResetDate:     guardrail.DateOf(time.Now()),
		}},
		plans: newFakePlans(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.engine = NewEngine(f.sources, f.config, f.state, f.plans, nil, RiskPolicy{HighAmountMultiple: 3.0, RecentLinkWindow: 72 * time.Hour}, logger)
	return f
}

func payIntent(amountMinor int64) intent.Intent {
	return intent.NewPayMerchant("u1", intent.Merchant{ID: "m1", Name: "Cafe"}, money.New(amountMinor, money.MYR), "")
}

func TestResolveDirectCoverage(t *testing.T) {
	f := newFixture(wallet("w1", 5000, 1), wallet("w2", 8000, 2))

	plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
	require.NoError(t, err)

	assert.Equal(t, "w1", plan.SourceID)
	assert.False(t, plan.TopUpNeeded)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, ActionPay, plan.Steps[0].Action)
	assert.Equal(t, money.New(2000, money.MYR), plan.Steps[0].Amount)
	assert.Equal(t, "w2", plan.FallbackSourceID, "next source covering alone becomes the fallback")
	assert.Equal(t, ExecutionSync, plan.ExecutionMode)
	assert.False(t, plan.RequiresConfirmation)
}

func TestResolvePrefersTopUpOverSwitching(t *testing.T) {
	// w1 holds 5.00 at priority 1, w2 holds 50.00 at priority 2. Paying
	// 20.00 tops up the preferred wallet instead of switching to w2.
	f := newFixture(wallet("w1", 500, 1), wallet("w2", 5000, 2))

	plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
	require.NoError(t, err)

	assert.Equal(t, "w1", plan.SourceID)
	assert.True(t, plan.TopUpNeeded)
	assert.Equal(t, money.New(1500, money.MYR), plan.TopUpAmount)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, ActionTopUp, plan.Steps[0].Action)
	assert.Equal(t, "w1", plan.Steps[0].SourceID)
	assert.Equal(t, money.New(1500, money.MYR), plan.Steps[0].Amount)
	assert.Equal(t, ActionPay, plan.Steps[1].Action)
	assert.Equal(t, "w1", plan.Steps[1].SourceID)
	assert.Equal(t, money.New(2000, money.MYR), plan.Steps[1].Amount)
}

func TestResolveTopUpAmountIsExactShortfall(t *testing.T) {
	for _, balance := range []int64{1, 900, 1999} {
		f := newFixture(wallet("w1", balance, 1))
		plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
		require.NoError(t, err)
		assert.Equal(t, 2000-balance, plan.TopUpAmount.AmountMinor, "balance %d", balance)
	}
}

func TestResolveSwitchesWhenTopUpCannotCover(t *testing.T) {
	// w1's shortfall exceeds the auto top-up cap; w2 covers alone.
	f := newFixture(wallet("w1", 100, 1), wallet("w2", 30000, 2))

	plan, err := f.engine.Resolve(context.Background(), payIntent(20000), ModePreview)
	require.NoError(t, err)

	assert.Equal(t, "w2", plan.SourceID)
	assert.False(t, plan.TopUpNeeded)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "w2", plan.Steps[0].SourceID)
}

func TestResolveSourceOrdering(t *testing.T) {
	// Same priority: larger balance wins.
	a := wallet("a", 1000, 1)
	b := wallet("b", 4000, 1)
	f := newFixture(a, b)

	plan, err := f.engine.Resolve(context.Background(), payIntent(3000), ModePreview)
	require.NoError(t, err)
	assert.Equal(t, "b", plan.SourceID)
}

func TestResolveNoFundingSource(t *testing.T) {
	unlinked := wallet("w1", 9000, 1)
	unlinked.Linked = false
	f := newFixture(unlinked)

	_, err := f.engine.Resolve(context.Background(), payIntent(2000), ModeCommit)

	var resErr *Error
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, FailNoFundingSource, resErr.Code)
	assert.Empty(t, f.plans.saved, "failed resolutions persist no plan")
	assert.Zero(t, f.state.addCalls)
}

func TestResolveCurrencyMismatch(t *testing.T) {
	eur := wallet("w1", 9000, 1)
	eur.Currency = money.EUR
	eur.Balance = money.New(9000, money.EUR)
	f := newFixture(eur)

	_, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)

	var resErr *Error
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, FailCurrencyMismatch, resErr.Code)
}

func TestResolveBlockedByGuardrail(t *testing.T) {
	// Even the maximum top-up leaves the amount uncovered and splits are off.
	f := newFixture(wallet("w1", 100, 1))

	_, err := f.engine.Resolve(context.Background(), payIntent(40000), ModeCommit)

	var resErr *Error
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, FailBlockedByGuardrail, resErr.Code)
	assert.Contains(t, resErr.ReasonCodes, guardrail.ReasonInsufficientBalance)
	assert.Empty(t, f.plans.saved)
	assert.Zero(t, f.state.addCalls)
}

func TestResolveSplit(t *testing.T) {
	f := newFixture(wallet("w1", 1000, 1), wallet("w2", 1500, 2))
	f.config.cfg.AllowSplitPayments = true
	f.config.cfg.MaxAutoTopUp = money.New(1000, money.MYR)

	plan, err := f.engine.Resolve(context.Background(), payIntent(2200), ModePreview)
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	assert.Equal(t, money.New(1000, money.MYR), plan.Steps[0].Amount)
	assert.Equal(t, "w1", plan.Steps[0].SourceID)
	assert.Equal(t, money.New(1200, money.MYR), plan.Steps[1].Amount)
	assert.Equal(t, "w2", plan.Steps[1].SourceID)
}

func TestResolveSplitRejectedWhenDisabled(t *testing.T) {
	f := newFixture(wallet("w1", 1000, 1), wallet("w2", 1500, 2))
	f.config.cfg.MaxAutoTopUp = money.New(1000, money.MYR)

	_, err := f.engine.Resolve(context.Background(), payIntent(2200), ModePreview)

	var resErr *Error
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, FailBlockedByGuardrail, resErr.Code)
	assert.Contains(t, resErr.ReasonCodes, guardrail.ReasonSplitDisallowed)
}

func TestResolveInsufficientEvenSplit(t *testing.T) {
	f := newFixture(wallet("w1", 100, 1), wallet("w2", 200, 2))
	f.config.cfg.AllowSplitPayments = true
	f.config.cfg.MaxAutoTopUp = money.New(100, money.MYR)

	_, err := f.engine.Resolve(context.Background(), payIntent(2200), ModePreview)

	var resErr *Error
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, FailInsufficientFunds, resErr.Code)
}

func TestPreviewNeverTouchesDailyCounter(t *testing.T) {
	f := newFixture(wallet("w1", 9000, 1))

	for i := 0; i < 2; i++ {
		_, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
		require.NoError(t, err)
	}

	assert.Zero(t, f.state.addCalls)
	assert.True(t, f.state.state.DailyAutoApproved.IsZero())
	assert.Empty(t, f.state.committed)
}

func TestCommitIncrementsCounterExactlyOnce(t *testing.T) {
	f := newFixture(wallet("w1", 9000, 1))
	in := payIntent(2000)

	plan, err := f.engine.Resolve(context.Background(), in, ModeCommit)
	require.NoError(t, err)
	assert.Equal(t, money.New(2000, money.MYR), f.state.state.DailyAutoApproved)
	assert.Equal(t, 1, f.state.addCalls)

	// Re-committing the same intent is idempotent: the stored plan comes
	// back and the counter stays put.
	again, err := f.engine.Resolve(context.Background(), in, ModeCommit)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, again.ID)
	assert.Equal(t, 1, f.state.addCalls)
	assert.Equal(t, money.New(2000, money.MYR), f.state.state.DailyAutoApproved)
}

func TestFailedPersistLeavesCounterUntouched(t *testing.T) {
	f := newFixture(wallet("w1", 9000, 1))
	f.plans.failSaves = true
	in := payIntent(2000)

	_, err := f.engine.Resolve(context.Background(), in, ModeCommit)
	require.Error(t, err)
	assert.Zero(t, f.state.addCalls, "allowance is reserved only after the plan is stored")
	assert.True(t, f.state.state.DailyAutoApproved.IsZero())

	// Retrying the same intent against a recovered store reserves the
	// allowance exactly once.
	f.plans.failSaves = false
	plan, err := f.engine.Resolve(context.Background(), in, ModeCommit)
	require.NoError(t, err)
	assert.False(t, plan.RequiresConfirmation)
	assert.Equal(t, 1, f.state.addCalls)
	assert.Equal(t, money.New(2000, money.MYR), f.state.state.DailyAutoApproved)

	got, err := f.plans.GetCommitted(context.Background(), in.Common().ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)
}

func TestCommitOverDailyCapForcesConfirmation(t *testing.T) {
	f := newFixture(wallet("w1", 9000, 1))
	f.state.state.DailyAutoApproved = money.New(49000, money.MYR)

	plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModeCommit)
	require.NoError(t, err)

	assert.True(t, plan.RequiresConfirmation)
	assert.Contains(t, plan.ReasonCodes, guardrail.ReasonOverDailyLimit)
	assert.Equal(t, ExecutionAsync, plan.ExecutionMode)
	assert.Equal(t, PendingAwaitingConfirmation, plan.PendingReason)
	assert.Zero(t, f.state.addCalls, "confirmation-pending plans never auto-approve")
	assert.Equal(t, money.New(49000, money.MYR), f.state.state.DailyAutoApproved)
}

func TestCommitRaceLossDemotesToConfirmation(t *testing.T) {
	f := newFixture(wallet("w1", 9000, 1))
	f.state.denyAdds = true

	plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModeCommit)
	require.NoError(t, err)

	assert.True(t, plan.RequiresConfirmation)
	assert.Contains(t, plan.ReasonCodes, guardrail.ReasonOverDailyLimit)
	_, err = f.plans.GetCommitted(context.Background(), plan.IntentID)
	assert.ErrorIs(t, err, ErrNoCommittedPlan)
}

func TestCommitConfirmed(t *testing.T) {
	f := newFixture(wallet("w1", 30000, 1))

	// 60.00 exceeds the single-auto limit of 50.00.
	plan, err := f.engine.Resolve(context.Background(), payIntent(6000), ModeCommit)
	require.NoError(t, err)
	require.True(t, plan.RequiresConfirmation)
	assert.Zero(t, f.state.addCalls)

	require.NoError(t, f.engine.CommitConfirmed(context.Background(), plan))

	got, err := f.plans.GetCommitted(context.Background(), plan.IntentID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)

	// Confirmed payments are not auto-approvals.
	assert.Zero(t, f.state.addCalls)
	assert.True(t, f.state.state.DailyAutoApproved.IsZero())
	require.Len(t, f.state.committed, 1)

	// Confirming again is a no-op.
	require.NoError(t, f.engine.CommitConfirmed(context.Background(), plan))
	assert.Len(t, f.state.committed, 1)
}

func TestCommitConfirmedRejectsAutoPlans(t *testing.T) {
	f := newFixture(wallet("w1", 9000, 1))

	plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModeCommit)
	require.NoError(t, err)
	require.False(t, plan.RequiresConfirmation)

	assert.Error(t, f.engine.CommitConfirmed(context.Background(), plan))
}

func TestRiskScoring(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	t.Run("recently linked source scores high", func(t *testing.T) {
		src := wallet("w1", 9000, 1)
		linked := now.Add(-24 * time.Hour)
		src.LinkedAt = &linked
		f := newFixture(src)
		f.engine.WithClock(func() time.Time { return now })
		f.state.state.LastResetDate = guardrail.DateOf(now)

		plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
		require.NoError(t, err)
		assert.Equal(t, RiskHigh, plan.RiskLevel)
	})

	t.Run("amount far above typical scores high", func(t *testing.T) {
		f := newFixture(wallet("w1", 9000, 1))
		f.state.state.TypicalAmount = money.New(500, money.MYR)

		plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
		require.NoError(t, err)
		assert.Equal(t, RiskHigh, plan.RiskLevel)
	})

	t.Run("routine payment scores low", func(t *testing.T) {
		f := newFixture(wallet("w1", 9000, 1))

		plan, err := f.engine.Resolve(context.Background(), payIntent(2000), ModePreview)
		require.NoError(t, err)
		assert.Equal(t, RiskLow, plan.RiskLevel)
	})
}
