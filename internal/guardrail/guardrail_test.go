package guardrail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"flowpay/internal/common/money"
)

func testConfig() Config {
	return Config{
		MaxAutoTopUp:       money.New(10000, money.MYR),
		MaxSingleAuto:      money.New(5000, money.MYR),
		ConfirmAbove:       money.New(20000, money.MYR),
		DailyAutoLimit:     money.New(50000, money.MYR),
		AllowSplitPayments: false,
	}
}

func freshState() PaymentState {
	return PaymentState{
		UserID:            "u1",
		DailyAutoApproved: money.Zero(money.MYR),
		LastResetDate:     DateOf(time.Now()),
	}
}

func TestEvaluateAutoApproved(t *testing.T) {
	d := Evaluate(Candidate{}, money.New(2000, money.MYR), freshState(), testConfig())

	assert.False(t, d.Blocked)
	assert.False(t, d.RequiresConfirmation)
	assert.Empty(t, d.ReasonCodes)
}

func TestEvaluateBlocks(t *testing.T) {
	t.Run("coverage shortfall", func(t *testing.T) {
		d := Evaluate(Candidate{CoverageShortfall: true}, money.New(2000, money.MYR), freshState(), testConfig())
		assert.True(t, d.Blocked)
		assert.Contains(t, d.ReasonCodes, ReasonInsufficientBalance)
	})

	t.Run("split disallowed", func(t *testing.T) {
		d := Evaluate(Candidate{SplitRejected: true}, money.New(2000, money.MYR), freshState(), testConfig())
		assert.True(t, d.Blocked)
		assert.Contains(t, d.ReasonCodes, ReasonSplitDisallowed)
	})
}

func TestEvaluateConfirmationTriggers(t *testing.T) {
	cfg := testConfig()

	t.Run("over confirm threshold", func(t *testing.T) {
		d := Evaluate(Candidate{}, money.New(20001, money.MYR), freshState(), cfg)
		assert.True(t, d.RequiresConfirmation)
		assert.Contains(t, d.ReasonCodes, ReasonOverConfirmThreshold)
	})

	t.Run("over single auto limit", func(t *testing.T) {
		d := Evaluate(Candidate{}, money.New(6000, money.MYR), freshState(), cfg)
		assert.True(t, d.RequiresConfirmation)
		assert.Contains(t, d.ReasonCodes, ReasonOverSingleAutoLimit)
		assert.NotContains(t, d.ReasonCodes, ReasonOverConfirmThreshold)
	})

	t.Run("per-source confirm threshold", func(t *testing.T) {
		threshold := money.New(1000, money.MYR)
		d := Evaluate(Candidate{SourceConfirmAbove: &threshold}, money.New(2000, money.MYR), freshState(), cfg)
		assert.True(t, d.RequiresConfirmation)
		assert.Contains(t, d.ReasonCodes, ReasonSourceConfirmRequired)
	})

	t.Run("topup over source cap", func(t *testing.T) {
		cap := money.New(500, money.MYR)
		d := Evaluate(Candidate{
			TopUpAmount:        money.New(1500, money.MYR),
			SourceMaxAutoTopUp: &cap,
		}, money.New(2000, money.MYR), freshState(), cfg)
		assert.True(t, d.RequiresConfirmation)
		assert.Contains(t, d.ReasonCodes, ReasonTopUpOverSourceLimit)
	})

	t.Run("topup within config cap", func(t *testing.T) {
		d := Evaluate(Candidate{TopUpAmount: money.New(1500, money.MYR)}, money.New(2000, money.MYR), freshState(), cfg)
		assert.False(t, d.RequiresConfirmation)
	})
}

func TestEvaluateDailyCap(t *testing.T) {
	cfg := testConfig()
	state := freshState()
	state.DailyAutoApproved = money.New(49000, money.MYR)

	// 49000 + 2000 > 50000: forced into confirmation, never silently over cap
	d := Evaluate(Candidate{}, money.New(2000, money.MYR), state, cfg)
	assert.True(t, d.RequiresConfirmation)
	assert.Contains(t, d.ReasonCodes, ReasonOverDailyLimit)

	// Exactly at the cap is allowed
	d = Evaluate(Candidate{}, money.New(1000, money.MYR), state, cfg)
	assert.False(t, d.RequiresConfirmation)
}

func TestResetIfStale(t *testing.T) {
	state := PaymentState{
		UserID:            "u1",
		DailyAutoApproved: money.New(4000, money.MYR),
		LastResetDate:     "2026-08-31",
	}

	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	assert.True(t, state.ResetIfStale(now))
	assert.True(t, state.DailyAutoApproved.IsZero())
	assert.Equal(t, "2026-09-01", state.LastResetDate)

	// Same day: no reset
	state.DailyAutoApproved = money.New(100, money.MYR)
	assert.False(t, state.ResetIfStale(now))
	assert.Equal(t, money.New(100, money.MYR), state.DailyAutoApproved)
}
