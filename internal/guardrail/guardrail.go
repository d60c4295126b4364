// Package guardrail holds the configurable spending limits and decides
// whether a candidate resolution needs explicit confirmation or must be
// blocked outright.
package guardrail

import (
	"time"

	"flowpay/internal/common/money"
)

// Config is the per-user guardrail policy, loaded once per resolution.
type Config struct {
	// MaxAutoTopUp caps the size of an automatic top-up.
	MaxAutoTopUp money.Money `json:"max_auto_topup"`
	// MaxSingleAuto is the largest payment eligible for non-confirmed execution.
	MaxSingleAuto money.Money `json:"max_single_auto"`
	// ConfirmAbove forces confirmation for any amount exceeding it.
	ConfirmAbove money.Money `json:"confirm_above"`
	// DailyAutoLimit caps the cumulative auto-approved amount per day.
	DailyAutoLimit money.Money `json:"daily_auto_limit"`
	// AllowSplitPayments permits covering one payment from several sources.
	AllowSplitPayments bool `json:"allow_split_payments"`
}

// Defaults holds the env-configured fallback used when a user has no
// stored override. Amounts are in minor units of DefaultCurrency.
type Defaults struct {
	MaxAutoTopUpMinor   int64  `envconfig:"GUARDRAIL_MAX_AUTO_TOPUP_MINOR" default:"10000"`
	MaxSingleAutoMinor  int64  `envconfig:"GUARDRAIL_MAX_SINGLE_AUTO_MINOR" default:"5000"`
	ConfirmAboveMinor   int64  `envconfig:"GUARDRAIL_CONFIRM_ABOVE_MINOR" default:"20000"`
	DailyAutoLimitMinor int64  `envconfig:"GUARDRAIL_DAILY_AUTO_LIMIT_MINOR" default:"50000"`
	AllowSplitPayments  bool   `envconfig:"GUARDRAIL_ALLOW_SPLIT" default:"false"`
	DefaultCurrency     string `envconfig:"GUARDRAIL_DEFAULT_CURRENCY" default:"USD"`
}

// ConfigFor materializes a Config in the given currency from defaults.
func (d Defaults) ConfigFor(currency money.Currency) Config {
	return Config{
		MaxAutoTopUp:       money.New(d.MaxAutoTopUpMinor, currency),
		MaxSingleAuto:      money.New(d.MaxSingleAutoMinor, currency),
		ConfirmAbove:       money.New(d.ConfirmAboveMinor, currency),
		DailyAutoLimit:     money.New(d.DailyAutoLimitMinor, currency),
		AllowSplitPayments: d.AllowSplitPayments,
	}
}

// PaymentState is the mutable per-user daily counter. It is passed into
// evaluation and updated functionally; persistence of the increment is
// the storage collaborator's job.
type PaymentState struct {
	UserID            string      `json:"user_id"`
	DailyAutoApproved money.Money `json:"daily_auto_approved"`
	LastResetDate     string      `json:"last_reset_date"` // YYYY-MM-DD
	// TypicalAmount is a trailing average of committed amounts, consumed
	// by risk scoring.
	TypicalAmount money.Money `json:"typical_amount"`
}

// DateOf formats a time as the counter's civil-date key.
func DateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ResetIfStale zeroes the daily counter when the stored date is not today.
// Returns true if a reset happened.
func (s *PaymentState) ResetIfStale(now time.Time) bool {
	today := DateOf(now)
	if s.LastResetDate == today {
		return false
	}
	s.DailyAutoApproved = money.Zero(s.DailyAutoApproved.Currency)
	s.LastResetDate = today
	return true
}

// ReasonCode is a machine-readable explanation attached to a decision.
type ReasonCode string

const (
	ReasonOverConfirmThreshold  ReasonCode = "OVER_CONFIRM_THRESHOLD"
	ReasonOverSingleAutoLimit   ReasonCode = "OVER_SINGLE_AUTO_LIMIT"
	ReasonOverDailyLimit        ReasonCode = "OVER_DAILY_LIMIT"
	ReasonSourceConfirmRequired ReasonCode = "SOURCE_CONFIRM_REQUIRED"
	ReasonTopUpOverSourceLimit  ReasonCode = "TOPUP_OVER_SOURCE_LIMIT"
	ReasonInsufficientBalance   ReasonCode = "INSUFFICIENT_BALANCE"
	ReasonSplitDisallowed       ReasonCode = "SPLIT_DISALLOWED"
)

// Candidate describes the plan shape under evaluation: the chosen source's
// own thresholds and whether a top-up is part of the plan.
type Candidate struct {
	// SourceConfirmAbove is the chosen source's confirm-above threshold, if set.
	SourceConfirmAbove *money.Money
	// SourceMaxAutoTopUp is the chosen source's own top-up cap, if set.
	SourceMaxAutoTopUp *money.Money
	// TopUpAmount is the planned top-up; zero when no top-up is needed.
	TopUpAmount money.Money
	// CoverageShortfall is true when no source arrangement covers the amount.
	CoverageShortfall bool
	// SplitRejected is true when covering required a split but splits are off.
	SplitRejected bool
}

// Decision is the outcome of a guardrail evaluation.
type Decision struct {
	RequiresConfirmation bool         `json:"requires_confirmation"`
	Blocked              bool         `json:"blocked"`
	BlockedReason        string       `json:"blocked_reason,omitempty"`
	ReasonCodes          []ReasonCode `json:"reason_codes,omitempty"`
}

// Evaluate applies the guardrail policy to a candidate plan. The state's
// daily counter must already be reset for today (see ResetIfStale);
// Evaluate itself has no side effects.
func Evaluate(cand Candidate, amount money.Money, state PaymentState, cfg Config) Decision {
	var d Decision

	// Hard blocks first
	if cand.CoverageShortfall {
		d.Blocked = true
		d.BlockedReason = "no funding source can cover the amount even after the maximum permitted top-up"
		d.ReasonCodes = append(d.ReasonCodes, ReasonInsufficientBalance)
		return d
	}
	if cand.SplitRejected {
		d.Blocked = true
		d.BlockedReason = "covering this amount requires splitting across sources, which is disabled"
		d.ReasonCodes = append(d.ReasonCodes, ReasonSplitDisallowed)
		return d
	}

	// Confirmation triggers
	if amount.GreaterThan(cfg.ConfirmAbove) {
		d.RequiresConfirmation = true
		d.ReasonCodes = append(d.ReasonCodes, ReasonOverConfirmThreshold)
	}
	if amount.GreaterThan(cfg.MaxSingleAuto) {
		d.RequiresConfirmation = true
		d.ReasonCodes = append(d.ReasonCodes, ReasonOverSingleAutoLimit)
	}
	if cand.SourceConfirmAbove != nil && amount.GreaterThan(*cand.SourceConfirmAbove) {
		d.RequiresConfirmation = true
		d.ReasonCodes = append(d.ReasonCodes, ReasonSourceConfirmRequired)
	}
	if cand.TopUpAmount.IsPositive() {
		limit := cfg.MaxAutoTopUp
		if cand.SourceMaxAutoTopUp != nil {
			limit = *cand.SourceMaxAutoTopUp
		}
		if cand.TopUpAmount.GreaterThan(limit) {
			d.RequiresConfirmation = true
			d.ReasonCodes = append(d.ReasonCodes, ReasonTopUpOverSourceLimit)
		}
	}

	// Daily cap projection: an auto-approval that would breach the cap is
	// demoted to confirmation instead.
	if !d.RequiresConfirmation {
		projected, err := state.DailyAutoApproved.Add(amount)
		if err != nil || projected.GreaterThan(cfg.DailyAutoLimit) {
			d.RequiresConfirmation = true
			d.ReasonCodes = append(d.ReasonCodes, ReasonOverDailyLimit)
		}
	}

	return d
}
