// Package resolution contains the resolution engine: it takes a pending
// intent, the user's funding sources, and the guardrail policy, and
// deterministically produces an ordered plan of funding steps ending in a
// chosen payment rail.
package resolution

import (
	"fmt"
	"time"

	"flowpay/internal/common/money"
	"flowpay/internal/guardrail"
)

// RailType classifies a funding source.
type RailType string

const (
	RailWallet     RailType = "wallet"
	RailBank       RailType = "bank"
	RailCard       RailType = "card"
	RailDebitCard  RailType = "debit_card"
	RailCreditCard RailType = "credit_card"
	RailBNPL       RailType = "bnpl"
)

// Source is a read-only snapshot of a funding source at resolution start.
type Source struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Type         RailType       `json:"type"`
	Name         string         `json:"name"`
	Balance      money.Money    `json:"balance"`
	Linked       bool           `json:"is_linked"`
	Available    bool           `json:"is_available"`
	Priority     int            `json:"priority"` // lower = preferred
	MaxAutoTopUp *money.Money   `json:"max_auto_topup,omitempty"`
	ConfirmAbove *money.Money   `json:"confirm_above,omitempty"`
	Currency     money.Currency `json:"currency,omitempty"`
	LinkedAt     *time.Time     `json:"linked_at,omitempty"`
}

// StepAction tags a resolution step.
type StepAction string

const (
	ActionTopUp StepAction = "TOP_UP"
	ActionPay   StepAction = "PAY"
)

// Step is one ordered funding action in a plan.
type Step struct {
	Action      StepAction  `json:"action"`
	SourceID    string      `json:"source_id,omitempty"`
	SourceType  RailType    `json:"source_type,omitempty"`
	Amount      money.Money `json:"amount"`
	Description string      `json:"description"`
}

// ExecutionMode says whether the plan can run immediately or is parked.
type ExecutionMode string

const (
	ExecutionSync  ExecutionMode = "sync"
	ExecutionAsync ExecutionMode = "async"
)

// PendingAwaitingConfirmation marks plans parked for explicit user approval.
const PendingAwaitingConfirmation = "AWAITING_USER_CONFIRMATION"

// RiskLevel is the computed risk of a plan.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Plan is the immutable output of one resolution attempt. A changed
// situation requires a new resolution; plans are never mutated.
type Plan struct {
	ID                   string                 `json:"id"`
	IntentID             string                 `json:"intent_id"`
	UserID               string                 `json:"user_id"`
	Amount               money.Money            `json:"amount"`
	Rail                 RailType               `json:"rail"`
	SourceID             string                 `json:"source_id"`
	FallbackRail         RailType               `json:"fallback_rail,omitempty"`
	FallbackSourceID     string                 `json:"fallback_source_id,omitempty"`
	TopUpNeeded          bool                   `json:"topup_needed"`
	TopUpAmount          money.Money            `json:"topup_amount,omitempty"`
	ExecutionMode        ExecutionMode          `json:"execution_mode"`
	PendingReason        string                 `json:"pending_reason,omitempty"`
	RequiresConfirmation bool                   `json:"requires_confirmation"`
	Steps                []Step                 `json:"steps"`
	ReasonCodes          []guardrail.ReasonCode `json:"reason_codes,omitempty"`
	RiskLevel            RiskLevel              `json:"risk_level"`
	CreatedAt            time.Time              `json:"created_at"`
}

// FailureCode is a distinct, caller-visible resolution failure reason.
type FailureCode string

const (
	FailNoFundingSource    FailureCode = "NO_FUNDING_SOURCE"
	FailInsufficientFunds  FailureCode = "INSUFFICIENT_FUNDS"
	FailCurrencyMismatch   FailureCode = "CURRENCY_MISMATCH"
	FailBlockedByGuardrail FailureCode = "BLOCKED_BY_GUARDRAIL"
)

// Error is a resolution failure. It is user-visible and never retried
// automatically; the user must change the intent and resolve again.
type Error struct {
	Code        FailureCode
	Message     string
	ReasonCodes []guardrail.ReasonCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolution failed: %s: %s", e.Code, e.Message)
}

// RiskPolicy holds the tunable risk-scoring thresholds. The heuristics
// are policy inputs, not engine constants.
type RiskPolicy struct {
	// HighAmountMultiple: amounts above this multiple of the user's
	// typical transaction size score high.
	HighAmountMultiple float64 `envconfig:"RISK_HIGH_AMOUNT_MULTIPLE" default:"3.0"`
	// RecentLinkWindow: paying from a source linked more recently than
	// this scores high.
	RecentLinkWindow time.Duration `envconfig:"RISK_RECENT_LINK_WINDOW" default:"72h"`
}

func (p RiskPolicy) score(amount money.Money, chosen Source, state guardrail.PaymentState, confirmed bool, now time.Time) RiskLevel {
	if state.TypicalAmount.IsPositive() {
		threshold := state.TypicalAmount.MultiplyFloat(p.HighAmountMultiple)
		if amount.GreaterThan(threshold) {
			return RiskHigh
		}
	}
	if chosen.LinkedAt != nil && now.Sub(*chosen.LinkedAt) < p.RecentLinkWindow {
		return RiskHigh
	}
	if confirmed {
		return RiskMedium
	}
	return RiskLow
}
