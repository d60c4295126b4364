// Package intent defines the payment intent model: the three intent
// variants, their lifecycle, and parsing from external trigger payloads.
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowpay/internal/common/money"
)

// Kind discriminates the three intent variants.
type Kind string

const (
	KindPayMerchant  Kind = "PAY_MERCHANT"
	KindSendMoney    Kind = "SEND_MONEY"
	KindReceiveMoney Kind = "RECEIVE_MONEY"
)

// Trigger records where an intent came from.
type Trigger string

const (
	TriggerQRScan        Trigger = "QR_SCAN"
	TriggerContactSelect Trigger = "CONTACT_SELECT"
	TriggerPaymentLink   Trigger = "PAYMENT_LINK"
	TriggerManual        Trigger = "MANUAL"
)

// Status represents the lifecycle state of an intent.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Meta carries the fields shared by all intent variants.
type Meta struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Trigger   Trigger   `json:"trigger"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Common returns the shared metadata. It makes every variant satisfy Intent.
func (m *Meta) Common() *Meta { return m }

// Intent is the closed set of payment intent variants. Exactly one of
// PayMerchant, SendMoney, or ReceiveMoney implements it per value.
type Intent interface {
	Kind() Kind
	Common() *Meta
}

// Merchant identifies the payee of a PAY_MERCHANT intent.
type Merchant struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url,omitempty"`
}

// Recipient identifies the payee of a SEND_MONEY intent.
type Recipient struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Counterparty identifies the expected payer of a RECEIVE_MONEY intent.
type Counterparty struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// PayMerchant is a request to pay a merchant.
type PayMerchant struct {
	Meta
	Merchant  Merchant    `json:"merchant"`
	Amount    money.Money `json:"amount"`
	Reference string      `json:"reference,omitempty"`
}

func (*PayMerchant) Kind() Kind { return KindPayMerchant }

// SendMoney is a request to send money to a person.
type SendMoney struct {
	Meta
	Recipient Recipient   `json:"recipient"`
	Amount    money.Money `json:"amount"`
	Note      string      `json:"note,omitempty"`
}

func (*SendMoney) Kind() Kind { return KindSendMoney }

// ReceiveMoney is a request to receive money, optionally from a known
// counterparty for a known amount.
type ReceiveMoney struct {
	Meta
	Amount       money.Money   `json:"amount,omitempty"`
	Counterparty *Counterparty `json:"counterparty,omitempty"`
	Note         string        `json:"note,omitempty"`
}

func (*ReceiveMoney) Kind() Kind { return KindReceiveMoney }

// RequestedAmount returns the amount the intent asks to move.
// For RECEIVE_MONEY without an amount this is zero.
func RequestedAmount(i Intent) money.Money {
	switch v := i.(type) {
	case *PayMerchant:
		return v.Amount
	case *SendMoney:
		return v.Amount
	case *ReceiveMoney:
		return v.Amount
	default:
		return money.Money{}
	}
}

// Lifecycle transition errors.
var (
	ErrTerminalState     = errors.New("intent is in a terminal state")
	ErrInvalidTransition = errors.New("invalid intent status transition")
)

// IsTerminal reports whether the intent can no longer transition.
func (m *Meta) IsTerminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusCancelled || m.Status == StatusFailed
}

// Authorize transitions pending -> authorized.
func (m *Meta) Authorize() error {
	if m.IsTerminal() {
		return ErrTerminalState
	}
	if m.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusAuthorized)
	}
	m.Status = StatusAuthorized
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete transitions authorized -> completed.
func (m *Meta) Complete() error {
	if m.IsTerminal() {
		return ErrTerminalState
	}
	if m.Status != StatusAuthorized {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusCompleted)
	}
	m.Status = StatusCompleted
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel transitions pending -> cancelled.
func (m *Meta) Cancel() error {
	if m.IsTerminal() {
		return ErrTerminalState
	}
	if m.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, StatusCancelled)
	}
	m.Status = StatusCancelled
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail transitions pending or authorized -> failed.
func (m *Meta) Fail() error {
	if m.IsTerminal() {
		return ErrTerminalState
	}
	m.Status = StatusFailed
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Marshal encodes an intent variant as JSON for storage.
func Marshal(i Intent) ([]byte, error) {
	return json.Marshal(i)
}

// Unmarshal decodes a stored intent payload back into its variant.
func Unmarshal(kind Kind, data []byte) (Intent, error) {
	switch kind {
	case KindPayMerchant:
		var v PayMerchant
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case KindSendMoney:
		var v SendMoney
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	case KindReceiveMoney:
		var v ReceiveMoney
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown intent kind: %s", kind)
	}
}
