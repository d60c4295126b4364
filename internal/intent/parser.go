package intent

import (
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"flowpay/internal/common/money"
)

// ErrUnrecognizedPayload is returned when a trigger payload matches no
// known format. It is not fatal; callers surface it as "code not recognized".
var ErrUnrecognizedPayload = errors.New("unrecognized trigger payload")

// DefaultCurrency is assumed when a payload omits the currency.
const DefaultCurrency = money.USD

func newMeta(userID string, trigger Trigger) Meta {
	now := time.Now().UTC()
	return Meta{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Trigger:   trigger,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// qrPayload is the JSON form of a scanned QR code.
type qrPayload struct {
	Type         string  `json:"type"` // merchant | personal
	MerchantID   string  `json:"merchantId"`
	MerchantName string  `json:"merchantName"`
	LogoURL      string  `json:"logoUrl"`
	UserID       string  `json:"userId"`
	Name         string  `json:"name"`
	Phone        string  `json:"phone"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Reference    string  `json:"ref"`
	Note         string  `json:"note"`
}

func payloadCurrency(raw string) money.Currency {
	if raw == "" {
		return DefaultCurrency
	}
	return money.Currency(raw)
}

// ParseQR converts scanned QR content into an intent. JSON payloads are
// tried first, then the lightweight flow:// URI form. Content matching
// neither returns ErrUnrecognizedPayload.
func ParseQR(userID, content string) (Intent, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrUnrecognizedPayload
	}

	if strings.HasPrefix(content, "{") {
		var p qrPayload
		if err := json.Unmarshal([]byte(content), &p); err == nil {
			switch p.Type {
			case "merchant":
				return &PayMerchant{
					Meta: newMeta(userID, TriggerQRScan),
					Merchant: Merchant{
						ID:      p.MerchantID,
						Name:    p.MerchantName,
						LogoURL: p.LogoURL,
					},
					Amount:    money.NewFromMajor(p.Amount, payloadCurrency(p.Currency)),
					Reference: p.Reference,
				}, nil
			case "personal":
				return &SendMoney{
					Meta: newMeta(userID, TriggerQRScan),
					Recipient: Recipient{
						ID:    p.UserID,
						Name:  p.Name,
						Phone: p.Phone,
					},
					Amount: money.NewFromMajor(p.Amount, payloadCurrency(p.Currency)),
					Note:   p.Note,
				}, nil
			}
		}
	}

	return parseURI(userID, content)
}

// parseURI handles the secondary flow://pay/<name> and flow://send/<name> forms.
func parseURI(userID, content string) (Intent, error) {
	u, err := url.Parse(content)
	if err != nil || u.Scheme != "flow" {
		return nil, ErrUnrecognizedPayload
	}

	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return nil, ErrUnrecognizedPayload
	}

	q := u.Query()
	amount := 0.0
	if raw := q.Get("amount"); raw != "" {
		amount, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, ErrUnrecognizedPayload
		}
	}
	currency := payloadCurrency(q.Get("currency"))

	switch u.Host {
	case "pay":
		return &PayMerchant{
			Meta: newMeta(userID, TriggerQRScan),
			Merchant: Merchant{
				ID:   q.Get("id"),
				Name: name,
			},
			Amount:    money.NewFromMajor(amount, currency),
			Reference: q.Get("ref"),
		}, nil
	case "send":
		return &SendMoney{
			Meta: newMeta(userID, TriggerQRScan),
			Recipient: Recipient{
				ID:    q.Get("id"),
				Name:  name,
				Phone: q.Get("phone"),
			},
			Amount: money.NewFromMajor(amount, currency),
			Note:   q.Get("note"),
		}, nil
	default:
		return nil, ErrUnrecognizedPayload
	}
}

// LinkPayload is the payload of a payment link.
type LinkPayload struct {
	Direction    string  `json:"direction" validate:"required,oneof=pay request"`
	MerchantID   string  `json:"merchant_id"`
	Name         string  `json:"name"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Reference    string  `json:"reference"`
	Phone        string  `json:"phone"`
	Note         string  `json:"note"`
}

// ParseLink converts a payment-link payload into an intent.
// direction=pay yields PAY_MERCHANT; direction=request yields RECEIVE_MONEY.
func ParseLink(userID string, p LinkPayload) (Intent, error) {
	switch p.Direction {
	case "pay":
		return &PayMerchant{
			Meta: newMeta(userID, TriggerPaymentLink),
			Merchant: Merchant{
				ID:   p.MerchantID,
				Name: p.Name,
			},
			Amount:    money.NewFromMajor(p.Amount, payloadCurrency(p.Currency)),
			Reference: p.Reference,
		}, nil
	case "request":
		var cp *Counterparty
		if p.Name != "" || p.Phone != "" {
			cp = &Counterparty{Name: p.Name, Phone: p.Phone}
		}
		return &ReceiveMoney{
			Meta:         newMeta(userID, TriggerPaymentLink),
			Amount:       money.NewFromMajor(p.Amount, payloadCurrency(p.Currency)),
			Counterparty: cp,
			Note:         p.Note,
		}, nil
	default:
		return nil, ErrUnrecognizedPayload
	}
}

// Contact is a selected contact.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// FromContact creates a SEND_MONEY intent from a contact selection.
// The amount starts at zero; the user fills it in downstream.
func FromContact(userID string, c Contact) Intent {
	return &SendMoney{
		Meta: newMeta(userID, TriggerContactSelect),
		Recipient: Recipient{
			ID:    c.ID,
			Name:  c.Name,
			Phone: c.Phone,
			Email: c.Email,
		},
		Amount: money.Zero(DefaultCurrency),
	}
}

// NewPayMerchant creates a manually entered PAY_MERCHANT intent.
func NewPayMerchant(userID string, m Merchant, amount money.Money, reference string) Intent {
	return &PayMerchant{
		Meta:      newMeta(userID, TriggerManual),
		Merchant:  m,
		Amount:    amount,
		Reference: reference,
	}
}

// NewSendMoney creates a manually entered SEND_MONEY intent.
func NewSendMoney(userID string, r Recipient, amount money.Money, note string) Intent {
	return &SendMoney{
		Meta:      newMeta(userID, TriggerManual),
		Recipient: r,
		Amount:    amount,
		Note:      note,
	}
}

// NewReceiveMoney creates a manually entered RECEIVE_MONEY intent.
func NewReceiveMoney(userID string, amount money.Money, cp *Counterparty, note string) Intent {
	return &ReceiveMoney{
		Meta:         newMeta(userID, TriggerManual),
		Amount:       amount,
		Counterparty: cp,
		Note:         note,
	}
}
