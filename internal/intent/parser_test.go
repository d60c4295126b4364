package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowpay/internal/common/money"
)

func TestParseQRMerchant(t *testing.T) {
	payload := `{"type":"merchant","merchantId":"m1","merchantName":"Cafe","amount":12.5,"currency":"MYR","ref":"INV-42"}`

	i, err := ParseQR("u1", payload)
	require.NoError(t, err)

	pm, ok := i.(*PayMerchant)
	require.True(t, ok, "expected PAY_MERCHANT, got %s", i.Kind())

	assert.Equal(t, "m1", pm.Merchant.ID)
	assert.Equal(t, "Cafe", pm.Merchant.Name)
	assert.Equal(t, money.New(1250, money.MYR), pm.Amount)
	assert.Equal(t, "INV-42", pm.Reference)
	assert.Equal(t, TriggerQRScan, pm.Common().Trigger)
	assert.Equal(t, StatusPending, pm.Common().Status)
	assert.NotEmpty(t, pm.Common().ID)
}

func TestParseQRPersonal(t *testing.T) {
	t.Run("with amount", func(t *testing.T) {
		i, err := ParseQR("u1", `{"type":"personal","userId":"p9","name":"Aisha","phone":"+60123","amount":5,"currency":"MYR"}`)
		require.NoError(t, err)

		sm, ok := i.(*SendMoney)
		require.True(t, ok)
		assert.Equal(t, "Aisha", sm.Recipient.Name)
		assert.Equal(t, money.New(500, money.MYR), sm.Amount)
	})

	t.Run("amount and currency default to zero USD", func(t *testing.T) {
		i, err := ParseQR("u1", `{"type":"personal","name":"Aisha"}`)
		require.NoError(t, err)

		sm := i.(*SendMoney)
		assert.Equal(t, money.Zero(money.USD), sm.Amount)
	})
}

func TestParseQRURIFallback(t *testing.T) {
	t.Run("pay", func(t *testing.T) {
		i, err := ParseQR("u1", "flow://pay/Cafe?id=m1&amount=12.5&currency=MYR&ref=INV-42")
		require.NoError(t, err)

		pm, ok := i.(*PayMerchant)
		require.True(t, ok)
		assert.Equal(t, "m1", pm.Merchant.ID)
		assert.Equal(t, "Cafe", pm.Merchant.Name)
		assert.Equal(t, money.New(1250, money.MYR), pm.Amount)
		assert.Equal(t, "INV-42", pm.Reference)
	})

	t.Run("send", func(t *testing.T) {
		i, err := ParseQR("u1", "flow://send/Aisha?phone=%2B60123&note=lunch&amount=5&currency=MYR")
		require.NoError(t, err)

		sm, ok := i.(*SendMoney)
		require.True(t, ok)
		assert.Equal(t, "Aisha", sm.Recipient.Name)
		assert.Equal(t, "+60123", sm.Recipient.Phone)
		assert.Equal(t, "lunch", sm.Note)
	})
}

func TestParseQRUnrecognized(t *testing.T) {
	for _, content := range []string{
		"",
		"garbage",
		"https://example.com/pay",
		"flow://topup/whatever",
		"flow://pay/",
		`{"type":"loyalty-card"}`,
		"flow://pay/Cafe?amount=abc",
	} {
		i, err := ParseQR("u1", content)
		assert.ErrorIs(t, err, ErrUnrecognizedPayload, "content %q", content)
		assert.Nil(t, i)
	}
}

func TestParseLink(t *testing.T) {
	t.Run("pay direction", func(t *testing.T) {
		i, err := ParseLink("u1", LinkPayload{
			Direction:  "pay",
			MerchantID: "m7",
			Name:       "Bookshop",
			Amount:     30,
			Currency:   "MYR",
		})
		require.NoError(t, err)

		pm, ok := i.(*PayMerchant)
		require.True(t, ok)
		assert.Equal(t, TriggerPaymentLink, pm.Common().Trigger)
		assert.Equal(t, money.New(3000, money.MYR), pm.Amount)
	})

	t.Run("request direction", func(t *testing.T) {
		i, err := ParseLink("u1", LinkPayload{
			Direction: "request",
			Name:      "Ben",
			Amount:    15,
			Currency:  "MYR",
		})
		require.NoError(t, err)

		rm, ok := i.(*ReceiveMoney)
		require.True(t, ok)
		require.NotNil(t, rm.Counterparty)
		assert.Equal(t, "Ben", rm.Counterparty.Name)
		assert.Equal(t, money.New(1500, money.MYR), rm.Amount)
	})

	t.Run("unknown direction", func(t *testing.T) {
		_, err := ParseLink("u1", LinkPayload{Direction: "refund"})
		assert.ErrorIs(t, err, ErrUnrecognizedPayload)
	})
}

func TestFromContact(t *testing.T) {
	i := FromContact("u1", Contact{ID: "c3", Name: "Aisha", Phone: "+60123"})

	sm, ok := i.(*SendMoney)
	require.True(t, ok)
	assert.Equal(t, TriggerContactSelect, sm.Common().Trigger)
	assert.Equal(t, "Aisha", sm.Recipient.Name)
	assert.True(t, sm.Amount.IsZero())
}

func TestUniqueIDs(t *testing.T) {
	a := FromContact("u1", Contact{Name: "A"})
	b := FromContact("u1", Contact{Name: "A"})
	assert.NotEqual(t, a.Common().ID, b.Common().ID)
}
