package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowpay/internal/common/money"
)

func TestLifecycleHappyPath(t *testing.T) {
	i := NewPayMerchant("u1", Merchant{ID: "m1", Name: "Cafe"}, money.New(1250, money.MYR), "")
	m := i.Common()

	assert.Equal(t, StatusPending, m.Status)
	require.NoError(t, m.Authorize())
	assert.Equal(t, StatusAuthorized, m.Status)
	require.NoError(t, m.Complete())
	assert.Equal(t, StatusCompleted, m.Status)
	assert.True(t, m.IsTerminal())
}

func TestLifecycleGuards(t *testing.T) {
	t.Run("cannot complete pending", func(t *testing.T) {
		m := newMeta("u1", TriggerManual)
		assert.ErrorIs(t, m.Complete(), ErrInvalidTransition)
	})

	t.Run("cannot cancel authorized", func(t *testing.T) {
		m := newMeta("u1", TriggerManual)
		require.NoError(t, m.Authorize())
		assert.ErrorIs(t, m.Cancel(), ErrInvalidTransition)
	})

	t.Run("fail allowed from pending and authorized", func(t *testing.T) {
		m := newMeta("u1", TriggerManual)
		require.NoError(t, m.Fail())

		m = newMeta("u1", TriggerManual)
		require.NoError(t, m.Authorize())
		require.NoError(t, m.Fail())
	})

	t.Run("terminal states never transition again", func(t *testing.T) {
		m := newMeta("u1", TriggerManual)
		require.NoError(t, m.Cancel())

		assert.ErrorIs(t, m.Authorize(), ErrTerminalState)
		assert.ErrorIs(t, m.Complete(), ErrTerminalState)
		assert.ErrorIs(t, m.Cancel(), ErrTerminalState)
		assert.ErrorIs(t, m.Fail(), ErrTerminalState)
	})
}

func TestMarshalRoundTrip(t *testing.T) {
	intents := []Intent{
		NewPayMerchant("u1", Merchant{ID: "m1", Name: "Cafe"}, money.New(1250, money.MYR), "INV-1"),
		NewSendMoney("u1", Recipient{Name: "Aisha", Phone: "+60123"}, money.New(500, money.MYR), "lunch"),
		NewReceiveMoney("u1", money.New(2000, money.MYR), &Counterparty{Name: "Ben"}, ""),
	}

	for _, original := range intents {
		data, err := Marshal(original)
		require.NoError(t, err)

		decoded, err := Unmarshal(original.Kind(), data)
		require.NoError(t, err)
		assert.Equal(t, original, decoded)
	}
}

func TestRequestedAmount(t *testing.T) {
	send := NewSendMoney("u1", Recipient{Name: "A"}, money.New(700, money.USD), "")
	assert.Equal(t, money.New(700, money.USD), RequestedAmount(send))

	recv := NewReceiveMoney("u1", money.Money{}, nil, "")
	assert.True(t, RequestedAmount(recv).IsZero())
}
