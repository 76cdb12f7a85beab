package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentMethodCatalog(t *testing.T) {
	gw, ok := MethodCard.Gateway()
	assert.True(t, ok)
	assert.Equal(t, "stripe", gw)
	assert.True(t, MethodCard.SupportsCurrency("usd"))
	assert.False(t, MethodCard.SupportsCurrency("CNY"))
	assert.True(t, MethodCard.RequiresWebhook())
	assert.True(t, MethodCard.IsOnline())
	assert.Equal(t, "0.50", MethodCard.MinimumAmount("USD").StringFixed())
	assert.Equal(t, "50", MethodCard.MinimumAmount("JPY").StringFixed())

	gw, ok = MethodAlipay.Gateway()
	assert.True(t, ok)
	assert.Equal(t, "shouqianba", gw)
	assert.True(t, MethodAlipay.SupportsCurrency("CNY"))

	_, ok = MethodBankTransfer.Gateway()
	assert.False(t, ok)
	assert.True(t, MethodBankTransfer.IsManual())
	assert.True(t, MethodCorporateAccount.IsManual())
	assert.False(t, MethodCard.IsManual())
	assert.True(t, MethodBankTransfer.SupportsCurrency("XOF"))
	assert.False(t, MethodBankTransfer.RequiresWebhook())
}

func TestParsePaymentMethod(t *testing.T) {
	m, err := ParsePaymentMethod(" Card ")
	require.NoError(t, err)
	assert.Equal(t, MethodCard, m)

	_, err = ParsePaymentMethod("cheque")
	assert.ErrorIs(t, err, ErrUnsupportedMethod)

	assert.Len(t, PaymentMethods(), 5)
	assert.Equal(t, MethodAlipay, PaymentMethods()[0])
}

func TestGatewayConfigFilters(t *testing.T) {
	cfg := GatewayConfig{Currencies: "usd, EUR", MinAmount: usd("1").Amount, MaxAmount: usd("500").Amount}
	assert.Equal(t, []string{"USD", "EUR"}, cfg.CurrencyList())
	assert.True(t, cfg.SupportsCurrency("eur"))
	assert.False(t, cfg.SupportsCurrency("GBP"))
	assert.True(t, cfg.AcceptsAmount(usd("500").Amount))
	assert.False(t, cfg.AcceptsAmount(usd("500.01").Amount))
	assert.False(t, cfg.AcceptsAmount(usd("0.99").Amount))

	unbounded := GatewayConfig{Currencies: "USD"}
	assert.True(t, unbounded.AcceptsAmount(usd("1000000").Amount))
}
