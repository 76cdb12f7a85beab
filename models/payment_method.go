package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zhifu/donation-pay/money"
)

// PaymentMethod is a closed set of supported methods. Behaviour per method
// lives in methodTable; adding a method means one constant and one row.
type PaymentMethod string

const (
	MethodCard             PaymentMethod = "card"
	MethodWechatPay        PaymentMethod = "wechat_pay"
	MethodAlipay           PaymentMethod = "alipay"
	MethodBankTransfer     PaymentMethod = "bank_transfer"
	MethodCorporateAccount PaymentMethod = "corporate_account"
)

type methodSpec struct {
	label           string
	gateway         string // empty for manual methods
	currencies      []string
	defaultMinimum  string
	minimums        map[string]string
	online          bool
	instant         bool
	requiresWebhook bool
}

var methodTable = map[PaymentMethod]methodSpec{
	MethodCard: {
		label:           "Credit / debit card",
		gateway:         "stripe",
		currencies:      []string{"USD", "EUR", "GBP", "CAD", "AUD", "JPY"},
		defaultMinimum:  "0.50",
		minimums:        map[string]string{"JPY": "50", "GBP": "0.30"},
		online:          true,
		instant:         true,
		requiresWebhook: true,
	},
	MethodWechatPay: {
		label:           "WeChat Pay",
		gateway:         "shouqianba",
		currencies:      []string{"CNY"},
		defaultMinimum:  "0.01",
		online:          true,
		instant:         false,
		requiresWebhook: true,
	},
	MethodAlipay: {
		label:           "Alipay",
		gateway:         "shouqianba",
		currencies:      []string{"CNY"},
		defaultMinimum:  "0.01",
		online:          true,
		instant:         false,
		requiresWebhook: true,
	},
	MethodBankTransfer: {
		label:          "Bank transfer",
		defaultMinimum: "1.00",
	},
	MethodCorporateAccount: {
		label:          "Corporate account",
		defaultMinimum: "100.00",
	},
}

// PaymentMethods lists every method in a stable order.
func PaymentMethods() []PaymentMethod {
	out := make([]PaymentMethod, 0, len(methodTable))
	for m := range methodTable {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePaymentMethod validates a method code.
func ParsePaymentMethod(code string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(code)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, code)
	}
	return m, nil
}

func (m PaymentMethod) Valid() bool {
	_, ok := methodTable[m]
	return ok
}

func (m PaymentMethod) Label() string { return methodTable[m].label }

// Gateway returns the owning gateway name; ok is false for manual methods.
func (m PaymentMethod) Gateway() (string, bool) {
	g := methodTable[m].gateway
	return g, g != ""
}

// IsManual methods are settled out of band and never touch a gateway.
func (m PaymentMethod) IsManual() bool {
	_, ok := m.Gateway()
	return m.Valid() && !ok
}

func (m PaymentMethod) IsOnline() bool        { return methodTable[m].online }
func (m PaymentMethod) IsInstant() bool       { return methodTable[m].instant }
func (m PaymentMethod) RequiresWebhook() bool { return methodTable[m].requiresWebhook }

// SupportsCurrency is case-insensitive. Manual methods accept any currency.
func (m PaymentMethod) SupportsCurrency(currency string) bool {
	spec, ok := methodTable[m]
	if !ok {
		return false
	}
	if len(spec.currencies) == 0 {
		return true
	}
	for _, c := range spec.currencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// MinimumAmount returns the smallest chargeable amount in currency.
func (m PaymentMethod) MinimumAmount(currency string) money.Money {
	spec := methodTable[m]
	raw := spec.defaultMinimum
	if v, ok := spec.minimums[strings.ToUpper(currency)]; ok {
		raw = v
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d = decimal.Zero
	}
	return money.New(d, currency)
}
