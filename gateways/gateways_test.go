package gateways

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

// --- fakes ---

type stubGateway struct {
	name       string
	methods    []models.PaymentMethod
	configured bool
}

func (s *stubGateway) Name() string { return s.name }
func (s *stubGateway) Charge(ctx context.Context, req ChargeRequest) *PaymentResult {
	return Success(models.StatusCompleted, "txn_"+s.name, req.Amount, nil)
}
func (s *stubGateway) RefundPayment(ctx context.Context, req RefundRequest) *PaymentResult {
	return Success(models.StatusRefunded, req.TransactionID, req.Money(), nil)
}
func (s *stubGateway) Supports(m models.PaymentMethod) bool {
	for _, x := range s.methods {
		if x == m {
			return true
		}
	}
	return false
}
func (s *stubGateway) SupportedCurrencies() []string { return []string{"USD"} }
func (s *stubGateway) ValidateConfiguration() bool   { return s.configured }

type staticConfigs []models.GatewayConfig

func (c staticConfigs) ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfig, error) {
	return c, nil
}

type brokenConfigs struct{}

func (brokenConfigs) ListGatewayConfigs(ctx context.Context) ([]models.GatewayConfig, error) {
	return nil, errors.New("db down")
}

func cfg(name string, priority int, currencies string, lo, hi string) models.GatewayConfig {
	return models.GatewayConfig{
		Name:         name,
		IsActive:     true,
		IsConfigured: true,
		Priority:     priority,
		Currencies:   currencies,
		MinAmount:    decimal.RequireFromString(lo),
		MaxAmount:    decimal.RequireFromString(hi),
	}
}

func newTestRouter(configs ...models.GatewayConfig) *Router {
	reg := NewRegistry(
		&stubGateway{name: "alpha", methods: []models.PaymentMethod{models.MethodCard}, configured: true},
		&stubGateway{name: "beta", methods: []models.PaymentMethod{models.MethodCard}, configured: true},
		&stubGateway{name: "gamma", methods: []models.PaymentMethod{models.MethodAlipay}, configured: true},
		&stubGateway{name: "broken", methods: []models.PaymentMethod{models.MethodCard}, configured: false},
	)
	return NewRouter(reg, staticConfigs(configs))
}

// --- router ---

func TestRouterSelect(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		configs []models.GatewayConfig
		amount  money.Money
		want    string
	}{
		{
			name:    "lowest priority wins",
			configs: []models.GatewayConfig{cfg("alpha", 20, "USD", "0", "0"), cfg("beta", 10, "USD", "0", "0")},
			amount:  money.MustParse("10", "USD"),
			want:    "beta",
		},
		{
			name:    "tie broken by name",
			configs: []models.GatewayConfig{cfg("beta", 10, "USD", "0", "0"), cfg("alpha", 10, "USD", "0", "0")},
			amount:  money.MustParse("10", "USD"),
			want:    "alpha",
		},
		{
			name:    "currency is case-insensitive",
			configs: []models.GatewayConfig{cfg("alpha", 10, "eur", "0", "0")},
			amount:  money.MustParse("10", "EUR"),
			want:    "alpha",
		},
		{
			name:    "amount bounds filter",
			configs: []models.GatewayConfig{cfg("alpha", 1, "USD", "0", "50"), cfg("beta", 2, "USD", "50", "1000")},
			amount:  money.MustParse("75", "USD"),
			want:    "beta",
		},
		{
			name:    "bounds are inclusive",
			configs: []models.GatewayConfig{cfg("alpha", 1, "USD", "10", "50")},
			amount:  money.MustParse("50", "USD"),
			want:    "alpha",
		},
		{
			name:    "gateway failing its own validation is skipped",
			configs: []models.GatewayConfig{cfg("broken", 1, "USD", "0", "0"), cfg("beta", 5, "USD", "0", "0")},
			amount:  money.MustParse("10", "USD"),
			want:    "beta",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sel, err := newTestRouter(tc.configs...).Select(ctx, tc.amount)
			require.NoError(t, err)
			assert.Equal(t, tc.want, sel.Gateway.Name())
		})
	}
}

func TestRouterSkipsInactiveAndUnconfigured(t *testing.T) {
	inactive := cfg("alpha", 1, "USD", "0", "0")
	inactive.IsActive = false
	unconfigured := cfg("beta", 2, "USD", "0", "0")
	unconfigured.IsConfigured = false
	unregistered := cfg("nobody", 0, "USD", "0", "0")

	_, err := newTestRouter(inactive, unconfigured, unregistered).Select(context.Background(), money.MustParse("10", "USD"))
	assert.ErrorIs(t, err, ErrNoGatewayAvailable)
}

func TestRouterIsDeterministic(t *testing.T) {
	r := newTestRouter(
		cfg("beta", 10, "USD", "0", "0"),
		cfg("alpha", 10, "USD", "0", "0"),
		cfg("gamma", 10, "USD", "0", "0"),
	)
	amount := money.MustParse("10", "USD")
	first, err := r.Select(context.Background(), amount)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		sel, err := r.Select(context.Background(), amount)
		require.NoError(t, err)
		assert.Equal(t, first.Gateway.Name(), sel.Gateway.Name())
	}
}

func TestRouterSelectForMethod(t *testing.T) {
	r := newTestRouter(cfg("alpha", 1, "CNY,USD", "0", "0"), cfg("gamma", 2, "CNY", "0", "0"))

	sel, err := r.SelectForMethod(context.Background(), models.MethodAlipay, money.MustParse("10", "CNY"))
	require.NoError(t, err)
	assert.Equal(t, "gamma", sel.Gateway.Name())

	_, err = r.SelectForMethod(context.Background(), models.MethodBankTransfer, money.MustParse("10", "USD"))
	assert.ErrorIs(t, err, ErrNoGatewayAvailable)
}

func TestRouterConfigSourceError(t *testing.T) {
	r := NewRouter(NewRegistry(), brokenConfigs{})
	_, err := r.Select(context.Background(), money.MustParse("1", "USD"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoGatewayAvailable)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(&stubGateway{name: "b"}, &stubGateway{name: "a"})
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	_, err := reg.Get("zzz")
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

// --- results ---

func TestPaymentResultFactories(t *testing.T) {
	amt := money.MustParse("10", "USD")

	ok := Success(models.StatusFailed, "txn", amt, nil)
	assert.True(t, ok.Successful)
	assert.Equal(t, models.StatusCompleted, ok.Status, "a success is never flagged failed")
	assert.True(t, ok.Consistent())

	auth := Success(models.StatusProcessing, "txn", amt, nil)
	assert.True(t, auth.Consistent())

	fail := Failure("", "boom", amt, nil)
	assert.False(t, fail.Successful)
	assert.Equal(t, CodeGatewayError, fail.ErrorCode)
	assert.True(t, fail.Consistent())
	assert.False(t, fail.Retryable())

	timeout := Failure(CodeGatewayTimeout, "slow", amt, nil)
	assert.True(t, timeout.Retryable())

	pending := Pending(models.StatusCompleted, "txn", amt, nil)
	assert.Equal(t, models.StatusPending, pending.Status)
	assert.True(t, pending.Consistent())

	action := Pending(models.StatusRequiresAction, "txn", amt, nil)
	assert.Equal(t, models.StatusRequiresAction, action.Status)
	assert.False(t, action.Successful)
}

func TestErrorCodeClasses(t *testing.T) {
	for _, c := range []string{CodeNetworkError, CodeGatewayTimeout, CodeTemporaryDecline} {
		assert.True(t, IsTransient(c), c)
		assert.False(t, IsPermanent(c), c)
	}
	for _, c := range []string{CodeCardDeclined, CodeInsufficientFunds, CodeInvalidCard, CodeExpiredCard, CodeAuthenticationRequired} {
		assert.True(t, IsPermanent(c), c)
		assert.False(t, IsTransient(c), c)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	assert.Equal(t, CodeGatewayTimeout, ClassifyError(fmt.Errorf("post: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeGatewayTimeout, ClassifyError(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	assert.Equal(t, CodeNetworkError, ClassifyError(errors.New("connection refused")))
}

// --- refund request ---

func TestRefundRequestMinorUnits(t *testing.T) {
	tests := []struct {
		name   string
		amount decimal.Decimal
		want   int64
	}{
		{"zero", decimal.RequireFromString("0.00"), 0},
		{"one cent", decimal.RequireFromString("0.01"), 1},
		{"large", decimal.RequireFromString("999999.99"), 99999999},
		{"float sum", decimal.NewFromFloat(0.1 + 0.2), 30},
		{"thirty", decimal.RequireFromString("30.00"), 3000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := NewRefundRequest("txn_1", money.New(tc.amount, "usd"), "", nil)
			assert.Equal(t, tc.want, req.AmountInMinorUnits())
		})
	}
}

func TestRefundRequestMetadata(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := NewRefundRequest("txn_1", money.MustParse("12.5", "USD"), "", map[string]string{"donation_id": "9"})

	meta := req.EnrichedMetadata(at)
	assert.Equal(t, "9", meta["donation_id"])
	assert.Equal(t, "12.50", meta["refund_amount"])
	assert.Equal(t, "USD", meta["refund_currency"])
	assert.Equal(t, DefaultRefundReason, meta["refund_reason"])
	assert.Equal(t, "2026-03-01T12:00:00Z", meta["refund_timestamp"])
	assert.Len(t, req.Metadata, 1, "original metadata untouched")

	req.Reason = "duplicate"
	assert.Equal(t, "duplicate", req.ReasonOrDefault())
}

func TestRefundRequestValidate(t *testing.T) {
	assert.NoError(t, NewRefundRequest("txn", money.MustParse("1", "USD"), "", nil).Validate())
	assert.Error(t, NewRefundRequest("", money.MustParse("1", "USD"), "", nil).Validate())
	assert.Error(t, NewRefundRequest("txn", money.MustParse("-1", "USD"), "", nil).Validate())
}
