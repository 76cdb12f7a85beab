package services

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
	"github.com/zhifu/donation-pay/repository"
	"github.com/zhifu/donation-pay/utils"
)

const fakeName = "fakepay"

// fakeGateway answers with whatever the test installs.
type fakeGateway struct {
	mu      sync.Mutex
	charge  func(req gateways.ChargeRequest) *gateways.PaymentResult
	refund  func(req gateways.RefundRequest) *gateways.PaymentResult
	query   func(intentID, transactionID string, amount money.Money) *gateways.PaymentResult
	webhook func(payload []byte) (*gateways.WebhookEvent, error)

	chargeKeys []string
	refunds    int
}

func (f *fakeGateway) Name() string { return fakeName }

func (f *fakeGateway) Charge(ctx context.Context, req gateways.ChargeRequest) *gateways.PaymentResult {
	f.mu.Lock()
	f.chargeKeys = append(f.chargeKeys, req.IdempotencyKey)
	fn := f.charge
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeGateway) RefundPayment(ctx context.Context, req gateways.RefundRequest) *gateways.PaymentResult {
	f.mu.Lock()
	f.refunds++
	fn := f.refund
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeGateway) QueryStatus(ctx context.Context, intentID, transactionID string, amount money.Money) *gateways.PaymentResult {
	return f.query(intentID, transactionID, amount)
}

func (f *fakeGateway) ParseWebhook(payload []byte, headers http.Header) (*gateways.WebhookEvent, error) {
	return f.webhook(payload)
}

func (f *fakeGateway) Supports(m models.PaymentMethod) bool {
	return m == models.MethodCard || m == models.MethodWechatPay
}

func (f *fakeGateway) SupportedCurrencies() []string { return []string{"USD", "CNY"} }
func (f *fakeGateway) ValidateConfiguration() bool   { return true }

func (f *fakeGateway) chargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chargeKeys)
}

func completeCharge(req gateways.ChargeRequest) *gateways.PaymentResult {
	return gateways.Success(models.StatusCompleted, "txn_1", req.Amount, map[string]interface{}{"charge": "ok"})
}

func refundOK(req gateways.RefundRequest) *gateways.PaymentResult {
	return gateways.Success(models.StatusRefunded, "re_1", req.Money(), nil)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (r *recordingPublisher) Publish(e PaymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) ofType(kind string) []PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PaymentEvent
	for _, e := range r.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	db        *gorm.DB
	svc       *PaymentService
	gw        *fakeGateway
	events    *recordingPublisher
	payments  *repository.PaymentRepository
	attempts  *repository.AttemptRepository
	donations *repository.DonationRepository
}

func newHarness(t *testing.T, policy AuditPolicy) *harness {
	t.Helper()
	db, err := utils.InitDatabase(utils.DatabaseOptions{Driver: "sqlite", DSN: "file::memory:", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, utils.MigrateDatabase(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	configs := repository.NewGatewayConfigRepository(db)
	require.NoError(t, configs.Upsert(context.Background(), &models.GatewayConfig{
		Name:         fakeName,
		IsActive:     true,
		IsConfigured: true,
		Priority:     1,
		Currencies:   "USD,CNY",
		MinAmount:    decimal.Zero,
	}))

	gw := &fakeGateway{charge: completeCharge, refund: refundOK}
	registry := gateways.NewRegistry(gw)
	h := &harness{
		db:        db,
		gw:        gw,
		events:    &recordingPublisher{},
		payments:  repository.NewPaymentRepository(db),
		attempts:  repository.NewAttemptRepository(db),
		donations: repository.NewDonationRepository(db),
	}
	h.svc = NewPaymentService(Deps{
		Payments:  h.payments,
		Attempts:  h.attempts,
		Webhooks:  repository.NewWebhookEventRepository(db),
		Donations: h.donations,
		Registry:  registry,
		Router:    gateways.NewRouter(registry, configs),
		Auditor:   NewAttemptAuditor(h.attempts, policy),
		Events:    h.events,
	})
	return h
}

// secondInstance is another service over the same database and gateway,
// as a second process would be. It shares no in-memory locks with h.svc.
func (h *harness) secondInstance() *PaymentService {
	return NewPaymentService(Deps{
		Payments:  h.payments,
		Attempts:  h.attempts,
		Webhooks:  repository.NewWebhookEventRepository(h.db),
		Donations: h.donations,
		Registry:  h.svc.registry,
		Router:    h.svc.router,
		Auditor:   h.svc.auditor,
		Events:    h.events,
	})
}

func (h *harness) donation(t *testing.T, amount, currency string, campaignID uint) *models.Donation {
	t.Helper()
	d := &models.Donation{
		Amount:     decimal.RequireFromString(amount),
		Currency:   currency,
		CampaignID: campaignID,
		Status:     string(models.StatusPending),
	}
	require.NoError(t, h.donations.CreateDonation(context.Background(), d))
	return d
}

func (h *harness) charge(t *testing.T, amount, currency string, method models.PaymentMethod) *ChargeOutcome {
	t.Helper()
	d := h.donation(t, amount, currency, 0)
	out, err := h.svc.Charge(context.Background(), ChargeInput{
		DonationID: d.ID,
		Amount:     money.MustParse(amount, currency),
		Method:     method,
		Source:     "pm_card_visa",
		Origin:     "203.0.113.7",
	})
	require.NoError(t, err)
	return out
}
