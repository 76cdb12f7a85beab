// Package services runs payments through their lifecycle: routing a charge
// to a gateway, logging every provider call, converging with webhooks and
// booking refunds without ever exceeding what was paid.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
	"github.com/zhifu/donation-pay/monitoring"
	"github.com/zhifu/donation-pay/repository"
)

var (
	ErrNotRetryable = errors.New("payment is not eligible for retry")
	ErrNotManual    = errors.New("payment method is not confirmed manually")
	// ErrAmountMismatch is returned when a charge asks for a different
	// amount than the donation is worth.
	ErrAmountMismatch = errors.New("charge amount does not match donation")
	// ErrDonationInFlight is returned when a donation already has a payment
	// that is open or has collected money.
	ErrDonationInFlight = errors.New("donation already has an open or settled payment")
)

// DefaultGatewayTimeout bounds one provider call.
const DefaultGatewayTimeout = 30 * time.Second

const (
	dataPaymentMethodRef = "payment_method_ref"
	dataOrigin           = "origin"
	dataManualReference  = "manual_reference"
)

type PaymentStore interface {
	Create(ctx context.Context, p *models.Payment) error
	Save(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id uint) (*models.Payment, error)
	FindByTransactionID(ctx context.Context, gateway, transactionID string) (*models.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	ListByDonation(ctx context.Context, donationID uint) ([]models.Payment, error)
	ListByStatus(ctx context.Context, statuses []models.PaymentStatus, updatedBefore time.Time, limit int) ([]models.Payment, error)
}

type WebhookEventStore interface {
	Record(ctx context.Context, e *models.WebhookEvent) error
	Exists(ctx context.Context, gateway, eventID string) (bool, error)
}

type DonationStore interface {
	GetDonation(ctx context.Context, id uint) (*models.Donation, error)
	SetDonationStatus(ctx context.Context, id uint, status models.PaymentStatus) error
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	// BookMatch records a donation's corporate match and adds it to the
	// campaign. It reports false when the donation was already matched.
	BookMatch(ctx context.Context, donationID, campaignID uint, amount decimal.Decimal) (bool, error)
}

// Deps wires a PaymentService.
type Deps struct {
	Payments  PaymentStore
	Attempts  AttemptStore
	Webhooks  WebhookEventStore
	Donations DonationStore
	Registry  *gateways.Registry
	Router    *gateways.Router
	Auditor   *AttemptAuditor
	Events    EventPublisher
	// Calculator grosses up cover-fees donations. Without it a donation is
	// charged its plain amount.
	Calculator     *DonationAmountCalculator
	GatewayTimeout time.Duration
}

type PaymentService struct {
	payments   PaymentStore
	attempts   AttemptStore
	webhooks   WebhookEventStore
	donations  DonationStore
	registry   *gateways.Registry
	router     *gateways.Router
	auditor    *AttemptAuditor
	events     EventPublisher
	calculator *DonationAmountCalculator
	timeout    time.Duration
	locks      *KeyedMutex
	// donationLocks is keyed by donation id, not payment id.
	donationLocks *KeyedMutex
}

func NewPaymentService(d Deps) *PaymentService {
	s := &PaymentService{
		payments:      d.Payments,
		attempts:      d.Attempts,
		webhooks:      d.Webhooks,
		donations:     d.Donations,
		registry:      d.Registry,
		router:        d.Router,
		auditor:       d.Auditor,
		events:        d.Events,
		calculator:    d.Calculator,
		timeout:       d.GatewayTimeout,
		locks:         NewKeyedMutex(),
		donationLocks: NewKeyedMutex(),
	}
	if s.events == nil {
		s.events = NopPublisher
	}
	if s.timeout <= 0 {
		s.timeout = DefaultGatewayTimeout
	}
	if s.auditor == nil {
		s.auditor = NewAttemptAuditor(d.Attempts, AuditPolicy{})
	}
	return s
}

// ChargeInput is a request to collect a donation. A zero Amount charges
// whatever the donation is worth.
type ChargeInput struct {
	DonationID  uint
	Amount      money.Money
	Method      models.PaymentMethod
	Source      string
	Origin      string
	Description string
	Metadata    map[string]string
}

// ChargeOutcome is the stored payment after the call and the provider's
// answer. Result is nil when no gateway was called.
type ChargeOutcome struct {
	Payment        *models.Payment         `json:"payment"`
	Result         *gateways.PaymentResult `json:"result,omitempty"`
	RetryScheduled bool                    `json:"retry_scheduled"`
}

// Charge creates a payment for the donation and, for online methods, sends
// it to the gateway the router picks. The amount must be what the donation
// is worth (grossed up when the donor covers fees), and a donation with an
// open or settled payment is refused. Routing errors are returned before
// anything is stored.
func (s *PaymentService) Charge(ctx context.Context, in ChargeInput) (*ChargeOutcome, error) {
	d, err := s.donations.GetDonation(ctx, in.DonationID)
	if err != nil {
		return nil, err
	}
	amount, err := s.chargeAmount(d, in.Amount)
	if err != nil {
		return nil, err
	}
	p, err := models.NewPayment(in.DonationID, amount, in.Method)
	if err != nil {
		return nil, err
	}
	if in.Origin != "" {
		p.GatewayData[dataOrigin] = in.Origin
	}

	if in.Method.IsManual() {
		if err := s.createForDonation(ctx, p); err != nil {
			return nil, err
		}
		logging.FromContext(ctx).Info("manual payment awaiting confirmation",
			zap.Uint("payment_id", p.ID),
			zap.Uint("donation_id", p.DonationID),
			zap.String("method", string(p.PaymentMethod)),
			zap.String("amount", p.Money().String()))
		s.afterTransition(ctx, "", p)
		return &ChargeOutcome{Payment: p}, nil
	}

	sel, err := s.router.SelectForMethod(ctx, in.Method, p.Money())
	if err != nil {
		logging.FromContext(ctx).Warn("no gateway for payment",
			zap.Uint("donation_id", in.DonationID),
			zap.String("method", string(in.Method)),
			zap.String("amount", p.Money().String()),
			zap.Error(err))
		return nil, err
	}
	p.GatewayName = sel.Gateway.Name()
	if in.Source != "" {
		p.GatewayData[dataPaymentMethodRef] = in.Source
	}
	if err := s.createForDonation(ctx, p); err != nil {
		return nil, err
	}
	return s.dispatchCharge(ctx, p.ID, sel.Gateway, in.Source, in.Origin, in.Description, in.Metadata)
}

// chargeAmount returns what the donation should be charged. A zero request
// takes that amount; anything else must match it.
func (s *PaymentService) chargeAmount(d *models.Donation, requested money.Money) (money.Money, error) {
	want := money.New(d.Amount, d.Currency).Round()
	if d.CoverFees && s.calculator != nil {
		b, err := s.calculator.Breakdown(*d, nil)
		if err != nil {
			return money.Money{}, err
		}
		want = b.Charged
	}
	if requested.Currency != "" && !strings.EqualFold(requested.Currency, want.Currency) {
		return money.Money{}, fmt.Errorf("%w: donation %d is in %s, charge asked for %s",
			money.ErrCurrencyMismatch, d.ID, want.Currency, requested.Currency)
	}
	if requested.IsZero() {
		return want, nil
	}
	if !requested.Round().Equal(want) {
		return money.Money{}, fmt.Errorf("%w: donation %d is charged %s, not %s",
			ErrAmountMismatch, d.ID, want, requested.Round())
	}
	return want, nil
}

// createForDonation stores p unless its donation already has a payment that
// is still open or has collected money. Only failed and cancelled payments
// leave room for a new one.
func (s *PaymentService) createForDonation(ctx context.Context, p *models.Payment) error {
	unlock := s.donationLocks.Lock(p.DonationID)
	defer unlock()

	existing, err := s.payments.ListByDonation(ctx, p.DonationID)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Status != models.StatusFailed && e.Status != models.StatusCancelled {
			return fmt.Errorf("%w: payment %d is %s", ErrDonationInFlight, e.ID, e.Status)
		}
	}
	return s.payments.Create(ctx, p)
}

// Retry charges a payment again with its original idempotency key. Only a
// payment whose last charge failed transiently within its retry budget
// qualifies.
func (s *PaymentService) Retry(ctx context.Context, paymentID uint) (*ChargeOutcome, error) {
	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.PaymentMethod.IsManual() || p.GatewayName == "" {
		return nil, fmt.Errorf("%w: payment %d has no gateway", ErrNotRetryable, p.ID)
	}
	ok, err := s.auditor.IsRetryEligible(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: payment %d", ErrNotRetryable, p.ID)
	}
	gw, err := s.registry.Get(p.GatewayName)
	if err != nil {
		return nil, err
	}
	return s.dispatchCharge(ctx, p.ID, gw, p.GatewayString(dataPaymentMethodRef), p.GatewayString(dataOrigin), "", nil)
}

func (s *PaymentService) dispatchCharge(ctx context.Context, paymentID uint, gw gateways.PaymentGateway,
	source, origin, description string, metadata map[string]string) (*ChargeOutcome, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.CanBeAuthorized() {
		return nil, &models.InvalidStateError{Op: "charge", Status: p.Status}
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["payment_id"] = fmt.Sprint(p.ID)
	meta["donation_id"] = fmt.Sprint(p.DonationID)
	if description == "" {
		description = fmt.Sprintf("Donation #%d", p.DonationID)
	}
	req := gateways.ChargeRequest{
		IdempotencyKey: p.IntentID,
		Amount:         p.Money(),
		Method:         p.PaymentMethod,
		Source:         source,
		Description:    description,
		Metadata:       meta,
	}

	res, elapsed := s.call(ctx, func(callCtx context.Context) *gateways.PaymentResult {
		return gw.Charge(callCtx, req)
	}, p.Money())
	monitoring.RecordGatewayCall(ctx, gw.Name(), string(models.OperationCharge), outcomeOf(res), elapsed)

	if err := s.logAttempt(ctx, p, models.OperationCharge, gw.Name(), res, p.Money(), p.IntentID, origin, elapsed); err != nil {
		return nil, err
	}

	prev := p.Status
	retry, err := s.applyCharge(ctx, p, res)
	if err != nil {
		return nil, err
	}
	if err := s.payments.Save(ctx, p); err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx).With(
		zap.Uint("payment_id", p.ID),
		zap.String("gateway", gw.Name()),
		zap.String("status", string(p.Status)),
		zap.Duration("elapsed", elapsed))
	if res.Successful || res.Status != models.StatusFailed {
		log.Info("charge processed", zap.String("transaction_id", p.TransactionID))
	} else {
		log.Warn("charge failed",
			zap.String("error_code", res.ErrorCode),
			zap.String("error_message", res.ErrorMessage),
			zap.Bool("retry_scheduled", retry))
	}
	s.afterTransition(ctx, prev, p)
	return &ChargeOutcome{Payment: p, Result: res, RetryScheduled: retry}, nil
}

// applyCharge moves p according to a charge result. A webhook may already
// have settled the payment while the call was in flight, so transitions
// that no longer apply are skipped.
func (s *PaymentService) applyCharge(ctx context.Context, p *models.Payment, res *gateways.PaymentResult) (bool, error) {
	switch {
	case res.Successful && res.Status == models.StatusCompleted:
		if p.CanBeAuthorized() {
			if err := p.Authorize(res.TransactionID, res.GatewayData); err != nil {
				return false, err
			}
		}
		if p.CanBeCaptured() {
			return false, p.Capture(res.GatewayData)
		}
	case res.Successful && res.Status == models.StatusProcessing:
		if p.CanBeAuthorized() {
			return false, p.Authorize(res.TransactionID, res.GatewayData)
		}
	case res.Status == models.StatusRequiresAction:
		if p.CanRequireAction() {
			return false, p.MarkRequiresAction(res.TransactionID, res.GatewayData)
		}
	case res.Status == models.StatusPending:
		return false, p.UpdateFromGateway(p.Status, res.TransactionID, res.GatewayData)
	default:
		if res.Retryable() {
			ok, err := s.auditor.IsRetryEligible(ctx, p.ID)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		if p.CanBeFailed() {
			return false, p.Fail(res.ErrorMessage, res.ErrorCode, res.DeclineCode)
		}
	}
	return false, nil
}

// RefundOutcome is the payment after a refund request and the result that
// decided it.
type RefundOutcome struct {
	Payment *models.Payment         `json:"payment"`
	Result  *gateways.PaymentResult `json:"result"`
}

// Refund returns part or all of a payment. Refunds on one payment are
// serialized in this process and bounded by the remaining refundable amount
// before any provider call; a request over the bound is answered with an
// amount_exceeds_original failure and nothing is sent. Provider refunds are
// reserved on the stored payment first, so another instance sharing the
// database sees the reduced balance while the call is in flight.
func (s *PaymentService) Refund(ctx context.Context, paymentID uint, amount money.Money, reason string, metadata map[string]string) (*RefundOutcome, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.CanBeRefunded() {
		return nil, &models.InvalidStateError{Op: "refund", Status: p.Status}
	}
	if res := checkRefundAmount(p, amount); res != nil {
		monitoring.RecordRefund(ctx, p.GatewayName, "rejected")
		logging.FromContext(ctx).Warn("refund rejected",
			zap.Uint("payment_id", p.ID),
			zap.String("requested", amount.String()),
			zap.String("remaining", p.RemainingRefundable().String()),
			zap.String("error_code", res.ErrorCode))
		return &RefundOutcome{Payment: p, Result: res}, nil
	}
	amount = amount.Round()

	req := gateways.NewRefundRequest(p.TransactionID, amount, reason, metadata)
	req.IdempotencyKey = uuid.NewString()

	var (
		res      *gateways.PaymentResult
		elapsed  time.Duration
		gwName   = p.GatewayName
		reserved bool
	)
	if p.PaymentMethod.IsManual() {
		// Offline methods are refunded by the operator; only the booking
		// happens here.
		gwName = "manual"
		res = gateways.Success(models.StatusRefunded, p.TransactionID, amount, map[string]interface{}{"refund_reason": req.ReasonOrDefault()})
	} else {
		gw, err := s.registry.Get(p.GatewayName)
		if err != nil {
			return nil, err
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}
		if err := p.ReserveRefund(amount); err != nil {
			return nil, err
		}
		if err := s.payments.Save(ctx, p); err != nil {
			return nil, err
		}
		reserved = true
		res, elapsed = s.call(ctx, func(callCtx context.Context) *gateways.PaymentResult {
			return gw.RefundPayment(callCtx, req)
		}, amount)
		monitoring.RecordGatewayCall(ctx, gwName, string(models.OperationRefund), outcomeOf(res), elapsed)
	}

	if err := s.logAttempt(ctx, p, models.OperationRefund, gwName, res, amount, req.IdempotencyKey, "", elapsed); err != nil {
		return nil, err
	}

	booked := res.Successful || res.Status == models.StatusPending
	prev := p.Status
	p, err = s.settleRefund(ctx, p, func(p *models.Payment) error {
		if reserved {
			p.ReleaseRefund(amount)
		}
		if !booked {
			return nil
		}
		return p.ApplyRefund(amount)
	})
	if err != nil {
		return nil, err
	}

	if !booked {
		monitoring.RecordRefund(ctx, gwName, "failed")
		logging.FromContext(ctx).Warn("refund failed",
			zap.Uint("payment_id", p.ID),
			zap.String("gateway", gwName),
			zap.String("error_code", res.ErrorCode),
			zap.String("error_message", res.ErrorMessage))
		return &RefundOutcome{Payment: p, Result: res}, nil
	}

	if res.Successful {
		res.Status = p.Status
	}
	monitoring.RecordRefund(ctx, gwName, string(res.Status))
	logging.FromContext(ctx).Info("refund booked",
		zap.Uint("payment_id", p.ID),
		zap.String("gateway", gwName),
		zap.String("amount", amount.String()),
		zap.String("refunded_total", p.Refunded().String()),
		zap.String("status", string(p.Status)))
	s.events.Publish(paymentEvent(EventRefundBooked, p))
	s.afterTransition(ctx, prev, p)
	return &RefundOutcome{Payment: p, Result: res}, nil
}

// settleRefundAttempts bounds how often a refund booking is re-applied after
// another writer moved the payment on.
const settleRefundAttempts = 5

// settleRefund applies fn to p and saves it. The provider has already acted,
// so a version conflict reloads the payment and applies fn again instead of
// failing the request.
func (s *PaymentService) settleRefund(ctx context.Context, p *models.Payment, fn func(*models.Payment) error) (*models.Payment, error) {
	for attempt := 1; ; attempt++ {
		if err := fn(p); err != nil {
			return nil, err
		}
		err := s.payments.Save(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) || attempt == settleRefundAttempts {
			logging.FromContext(ctx).Error("failed to book refund",
				zap.Uint("payment_id", p.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}
		if p, err = s.payments.Get(ctx, p.ID); err != nil {
			return nil, err
		}
	}
}

// checkRefundAmount returns a failure result when amount is outside
// (0, remaining] or in the wrong currency.
func checkRefundAmount(p *models.Payment, amount money.Money) *gateways.PaymentResult {
	if amount.Currency != p.Currency {
		return gateways.Failure(gateways.CodeInvalidAmount,
			fmt.Sprintf("refund currency %s does not match payment currency %s", amount.Currency, p.Currency), amount, nil)
	}
	rounded := amount.Round()
	if !rounded.IsPositive() {
		return gateways.Failure(gateways.CodeInvalidAmount, "refund amount must be positive", amount, nil)
	}
	remaining := p.RemainingRefundable()
	if rounded.Amount.GreaterThan(remaining.Amount) {
		err := &models.RefundAmountError{Requested: rounded, Remaining: remaining}
		return gateways.Failure(gateways.CodeAmountExceedsOriginal, err.Error(), amount, nil)
	}
	return nil
}

// Webhook outcomes.
const (
	WebhookApplied   = "applied"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookUnmatched = "unmatched"
	WebhookMismatch  = "amount_mismatch"
)

type WebhookOutcome struct {
	Outcome string          `json:"outcome"`
	Payment *models.Payment `json:"payment,omitempty"`
}

// HandleWebhook verifies a provider callback and applies it. A bad
// signature is returned as gateways.ErrInvalidSignature and nothing is
// touched.
func (s *PaymentService) HandleWebhook(ctx context.Context, gatewayName string, payload []byte, headers http.Header) (*WebhookOutcome, error) {
	gw, err := s.registry.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	verifier, ok := gw.(gateways.WebhookVerifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not accept callbacks", gateways.ErrUnknownGateway, gatewayName)
	}

	ev, err := verifier.ParseWebhook(payload, headers)
	switch {
	case errors.Is(err, gateways.ErrInvalidSignature):
		monitoring.RecordWebhook(ctx, gatewayName, "invalid_signature")
		logging.Security("webhook signature verification failed",
			zap.String("gateway", gatewayName),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err))
		s.events.Publish(PaymentEvent{
			Type:    EventSecurityAlert,
			Gateway: gatewayName,
			Message: "webhook signature verification failed",
			At:      time.Now(),
		})
		return nil, err
	case errors.Is(err, gateways.ErrIgnoredEvent):
		monitoring.RecordWebhook(ctx, gatewayName, WebhookIgnored)
		return &WebhookOutcome{Outcome: WebhookIgnored}, nil
	case err != nil:
		monitoring.RecordWebhook(ctx, gatewayName, "malformed")
		return nil, err
	}
	return s.ApplyWebhookEvent(ctx, gatewayName, ev)
}

// ApplyWebhookEvent converges a payment with a verified provider event.
// Replays of the same (gateway, event id) are no-ops.
func (s *PaymentService) ApplyWebhookEvent(ctx context.Context, gatewayName string, ev *gateways.WebhookEvent) (*WebhookOutcome, error) {
	log := logging.FromContext(ctx).With(
		zap.String("gateway", gatewayName),
		zap.String("event_id", ev.EventID),
		zap.String("reference", ev.GatewayReference))

	found, err := s.locate(ctx, gatewayName, ev)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("webhook for unknown payment", zap.String("intent_id", ev.IntentID))
		monitoring.RecordWebhook(ctx, gatewayName, WebhookUnmatched)
		return &WebhookOutcome{Outcome: WebhookUnmatched}, nil
	}
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(found.ID)
	defer unlock()

	p, err := s.payments.Get(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	if ev.EventID != "" {
		seen, err := s.webhooks.Exists(ctx, gatewayName, ev.EventID)
		if err != nil {
			return nil, err
		}
		if seen {
			monitoring.RecordWebhook(ctx, gatewayName, WebhookDuplicate)
			return &WebhookOutcome{Outcome: WebhookDuplicate, Payment: p}, nil
		}
	}
	if ev.Amount.Currency != "" && !ev.Amount.Round().Equal(p.Money()) {
		logging.Security("webhook amount does not match payment",
			zap.String("gateway", gatewayName),
			zap.Uint("payment_id", p.ID),
			zap.String("event_amount", ev.Amount.String()),
			zap.String("payment_amount", p.Money().String()))
		monitoring.RecordWebhook(ctx, gatewayName, WebhookMismatch)
		return &WebhookOutcome{Outcome: WebhookMismatch, Payment: p}, nil
	}

	prev := p.Status
	if err := p.UpdateFromGateway(ev.Status, ev.GatewayReference, ev.Data); err != nil {
		return nil, err
	}
	if p.Status == models.StatusFailed && p.FailureCode == "" {
		p.FailureCode = ev.ErrorCode
		p.FailureMessage = ev.ErrorMessage
	}
	if p.GatewayName == "" {
		p.GatewayName = gatewayName
	}
	if err := s.payments.Save(ctx, p); err != nil {
		return nil, err
	}

	if ev.EventID != "" {
		err := s.webhooks.Record(ctx, &models.WebhookEvent{
			Gateway:    gatewayName,
			EventID:    ev.EventID,
			PaymentID:  p.ID,
			Status:     ev.Status,
			ReceivedAt: time.Now(),
		})
		if err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return nil, err
		}
	}

	monitoring.RecordWebhook(ctx, gatewayName, WebhookApplied)
	log.Info("webhook applied",
		zap.Uint("payment_id", p.ID),
		zap.String("from", string(prev)),
		zap.String("reported", string(ev.Status)),
		zap.String("status", string(p.Status)))
	s.afterTransition(ctx, prev, p)
	return &WebhookOutcome{Outcome: WebhookApplied, Payment: p}, nil
}

func (s *PaymentService) locate(ctx context.Context, gatewayName string, ev *gateways.WebhookEvent) (*models.Payment, error) {
	if ev.GatewayReference != "" {
		p, err := s.payments.FindByTransactionID(ctx, gatewayName, ev.GatewayReference)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	if ev.IntentID != "" {
		return s.payments.FindByIntentID(ctx, ev.IntentID)
	}
	return nil, fmt.Errorf("webhook without reference: %w", repository.ErrNotFound)
}

// Reconcile asks the gateway for the current state of a payment whose
// callback has not arrived, and cancels it once it has expired unsettled.
func (s *PaymentService) Reconcile(ctx context.Context, paymentID uint) (*models.Payment, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsFinal() {
		return p, nil
	}
	prev := p.Status

	if gw, err := s.registry.Get(p.GatewayName); err == nil {
		if q, ok := gw.(gateways.StatusQuerier); ok {
			res, elapsed := s.call(ctx, func(callCtx context.Context) *gateways.PaymentResult {
				return q.QueryStatus(callCtx, p.IntentID, p.TransactionID, p.Money())
			}, p.Money())
			monitoring.RecordGatewayCall(ctx, p.GatewayName, string(models.OperationQuery), outcomeOf(res), elapsed)
			if err := s.logAttempt(ctx, p, models.OperationQuery, p.GatewayName, res, p.Money(), p.IntentID, "", elapsed); err != nil {
				return nil, err
			}

			settled := res.Successful || (res.Status == models.StatusFailed && !gateways.IsTransient(res.ErrorCode))
			if settled {
				if err := p.UpdateFromGateway(res.Status, res.TransactionID, res.GatewayData); err != nil {
					return nil, err
				}
				if p.Status == models.StatusFailed && p.FailureCode == "" {
					p.FailureCode, p.FailureMessage = res.ErrorCode, res.ErrorMessage
				}
			}
		}
	}

	if !p.Status.IsFinal() && p.IsExpired() && p.CanBeCancelled() {
		if err := p.Cancel(); err != nil {
			return nil, err
		}
	}
	if p.Status == prev {
		return p, nil
	}
	if err := s.payments.Save(ctx, p); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("payment reconciled",
		zap.Uint("payment_id", p.ID),
		zap.String("from", string(prev)),
		zap.String("status", string(p.Status)))
	s.afterTransition(ctx, prev, p)
	return p, nil
}

// Cancel abandons a payment that has not reached a terminal state.
func (s *PaymentService) Cancel(ctx context.Context, paymentID uint) (*models.Payment, error) {
	return s.mutate(ctx, paymentID, func(p *models.Payment) error {
		return p.Cancel()
	})
}

// ConfirmManual records an offline payment (bank transfer, corporate
// account) as received.
func (s *PaymentService) ConfirmManual(ctx context.Context, paymentID uint, reference string) (*models.Payment, error) {
	return s.mutate(ctx, paymentID, func(p *models.Payment) error {
		if !p.PaymentMethod.IsManual() {
			return fmt.Errorf("%w: %s", ErrNotManual, p.PaymentMethod)
		}
		data := map[string]interface{}{dataManualReference: reference}
		if err := p.Authorize(reference, data); err != nil {
			return err
		}
		return p.Capture(nil)
	})
}

func (s *PaymentService) mutate(ctx context.Context, paymentID uint, fn func(*models.Payment) error) (*models.Payment, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	prev := p.Status
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := s.payments.Save(ctx, p); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("payment updated",
		zap.Uint("payment_id", p.ID),
		zap.String("from", string(prev)),
		zap.String("status", string(p.Status)))
	s.afterTransition(ctx, prev, p)
	return p, nil
}

func (s *PaymentService) Get(ctx context.Context, paymentID uint) (*models.Payment, error) {
	return s.payments.Get(ctx, paymentID)
}

func (s *PaymentService) Attempts(ctx context.Context, paymentID uint) ([]models.PaymentAttempt, error) {
	if _, err := s.payments.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.attempts.ListByPayment(ctx, paymentID)
}

func (s *PaymentService) FraudSignals(ctx context.Context, paymentID uint, origin string) ([]FraudSignal, error) {
	if _, err := s.payments.Get(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.auditor.FraudSignals(ctx, paymentID, origin)
}

// call runs one provider call under the gateway timeout. A nil result is
// turned into a gateway_error failure.
func (s *PaymentService) call(ctx context.Context, fn func(context.Context) *gateways.PaymentResult, amount money.Money) (*gateways.PaymentResult, time.Duration) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res := fn(callCtx)
	elapsed := time.Since(start)
	if res == nil {
		code := gateways.CodeGatewayError
		if callCtx.Err() != nil {
			code = gateways.ClassifyError(callCtx.Err())
		}
		res = gateways.Failure(code, "gateway returned no result", amount, nil)
	}
	return res, elapsed
}

func (s *PaymentService) logAttempt(ctx context.Context, p *models.Payment, op models.AttemptOperation, gateway string,
	res *gateways.PaymentResult, amount money.Money, fallbackRequestID, origin string, elapsed time.Duration) error {
	requestID := res.RequestID
	if requestID == "" {
		requestID = fallbackRequestID
	}
	a := &models.PaymentAttempt{
		PaymentID:        p.ID,
		Operation:        op,
		GatewayName:      gateway,
		Status:           res.Status,
		Successful:       res.Successful,
		ErrorCode:        res.ErrorCode,
		ErrorMessage:     truncate(res.ErrorMessage, 255),
		GatewayRequestID: requestID,
		Amount:           amount.Round().Amount,
		Currency:         amount.Currency,
		Origin:           origin,
		ResponseTimeMs:   elapsed.Milliseconds(),
		AttemptedAt:      time.Now(),
	}
	if err := s.attempts.Append(ctx, a); err != nil {
		logging.FromContext(ctx).Error("failed to record payment attempt",
			zap.Uint("payment_id", p.ID),
			zap.String("operation", string(op)),
			zap.Error(err))
		return err
	}
	s.events.Publish(PaymentEvent{
		Type:      EventAttemptLogged,
		PaymentID: p.ID,
		Gateway:   gateway,
		Status:    res.Status,
		Amount:    amount.StringFixed(),
		Currency:  amount.Currency,
		ErrorCode: res.ErrorCode,
		At:        a.AttemptedAt,
	})
	return nil
}

// afterTransition runs the side effects of a status change: metrics, the
// donation mirror, corporate matching and the operator feed.
func (s *PaymentService) afterTransition(ctx context.Context, prev models.PaymentStatus, p *models.Payment) {
	if prev == p.Status {
		return
	}
	monitoring.RecordPayment(ctx, p.GatewayName, string(p.Status), p.Currency, p.Amount.InexactFloat64())
	if err := s.donations.SetDonationStatus(ctx, p.DonationID, p.Status); err != nil {
		logging.FromContext(ctx).Warn("failed to mirror donation status",
			zap.Uint("donation_id", p.DonationID),
			zap.Error(err))
	}
	if p.Status == models.StatusCompleted {
		s.bookMatch(ctx, p)
	}
	s.events.Publish(paymentEvent(EventPaymentUpdated, p))
}

// bookMatch adds the campaign's corporate match for a completed donation,
// once per donation. The match is based on what was actually paid, capped
// at the donated amount so covered fees are not matched.
func (s *PaymentService) bookMatch(ctx context.Context, p *models.Payment) {
	log := logging.FromContext(ctx).With(zap.Uint("donation_id", p.DonationID))
	d, err := s.donations.GetDonation(ctx, p.DonationID)
	if err != nil {
		log.Warn("corporate match skipped", zap.Error(err))
		return
	}
	if d.CampaignID == 0 || d.MatchedAt != nil {
		return
	}
	c, err := s.donations.GetCampaign(ctx, d.CampaignID)
	if err != nil {
		log.Warn("corporate match skipped", zap.Error(err))
		return
	}
	if !c.MatchRatio.IsPositive() {
		return
	}
	if c.Currency != "" && !strings.EqualFold(c.Currency, p.Currency) {
		log.Warn("corporate match skipped",
			zap.Uint("campaign_id", c.ID),
			zap.Error(fmt.Errorf("%w: campaign matches in %s, payment is %s",
				money.ErrCurrencyMismatch, c.Currency, p.Currency)))
		return
	}
	base, err := money.Min(p.Money(), money.New(d.Amount, d.Currency))
	if err != nil {
		log.Warn("corporate match skipped", zap.Uint("campaign_id", c.ID), zap.Error(err))
		return
	}
	match, err := CorporateMatch(base, c.MatchRatio, c.AnnualMatchLimit,
		money.New(c.MatchedToDate, p.Currency))
	if err != nil {
		log.Warn("corporate match skipped", zap.Uint("campaign_id", c.ID), zap.Error(err))
		return
	}
	match = match.Round()
	if !match.IsPositive() {
		return
	}
	booked, err := s.donations.BookMatch(ctx, d.ID, c.ID, match.Amount)
	if err != nil {
		log.Error("failed to book corporate match", zap.Uint("campaign_id", c.ID), zap.Error(err))
		return
	}
	if !booked {
		return
	}
	log.Info("corporate match booked", zap.Uint("campaign_id", c.ID), zap.String("match", match.String()))
}

func outcomeOf(res *gateways.PaymentResult) string {
	if res.Successful {
		return "success"
	}
	if res.Status == models.StatusFailed {
		return res.ErrorCode
	}
	return string(res.Status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	for len(string(r)) > n {
		r = r[:len(r)-1]
	}
	return string(r)
}
