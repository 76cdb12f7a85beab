package routes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/gateways/shouqianba"
	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
	"github.com/zhifu/donation-pay/monitoring"
	"github.com/zhifu/donation-pay/repository"
	"github.com/zhifu/donation-pay/services"
	"github.com/zhifu/donation-pay/utils"
)

type APIRoutes struct {
	payments   *services.PaymentService
	calculator services.DonationAmountCalculator
	donations  services.DonationStore
	feed       *Feed
}

func NewAPIRoutes(payments *services.PaymentService, calculator services.DonationAmountCalculator,
	donations services.DonationStore, feed *Feed) *APIRoutes {
	return &APIRoutes{
		payments:   payments,
		calculator: calculator,
		donations:  donations,
		feed:       feed,
	}
}

// SetupRoutes registers every endpoint on router.
func (ar *APIRoutes) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.POST("/payments", ar.CreatePayment)
		api.GET("/payments/:id", ar.GetPayment)
		api.POST("/payments/:id/refunds", ar.RefundPayment)
		api.POST("/payments/:id/cancel", ar.CancelPayment)
		api.POST("/payments/:id/confirm", ar.ConfirmPayment)
		api.POST("/payments/:id/retry", ar.RetryPayment)
		api.GET("/payments/:id/attempts", ar.ListAttempts)
		api.GET("/payments/:id/fraud-signals", ar.FraudSignals)
		api.GET("/payments/:id/qrcode", ar.PaymentQRCode)
		api.POST("/donations/:id/breakdown", ar.DonationBreakdown)
		api.POST("/webhooks/:gateway", ar.HandleWebhook)
	}

	router.GET("/ws", ar.feed.ServeWS)
	router.GET("/health", ar.Health)
	router.GET("/metrics", gin.WrapH(monitoring.Handler()))
}

type createPaymentRequest struct {
	DonationID  uint              `json:"donation_id" binding:"required"`
	Amount      decimal.Decimal   `json:"amount"` // optional; defaults to what the donation is charged
	Currency    string            `json:"currency" binding:"omitempty,len=3"`
	Method      string            `json:"method" binding:"required"`
	Source      string            `json:"source"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// CreatePayment charges a donation.
func (ar *APIRoutes) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	method, err := models.ParsePaymentMethod(req.Method)
	if err != nil {
		writeError(c, err)
		return
	}

	out, err := ar.payments.Charge(c.Request.Context(), services.ChargeInput{
		DonationID:  req.DonationID,
		Amount:      money.New(req.Amount, req.Currency),
		Method:      method,
		Source:      req.Source,
		Origin:      c.ClientIP(),
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (ar *APIRoutes) GetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	p, err := ar.payments.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type refundRequest struct {
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Reason   string            `json:"reason"`
	Metadata map[string]string `json:"metadata"`
}

// RefundPayment answers 200 for a booked refund and 422 when the refund
// was refused, with the failure result in the body either way.
func (ar *APIRoutes) RefundPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if req.Currency == "" {
		p, err := ar.payments.Get(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		req.Currency = p.Currency
	}

	out, err := ar.payments.Refund(ctx, id, money.New(req.Amount, req.Currency), req.Reason, req.Metadata)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !out.Result.Successful && out.Result.Status != models.StatusPending {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, out)
}

func (ar *APIRoutes) CancelPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	p, err := ar.payments.Cancel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type confirmRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// ConfirmPayment marks a bank transfer or corporate account payment as
// received.
func (ar *APIRoutes) ConfirmPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := ar.payments.ConfirmManual(c.Request.Context(), id, req.Reference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (ar *APIRoutes) RetryPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	out, err := ar.payments.Retry(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (ar *APIRoutes) ListAttempts(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	attempts, err := ar.payments.Attempts(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (ar *APIRoutes) FraudSignals(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	signals, err := ar.payments.FraudSignals(c.Request.Context(), id, c.Query("origin"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_id": id, "signals": signals})
}

// PaymentQRCode renders the wallet code a donor scans to finish paying.
func (ar *APIRoutes) PaymentQRCode(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	p, err := ar.payments.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	content := p.GatewayString("qr_code")
	if content == "" {
		content = p.GatewayString("pay_url")
	}
	if content == "" || p.Status.IsFinal() {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment has no pending wallet code"})
		return
	}

	size, _ := strconv.Atoi(c.Query("size"))
	png, err := utils.GenerateQRCode(content, size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// DonationBreakdown shows fees, net, corporate match and tax deductible
// amount for a donation.
func (ar *APIRoutes) DonationBreakdown(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid donation id"})
		return
	}
	ctx := c.Request.Context()
	d, err := ar.donations.GetDonation(ctx, uint(id))
	if err != nil {
		writeError(c, err)
		return
	}
	var campaign *models.Campaign
	if d.CampaignID != 0 {
		if campaign, err = ar.donations.GetCampaign(ctx, d.CampaignID); err != nil {
			writeError(c, err)
			return
		}
	}
	b, err := ar.calculator.Breakdown(*d, campaign)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// HandleWebhook receives provider callbacks. Shouqianba expects the literal
// body "success"; everyone else gets the outcome as JSON.
func (ar *APIRoutes) HandleWebhook(c *gin.Context) {
	name := c.Param("gateway")
	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "error reading body")
		return
	}

	out, err := ar.payments.HandleWebhook(c.Request.Context(), name, body, c.Request.Header)
	if err != nil {
		if errors.Is(err, gateways.ErrInvalidSignature) {
			logging.Security("webhook rejected",
				zap.String("gateway", name),
				zap.String("client_ip", c.ClientIP()))
		}
		writeError(c, err)
		return
	}
	if name == shouqianba.Name {
		c.String(http.StatusOK, "success")
		return
	}
	c.JSON(http.StatusOK, out)
}

func (ar *APIRoutes) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"feed_clients": ar.feed.Clients(),
		"time":         utils.Now(),
	})
}

func paymentID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment id"})
		return 0, false
	}
	return uint(id), true
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, gateways.ErrUnknownGateway):
		status = http.StatusNotFound
	case errors.Is(err, gateways.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, services.ErrNotRetryable),
		errors.Is(err, services.ErrNotManual), errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, services.ErrDonationInFlight):
		status = http.StatusConflict
	case errors.Is(err, gateways.ErrNoGatewayAvailable), errors.Is(err, gateways.ErrGatewayNotConfigured):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNegativeAmount), errors.Is(err, models.ErrUnsupportedMethod),
		errors.Is(err, models.ErrBelowMinimum), errors.Is(err, money.ErrCurrencyMismatch),
		errors.Is(err, services.ErrAmountMismatch),
		errors.Is(err, gateways.ErrMalformedEvent):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
