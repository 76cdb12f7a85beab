package shouqianba

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

type callback struct {
	SN          string `json:"sn"`
	ClientSN    string `json:"client_sn"`
	OrderStatus string `json:"order_status"`
	Status      string `json:"status"`
	TotalAmount string `json:"total_amount"`
	Payway      string `json:"payway"`
	PayerUID    string `json:"payer_uid"`
	FinishTime  string `json:"finish_time"`
	ErrorCode   string `json:"error_code"`
	ErrorMsg    string `json:"error_message"`
}

// ParseWebhook verifies and decodes a payment callback. With a public key
// configured the Authorization header carries a base64 SHA256withRSA
// signature of the raw body; otherwise it is "<terminal_sn> <md5>" as on
// outgoing requests.
func (g *Gateway) ParseWebhook(payload []byte, headers http.Header) (*gateways.WebhookEvent, error) {
	if err := g.verify(payload, headers.Get("Authorization")); err != nil {
		return nil, err
	}

	var cb callback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: decode callback: %v", gateways.ErrMalformedEvent, err)
	}
	if cb.ClientSN == "" && cb.SN == "" {
		return nil, fmt.Errorf("%w: callback without order reference", gateways.ErrIgnoredEvent)
	}

	status := callbackStatus(cb)
	if status == models.StatusPending {
		return nil, fmt.Errorf("%w: order_status %s", gateways.ErrIgnoredEvent, cb.OrderStatus)
	}

	event := &gateways.WebhookEvent{
		EventID:          cb.SN + ":" + string(status),
		GatewayReference: cb.SN,
		IntentID:         cb.ClientSN,
		Status:           status,
		Data: map[string]interface{}{
			"order_status": cb.OrderStatus,
			"payway":       cb.Payway,
		},
	}
	if cb.PayerUID != "" {
		event.Data["payer_uid"] = cb.PayerUID
	}
	if cb.FinishTime != "" {
		event.Data["finish_time"] = cb.FinishTime
	}
	if cents, err := strconv.ParseInt(cb.TotalAmount, 10, 64); err == nil {
		event.Amount = money.FromMinorUnits(cents, "CNY")
	}
	if status == models.StatusFailed {
		event.ErrorCode = mapBizError(cb.ErrorCode)
		event.ErrorMessage = cb.ErrorMsg
		if event.ErrorMessage == "" {
			event.ErrorMessage = "payment cancelled by payer"
		}
	}
	return event, nil
}

// order_status is authoritative; the legacy status field only says whether
// the trade succeeded.
func callbackStatus(cb callback) models.PaymentStatus {
	if cb.OrderStatus != "" {
		return orderStatus(cb.OrderStatus)
	}
	if cb.Status == "SUCCESS" {
		return models.StatusCompleted
	}
	return models.StatusFailed
}

func (g *Gateway) verify(payload []byte, auth string) error {
	auth = strings.TrimSpace(auth)
	if auth == "" {
		return fmt.Errorf("%w: missing Authorization header", gateways.ErrInvalidSignature)
	}

	if g.publicKey != nil {
		sig, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			return fmt.Errorf("%w: %v", gateways.ErrInvalidSignature, err)
		}
		hash := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(g.publicKey, crypto.SHA256, hash[:], sig); err != nil {
			return fmt.Errorf("%w: %v", gateways.ErrInvalidSignature, err)
		}
		return nil
	}

	if g.config.TerminalKey == "" {
		return fmt.Errorf("%w: no verification key configured", gateways.ErrInvalidSignature)
	}
	sn, sign, ok := strings.Cut(auth, " ")
	if !ok || sn != g.config.TerminalSN {
		return fmt.Errorf("%w: unexpected terminal", gateways.ErrInvalidSignature)
	}
	want := SignBody(payload, g.config.TerminalKey)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(sign)), []byte(want)) != 1 {
		return gateways.ErrInvalidSignature
	}
	return nil
}
