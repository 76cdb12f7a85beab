// Package shouqianba implements the WeChat Pay and Alipay gateway on top of
// the Shouqianba (收钱吧) upay API.
package shouqianba

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/logging"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

const Name = "shouqianba"

// Payway codes understood by upay.
const (
	paywayAlipay = "1"
	paywayWechat = "3"
)

type Config struct {
	APIURL      string // e.g. https://vsi-api.shouqianba.com
	GatewayURL  string // WAP cashier, e.g. https://qr.shouqianba.com/gateway
	TerminalSN  string
	TerminalKey string
	// PublicKeyPEM verifies RSA-signed callbacks. When empty, the callback
	// Authorization header must carry the terminal-key MD5 instead.
	PublicKeyPEM string
	NotifyURL    string
	ReturnURL    string
	StoreName    string
	Operator     string
	Timeout      time.Duration
}

type Gateway struct {
	config     Config
	httpClient *http.Client
	publicKey  *rsa.PublicKey
}

// New builds the gateway. A malformed PublicKeyPEM is an error; missing
// credentials are not, they only make ValidateConfiguration false.
func New(cfg Config) (*Gateway, error) {
	if cfg.Operator == "" {
		cfg.Operator = "donation_system"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	g := &Gateway{
		config: cfg,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			}),
			Timeout: cfg.Timeout,
		},
	}
	if cfg.PublicKeyPEM != "" {
		key, err := parsePublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, err
		}
		g.publicKey = key
	}
	return g, nil
}

func parsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("shouqianba: failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("shouqianba: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("shouqianba: public key is not RSA")
	}
	return rsaPub, nil
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) Supports(method models.PaymentMethod) bool {
	return method == models.MethodWechatPay || method == models.MethodAlipay
}

func (g *Gateway) SupportedCurrencies() []string { return []string{"CNY"} }

func (g *Gateway) ValidateConfiguration() bool {
	return g.config.APIURL != "" && g.config.TerminalSN != "" && g.config.TerminalKey != ""
}

func payway(method models.PaymentMethod) (string, bool) {
	switch method {
	case models.MethodWechatPay:
		return paywayWechat, true
	case models.MethodAlipay:
		return paywayAlipay, true
	}
	return "", false
}

// Charge creates a precreate order. The donor finishes it by scanning the
// returned QR code or opening pay_url, so a successful call leaves the
// payment in requires_action until the callback arrives.
func (g *Gateway) Charge(ctx context.Context, req gateways.ChargeRequest) *gateways.PaymentResult {
	if !g.ValidateConfiguration() {
		return gateways.Failure(gateways.CodeNotConfigured, "shouqianba terminal not activated", req.Amount, nil)
	}
	pw, ok := payway(req.Method)
	if !ok {
		return gateways.Failure(gateways.CodeInvalidRequest, fmt.Sprintf("unsupported method %s", req.Method), req.Amount, nil)
	}
	if !strings.EqualFold(req.Amount.Currency, "CNY") {
		return gateways.Failure(gateways.CodeInvalidRequest, "shouqianba only accepts CNY", req.Amount, nil)
	}
	cents := req.Amount.MinorUnits()
	if cents < 1 {
		return gateways.Failure(gateways.CodeInvalidAmount, "amount must be at least 0.01", req.Amount, nil)
	}

	params := map[string]interface{}{
		"terminal_sn":  g.config.TerminalSN,
		"client_sn":    req.IdempotencyKey,
		"total_amount": strconv.FormatInt(cents, 10),
		"payway":       pw,
		"subject":      g.subject(req.Description),
		"operator":     g.config.Operator,
	}
	if g.config.NotifyURL != "" {
		params["notify_url"] = g.config.NotifyURL
	}
	if len(req.Metadata) > 0 {
		if reflect, err := json.Marshal(req.Metadata); err == nil {
			params["reflect"] = string(reflect)
		}
	}

	resp, err := g.post(ctx, "/upay/v2/precreate", params)
	if err != nil {
		return gateways.Failure(gateways.ClassifyError(err), err.Error(), req.Amount, nil)
	}
	if !resp.ok() {
		return gateways.Failure(gateways.CodeGatewayError, resp.errorMessage(), req.Amount, nil)
	}
	biz := resp.BizResponse
	if biz.ResultCode != "PRECREATE_SUCCESS" {
		return gateways.Failure(mapBizError(biz.ErrorCode), biz.message(), req.Amount, nil)
	}

	data := map[string]interface{}{
		"client_sn": req.IdempotencyKey,
		"pay_url":   g.PayURL(req.IdempotencyKey, cents, pw, g.subject(req.Description)),
	}
	if biz.Data.QRCode != "" {
		data["qr_code"] = biz.Data.QRCode
	}
	return gateways.Pending(models.StatusRequiresAction, biz.Data.SN, req.Amount, data)
}

// RefundPayment refunds against the original client_sn. refund_request_no
// makes repeated calls with the same idempotency key safe.
func (g *Gateway) RefundPayment(ctx context.Context, req gateways.RefundRequest) *gateways.PaymentResult {
	amount := req.Money()
	if !g.ValidateConfiguration() {
		return gateways.Failure(gateways.CodeNotConfigured, "shouqianba terminal not activated", amount, nil)
	}
	if err := req.Validate(); err != nil {
		return gateways.Failure(gateways.CodeInvalidRequest, err.Error(), amount, nil)
	}

	refundNo := req.IdempotencyKey
	if refundNo == "" {
		refundNo = fmt.Sprintf("REFUND%s", time.Now().Format("20060102150405"))
	}
	params := map[string]interface{}{
		"terminal_sn":       g.config.TerminalSN,
		"sn":                req.TransactionID,
		"refund_request_no": refundNo,
		"refund_amount":     strconv.FormatInt(req.AmountInMinorUnits(), 10),
		"operator":          g.config.Operator,
	}

	resp, err := g.post(ctx, "/upay/v2/refund", params)
	if err != nil {
		return gateways.Failure(gateways.ClassifyError(err), err.Error(), amount, nil)
	}
	if !resp.ok() {
		return gateways.Failure(gateways.CodeGatewayError, resp.errorMessage(), amount, nil)
	}

	biz := resp.BizResponse
	data := map[string]interface{}{
		"refund_request_no": refundNo,
		"order_status":      biz.Data.OrderStatus,
	}
	switch biz.ResultCode {
	case "REFUND_SUCCESS":
		return gateways.Success(models.StatusRefunded, req.TransactionID, amount, data)
	case "REFUND_IN_PROGRESS":
		return gateways.Pending(models.StatusPending, req.TransactionID, amount, data)
	default:
		return gateways.Failure(mapBizError(biz.ErrorCode), biz.message(), amount, data)
	}
}

// QueryStatus polls /upay/v2/query for an order created by Charge.
func (g *Gateway) QueryStatus(ctx context.Context, intentID, transactionID string, amount money.Money) *gateways.PaymentResult {
	if !g.ValidateConfiguration() {
		return gateways.Failure(gateways.CodeNotConfigured, "shouqianba terminal not activated", amount, nil)
	}
	params := map[string]interface{}{
		"terminal_sn": g.config.TerminalSN,
		"client_sn":   intentID,
	}
	resp, err := g.post(ctx, "/upay/v2/query", params)
	if err != nil {
		return gateways.Failure(gateways.ClassifyError(err), err.Error(), amount, nil)
	}
	if !resp.ok() {
		return gateways.Failure(gateways.CodeGatewayError, resp.errorMessage(), amount, nil)
	}

	biz := resp.BizResponse
	if biz.ResultCode == "FAIL" {
		if biz.ErrorCode == "UPAY_ORDER_NOT_EXISTS" {
			return gateways.Failure(gateways.CodeInvalidRequest, "order does not exist", amount, nil)
		}
		return gateways.Failure(gateways.CodeGatewayError, biz.message(), amount, nil)
	}
	data := map[string]interface{}{"order_status": biz.Data.OrderStatus}
	txn := biz.Data.SN
	if txn == "" {
		txn = transactionID
	}
	switch orderStatus(biz.Data.OrderStatus) {
	case models.StatusCompleted:
		return gateways.Success(models.StatusCompleted, txn, amount, data)
	case models.StatusFailed:
		return gateways.Failure(gateways.CodeCardDeclined, "payment cancelled by payer", amount, data)
	default:
		return gateways.Pending(models.StatusRequiresAction, txn, amount, data)
	}
}

func orderStatus(s string) models.PaymentStatus {
	switch s {
	case "PAID":
		return models.StatusCompleted
	case "PAY_CANCELED":
		return models.StatusFailed
	case "REFUNDED":
		return models.StatusRefunded
	case "PARTIAL_REFUNDED":
		return models.StatusPartiallyRefunded
	default:
		return models.StatusPending
	}
}

func mapBizError(code string) string {
	switch code {
	case "":
		return gateways.CodeGatewayError
	case "INSUFFICIENT_FUND", "NOTENOUGH":
		return gateways.CodeInsufficientFunds
	case "UPAY_REFUND_INVALID_ORDER_STATE", "UPAY_ORDER_NOT_EXISTS", "ILLEGAL_SIGN", "INVALID_PARAMS":
		return gateways.CodeInvalidRequest
	case "UPAY_REFUND_OVER_AMOUNT_LIMIT", "REFUND_AMOUNT_EXCEED":
		return gateways.CodeAmountExceedsOriginal
	case "SYSTEM_ERROR", "UPAY_PROVIDER_BUSY", "EXTERNAL_SERVICE_EXCEPTION":
		return gateways.CodeTemporaryDecline
	default:
		return gateways.CodeCardDeclined
	}
}

func (g *Gateway) subject(description string) string {
	subject := "捐款"
	if g.config.StoreName != "" {
		subject += "-" + g.config.StoreName
	}
	if description != "" {
		subject = description
	}
	// upay caps subject at 50 bytes; cut on a rune boundary.
	for len(subject) > 50 {
		r := []rune(subject)
		subject = string(r[:len(r)-1])
	}
	return subject
}

// PayURL builds the signed WAP cashier link for donors paying from a
// phone browser.
func (g *Gateway) PayURL(clientSN string, cents int64, pw, subject string) string {
	if g.config.GatewayURL == "" {
		return ""
	}
	params := map[string]string{
		"payway":       pw,
		"terminal_sn":  g.config.TerminalSN,
		"client_sn":    clientSN,
		"total_amount": strconv.FormatInt(cents, 10),
		"subject":      subject,
		"operator":     g.config.Operator,
		"return_url":   g.config.ReturnURL,
		"notify_url":   g.config.NotifyURL,
	}
	sign := SignParams(params, g.config.TerminalKey)

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var q strings.Builder
	for _, k := range keys {
		q.WriteString(url.QueryEscape(k))
		q.WriteByte('=')
		q.WriteString(url.QueryEscape(params[k]))
		q.WriteByte('&')
	}
	// sign is hex and goes in unescaped
	q.WriteString("sign=")
	q.WriteString(sign)
	return g.config.GatewayURL + "?" + q.String()
}

// SignParams signs WAP parameters: non-empty params except sign and
// sign_type, sorted by key, joined as k=v&..., then "&key=<key>", MD5,
// upper-case hex.
func SignParams(params map[string]string, key string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" && k != "sign" && k != "sign_type" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString("&key=")
	b.WriteString(key)
	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// SignBody signs a JSON API body: MD5 over body+terminal key, lower-case hex.
func SignBody(body []byte, key string) string {
	sum := md5.Sum(append(append([]byte{}, body...), key...))
	return hex.EncodeToString(sum[:])
}

type apiResponse struct {
	ResultCode   string      `json:"result_code"`
	ErrorCode    string      `json:"error_code"`
	ErrorMessage string      `json:"error_message"`
	BizResponse  bizResponse `json:"biz_response"`
}

type bizResponse struct {
	ResultCode   string  `json:"result_code"`
	ErrorCode    string  `json:"error_code"`
	ErrorMessage string  `json:"error_message"`
	Data         bizData `json:"data"`
}

type bizData struct {
	SN          string `json:"sn"`
	ClientSN    string `json:"client_sn"`
	OrderStatus string `json:"order_status"`
	Status      string `json:"status"`
	TotalAmount string `json:"total_amount"`
	QRCode      string `json:"qr_code"`
}

// upay answers "200" on the JSON API; older terminals say "SUCCESS".
func (r *apiResponse) ok() bool {
	return r.ResultCode == "200" || r.ResultCode == "SUCCESS"
}

func (r *apiResponse) errorMessage() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return "unknown error, result_code=" + r.ResultCode
}

func (b *bizResponse) message() string {
	if b.ErrorMessage != "" {
		return b.ErrorMessage
	}
	if b.ErrorCode != "" {
		return b.ErrorCode
	}
	return "unexpected result_code " + b.ResultCode
}

func (g *Gateway) post(ctx context.Context, path string, params map[string]interface{}) (*apiResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.config.APIURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Format", "json")
	req.Header.Set("Authorization", g.config.TerminalSN+" "+SignBody(body, g.config.TerminalKey))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	logging.Debug("shouqianba response",
		zap.String("path", path),
		zap.Int("http_status", resp.StatusCode),
		zap.ByteString("body", raw),
	)
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("shouqianba returned HTTP %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w, body: %s", err, raw)
	}
	return &out, nil
}
