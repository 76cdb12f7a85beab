package shouqianba

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhifu/donation-pay/gateways"
	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

const (
	testSN  = "100000001"
	testKey = "terminal-secret"
)

type recorded struct {
	path   string
	auth   string
	params map[string]interface{}
}

func newServer(t *testing.T, reply func(path string) string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var params map[string]interface{}
		_ = json.Unmarshal(body, &params)
		calls = append(calls, recorded{path: r.URL.Path, auth: r.Header.Get("Authorization"), params: params})

		if r.Header.Get("Authorization") != testSN+" "+SignBody(body, testKey) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"result_code":"400","error_message":"ILLEGAL_SIGN"}`))
			return
		}
		_, _ = w.Write([]byte(reply(r.URL.Path)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newGateway(t *testing.T, apiURL string) *Gateway {
	t.Helper()
	g, err := New(Config{
		APIURL:      apiURL,
		GatewayURL:  "https://qr.example.com/gateway",
		TerminalSN:  testSN,
		TerminalKey: testKey,
		NotifyURL:   "https://donate.example.com/api/webhooks/shouqianba",
	})
	require.NoError(t, err)
	return g
}

func chargeReq(method models.PaymentMethod, amount string) gateways.ChargeRequest {
	return gateways.ChargeRequest{
		IdempotencyKey: "intent-1",
		Amount:         money.MustParse(amount, "CNY"),
		Method:         method,
	}
}

func TestChargeCreatesPrecreateOrder(t *testing.T) {
	srv, calls := newServer(t, func(string) string {
		return `{"result_code":"200","biz_response":{"result_code":"PRECREATE_SUCCESS","data":{"sn":"7894259244067218","client_sn":"intent-1","qr_code":"weixin://wxpay/bizpayurl?pr=abc"}}}`
	})
	g := newGateway(t, srv.URL)

	res := g.Charge(context.Background(), chargeReq(models.MethodWechatPay, "12.34"))

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/upay/v2/precreate", call.path)
	assert.Equal(t, "1234", call.params["total_amount"])
	assert.Equal(t, paywayWechat, call.params["payway"])
	assert.Equal(t, "intent-1", call.params["client_sn"])

	assert.False(t, res.Successful)
	assert.Equal(t, models.StatusRequiresAction, res.Status)
	assert.Equal(t, "7894259244067218", res.TransactionID)
	assert.Equal(t, "weixin://wxpay/bizpayurl?pr=abc", res.GatewayData["qr_code"])
	assert.Contains(t, res.GatewayData["pay_url"], "https://qr.example.com/gateway?")
	assert.True(t, res.Consistent())
}

func TestChargeBusinessDecline(t *testing.T) {
	srv, _ := newServer(t, func(string) string {
		return `{"result_code":"200","biz_response":{"result_code":"PRECREATE_FAIL","error_code":"INSUFFICIENT_FUND","error_message":"balance too low"}}`
	})
	res := newGateway(t, srv.URL).Charge(context.Background(), chargeReq(models.MethodAlipay, "5"))

	assert.False(t, res.Successful)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, gateways.CodeInsufficientFunds, res.ErrorCode)
	assert.Equal(t, "balance too low", res.ErrorMessage)
}

func TestChargeRejectsBeforeCallingOut(t *testing.T) {
	srv, calls := newServer(t, func(string) string { return `{}` })
	g := newGateway(t, srv.URL)

	res := g.Charge(context.Background(), chargeReq(models.MethodCard, "5"))
	assert.Equal(t, gateways.CodeInvalidRequest, res.ErrorCode)

	usd := chargeReq(models.MethodAlipay, "5")
	usd.Amount = money.MustParse("5", "USD")
	res = g.Charge(context.Background(), usd)
	assert.Equal(t, gateways.CodeInvalidRequest, res.ErrorCode)

	unconfigured, err := New(Config{APIURL: srv.URL})
	require.NoError(t, err)
	res = unconfigured.Charge(context.Background(), chargeReq(models.MethodAlipay, "5"))
	assert.Equal(t, gateways.CodeNotConfigured, res.ErrorCode)

	assert.Empty(t, *calls)
}

func TestChargeNetworkFailureIsTransient(t *testing.T) {
	srv, _ := newServer(t, func(string) string { return `{}` })
	g := newGateway(t, srv.URL)
	srv.Close()

	res := g.Charge(context.Background(), chargeReq(models.MethodAlipay, "5"))
	assert.True(t, res.Retryable(), res.ErrorCode)
}

func TestRefundSendsMinorUnits(t *testing.T) {
	srv, calls := newServer(t, func(string) string {
		return `{"result_code":"200","biz_response":{"result_code":"REFUND_SUCCESS","data":{"sn":"789","order_status":"PARTIAL_REFUNDED"}}}`
	})
	g := newGateway(t, srv.URL)

	req := gateways.NewRefundRequest("789", money.MustParse("0.3", "CNY"), "", nil)
	req.IdempotencyKey = "refund-1"
	res := g.RefundPayment(context.Background(), req)

	require.Len(t, *calls, 1)
	assert.Equal(t, "/upay/v2/refund", (*calls)[0].path)
	assert.Equal(t, "30", (*calls)[0].params["refund_amount"])
	assert.Equal(t, "refund-1", (*calls)[0].params["refund_request_no"])
	assert.True(t, res.Successful)
	assert.Equal(t, models.StatusRefunded, res.Status)
}

func TestRefundInProgressIsPending(t *testing.T) {
	srv, _ := newServer(t, func(string) string {
		return `{"result_code":"200","biz_response":{"result_code":"REFUND_IN_PROGRESS"}}`
	})
	res := newGateway(t, srv.URL).RefundPayment(context.Background(),
		gateways.NewRefundRequest("789", money.MustParse("1", "CNY"), "", nil))
	assert.Equal(t, models.StatusPending, res.Status)
	assert.False(t, res.Successful)
}

func TestQueryStatus(t *testing.T) {
	tests := []struct {
		orderStatus string
		want        models.PaymentStatus
		successful  bool
	}{
		{"PAID", models.StatusCompleted, true},
		{"PAY_CANCELED", models.StatusFailed, false},
		{"CREATED", models.StatusRequiresAction, false},
	}
	for _, tc := range tests {
		t.Run(tc.orderStatus, func(t *testing.T) {
			srv, _ := newServer(t, func(string) string {
				return `{"result_code":"200","biz_response":{"result_code":"SUCCESS","data":{"sn":"789","order_status":"` + tc.orderStatus + `"}}}`
			})
			res := newGateway(t, srv.URL).QueryStatus(context.Background(), "intent-1", "", money.MustParse("1", "CNY"))
			assert.Equal(t, tc.want, res.Status)
			assert.Equal(t, tc.successful, res.Successful)
		})
	}
}

func TestSignParams(t *testing.T) {
	a := SignParams(map[string]string{"b": "2", "a": "1", "sign": "x", "empty": ""}, "k")
	b := SignParams(map[string]string{"a": "1", "b": "2"}, "k")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	assert.Equal(t, strings.ToUpper(a), a)
	assert.NotEqual(t, a, SignParams(map[string]string{"a": "1", "b": "2"}, "other"))
}

func TestParseWebhookWithTerminalKey(t *testing.T) {
	g := newGateway(t, "http://unused")
	body := []byte(`{"sn":"789","client_sn":"intent-1","order_status":"PAID","total_amount":"1234","payway":"3","payer_uid":"oUpF8uMuAJO"}`)

	headers := http.Header{}
	headers.Set("Authorization", testSN+" "+SignBody(body, testKey))
	event, err := g.ParseWebhook(body, headers)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, event.Status)
	assert.Equal(t, "789", event.GatewayReference)
	assert.Equal(t, "intent-1", event.IntentID)
	assert.Equal(t, "789:completed", event.EventID)
	assert.True(t, event.Amount.Equal(money.MustParse("12.34", "CNY")))

	headers.Set("Authorization", testSN+" deadbeef")
	_, err = g.ParseWebhook(body, headers)
	assert.ErrorIs(t, err, gateways.ErrInvalidSignature)

	_, err = g.ParseWebhook(body, http.Header{})
	assert.ErrorIs(t, err, gateways.ErrInvalidSignature)
}

func TestParseWebhookWithRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	g, err := New(Config{APIURL: "http://unused", TerminalSN: testSN, TerminalKey: testKey, PublicKeyPEM: pubPEM})
	require.NoError(t, err)

	body := []byte(`{"sn":"789","client_sn":"intent-1","status":"FAIL"}`)
	hash := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("Authorization", base64.StdEncoding.EncodeToString(sig))
	event, err := g.ParseWebhook(body, headers)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, event.Status)
	assert.NotEmpty(t, event.ErrorMessage)

	_, err = g.ParseWebhook([]byte(`{"sn":"789","client_sn":"intent-1","status":"SUCCESS"}`), headers)
	assert.ErrorIs(t, err, gateways.ErrInvalidSignature)
}

func TestParseWebhookIgnoresInProgress(t *testing.T) {
	g := newGateway(t, "http://unused")
	body := []byte(`{"sn":"789","client_sn":"intent-1","order_status":"CREATED"}`)
	headers := http.Header{}
	headers.Set("Authorization", testSN+" "+SignBody(body, testKey))

	_, err := g.ParseWebhook(body, headers)
	assert.True(t, errors.Is(err, gateways.ErrIgnoredEvent))
}

func TestNewRejectsBadPublicKey(t *testing.T) {
	_, err := New(Config{PublicKeyPEM: "not a key"})
	assert.Error(t, err)
}
