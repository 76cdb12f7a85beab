package monitoring

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersWorkWithoutProvider(t *testing.T) {
	ctx := context.Background()
	assert.NotPanics(t, func() {
		RecordGatewayCall(ctx, "stripe", "charge", "completed", 120*time.Millisecond)
		RecordPayment(ctx, "stripe", "completed", "USD", 10.5)
		RecordRefund(ctx, "stripe", "succeeded")
		RecordWebhook(ctx, "stripe", "invalid_signature")
		RecordSweep(ctx, "retry", 2)
	})
}

func TestMetricsEndpointExposesInstruments(t *testing.T) {
	mp, err := InitMeter("donation-pay-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	RecordRefund(context.Background(), "stripe", "succeeded")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "refunds_total")
}
