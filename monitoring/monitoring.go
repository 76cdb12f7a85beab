package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhifu/donation-pay/logging"
)

const instrumentationName = "github.com/zhifu/donation-pay"

var (
	PaymentCounter        metric.Int64Counter
	PaymentAmount         metric.Float64Histogram
	GatewayCallDuration   metric.Float64Histogram
	RefundCounter         metric.Int64Counter
	WebhookCounter        metric.Int64Counter
	HTTPServerDuration    metric.Float64Histogram
	SweepProcessedCounter metric.Int64Counter

	registry = prometheus.NewRegistry()
)

func init() {
	// Instruments start on the global (no-op) provider so every package can
	// record before InitMeter runs, and in tests.
	if err := createInstruments(otel.Meter(instrumentationName)); err != nil {
		panic(err)
	}
}

func createInstruments(meter metric.Meter) error {
	var err error
	if PaymentCounter, err = meter.Int64Counter(
		"payments_processed_total",
		metric.WithDescription("Payments reaching a status after a gateway call or webhook"),
	); err != nil {
		return err
	}
	if PaymentAmount, err = meter.Float64Histogram(
		"payment_amount",
		metric.WithDescription("Charged amounts in major units"),
	); err != nil {
		return err
	}
	if GatewayCallDuration, err = meter.Float64Histogram(
		"gateway_call_duration_seconds",
		metric.WithDescription("Duration of payment provider calls"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}
	if RefundCounter, err = meter.Int64Counter(
		"refunds_total",
		metric.WithDescription("Refund requests by outcome"),
	); err != nil {
		return err
	}
	if WebhookCounter, err = meter.Int64Counter(
		"webhook_events_total",
		metric.WithDescription("Inbound provider callbacks by outcome"),
	); err != nil {
		return err
	}
	if HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_milliseconds",
		metric.WithDescription("HTTP server request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return err
	}
	if SweepProcessedCounter, err = meter.Int64Counter(
		"sweep_processed_total",
		metric.WithDescription("Payments and attempts handled by background sweeps"),
	); err != nil {
		return err
	}
	return nil
}

// InitTracer exports spans over OTLP gRPC.
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logging.Info("Tracing initialized", zap.String("service_name", serviceName), zap.String("endpoint", endpoint))
	return tp, nil
}

// InitMeter installs a meter provider backed by a Prometheus reader and
// recreates the instruments on it.
func InitMeter(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := createInstruments(mp.Meter(instrumentationName)); err != nil {
		return nil, err
	}

	logging.Info("Metrics initialized with Prometheus exporter", zap.String("service_name", serviceName))
	return mp, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Tracer returns the tracer for a component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// RecordGatewayCall records one provider call.
func RecordGatewayCall(ctx context.Context, gateway, operation, outcome string, d time.Duration) {
	GatewayCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// RecordPayment counts a payment reaching status and, for completed
// payments, records the amount.
func RecordPayment(ctx context.Context, gateway, status, currency string, amount float64) {
	PaymentCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("status", status),
	))
	if status == "completed" {
		PaymentAmount.Record(ctx, amount, metric.WithAttributes(attribute.String("currency", currency)))
	}
}

func RecordRefund(ctx context.Context, gateway, outcome string) {
	RefundCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}

func RecordWebhook(ctx context.Context, gateway, outcome string) {
	WebhookCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}

func RecordSweep(ctx context.Context, sweep string, n int) {
	if n == 0 {
		return
	}
	SweepProcessedCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("sweep", sweep)))
}
