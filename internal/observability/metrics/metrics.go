package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

const exportInterval = 10 * time.Second

// Metrics holds the billing instruments: queue outcomes, collected amounts,
// journal entries, notifications and telco settlements.
type Metrics struct {
	queueOutcomes   metric.Int64Counter
	debitedAmount   metric.Float64Counter
	ledgerEntries   metric.Int64Counter
	notifications   metric.Int64Counter
	telcoSettlement metric.Float64Counter
}

// NewProvider installs the global meter provider. With export disabled a
// noop provider keeps every instrument callable.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}

	log.Named("metrics").Info("otlp metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "alertbilling"
	}
	meter := provider.Meter(name)

	queueOutcomes, err := meter.Int64Counter("alertbilling_queue_item_outcomes_total")
	if err != nil {
		return nil, err
	}
	debitedAmount, err := meter.Float64Counter("alertbilling_debited_amount_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("alertbilling_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("alertbilling_notifications_total")
	if err != nil {
		return nil, err
	}
	telcoSettlement, err := meter.Float64Counter("alertbilling_telco_settled_amount_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		queueOutcomes:   queueOutcomes,
		debitedAmount:   debitedAmount,
		ledgerEntries:   ledgerEntries,
		notifications:   notifications,
		telcoSettlement: telcoSettlement,
	}, nil
}

// RecordQueueOutcome counts a processed queue item by queue and final status.
func (m *Metrics) RecordQueueOutcome(ctx context.Context, queue, status, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("queue", strings.TrimSpace(queue)),
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.queueOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDebit adds a successfully collected amount.
func (m *Metrics) RecordDebit(ctx context.Context, queue string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("queue", strings.TrimSpace(queue)))
	m.debitedAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, entryType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("entry_type", strings.TrimSpace(entryType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordNotification counts notification dispatch attempts.
func (m *Metrics) RecordNotification(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTelcoSettlement adds the amount moved to a provider settlement account.
func (m *Metrics) RecordTelcoSettlement(ctx context.Context, provider string, amount float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.telcoSettlement.Add(ctx, amount, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"queue":      {},
	"status":     {},
	"reason":     {},
	"entry_type": {},
	"provider":   {},
	"job":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
