package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("queue", "charge"),
		attribute.String("account_number", "0123456789"),
		attribute.String("status", "Failed"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("queue"))
	assert.Contains(t, keys, attribute.Key("status"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordQueueOutcome(context.Background(), "charge", "Completed", "")
	m.RecordDebit(context.Background(), "charge", 4)
	m.RecordNotification(context.Background(), "sent")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "alertbilling"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordQueueOutcome(context.Background(), "direct_debit", "Completed", "")
	m.RecordLedgerEntry(context.Background(), "SMSAlertCharge")
	m.RecordTelcoSettlement(context.Background(), "MTN", 13.96)
}

func TestInstrumentsExportToReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := New(Config{}, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDebit(ctx, QueueCharge, 4.3)
	m.RecordDebit(ctx, QueueCharge, 0)
	m.RecordLedgerEntry(ctx, "SMSAlertCharge")
	m.RecordLedgerEntry(ctx, "SMSAlertCharge")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "alertbilling", rm.ScopeMetrics[0].Scope.Name)

	byName := map[string]metricdata.Aggregation{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		byName[metric.Name] = metric.Data
	}

	debited, ok := byName["alertbilling_debited_amount_total"].(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, debited.DataPoints, 1)
	assert.InDelta(t, 4.3, debited.DataPoints[0].Value, 1e-9)

	entries, ok := byName["alertbilling_ledger_entries_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, entries.DataPoints, 1)
	assert.Equal(t, int64(2), entries.DataPoints[0].Value)
}
