package metrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config configures metric export and labels.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes engine-level instruments.
type Metrics struct {
	entitlementTransitions metric.Int64Counter
	batchOperations        metric.Int64Counter
	billsGenerated         metric.Int64Counter
	billAmount             metric.Int64Histogram
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "modulebilling"
	}
	meter := provider.Meter(name)

	entitlementTransitions, err := meter.Int64Counter("modulebilling_entitlement_transitions_total",
		metric.WithDescription("Entitlement state transitions written by the ledger."))
	if err != nil {
		return nil, err
	}
	batchOperations, err := meter.Int64Counter("modulebilling_batch_operations_total",
		metric.WithDescription("Batch reconciler operations by action and outcome."))
	if err != nil {
		return nil, err
	}
	billsGenerated, err := meter.Int64Counter("modulebilling_bills_generated_total",
		metric.WithDescription("Bill generations by result."))
	if err != nil {
		return nil, err
	}
	billAmount, err := meter.Int64Histogram("modulebilling_bill_total_amount",
		metric.WithDescription("Generated bill totals in minor units."))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		entitlementTransitions: entitlementTransitions,
		batchOperations:        batchOperations,
		billsGenerated:         billsGenerated,
		billAmount:             billAmount,
	}, nil
}

// RecordEntitlementTransition counts a ledger state change.
func (m *Metrics) RecordEntitlementTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.entitlementTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", normalizeLabel(from)),
		attribute.String("to", normalizeLabel(to)),
	))
}

// RecordBatchOperation counts one reconciler outcome.
func (m *Metrics) RecordBatchOperation(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.batchOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", normalizeLabel(action)),
		attribute.String("outcome", normalizeLabel(outcome)),
	))
}

// RecordBillGenerated counts a generation attempt and records the total.
func (m *Metrics) RecordBillGenerated(ctx context.Context, result string, totalAmount int64) {
	if m == nil {
		return
	}
	m.billsGenerated.Add(ctx, 1, metric.WithAttributes(attribute.String("result", normalizeLabel(result))))
	if result == "created" || result == "updated" {
		m.billAmount.Record(ctx, totalAmount)
	}
}

func normalizeLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "none"
	}
	return value
}

