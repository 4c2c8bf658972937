package otel

import (
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewMetrics(t *testing.T) {
	meter := noop.NewMeterProvider().Meter(MeterName)
	m, err := NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if m.JobDuration == nil || m.WebhookDeliveries == nil || m.ScheduleFires == nil {
		t.Fatal("NewMetrics() left instruments nil")
	}
}
