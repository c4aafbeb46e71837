package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry instruments for the authorization path.
// They are exported through the meter provider installed by InitOTel.
type OTelMetrics struct {
	accessDecisions metric.Int64Counter
	cacheLookups    metric.Int64Counter
	resolveDuration metric.Float64Histogram
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/storyloom/storyloom")

	m := &OTelMetrics{}
	var err error

	m.accessDecisions, err = meter.Int64Counter(
		"rbac.access.decisions",
		metric.WithDescription("Access decisions by outcome and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create access decisions counter: %w", err)
	}

	m.cacheLookups, err = meter.Int64Counter(
		"rbac.cache.lookups",
		metric.WithDescription("Permission cache lookups by backend and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache lookups counter: %w", err)
	}

	m.resolveDuration, err = meter.Float64Histogram(
		"rbac.resolve.duration",
		metric.WithDescription("Effective permission resolution time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolve duration histogram: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	m.accessDecisions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("decision", outcome(allowed)),
		attribute.String("reason", reason),
	))
}

func (m *OTelMetrics) recordCacheLookup(backend string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("result", result),
	))
}

func (m *OTelMetrics) recordResolve(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("source", source),
	))
}
