package scheduler

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// noopMeter/noopTracer back a Scheduler built without an otel provider
// (tests, or a deployment that hasn't wired one up), mirroring
// orchestrator_test.go's use of noopmetric.MeterProvider{}.
func noopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("swarmlite")
}

func noopTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer("swarmlite")
}
