package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"assessline/internal/domain"
)

const instrumentationName = "assessline/internal/engine"

type instruments struct {
	tracer    trace.Tracer
	ops       metric.Int64Counter
	failures  metric.Int64Counter
	duration  metric.Float64Histogram
	raised    metric.Int64Counter
	conflicts metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

// telemetry resolves instruments from the global providers on first use, so
// a provider installed at startup is picked up.
func telemetry() instruments {
	instOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		fallback := noop.NewMeterProvider().Meter(instrumentationName)
		inst.tracer = otel.Tracer(instrumentationName)
		var err error
		if inst.ops, err = meter.Int64Counter("assessline.engine.operations",
			metric.WithDescription("Engine operations run"), metric.WithUnit("1")); err != nil {
			inst.ops, _ = fallback.Int64Counter("assessline.engine.operations")
		}
		if inst.failures, err = meter.Int64Counter("assessline.engine.failures",
			metric.WithDescription("Engine operations that returned an error"), metric.WithUnit("1")); err != nil {
			inst.failures, _ = fallback.Int64Counter("assessline.engine.failures")
		}
		if inst.duration, err = meter.Float64Histogram("assessline.engine.duration",
			metric.WithDescription("Engine operation duration"), metric.WithUnit("ms")); err != nil {
			inst.duration, _ = fallback.Float64Histogram("assessline.engine.duration")
		}
		if inst.raised, err = meter.Int64Counter("assessline.blockers.raised",
			metric.WithDescription("Blockers newly raised"), metric.WithUnit("1")); err != nil {
			inst.raised, _ = fallback.Int64Counter("assessline.blockers.raised")
		}
		if inst.conflicts, err = meter.Int64Counter("assessline.merge.conflicts",
			metric.WithDescription("Conflicts reported by merges"), metric.WithUnit("1")); err != nil {
			inst.conflicts, _ = fallback.Int64Counter("assessline.merge.conflicts")
		}
	})
	return inst
}

// startSpan opens a span for one engine operation. The returned func ends it
// and records the outcome.
func startSpan(ctx context.Context, op, assessmentID string) (context.Context, func(error)) {
	t := telemetry()
	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "engine."+op,
		trace.WithAttributes(attribute.String("assessment.id", assessmentID)))
	return ctx, func(err error) {
		attrs := metric.WithAttributes(attribute.String("op", op))
		t.ops.Add(ctx, 1, attrs)
		t.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool("error.recoverable", domain.IsRecoverable(err)))
			t.failures.Add(ctx, 1, attrs)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func recordBlockersRaised(ctx context.Context, assessmentID string, n int) {
	if n == 0 {
		return
	}
	telemetry().raised.Add(ctx, int64(n), metric.WithAttributes(attribute.String("assessment.id", assessmentID)))
}

func recordMergeConflicts(ctx context.Context, assessmentID string, n int) {
	if n == 0 {
		return
	}
	telemetry().conflicts.Add(ctx, int64(n), metric.WithAttributes(attribute.String("assessment.id", assessmentID)))
}
