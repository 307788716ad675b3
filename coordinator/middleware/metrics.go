package middleware

import (
	"context"
	"time"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/go-kit/kit/metrics"
)

var _ coordinator.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     coordinator.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc coordinator.Service) coordinator.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) Run(ctx context.Context) error {
	return mm.svc.Run(ctx)
}

func (mm *metricsMiddleware) SubmitResult(ctx context.Context, result fl.ClientResult) (coordinator.SubmitStatus, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-result").Add(1)
		mm.latency.With("method", "submit-result").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitResult(ctx, result)
}

func (mm *metricsMiddleware) SubmitResultCBOR(ctx context.Context, data []byte) (coordinator.SubmitStatus, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-result-cbor").Add(1)
		mm.latency.With("method", "submit-result-cbor").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitResultCBOR(ctx, data)
}

func (mm *metricsMiddleware) SubmitTestResult(ctx context.Context, result fl.TestResult) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "submit-test-result").Add(1)
		mm.latency.With("method", "submit-test-result").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.SubmitTestResult(ctx, result)
}

func (mm *metricsMiddleware) CurrentRound(ctx context.Context) (coordinator.RoundStatus, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "current-round").Add(1)
		mm.latency.With("method", "current-round").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.CurrentRound(ctx)
}

func (mm *metricsMiddleware) RoundHistory(ctx context.Context, offset, limit uint64) (coordinator.RoundPage, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "round-history").Add(1)
		mm.latency.With("method", "round-history").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.RoundHistory(ctx, offset, limit)
}

func (mm *metricsMiddleware) Evaluations(ctx context.Context, offset, limit uint64) (coordinator.EvaluationPage, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "list-evaluations").Add(1)
		mm.latency.With("method", "list-evaluations").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.Evaluations(ctx, offset, limit)
}

func (mm *metricsMiddleware) ListVariants(ctx context.Context) ([]coordinator.VariantInfo, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "list-variants").Add(1)
		mm.latency.With("method", "list-variants").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ListVariants(ctx)
}

func (mm *metricsMiddleware) GetVariant(ctx context.Context, id int) (fl.VariantSnapshot, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "get-variant").Add(1)
		mm.latency.With("method", "get-variant").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.GetVariant(ctx, id)
}

func (mm *metricsMiddleware) VariantRankings(ctx context.Context, id int) ([]fl.LayerRanking, error) {
	defer func(begin time.Time) {
		mm.counter.With("method", "variant-rankings").Add(1)
		mm.latency.With("method", "variant-rankings").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.VariantRankings(ctx, id)
}

func (mm *metricsMiddleware) Shutdown(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "shutdown").Add(1)
		mm.latency.With("method", "shutdown").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.Shutdown(ctx)
}
