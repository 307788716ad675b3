package middleware

import (
	"context"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var _ coordinator.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    coordinator.Service
}

func Tracing(tracer trace.Tracer, svc coordinator.Service) coordinator.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) Run(ctx context.Context) error {
	return tm.svc.Run(ctx)
}

func (tm *tracing) SubmitResult(ctx context.Context, result fl.ClientResult) (coordinator.SubmitStatus, error) {
	ctx, span := tm.tracer.Start(ctx, "submit-result", trace.WithAttributes(
		attribute.String("client_id", result.ClientID),
		attribute.Int("model_id", result.ModelID),
		attribute.Bool("success", result.Success),
	))
	defer span.End()

	return tm.svc.SubmitResult(ctx, result)
}

func (tm *tracing) SubmitResultCBOR(ctx context.Context, data []byte) (coordinator.SubmitStatus, error) {
	ctx, span := tm.tracer.Start(ctx, "submit-result-cbor", trace.WithAttributes(
		attribute.Int("size", len(data)),
	))
	defer span.End()

	return tm.svc.SubmitResultCBOR(ctx, data)
}

func (tm *tracing) SubmitTestResult(ctx context.Context, result fl.TestResult) error {
	ctx, span := tm.tracer.Start(ctx, "submit-test-result", trace.WithAttributes(
		attribute.String("client_id", result.ClientID),
		attribute.Int("model_id", result.ModelID),
	))
	defer span.End()

	return tm.svc.SubmitTestResult(ctx, result)
}

func (tm *tracing) CurrentRound(ctx context.Context) (coordinator.RoundStatus, error) {
	ctx, span := tm.tracer.Start(ctx, "current-round")
	defer span.End()

	return tm.svc.CurrentRound(ctx)
}

func (tm *tracing) RoundHistory(ctx context.Context, offset, limit uint64) (coordinator.RoundPage, error) {
	ctx, span := tm.tracer.Start(ctx, "round-history", trace.WithAttributes(
		attribute.Int64("offset", int64(offset)),
		attribute.Int64("limit", int64(limit)),
	))
	defer span.End()

	return tm.svc.RoundHistory(ctx, offset, limit)
}

func (tm *tracing) Evaluations(ctx context.Context, offset, limit uint64) (coordinator.EvaluationPage, error) {
	ctx, span := tm.tracer.Start(ctx, "list-evaluations", trace.WithAttributes(
		attribute.Int64("offset", int64(offset)),
		attribute.Int64("limit", int64(limit)),
	))
	defer span.End()

	return tm.svc.Evaluations(ctx, offset, limit)
}

func (tm *tracing) ListVariants(ctx context.Context) ([]coordinator.VariantInfo, error) {
	ctx, span := tm.tracer.Start(ctx, "list-variants")
	defer span.End()

	return tm.svc.ListVariants(ctx)
}

func (tm *tracing) GetVariant(ctx context.Context, id int) (fl.VariantSnapshot, error) {
	ctx, span := tm.tracer.Start(ctx, "get-variant", trace.WithAttributes(
		attribute.Int("id", id),
	))
	defer span.End()

	return tm.svc.GetVariant(ctx, id)
}

func (tm *tracing) VariantRankings(ctx context.Context, id int) ([]fl.LayerRanking, error) {
	ctx, span := tm.tracer.Start(ctx, "variant-rankings", trace.WithAttributes(
		attribute.Int("id", id),
	))
	defer span.End()

	return tm.svc.VariantRankings(ctx, id)
}

func (tm *tracing) Shutdown(ctx context.Context) error {
	ctx, span := tm.tracer.Start(ctx, "shutdown")
	defer span.End()

	return tm.svc.Shutdown(ctx)
}
