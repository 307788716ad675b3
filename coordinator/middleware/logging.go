package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
)

var _ coordinator.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    coordinator.Service
}

func Logging(logger *slog.Logger, svc coordinator.Service) coordinator.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) Run(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Round lifecycle exited with error", args...)

			return
		}
		lm.logger.Info("Round lifecycle finished", args...)
	}(time.Now())

	return lm.svc.Run(ctx)
}

func (lm *loggingMiddleware) SubmitResult(ctx context.Context, result fl.ClientResult) (status coordinator.SubmitStatus, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("result",
				slog.String("client_id", result.ClientID),
				slog.Int("model_id", result.ModelID),
				slog.Bool("success", result.Success),
			),
			slog.Int("round", status.Round),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit result failed", args...)

			return
		}
		args = append(args, slog.Bool("variant_complete", status.VariantComplete))
		lm.logger.Info("Submit result completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitResult(ctx, result)
}

func (lm *loggingMiddleware) SubmitResultCBOR(ctx context.Context, data []byte) (status coordinator.SubmitStatus, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int("size", len(data)),
			slog.Int("round", status.Round),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit CBOR result failed", args...)

			return
		}
		lm.logger.Info("Submit CBOR result completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitResultCBOR(ctx, data)
}

func (lm *loggingMiddleware) SubmitTestResult(ctx context.Context, result fl.TestResult) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("test_result",
				slog.String("client_id", result.ClientID),
				slog.Int("model_id", result.ModelID),
				slog.Int("test_len", result.TestLen),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit test result failed", args...)

			return
		}
		lm.logger.Info("Submit test result completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitTestResult(ctx, result)
}

func (lm *loggingMiddleware) CurrentRound(ctx context.Context) (status coordinator.RoundStatus, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get current round failed", args...)

			return
		}
		args = append(args, slog.Int("round", status.Round), slog.String("state", string(status.State)))
		lm.logger.Info("Get current round completed successfully", args...)
	}(time.Now())

	return lm.svc.CurrentRound(ctx)
}

func (lm *loggingMiddleware) RoundHistory(ctx context.Context, offset, limit uint64) (page coordinator.RoundPage, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("offset", offset),
			slog.Uint64("limit", limit),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List rounds failed", args...)

			return
		}
		lm.logger.Info("List rounds completed successfully", args...)
	}(time.Now())

	return lm.svc.RoundHistory(ctx, offset, limit)
}

func (lm *loggingMiddleware) Evaluations(ctx context.Context, offset, limit uint64) (page coordinator.EvaluationPage, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("offset", offset),
			slog.Uint64("limit", limit),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List evaluations failed", args...)

			return
		}
		lm.logger.Info("List evaluations completed successfully", args...)
	}(time.Now())

	return lm.svc.Evaluations(ctx, offset, limit)
}

func (lm *loggingMiddleware) ListVariants(ctx context.Context) (variants []coordinator.VariantInfo, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List variants failed", args...)

			return
		}
		args = append(args, slog.Int("count", len(variants)))
		lm.logger.Info("List variants completed successfully", args...)
	}(time.Now())

	return lm.svc.ListVariants(ctx)
}

func (lm *loggingMiddleware) GetVariant(ctx context.Context, id int) (snap fl.VariantSnapshot, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("variant",
				slog.Int("id", id),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get variant failed", args...)

			return
		}
		lm.logger.Info("Get variant completed successfully", args...)
	}(time.Now())

	return lm.svc.GetVariant(ctx, id)
}

func (lm *loggingMiddleware) VariantRankings(ctx context.Context, id int) (rankings []fl.LayerRanking, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("variant",
				slog.Int("id", id),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get variant rankings failed", args...)

			return
		}
		lm.logger.Info("Get variant rankings completed successfully", args...)
	}(time.Now())

	return lm.svc.VariantRankings(ctx, id)
}

func (lm *loggingMiddleware) Shutdown(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Shutdown failed", args...)

			return
		}
		lm.logger.Info("Shutdown completed successfully", args...)
	}(time.Now())

	return lm.svc.Shutdown(ctx)
}
