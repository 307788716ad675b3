package api

import (
	"context"
	"errors"

	"github.com/absmach/evofed/coordinator"
	pkgerrors "github.com/absmach/evofed/pkg/errors"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-kit/kit/endpoint"
)

var (
	errEmptyUpdate     = errors.New("successful result carries no update")
	errEmptyBody       = errors.New("empty request body")
	errMissingRound    = errors.New("missing round")
	errNegativeTestLen = errors.New("test_len must not be negative")
)

func submitResultEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(resultReq)
		if !ok {
			return submitResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return submitResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		status, err := svc.SubmitResult(ctx, req.ClientResult)
		if err != nil {
			return submitResponse{}, err
		}

		return submitResponse{SubmitStatus: status}, nil
	}
}

func submitResultCBOREndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(cborResultReq)
		if !ok {
			return submitResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return submitResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		status, err := svc.SubmitResultCBOR(ctx, req.data)
		if err != nil {
			return submitResponse{}, err
		}

		return submitResponse{SubmitStatus: status}, nil
	}
}

func submitTestResultEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(testResultReq)
		if !ok {
			return testResultResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return testResultResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		if err := svc.SubmitTestResult(ctx, req.TestResult); err != nil {
			return testResultResponse{}, err
		}

		return testResultResponse{}, nil
	}
}

func currentRoundEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		status, err := svc.CurrentRound(ctx)
		if err != nil {
			return roundResponse{}, err
		}

		return roundResponse{RoundStatus: status}, nil
	}
}

func roundHistoryEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listEntityReq)
		if !ok {
			return roundPageResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return roundPageResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		page, err := svc.RoundHistory(ctx, req.offset, req.limit)
		if err != nil {
			return roundPageResponse{}, err
		}

		return roundPageResponse{RoundPage: page}, nil
	}
}

func evaluationsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listEntityReq)
		if !ok {
			return evaluationPageResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return evaluationPageResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		page, err := svc.Evaluations(ctx, req.offset, req.limit)
		if err != nil {
			return evaluationPageResponse{}, err
		}

		return evaluationPageResponse{EvaluationPage: page}, nil
	}
}

func listVariantsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		variants, err := svc.ListVariants(ctx)
		if err != nil {
			return variantsResponse{}, err
		}

		return variantsResponse{Variants: variants}, nil
	}
}

func getVariantEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(variantReq)
		if !ok {
			return variantResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return variantResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		snap, err := svc.GetVariant(ctx, req.id)
		if err != nil {
			return variantResponse{}, err
		}

		return variantResponse{VariantSnapshot: snap}, nil
	}
}

func variantRankingsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(variantReq)
		if !ok {
			return rankingsResponse{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return rankingsResponse{}, errors.Join(apiutil.ErrValidation, err)
		}

		rankings, err := svc.VariantRankings(ctx, req.id)
		if err != nil {
			return rankingsResponse{}, err
		}

		return rankingsResponse{VariantID: req.id, Rankings: rankings}, nil
	}
}

func shutdownEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		if err := svc.Shutdown(ctx); err != nil {
			return shutdownResponse{}, err
		}

		return shutdownResponse{}, nil
	}
}
