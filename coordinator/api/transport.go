package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/api"
	"github.com/absmach/supermq"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResultSize = 1024 * 1024 * 256

var errInvalidVariantID = errors.New("variant id must be a non-negative integer")

func MakeHandler(svc coordinator.Service, logger *slog.Logger, instanceID string) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(apiutil.LoggingErrorEncoder(logger, api.EncodeError)),
	}

	mux.Route("/results", func(r chi.Router) {
		r.Post("/", otelhttp.NewHandler(kithttp.NewServer(
			submitResultEndpoint(svc),
			decodeResultReq,
			api.EncodeResponse,
			opts...,
		), "submit-result").ServeHTTP)
		r.Post("/cbor", otelhttp.NewHandler(kithttp.NewServer(
			submitResultCBOREndpoint(svc),
			decodeCBORResultReq,
			api.EncodeResponse,
			opts...,
		), "submit-result-cbor").ServeHTTP)
	})

	mux.Post("/tests", otelhttp.NewHandler(kithttp.NewServer(
		submitTestResultEndpoint(svc),
		decodeTestResultReq,
		api.EncodeResponse,
		opts...,
	), "submit-test-result").ServeHTTP)

	mux.Route("/rounds", func(r chi.Router) {
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			roundHistoryEndpoint(svc),
			decodeListEntityReq,
			api.EncodeResponse,
			opts...,
		), "round-history").ServeHTTP)
		r.Get("/current", otelhttp.NewHandler(kithttp.NewServer(
			currentRoundEndpoint(svc),
			decodeEmptyReq,
			api.EncodeResponse,
			opts...,
		), "current-round").ServeHTTP)
	})

	mux.Get("/evaluations", otelhttp.NewHandler(kithttp.NewServer(
		evaluationsEndpoint(svc),
		decodeListEntityReq,
		api.EncodeResponse,
		opts...,
	), "list-evaluations").ServeHTTP)

	mux.Route("/variants", func(r chi.Router) {
		r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
			listVariantsEndpoint(svc),
			decodeEmptyReq,
			api.EncodeResponse,
			opts...,
		), "list-variants").ServeHTTP)
		r.Route("/{variantID}", func(r chi.Router) {
			r.Get("/", otelhttp.NewHandler(kithttp.NewServer(
				getVariantEndpoint(svc),
				decodeVariantReq,
				api.EncodeResponse,
				opts...,
			), "get-variant").ServeHTTP)
			r.Get("/rankings", otelhttp.NewHandler(kithttp.NewServer(
				variantRankingsEndpoint(svc),
				decodeVariantReq,
				api.EncodeResponse,
				opts...,
			), "variant-rankings").ServeHTTP)
		})
	})

	mux.Post("/shutdown", otelhttp.NewHandler(kithttp.NewServer(
		shutdownEndpoint(svc),
		decodeEmptyReq,
		api.EncodeResponse,
		opts...,
	), "shutdown").ServeHTTP)

	mux.Get("/health", supermq.Health("coordinator", instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func decodeResultReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req resultReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeCBORResultReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.CBORContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxResultSize))
	if err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return cborResultReq{data: data}, nil
}

func decodeTestResultReq(_ context.Context, r *http.Request) (any, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), api.ContentType) {
		return nil, errors.Join(apiutil.ErrValidation, apiutil.ErrUnsupportedContentType)
	}

	var req testResultReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(err, apiutil.ErrValidation)
	}

	return req, nil
}

func decodeVariantReq(_ context.Context, r *http.Request) (any, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "variantID"))
	if err != nil || id < 0 {
		return nil, errors.Join(apiutil.ErrValidation, errInvalidVariantID)
	}

	return variantReq{id: id}, nil
}

func decodeListEntityReq(_ context.Context, r *http.Request) (any, error) {
	o, err := apiutil.ReadNumQuery[uint64](r, api.OffsetKey, api.DefOffset)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	l, err := apiutil.ReadNumQuery[uint64](r, api.LimitKey, api.DefLimit)
	if err != nil {
		return nil, errors.Join(apiutil.ErrValidation, err)
	}

	return listEntityReq{
		offset: o,
		limit:  l,
	}, nil
}

func decodeEmptyReq(_ context.Context, _ *http.Request) (any, error) {
	return emptyReq{}, nil
}
