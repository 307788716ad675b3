package sdk_test

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/coordinator/api"
	"github.com/absmach/evofed/coordinator/mocks"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (sdk.SDK, *mocks.MockService) {
	t.Helper()

	svc := new(mocks.MockService)
	ts := httptest.NewServer(api.MakeHandler(svc, slog.Default(), "sdk-test"))
	t.Cleanup(ts.Close)

	return sdk.NewSDK(sdk.Config{CoordinatorURL: ts.URL + "/"}), svc
}

func TestSubmitResult(t *testing.T) {
	s, svc := setup(t)

	result := fl.ClientResult{ClientID: "client-0001", ModelID: 0, Round: 3, UpdateWeight: fl.Weights{"fc1.weight": {1, 2}}, Success: true}
	svc.On("SubmitResult", mock.Anything, mock.MatchedBy(func(r fl.ClientResult) bool {
		return r.ClientID == "client-0001"
	})).Return(coordinator.SubmitStatus{Round: 3, Contributed: true}, nil).Once()
	svc.On("SubmitResult", mock.Anything, mock.Anything).Return(coordinator.SubmitStatus{}, fl.ErrDuplicateSubmission).Once()

	status, err := s.SubmitResult(result)
	require.NoError(t, err)
	assert.Equal(t, coordinator.SubmitStatus{Round: 3, Contributed: true}, status)

	_, err = s.SubmitResult(result)
	assert.ErrorIs(t, err, sdk.ErrUnexpectedStatus)
	assert.ErrorContains(t, err, "409")
	assert.ErrorContains(t, err, fl.ErrDuplicateSubmission.Error())
}

func TestSubmitResultCBOR(t *testing.T) {
	s, svc := setup(t)

	svc.On("SubmitResultCBOR", mock.Anything, mock.Anything).Return(coordinator.SubmitStatus{Round: 1, VariantComplete: true}, nil)

	status, err := s.SubmitResultCBOR(fl.ClientResult{ClientID: "client-0002", Round: 1, Success: false})
	require.NoError(t, err)
	assert.True(t, status.VariantComplete)
}

func TestSubmitTestResult(t *testing.T) {
	s, svc := setup(t)

	result := fl.TestResult{ClientID: "executor-0", ModelID: 1, Top1: 900, TestLen: 1000}
	svc.On("SubmitTestResult", mock.Anything, result).Return(nil).Once()
	svc.On("SubmitTestResult", mock.Anything, result).Return(coordinator.ErrNotEvaluating).Once()

	require.NoError(t, s.SubmitTestResult(result))
	assert.ErrorContains(t, s.SubmitTestResult(result), "409")
}

func TestRounds(t *testing.T) {
	s, svc := setup(t)

	svc.On("CurrentRound", mock.Anything).Return(coordinator.RoundStatus{Round: 2, State: coordinator.StateCollecting}, nil)
	svc.On("RoundHistory", mock.Anything, uint64(10), uint64(5)).Return(coordinator.RoundPage{Offset: 10, Limit: 5, Total: 12}, nil)
	svc.On("Evaluations", mock.Anything, uint64(0), uint64(100)).Return(coordinator.EvaluationPage{Limit: 100}, nil)

	status, err := s.CurrentRound()
	require.NoError(t, err)
	assert.Equal(t, coordinator.StateCollecting, status.State)

	page, err := s.Rounds(10, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), page.Total)

	evals, err := s.Evaluations(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), evals.Limit)

	_, err = s.Rounds(0, 500)
	assert.ErrorContains(t, err, "400")
}

func TestVariants(t *testing.T) {
	s, svc := setup(t)

	svc.On("ListVariants", mock.Anything).Return([]coordinator.VariantInfo{{ID: 0, ParentID: -1}, {ID: 1, ParentID: 0}}, nil)
	svc.On("GetVariant", mock.Anything, 1).Return(fl.VariantSnapshot{ID: 1, ParentID: 0, LossHistory: []float64{0.5}}, nil)
	svc.On("GetVariant", mock.Anything, 9).Return(fl.VariantSnapshot{}, fl.ErrUnknownVariant)
	svc.On("VariantRankings", mock.Anything, 1).Return([]fl.LayerRanking{{VariantID: 1, Round: 4}}, nil)

	variants, err := s.Variants()
	require.NoError(t, err)
	assert.Len(t, variants, 2)

	v, err := s.Variant(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, v.LossHistory)

	_, err = s.Variant(9)
	assert.ErrorContains(t, err, "404")

	rankings, err := s.VariantRankings(1)
	require.NoError(t, err)
	require.Len(t, rankings, 1)
	assert.Equal(t, 4, rankings[0].Round)
}

func TestShutdown(t *testing.T) {
	s, svc := setup(t)

	svc.On("Shutdown", mock.Anything).Return(nil).Once()

	require.NoError(t, s.Shutdown())
	svc.AssertExpectations(t)
}
