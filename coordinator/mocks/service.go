package mocks

import (
	"context"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/stretchr/testify/mock"
)

var _ coordinator.Service = (*MockService)(nil)

// MockService is a mock implementation of the coordinator.Service interface
type MockService struct {
	mock.Mock
}

func (m *MockService) Run(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockService) SubmitResult(ctx context.Context, result fl.ClientResult) (coordinator.SubmitStatus, error) {
	args := m.Called(ctx, result)

	return args.Get(0).(coordinator.SubmitStatus), args.Error(1)
}

func (m *MockService) SubmitResultCBOR(ctx context.Context, data []byte) (coordinator.SubmitStatus, error) {
	args := m.Called(ctx, data)

	return args.Get(0).(coordinator.SubmitStatus), args.Error(1)
}

func (m *MockService) SubmitTestResult(ctx context.Context, result fl.TestResult) error {
	args := m.Called(ctx, result)

	return args.Error(0)
}

// CurrentRound reports the collecting round
func (m *MockService) CurrentRound(ctx context.Context) (coordinator.RoundStatus, error) {
	args := m.Called(ctx)

	return args.Get(0).(coordinator.RoundStatus), args.Error(1)
}

func (m *MockService) RoundHistory(ctx context.Context, offset, limit uint64) (coordinator.RoundPage, error) {
	args := m.Called(ctx, offset, limit)

	return args.Get(0).(coordinator.RoundPage), args.Error(1)
}

func (m *MockService) Evaluations(ctx context.Context, offset, limit uint64) (coordinator.EvaluationPage, error) {
	args := m.Called(ctx, offset, limit)

	return args.Get(0).(coordinator.EvaluationPage), args.Error(1)
}

func (m *MockService) ListVariants(ctx context.Context) ([]coordinator.VariantInfo, error) {
	args := m.Called(ctx)

	return args.Get(0).([]coordinator.VariantInfo), args.Error(1)
}

func (m *MockService) GetVariant(ctx context.Context, id int) (fl.VariantSnapshot, error) {
	args := m.Called(ctx, id)

	return args.Get(0).(fl.VariantSnapshot), args.Error(1)
}

func (m *MockService) VariantRankings(ctx context.Context, id int) ([]fl.LayerRanking, error) {
	args := m.Called(ctx, id)

	return args.Get(0).([]fl.LayerRanking), args.Error(1)
}

func (m *MockService) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
