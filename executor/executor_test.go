package executor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/coordinator/api"
	"github.com/absmach/evofed/coordinator/mocks"
	"github.com/absmach/evofed/executor"
	"github.com/absmach/evofed/pkg/fl"
	mqttmocks "github.com/absmach/evofed/pkg/mqtt/mocks"
	"github.com/absmach/evofed/pkg/participant"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/absmach/evofed/pkg/sdk"
	"github.com/absmach/evofed/pkg/storage"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func model() fl.Weights {
	return fl.Weights{
		"conv1.weight": make(fl.Tensor, 8),
		"conv1.bias":   make(fl.Tensor, 2),
		"fc1.weight":   make(fl.Tensor, 4),
	}
}

type profiles struct{}

func (profiles) Profile(id string) (fl.ClientProfile, error) {
	return fl.ClientProfile{ClientID: id, BatchSize: 8, LocalSteps: 3}, nil
}

type collector struct {
	mu      sync.Mutex
	results []fl.ClientResult
	tests   []fl.TestResult
}

func (c *collector) SubmitResult(_ context.Context, r fl.ClientResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results = append(c.results, r)

	return nil
}

func (c *collector) SubmitTestResult(_ context.Context, r fl.TestResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tests = append(c.tests, r)

	return nil
}

func (c *collector) clients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, len(c.results))
	for i, r := range c.results {
		ids[i] = r.ClientID
	}
	sort.Strings(ids)

	return ids
}

func newPool(t *testing.T, cfg executor.Config, sub executor.Submitter) *executor.Pool {
	t.Helper()

	pool, err := executor.NewPool(cfg, executor.NewSimulatedTrainer(cfg.Seed), profiles{}, sub, slog.Default())
	require.NoError(t, err)

	return pool
}

func startRound(round int, clients []string) coordinator.Event {
	e := coordinator.Event{
		Signal:     fl.SignalStartRound,
		Round:      round,
		Plan:       &fl.RoundPlan{Round: round},
		Assignment: make(map[string]int, len(clients)),
	}
	for _, c := range clients {
		e.Plan.Participants = append(e.Plan.Participants, fl.PlannedClient{ClientID: c})
		e.Assignment[c] = 0
	}

	return e
}

func clientIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("client-%04d", i)
	}

	return ids
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		desc string
		cfg  executor.Config
		err  error
	}{
		{desc: "valid", cfg: executor.Config{ID: "e0", Count: 1}},
		{desc: "missing id", cfg: executor.Config{Count: 1}, err: executor.ErrInvalidConfig},
		{desc: "index out of range", cfg: executor.Config{ID: "e0", Index: 2, Count: 2}, err: executor.ErrInvalidConfig},
		{desc: "no executors", cfg: executor.Config{ID: "e0"}, err: executor.ErrInvalidConfig},
		{desc: "drop everything", cfg: executor.Config{ID: "e0", Count: 1, DropRate: 1}, err: executor.ErrInvalidConfig},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSimulatedTrainer(t *testing.T) {
	trainer := executor.NewSimulatedTrainer(7)
	profile := fl.ClientProfile{ClientID: "client-0001", BatchSize: 16, LocalSteps: 5}
	ctx := context.Background()

	first, err := trainer.Train(ctx, profile, 1, model())
	require.NoError(t, err)
	again, err := trainer.Train(ctx, profile, 1, model())
	require.NoError(t, err)
	assert.Equal(t, first, again)

	assert.True(t, first.Success)
	assert.Equal(t, 80, first.TrainedSize)
	assert.ElementsMatch(t, []string{"conv1", "fc1"}, keys(first.Gradient))
	assert.Equal(t, model().Names(), first.UpdateWeight.Names())
	assert.Len(t, first.UpdateWeight["conv1.weight"], 8)

	second, err := trainer.Train(ctx, profile, 2, first.UpdateWeight)
	require.NoError(t, err)
	assert.Less(t, second.MovingLoss, first.MovingLoss)
	assert.Less(t, second.Gradient["conv1"], first.Gradient["conv1"])

	before, err := trainer.Test(ctx, 0, model())
	require.NoError(t, err)
	after, err := trainer.Test(ctx, 0, second.UpdateWeight)
	require.NoError(t, err)
	assert.Equal(t, 1000, after.TestLen)
	assert.Greater(t, after.Top1, before.Top1)
	assert.Less(t, after.TestLoss, before.TestLoss)
	assert.GreaterOrEqual(t, after.Top5, after.Top1)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = trainer.Train(canceled, profile, 1, model())
	assert.ErrorIs(t, err, context.Canceled)
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	return out
}

func TestPoolShardsClients(t *testing.T) {
	ctx := context.Background()
	clients := clientIDs(40)

	var subs []*collector
	var pools []*executor.Pool
	for i := range 3 {
		sub := &collector{}
		pool := newPool(t, executor.Config{ID: fmt.Sprintf("executor-%d", i), Index: i, Count: 3, Concurrency: 4, Seed: 1}, sub)
		subs = append(subs, sub)
		pools = append(pools, pool)

		require.NoError(t, pool.Broadcast(ctx, coordinator.Event{Signal: fl.SignalUpdateModel, Round: 1, Models: map[int]fl.Weights{0: model()}}))
		require.NoError(t, pool.Broadcast(ctx, startRound(1, clients)))
	}

	var all []string
	for i, pool := range pools {
		pool.Wait()
		for _, c := range subs[i].clients() {
			assert.True(t, pool.Owns(c), c)
		}
		all = append(all, subs[i].clients()...)
	}
	sort.Strings(all)
	assert.Equal(t, clients, all)

	for _, r := range subs[0].results {
		assert.Equal(t, 1, r.Round)
		assert.Equal(t, 0, r.ModelID)
		assert.True(t, r.Success)
	}
}

func TestPoolDropsResults(t *testing.T) {
	sub := &collector{}
	pool := newPool(t, executor.Config{ID: "executor-0", Count: 1, Concurrency: 8, DropRate: 0.5, Seed: 3}, sub)
	ctx := context.Background()

	require.NoError(t, pool.Broadcast(ctx, coordinator.Event{Signal: fl.SignalUpdateModel, Models: map[int]fl.Weights{0: model()}}))
	require.NoError(t, pool.Broadcast(ctx, startRound(1, clientIDs(100))))
	pool.Wait()

	reported := len(sub.clients())
	assert.Greater(t, reported, 0)
	assert.Less(t, reported, 100)
}

func TestPoolWithoutModel(t *testing.T) {
	sub := &collector{}
	pool := newPool(t, executor.Config{ID: "executor-0", Count: 1}, sub)

	require.NoError(t, pool.Broadcast(context.Background(), startRound(1, clientIDs(3))))
	pool.Wait()
	assert.Empty(t, sub.clients())
}

func TestPoolTestsVariants(t *testing.T) {
	sub := &collector{}
	pool := newPool(t, executor.Config{ID: "executor-1", Index: 0, Count: 1}, sub)
	ctx := context.Background()

	require.NoError(t, pool.Broadcast(ctx, coordinator.Event{Signal: fl.SignalUpdateModel, Models: map[int]fl.Weights{0: model(), 1: model()}}))
	require.NoError(t, pool.Broadcast(ctx, coordinator.Event{Signal: fl.SignalModelTest, Round: 5, Variants: []int{0, 1, 2}}))
	pool.Wait()

	require.Len(t, sub.tests, 2)
	for i, r := range sub.tests {
		assert.Equal(t, "executor-1", r.ClientID)
		assert.Equal(t, i, r.ModelID)
		assert.Equal(t, 1000, r.TestLen)
	}
}

func TestPoolShutdown(t *testing.T) {
	pool := newPool(t, executor.Config{ID: "executor-0", Count: 1}, &collector{})

	require.NoError(t, pool.Broadcast(context.Background(), coordinator.Event{Signal: fl.SignalShutDown}))
	select {
	case <-pool.Done():
	default:
		t.Fatal("pool should be done after SHUT_DOWN")
	}
	require.NoError(t, pool.Broadcast(context.Background(), coordinator.Event{Signal: fl.SignalShutDown}))

	assert.Error(t, pool.Broadcast(context.Background(), coordinator.Event{Signal: "RESTART"}))
}

// blockingTrainer trains until its context is canceled.
type blockingTrainer struct {
	started chan string
}

func (b blockingTrainer) Train(ctx context.Context, profile fl.ClientProfile, _ int, _ fl.Weights) (fl.ClientResult, error) {
	b.started <- profile.ClientID
	<-ctx.Done()

	return fl.ClientResult{}, ctx.Err()
}

func (b blockingTrainer) Test(ctx context.Context, _ int, _ fl.Weights) (fl.TestResult, error) {
	<-ctx.Done()

	return fl.TestResult{}, ctx.Err()
}

func TestPoolShutdownCancelsTraining(t *testing.T) {
	sub := &collector{}
	trainer := blockingTrainer{started: make(chan string, 4)}
	pool, err := executor.NewPool(executor.Config{ID: "executor-0", Count: 1, Concurrency: 4}, trainer, profiles{}, sub, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, pool.Broadcast(ctx, coordinator.Event{Signal: fl.SignalUpdateModel, Models: map[int]fl.Weights{0: model()}}))
	require.NoError(t, pool.Broadcast(ctx, startRound(1, clientIDs(4))))
	for range 4 {
		select {
		case <-trainer.started:
		case <-time.After(5 * time.Second):
			t.Fatal("training did not start")
		}
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, pool.Broadcast(ctx, coordinator.Event{Signal: fl.SignalShutDown}))
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("SHUT_DOWN did not cancel training")
	}

	<-pool.Done()
	assert.Empty(t, sub.clients())
}

type eventLog struct {
	mu     sync.Mutex
	events []coordinator.Event
}

func (l *eventLog) Broadcast(_ context.Context, e coordinator.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)

	return nil
}

func TestHandle(t *testing.T) {
	log := &eventLog{}
	handler := executor.Handle(context.Background(), log, slog.Default())

	data, err := json.Marshal(coordinator.Event{Signal: fl.SignalUpdateModel, Round: 2, Models: map[int]fl.Weights{3: model()}})
	require.NoError(t, err)

	cases := []struct {
		desc    string
		payload []byte
		err     bool
	}{
		{desc: "update model", payload: data},
		{desc: "not json", payload: []byte{0xa1}, err: true},
		{desc: "unknown signal", payload: []byte(`{"signal":"RESTART"}`), err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := handler("channels/fl/messages/control/coordinator/update_model", tc.payload)
			if tc.err {
				assert.Error(t, err)

				return
			}
			assert.NoError(t, err)
		})
	}

	require.Len(t, log.events, 1)
	assert.Equal(t, 2, log.events[0].Round)
	assert.Equal(t, model(), log.events[0].Models[3])
}

func TestMQTTSubmitter(t *testing.T) {
	pubsub := new(mqttmocks.MockPubSub)
	result := fl.ClientResult{ClientID: "client-0001", ModelID: 1, Round: 4, UpdateWeight: model(), Success: true}
	test := fl.TestResult{ClientID: "executor-0", TestLen: 10}

	pubsub.On("Publish", mock.Anything, coordinator.ResultsTopic("fl"), mock.MatchedBy(func(data []byte) bool {
		var got fl.ClientResult
		if err := cbor.Unmarshal(data, &got); err != nil {
			return false
		}

		return got.ClientID == result.ClientID && got.Round == 4 && got.UpdateWeight.NumParams() == 14
	})).Return(nil)
	pubsub.On("Publish", mock.Anything, coordinator.TestResultsTopic("fl"), test).Return(nil)

	sub := executor.NewMQTTSubmitter(pubsub, "fl")
	require.NoError(t, sub.SubmitResult(context.Background(), result))
	require.NoError(t, sub.SubmitTestResult(context.Background(), test))
	pubsub.AssertExpectations(t)
}

func TestHTTPSubmitter(t *testing.T) {
	svc := new(mocks.MockService)
	ts := httptest.NewServer(api.MakeHandler(svc, slog.Default(), "executor-test"))
	defer ts.Close()

	result := fl.ClientResult{ClientID: "client-0001", Round: 2, UpdateWeight: model(), Success: true}
	test := fl.TestResult{ClientID: "executor-0", ModelID: 0, TestLen: 1000}
	svc.On("SubmitResultCBOR", mock.Anything, mock.MatchedBy(func(data []byte) bool {
		var got fl.ClientResult
		if err := cbor.Unmarshal(data, &got); err != nil {
			return false
		}

		return got.ClientID == "client-0001" && got.Round == 2
	})).Return(coordinator.SubmitStatus{Round: 2, Contributed: true}, nil)
	svc.On("SubmitTestResult", mock.Anything, test).Return(nil)

	sub := executor.NewHTTPSubmitter(sdk.NewSDK(sdk.Config{CoordinatorURL: ts.URL}))
	require.NoError(t, sub.SubmitResult(context.Background(), result))
	require.NoError(t, sub.SubmitTestResult(context.Background(), test))
	svc.AssertExpectations(t)
}

func TestSubscribe(t *testing.T) {
	pubsub := new(mqttmocks.MockPubSub)
	pubsub.On("Subscribe", mock.Anything, "channels/fl/messages/control/coordinator/#", mock.Anything).Return(nil)

	require.NoError(t, executor.Subscribe(context.Background(), "fl", pubsub, &eventLog{}, slog.Default()))
	pubsub.AssertExpectations(t)
}

func TestSimulation(t *testing.T) {
	registry, err := participant.NewRegistry(participant.Generate(11, 30, 3))
	require.NoError(t, err)
	population, err := fl.NewPopulation(model())
	require.NoError(t, err)
	assigner, err := scheduler.NewAssigner(scheduler.AssignNaive)
	require.NoError(t, err)
	convergence, err := fl.NewConvergenceTest(fl.CriterionNever, 0, 0, 0)
	require.NoError(t, err)

	var pools coordinator.Broadcasters
	svc, err := coordinator.NewService(coordinator.Config{
		Rounds:          4,
		EvalInterval:    2,
		NumParticipants: 6,
		Overcommitment:  1.5,
		LayerAlpha:      0.5,
		RoundTimeout:    5 * time.Second,
		EvalTimeout:     5 * time.Second,
		Testers:         2,
	}, coordinator.Components{
		Population:  population,
		Aggregator:  fl.NewFedAvgAggregator(),
		Convergence: convergence,
		Scaler:      fl.NewWidenScaler(),
		Planner:     scheduler.NewStraggler(registry, registry, registry),
		Assigner:    assigner,
		Selector:    participant.NewSelector(registry, storage.NewInMemoryStorage(), 11, 0.3),
		Broadcaster: &pools,
		Rounds:      storage.NewInMemoryStorage(),
		Evaluations: storage.NewInMemoryStorage(),
	}, slog.Default())
	require.NoError(t, err)

	for i := range 2 {
		pool, err := executor.NewPool(
			executor.Config{ID: fmt.Sprintf("executor-%d", i), Index: i, Count: 2, Concurrency: 4, Seed: 11},
			executor.NewSimulatedTrainer(11),
			registry,
			executor.NewServiceSubmitter(svc),
			slog.Default(),
		)
		require.NoError(t, err)
		pools = append(pools, pool)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(context.Background())
	}()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("simulation did not finish")
	}

	page, err := svc.RoundHistory(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Rounds, 3)
	for _, s := range page.Rounds {
		if s.Aborted {
			continue
		}
		assert.Equal(t, len(s.Participants), s.Reported, "round %d", s.Round)
		assert.Empty(t, s.Forced, "round %d", s.Round)
	}

	v, err := svc.GetVariant(context.Background(), 0)
	require.NoError(t, err)
	for i := 1; i < len(v.LossHistory); i++ {
		assert.Less(t, v.LossHistory[i], v.LossHistory[i-1])
	}

	evals, err := svc.Evaluations(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, evals.Evaluations, 1)
	assert.True(t, evals.Evaluations[0].Complete)
	assert.Equal(t, 2, evals.Evaluations[0].Variants[0].Testers)
}
