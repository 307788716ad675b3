package coordinator_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/participant"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/absmach/evofed/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clientValues = map[string]float64{"c1": 1, "c2": 2, "c3": 3, "c4": 4}

func initialWeights() fl.Weights {
	return fl.Weights{
		"fc1.weight": {0, 0},
		"fc1.bias":   {0},
	}
}

func update(v float64) fl.Weights {
	return fl.Weights{
		"fc1.weight": {v, v},
		"fc1.bias":   {v},
	}
}

type fakeSelector struct {
	mu       sync.Mutex
	clients  []string
	samples  []int
	feedback map[string]participant.Feedback
}

func (s *fakeSelector) Sample(_ context.Context, n, _ int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, n)

	return append([]string(nil), s.clients[:min(n, len(s.clients))]...), nil
}

func (s *fakeSelector) RegisterFeedback(_ context.Context, fb participant.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.feedback[fb.ClientID] = fb

	return nil
}

// fastestFirst keeps the first want sampled clients, one second each.
type fastestFirst struct{}

func (fastestFirst) Plan(_ context.Context, round int, sampled []string, want int, _ time.Duration, _ scheduler.Workload) (fl.RoundPlan, error) {
	plan := fl.RoundPlan{Round: round, Costs: make(map[string]fl.Cost)}
	for i, c := range sampled {
		plan.Costs[c] = fl.Cost{Computation: time.Second}
		if i < want {
			plan.Participants = append(plan.Participants, fl.PlannedClient{ClientID: c, Duration: time.Second})

			continue
		}
		plan.Stragglers = append(plan.Stragglers, c)
	}
	plan.RoundDuration = time.Second

	return plan, nil
}

type nobodyOnline struct{}

func (nobodyOnline) Plan(_ context.Context, round int, sampled []string, _ int, _ time.Duration, _ scheduler.Workload) (fl.RoundPlan, error) {
	return fl.RoundPlan{Round: round, Offline: sampled}, scheduler.ErrSelectionEmpty
}

type alwaysConverged struct{}

func (alwaysConverged) Converged([]float64) bool {
	return true
}

type recorder struct {
	mu     sync.Mutex
	events []coordinator.Event
	on     func(coordinator.Event)
}

func (r *recorder) Broadcast(_ context.Context, e coordinator.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	on := r.on
	r.mu.Unlock()
	if on != nil {
		on(e)
	}

	return nil
}

func (r *recorder) signals() []fl.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	signals := make([]fl.Signal, len(r.events))
	for i, e := range r.events {
		signals[i] = e.Signal
	}

	return signals
}

type harness struct {
	svc         coordinator.Service
	broadcaster *recorder
	selector    *fakeSelector
	rounds      storage.Storage
	evaluations storage.Storage
}

func testConfig() coordinator.Config {
	return coordinator.Config{
		Rounds:          2,
		EvalInterval:    0,
		NumParticipants: 3,
		Overcommitment:  1.3,
		LayerAlpha:      0.5,
		RoundTimeout:    5 * time.Second,
		EvalTimeout:     5 * time.Second,
		Testers:         1,
	}
}

func newHarness(t *testing.T, cfg coordinator.Config, configure ...func(*coordinator.Components)) *harness {
	t.Helper()

	population, err := fl.NewPopulation(initialWeights())
	require.NoError(t, err)
	assigner, err := scheduler.NewAssigner(scheduler.AssignNaive)
	require.NoError(t, err)
	convergence, err := fl.NewConvergenceTest(fl.CriterionNever, 0, 0, 0)
	require.NoError(t, err)

	h := &harness{
		broadcaster: &recorder{},
		selector:    &fakeSelector{clients: []string{"c1", "c2", "c3", "c4"}, feedback: make(map[string]participant.Feedback)},
		rounds:      storage.NewInMemoryStorage(),
		evaluations: storage.NewInMemoryStorage(),
	}
	c := coordinator.Components{
		Population:  population,
		Aggregator:  fl.NewFedAvgAggregator(),
		Convergence: convergence,
		Scaler:      fl.NewWidenScaler(),
		Planner:     fastestFirst{},
		Assigner:    assigner,
		Selector:    h.selector,
		Broadcaster: h.broadcaster,
		Rounds:      h.rounds,
		Evaluations: h.evaluations,
	}
	for _, fn := range configure {
		fn(&c)
	}

	h.svc, err = coordinator.NewService(cfg, c, slog.Default())
	require.NoError(t, err)

	return h
}

// submitAssigned reports for every assigned client except skip, concurrently.
func (h *harness) submitAssigned(e coordinator.Event, skip ...string) {
	skipped := make(map[string]bool, len(skip))
	for _, c := range skip {
		skipped[c] = true
	}
	for c, vid := range e.Assignment {
		if skipped[c] {
			continue
		}
		go func() {
			_, _ = h.svc.SubmitResult(context.Background(), fl.ClientResult{
				ClientID:     c,
				ModelID:      vid,
				Round:        e.Round,
				UpdateWeight: update(clientValues[c]),
				Gradient:     map[string]float64{"fc1": clientValues[c]},
				MovingLoss:   clientValues[c],
				Utility:      10 * clientValues[c],
				Success:      true,
			})
		}()
	}
}

func (h *harness) onSignal(s fl.Signal, fn func(coordinator.Event)) {
	h.broadcaster.mu.Lock()
	defer h.broadcaster.mu.Unlock()

	prev := h.broadcaster.on
	h.broadcaster.on = func(e coordinator.Event) {
		if prev != nil {
			prev(e)
		}
		if e.Signal == s {
			fn(e)
		}
	}
}

func (h *harness) run(t *testing.T, ctx context.Context) error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Run(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("round lifecycle did not finish")

		return nil
	}
}

func (h *harness) summaries(t *testing.T) []coordinator.RoundSummary {
	t.Helper()

	page, err := h.svc.RoundHistory(context.Background(), 0, 100)
	require.NoError(t, err)

	return page.Rounds
}

func TestNewServiceMissingDependency(t *testing.T) {
	_, err := coordinator.NewService(testConfig(), coordinator.Components{}, slog.Default())
	assert.ErrorIs(t, err, coordinator.ErrMissingDep)
}

func TestRunAggregatesRound(t *testing.T) {
	h := newHarness(t, testConfig())
	h.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		h.submitAssigned(e)
	})

	require.NoError(t, h.run(t, context.Background()))

	assert.Equal(t, []fl.Signal{fl.SignalUpdateModel, fl.SignalStartRound, fl.SignalShutDown}, h.broadcaster.signals())
	assert.Equal(t, []int{4}, h.selector.samples)

	v, err := h.svc.GetVariant(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, update(2), v.Weights)
	assert.Equal(t, update(2), v.LastWeights)
	assert.Equal(t, []float64{2}, v.LossHistory)
	assert.InDelta(t, 2.0, v.Gradients["fc1"], 1e-9)

	rounds := h.summaries(t)
	require.Len(t, rounds, 1)
	s := rounds[0]
	assert.Equal(t, 1, s.Round)
	assert.False(t, s.Aborted)
	assert.Equal(t, []string{"c1", "c2", "c3"}, s.Participants)
	assert.Equal(t, []string{"c4"}, s.Stragglers)
	assert.Equal(t, 3, s.Reported)
	assert.Empty(t, s.Forced)
	assert.Equal(t, time.Second, s.VirtualClock)
	assert.InDelta(t, 20.0, s.AvgUtility, 1e-9)
	require.Len(t, s.Rankings, 1)
	assert.Equal(t, []string{"fc1"}, s.Rankings[0].Names())

	require.Len(t, h.selector.feedback, 4)
	for _, c := range []string{"c1", "c2", "c3"} {
		assert.True(t, h.selector.feedback[c].Success, c)
		assert.InDelta(t, 10*clientValues[c], h.selector.feedback[c].Utility, 1e-9, c)
	}
	straggler := h.selector.feedback["c4"]
	assert.False(t, straggler.Success)
	assert.InDelta(t, 20.0, straggler.Utility, 1e-9)

	rankings, err := h.svc.VariantRankings(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, rankings, 1)

	status, err := h.svc.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.Round)
	assert.Equal(t, coordinator.StateShutdown, status.State)
}

func TestRunTimeoutForcesFinalization(t *testing.T) {
	cfg := testConfig()
	cfg.RoundTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		h.submitAssigned(e, "c3")
	})

	require.NoError(t, h.run(t, context.Background()))

	v, err := h.svc.GetVariant(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, update(1.5), v.Weights)

	rounds := h.summaries(t)
	require.Len(t, rounds, 1)
	assert.Equal(t, []int{0}, rounds[0].Forced)
	assert.Equal(t, 2, rounds[0].Reported)

	missing := h.selector.feedback["c3"]
	assert.False(t, missing.Success)
	assert.InDelta(t, 15.0, missing.Utility, 1e-9)
}

func TestSubmitResultRejections(t *testing.T) {
	h := newHarness(t, testConfig())
	started := make(chan coordinator.Event, 1)
	h.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		started <- e
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.svc.Run(context.Background())
	}()
	e := <-started

	malformed := fl.Weights{"fc1.weight": {1}}
	cases := []struct {
		desc        string
		result      fl.ClientResult
		err         error
		contributed bool
		complete    bool
	}{
		{
			desc:   "unknown variant",
			result: fl.ClientResult{ClientID: "c1", ModelID: 5, UpdateWeight: update(1), Success: true},
			err:    fl.ErrUnknownVariant,
		},
		{
			desc:   "stale round",
			result: fl.ClientResult{ClientID: "c1", Round: e.Round + 3, UpdateWeight: update(1), Success: true},
			err:    fl.ErrStaleResult,
		},
		{
			desc:   "straggler is not expected",
			result: fl.ClientResult{ClientID: "c4", UpdateWeight: update(4), Success: true},
			err:    fl.ErrUnexpectedClient,
		},
		{
			desc:   "missing client id",
			result: fl.ClientResult{UpdateWeight: update(1), Success: true},
			err:    fl.ErrMalformedResult,
		},
		{
			desc:   "malformed update resolves the task",
			result: fl.ClientResult{ClientID: "c1", UpdateWeight: malformed, Success: true},
			err:    fl.ErrMalformedResult,
		},
		{
			desc:   "duplicate report",
			result: fl.ClientResult{ClientID: "c1", UpdateWeight: update(1), Success: true},
			err:    fl.ErrDuplicateSubmission,
		},
		{
			desc:        "valid report",
			result:      fl.ClientResult{ClientID: "c2", Round: e.Round, UpdateWeight: update(2), MovingLoss: 0.5, Success: true},
			contributed: true,
		},
		{
			desc:     "unsuccessful report completes the variant",
			result:   fl.ClientResult{ClientID: "c3", UpdateWeight: update(3), Success: false},
			complete: true,
		},
	}

	for _, tc := range cases {
		status, err := h.svc.SubmitResult(context.Background(), tc.result)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, tc.desc)
		} else {
			assert.NoError(t, err, tc.desc)
		}
		assert.Equal(t, tc.contributed, status.Contributed, tc.desc)
		assert.Equal(t, tc.complete, status.VariantComplete, tc.desc)
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("round lifecycle did not finish")
	}

	v, err := h.svc.GetVariant(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, update(2), v.Weights)
	assert.Equal(t, []float64{0.5}, v.LossHistory)

	assert.False(t, h.selector.feedback["c1"].Success)
	assert.True(t, h.selector.feedback["c2"].Success)
	assert.False(t, h.selector.feedback["c3"].Success)

	_, err = h.svc.SubmitResult(context.Background(), fl.ClientResult{ClientID: "c2", UpdateWeight: update(2), Success: true})
	assert.Error(t, err)
}

func TestRunAbortsWhenNobodyIsOnline(t *testing.T) {
	cfg := testConfig()
	cfg.Overcommitment = 1.5
	h := newHarness(t, cfg, func(c *coordinator.Components) {
		c.Planner = nobodyOnline{}
	})
	h.selector.clients = []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9"}

	require.NoError(t, h.run(t, context.Background()))

	assert.Equal(t, []int{5, 9}, h.selector.samples)
	assert.Equal(t, []fl.Signal{fl.SignalUpdateModel, fl.SignalShutDown}, h.broadcaster.signals())
	assert.Empty(t, h.selector.feedback)

	rounds := h.summaries(t)
	require.Len(t, rounds, 1)
	assert.True(t, rounds[0].Aborted)
	assert.Len(t, rounds[0].Offline, 9)
	assert.Zero(t, rounds[0].VirtualClock)

	v, err := h.svc.GetVariant(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, initialWeights(), v.Weights)
}

func TestRunGrowsConvergedVariant(t *testing.T) {
	cfg := testConfig()
	cfg.MaxVariants = 2
	h := newHarness(t, cfg, func(c *coordinator.Components) {
		c.Convergence = alwaysConverged{}
	})
	h.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		h.submitAssigned(e)
	})

	require.NoError(t, h.run(t, context.Background()))

	variants, err := h.svc.ListVariants(context.Background())
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, 0, variants[1].ParentID)
	assert.Equal(t, 1, variants[1].CreatedRound)
	assert.Equal(t, 6, variants[1].NumParams)

	grown, err := h.svc.GetVariant(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, fl.Tensor{1, 1, 1, 1}, grown.Weights["fc1.weight"])

	rounds := h.summaries(t)
	require.Len(t, rounds, 1)
	require.NotNil(t, rounds[0].NewVariant)
	assert.Equal(t, 1, *rounds[0].NewVariant)
}

func TestRunPopulationCap(t *testing.T) {
	cfg := testConfig()
	cfg.Rounds = 3
	cfg.MaxVariants = 1
	h := newHarness(t, cfg, func(c *coordinator.Components) {
		c.Convergence = alwaysConverged{}
	})
	h.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		h.submitAssigned(e)
	})

	require.NoError(t, h.run(t, context.Background()))

	variants, err := h.svc.ListVariants(context.Background())
	require.NoError(t, err)
	assert.Len(t, variants, 1)
	assert.Len(t, h.summaries(t), 2)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	checkpoints, err := fl.NewCheckpointer(t.TempDir())
	require.NoError(t, err)
	withCheckpoints := func(c *coordinator.Components) {
		c.Checkpoints = checkpoints
	}

	first := newHarness(t, testConfig(), withCheckpoints)
	first.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		first.submitAssigned(e)
	})
	require.NoError(t, first.run(t, context.Background()))

	cfg := testConfig()
	cfg.Rounds = 3
	second := newHarness(t, cfg, withCheckpoints)
	status, err := second.svc.CurrentRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.Round)
	assert.Equal(t, time.Second, status.VirtualClock)

	v, err := second.svc.GetVariant(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, update(2), v.Weights)
	assert.Equal(t, []float64{2}, v.LossHistory)

	second.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		assert.Equal(t, 2, e.Round)
		second.submitAssigned(e)
	})
	require.NoError(t, second.run(t, context.Background()))

	rounds, err := checkpoints.List()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, rounds)
}

func TestRunEvaluatesVariants(t *testing.T) {
	cfg := testConfig()
	cfg.Rounds = 3
	cfg.EvalInterval = 2
	h := newHarness(t, cfg)
	h.onSignal(fl.SignalStartRound, func(e coordinator.Event) {
		h.submitAssigned(e)
	})
	h.onSignal(fl.SignalModelTest, func(e coordinator.Event) {
		for _, id := range e.Variants {
			go func() {
				_ = h.svc.SubmitTestResult(context.Background(), fl.TestResult{
					ClientID: "executor-0",
					ModelID:  id,
					Top1:     8,
					Top5:     9,
					TestLoss: 5,
					TestLen:  10,
				})
			}()
		}
	})

	require.NoError(t, h.run(t, context.Background()))

	assert.Equal(t, []fl.Signal{
		fl.SignalUpdateModel, fl.SignalStartRound,
		fl.SignalUpdateModel, fl.SignalModelTest, fl.SignalStartRound,
		fl.SignalShutDown,
	}, h.broadcaster.signals())

	page, err := h.svc.Evaluations(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Evaluations, 1)
	eval := page.Evaluations[0]
	assert.Equal(t, 2, eval.Round)
	assert.True(t, eval.Complete)
	require.Len(t, eval.Variants, 1)
	assert.InDelta(t, 80.0, eval.Variants[0].Top1, 1e-9)
	assert.InDelta(t, 90.0, eval.Variants[0].Top5, 1e-9)
	assert.InDelta(t, 0.5, eval.Variants[0].TestLoss, 1e-9)
	assert.Equal(t, 10, eval.Variants[0].TestLen)

	err = h.svc.SubmitTestResult(context.Background(), fl.TestResult{ClientID: "executor-0"})
	assert.ErrorIs(t, err, coordinator.ErrNotEvaluating)
}

func TestShutdownStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.RoundTimeout = time.Minute
	h := newHarness(t, cfg)
	h.onSignal(fl.SignalStartRound, func(coordinator.Event) {
		go func() {
			_ = h.svc.Shutdown(context.Background())
		}()
	})

	require.NoError(t, h.run(t, context.Background()))

	signals := h.broadcaster.signals()
	require.NotEmpty(t, signals)
	assert.Equal(t, fl.SignalShutDown, signals[len(signals)-1])
	assert.Empty(t, h.summaries(t))
}

func TestRunCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.RoundTimeout = time.Minute
	h := newHarness(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.onSignal(fl.SignalStartRound, func(coordinator.Event) {
		cancel()
	})

	err := h.run(t, ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
