package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pkgerrors "github.com/absmach/evofed/pkg/errors"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/participant"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/absmach/evofed/pkg/storage"
	"github.com/fxamacker/cbor/v2"
)

var (
	ErrNotEvaluating = fmt.Errorf("%w: no evaluation is in progress", pkgerrors.ErrConflict)
	ErrMissingDep    = errors.New("missing coordinator dependency")
)

// Planner picks the round's participants out of a sample.
type Planner interface {
	Plan(ctx context.Context, round int, sampled []string, want int, clock time.Duration, w scheduler.Workload) (fl.RoundPlan, error)
}

// Selector samples candidate clients and learns from round outcomes.
type Selector interface {
	Sample(ctx context.Context, n, round int) ([]string, error)
	RegisterFeedback(ctx context.Context, fb participant.Feedback) error
}

type Config struct {
	Rounds          int
	EvalInterval    int
	NumParticipants int
	Overcommitment  float64
	LayerAlpha      float64
	// MaxVariants caps population growth; zero means unbounded.
	MaxVariants  int
	RoundTimeout time.Duration
	EvalTimeout  time.Duration
	// Testers is the number of executors expected to report each evaluation.
	Testers int
}

type Components struct {
	Population  *fl.Population
	Aggregator  fl.Aggregator
	Convergence fl.ConvergenceTest
	Scaler      fl.ModelScaler
	Planner     Planner
	Assigner    scheduler.Assigner
	Selector    Selector
	Broadcaster Broadcaster
	Rounds      storage.Storage
	Evaluations storage.Storage
	// Checkpoints is optional. When set the service resumes from the latest
	// checkpoint and writes one after every round.
	Checkpoints *fl.Checkpointer
}

type report struct {
	modelID     int
	utility     float64
	loss        float64
	contributed bool
}

type service struct {
	cfg         Config
	population  *fl.Population
	accumulator *fl.Accumulator
	transformer *fl.Transformer
	convergence fl.ConvergenceTest
	planner     Planner
	assigner    scheduler.Assigner
	selector    Selector
	broadcaster Broadcaster
	rounds      storage.Storage
	evaluations storage.Storage
	checkpoints *fl.Checkpointer
	logger      *slog.Logger

	// mu is held for reading by result ingestion and for writing by the
	// lifecycle when it arms or finalizes a round.
	mu         sync.RWMutex
	state      State
	round      int
	clock      time.Duration
	plan       fl.RoundPlan
	assignment fl.Assignment
	startedAt  time.Time
	rankings   map[int][]fl.LayerRanking

	reportsMu sync.Mutex
	reports   map[string]report

	evalMu sync.Mutex
	eval   *evalRound

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(cfg Config, c Components, logger *slog.Logger) (Service, error) {
	switch {
	case c.Population == nil, c.Aggregator == nil, c.Convergence == nil, c.Scaler == nil,
		c.Planner == nil, c.Assigner == nil, c.Selector == nil, c.Broadcaster == nil,
		c.Rounds == nil, c.Evaluations == nil:
		return nil, ErrMissingDep
	}

	svc := &service{
		cfg:         cfg,
		population:  c.Population,
		convergence: c.Convergence,
		planner:     c.Planner,
		assigner:    c.Assigner,
		selector:    c.Selector,
		broadcaster: c.Broadcaster,
		rounds:      c.Rounds,
		evaluations: c.Evaluations,
		checkpoints: c.Checkpoints,
		logger:      logger,
		state:       StateSelecting,
		round:       1,
		rankings:    make(map[int][]fl.LayerRanking),
		reports:     make(map[string]report),
		stop:        make(chan struct{}),
	}

	if c.Checkpoints != nil {
		if err := svc.restore(c.Checkpoints); err != nil {
			return nil, err
		}
	}
	svc.accumulator = fl.NewAccumulator(svc.population, c.Aggregator)
	svc.transformer = fl.NewTransformer(svc.population, c.Scaler)

	return svc, nil
}

func (svc *service) restore(checkpoints *fl.Checkpointer) error {
	cp, err := checkpoints.Latest()
	switch {
	case errors.Is(err, fl.ErrNoCheckpoint):
		return nil
	case err != nil:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	population, err := fl.RestorePopulation(cp.Variants)
	if err != nil {
		return fmt.Errorf("failed to restore population: %w", err)
	}
	svc.population = population
	svc.round = cp.Round
	svc.clock = cp.VirtualClock
	svc.plan = cp.LastPlan

	svc.logger.Info("Resumed from checkpoint",
		slog.Int("round", cp.Round),
		slog.Int("variants", population.Len()),
		slog.String("virtual_clock", cp.VirtualClock.String()),
	)

	return nil
}

func (svc *service) SubmitResult(ctx context.Context, result fl.ClientResult) (SubmitStatus, error) {
	if result.ClientID == "" {
		return SubmitStatus{}, fmt.Errorf("%w: missing client id", fl.ErrMalformedResult)
	}
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = time.Now()
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()

	status := SubmitStatus{Round: svc.round}
	if result.Round != 0 && result.Round != svc.round {
		return status, fmt.Errorf("%w: got round %d, collecting round %d", fl.ErrStaleResult, result.Round, svc.round)
	}

	completed, err := svc.accumulator.Submit(result)
	if err != nil && !errors.Is(err, fl.ErrMalformedResult) {
		return status, err
	}
	status.Contributed = err == nil && result.Success
	status.VariantComplete = completed

	svc.reportsMu.Lock()
	svc.reports[result.ClientID] = report{
		modelID:     result.ModelID,
		utility:     result.Utility,
		loss:        result.MovingLoss,
		contributed: status.Contributed,
	}
	svc.reportsMu.Unlock()

	return status, err
}

func (svc *service) SubmitResultCBOR(ctx context.Context, data []byte) (SubmitStatus, error) {
	var result fl.ClientResult
	if err := cbor.Unmarshal(data, &result); err != nil {
		return SubmitStatus{}, fmt.Errorf("%w: failed to decode CBOR result: %w", fl.ErrMalformedResult, err)
	}

	return svc.SubmitResult(ctx, result)
}

func (svc *service) SubmitTestResult(ctx context.Context, result fl.TestResult) error {
	svc.evalMu.Lock()
	defer svc.evalMu.Unlock()

	if svc.eval == nil {
		return ErrNotEvaluating
	}

	return svc.eval.add(result)
}

func (svc *service) CurrentRound(ctx context.Context) (RoundStatus, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	status := RoundStatus{
		Round:        svc.round,
		State:        svc.state,
		VirtualClock: svc.clock,
		Plan:         svc.plan,
		Assignment:   make(map[string]int, len(svc.assignment.ByClient)),
		StartedAt:    svc.startedAt,
	}
	for c, v := range svc.assignment.ByClient {
		status.Assignment[c] = v
	}
	for _, v := range svc.population.All() {
		tasks, inUpdate, contributed := v.Counts()
		status.Variants = append(status.Variants, VariantProgress{
			VariantID:   v.ID(),
			TasksRound:  tasks,
			InUpdate:    inUpdate,
			Contributed: contributed,
			Complete:    v.Complete(),
		})
	}

	return status, nil
}

func (svc *service) RoundHistory(ctx context.Context, offset, limit uint64) (RoundPage, error) {
	data, total, err := svc.rounds.List(ctx, offset, limit)
	if err != nil {
		return RoundPage{}, err
	}

	rounds := make([]RoundSummary, 0, len(data))
	for i := range data {
		s, ok := data[i].(RoundSummary)
		if !ok {
			return RoundPage{}, pkgerrors.ErrInvalidData
		}
		rounds = append(rounds, s)
	}

	return RoundPage{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Rounds: rounds,
	}, nil
}

func (svc *service) Evaluations(ctx context.Context, offset, limit uint64) (EvaluationPage, error) {
	data, total, err := svc.evaluations.List(ctx, offset, limit)
	if err != nil {
		return EvaluationPage{}, err
	}

	evals := make([]Evaluation, 0, len(data))
	for i := range data {
		e, ok := data[i].(Evaluation)
		if !ok {
			return EvaluationPage{}, pkgerrors.ErrInvalidData
		}
		evals = append(evals, e)
	}

	return EvaluationPage{
		Offset:      offset,
		Limit:       limit,
		Total:       total,
		Evaluations: evals,
	}, nil
}

func (svc *service) ListVariants(ctx context.Context) ([]VariantInfo, error) {
	variants := svc.population.All()
	infos := make([]VariantInfo, len(variants))
	for i, v := range variants {
		s := v.Snapshot()
		infos[i] = VariantInfo{
			ID:           s.ID,
			ParentID:     s.ParentID,
			CreatedRound: s.CreatedRound,
			NumParams:    s.Weights.NumParams(),
			Layers:       s.Weights.Layers(),
			LossHistory:  s.LossHistory,
		}
	}

	return infos, nil
}

func (svc *service) GetVariant(ctx context.Context, id int) (fl.VariantSnapshot, error) {
	v, err := svc.population.Get(id)
	if err != nil {
		return fl.VariantSnapshot{}, err
	}

	return v.Snapshot(), nil
}

func (svc *service) VariantRankings(ctx context.Context, id int) ([]fl.LayerRanking, error) {
	if _, err := svc.population.Get(id); err != nil {
		return nil, err
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()

	return append([]fl.LayerRanking(nil), svc.rankings[id]...), nil
}

func (svc *service) Shutdown(ctx context.Context) error {
	svc.stopOnce.Do(func() {
		close(svc.stop)
	})

	return nil
}
