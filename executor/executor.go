package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/absmach/evofed/coordinator"
	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("invalid executor config")

// Trainer runs local training and testing on behalf of simulated clients.
type Trainer interface {
	Train(ctx context.Context, profile fl.ClientProfile, round int, model fl.Weights) (fl.ClientResult, error)
	Test(ctx context.Context, variantID int, model fl.Weights) (fl.TestResult, error)
}

// Submitter delivers executor reports to the coordinator.
type Submitter interface {
	SubmitResult(ctx context.Context, result fl.ClientResult) error
	SubmitTestResult(ctx context.Context, result fl.TestResult) error
}

type Config struct {
	ID string
	// Index and Count shard the client population: an executor trains the
	// clients whose id hashes to Index modulo Count.
	Index       int
	Count       int
	Concurrency int
	// DropRate is the probability that a trained result is never reported.
	DropRate float64
	Seed     uint64
}

func (c Config) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: missing executor id", ErrInvalidConfig)
	case c.Count <= 0 || c.Index < 0 || c.Index >= c.Count:
		return fmt.Errorf("%w: executor index %d out of %d", ErrInvalidConfig, c.Index, c.Count)
	case c.DropRate < 0 || c.DropRate >= 1:
		return fmt.Errorf("%w: drop rate must be in [0, 1)", ErrInvalidConfig)
	}

	return nil
}

// Pool reacts to round-control events by training its share of the assigned
// clients and reporting their results.
type Pool struct {
	cfg       Config
	trainer   Trainer
	profiles  scheduler.ProfileSource
	submitter Submitter
	logger    *slog.Logger

	mu     sync.Mutex
	models map[int]fl.Weights
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

var _ coordinator.Broadcaster = (*Pool)(nil)

func NewPool(cfg Config, trainer Trainer, profiles scheduler.ProfileSource, submitter Submitter, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return &Pool{
		cfg:       cfg,
		trainer:   trainer,
		profiles:  profiles,
		submitter: submitter,
		logger:    logger,
		models:    make(map[int]fl.Weights),
		done:      make(chan struct{}),
	}, nil
}

// Owns reports whether client is trained by this executor.
func (p *Pool) Owns(client string) bool {
	return xxhash.Sum64String(client)%uint64(p.cfg.Count) == uint64(p.cfg.Index)
}

// Broadcast handles one event. Training and testing run in the background so
// the coordinator's collection timer starts right away.
func (p *Pool) Broadcast(ctx context.Context, event coordinator.Event) error {
	switch event.Signal {
	case fl.SignalUpdateModel:
		p.mu.Lock()
		for id, w := range event.Models {
			p.models[id] = w
		}
		p.mu.Unlock()
		p.logger.Debug("Models updated", slog.String("executor", p.cfg.ID), slog.Int("variants", len(event.Models)))
	case fl.SignalStartRound:
		p.spawn(ctx, func(ctx context.Context) {
			p.train(ctx, event)
		})
	case fl.SignalModelTest:
		p.spawn(ctx, func(ctx context.Context) {
			p.test(ctx, event)
		})
	case fl.SignalShutDown:
		p.Close()
		p.doneOnce.Do(func() {
			close(p.done)
		})
	default:
		return fmt.Errorf("unknown signal %q", event.Signal)
	}

	return nil
}

// Done is closed once the coordinator signals SHUT_DOWN.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until every dispatched training and test run has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight work and waits for it to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.ctx, p.cancel = nil, nil
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) spawn(ctx context.Context, fn func(ctx context.Context)) {
	p.mu.Lock()
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	runCtx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		fn(runCtx)
	}()
}

func (p *Pool) model(id int) (fl.Weights, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.models[id]

	return w, ok
}

func (p *Pool) train(ctx context.Context, event coordinator.Event) {
	drops := rand.New(rand.NewPCG(p.cfg.Seed, uint64(event.Round)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	trained := 0
	for _, client := range assigned(event) {
		if !p.Owns(client) {
			continue
		}
		vid := event.Assignment[client]
		dropped := drops.Float64() < p.cfg.DropRate
		trained++

		g.Go(func() error {
			model, ok := p.model(vid)
			if !ok {
				p.logger.Warn("No model for assigned variant", slog.String("client_id", client), slog.Int("variant", vid))

				return nil
			}
			result, err := p.trainClient(ctx, client, event.Round, model)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("Local training failed", slog.String("client_id", client), slog.Any("error", err))
				result = fl.ClientResult{ClientID: client, Success: false}
			}
			result.ModelID = vid
			result.Round = event.Round
			if dropped {
				p.logger.Debug("Dropping client result", slog.String("client_id", client), slog.Int("round", event.Round))

				return nil
			}
			if err := p.submitter.SubmitResult(ctx, result); err != nil {
				p.logger.Warn("Failed to submit client result",
					slog.String("client_id", client),
					slog.Int("round", event.Round),
					slog.Any("error", err),
				)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.logger.Info("Round training interrupted", slog.String("executor", p.cfg.ID), slog.Int("round", event.Round))

		return
	}
	p.logger.Debug("Round training finished",
		slog.String("executor", p.cfg.ID),
		slog.Int("round", event.Round),
		slog.Int("clients", trained),
	)
}

func (p *Pool) trainClient(ctx context.Context, client string, round int, model fl.Weights) (fl.ClientResult, error) {
	profile, err := p.profiles.Profile(client)
	if err != nil {
		return fl.ClientResult{}, err
	}

	start := time.Now()
	result, err := p.trainer.Train(ctx, profile, round, model)
	if err != nil {
		return fl.ClientResult{}, err
	}
	result.ClientID = client
	result.WallDuration = time.Since(start)

	return result, nil
}

func (p *Pool) test(ctx context.Context, event coordinator.Event) {
	for _, id := range event.Variants {
		model, ok := p.model(id)
		if !ok {
			p.logger.Warn("No model to test", slog.Int("variant", id))

			continue
		}
		result, err := p.trainer.Test(ctx, id, model)
		if err != nil {
			p.logger.Warn("Model testing failed", slog.Int("variant", id), slog.Any("error", err))

			continue
		}
		result.ClientID = p.cfg.ID
		result.ModelID = id
		if err := p.submitter.SubmitTestResult(ctx, result); err != nil {
			p.logger.Warn("Failed to submit test result", slog.Int("variant", id), slog.Any("error", err))
		}
	}
}

// assigned returns the round's clients in plan order, falling back to the
// assignment alone when the event has no plan.
func assigned(event coordinator.Event) []string {
	if event.Plan != nil {
		return event.Plan.ClientIDs()
	}
	clients := make([]string, 0, len(event.Assignment))
	for c := range event.Assignment {
		clients = append(clients, c)
	}
	sort.Strings(clients)

	return clients
}
