package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/absmach/evofed/pkg/fl"
)

type evalRound struct {
	round    int
	expected int
	variants map[int][]fl.TestResult
	reported map[string]struct{}
	count    int
	done     chan struct{}
}

func newEvalRound(round, testers int, variants []int) *evalRound {
	e := &evalRound{
		round:    round,
		expected: testers * len(variants),
		variants: make(map[int][]fl.TestResult, len(variants)),
		reported: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, id := range variants {
		e.variants[id] = nil
	}
	if e.expected <= 0 {
		close(e.done)
	}

	return e
}

func (e *evalRound) add(r fl.TestResult) error {
	results, ok := e.variants[r.ModelID]
	if !ok {
		return fmt.Errorf("%w: %d", fl.ErrUnknownVariant, r.ModelID)
	}
	key := fmt.Sprintf("%s/%d", r.ClientID, r.ModelID)
	if _, ok := e.reported[key]; ok {
		return fmt.Errorf("%w: test of variant %d by %s", fl.ErrDuplicateSubmission, r.ModelID, r.ClientID)
	}
	if e.count >= e.expected {
		return fmt.Errorf("%w: evaluation of round %d", fl.ErrOverflowSubmission, e.round)
	}

	e.reported[key] = struct{}{}
	e.variants[r.ModelID] = append(results, r)
	e.count++
	if e.count == e.expected {
		close(e.done)
	}

	return nil
}

// result sums the per-tester counts: accuracy is the share of correct
// samples in percent and the loss is averaged per sample.
func (e *evalRound) result(clock time.Duration) Evaluation {
	eval := Evaluation{
		Round:        e.round,
		VirtualClock: clock,
		Complete:     e.count >= e.expected,
	}
	ids := make([]int, 0, len(e.variants))
	for id := range e.variants {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		results := e.variants[id]
		ve := VariantEvaluation{VariantID: id, Testers: len(results)}
		var top1, top5, loss float64
		for _, r := range results {
			top1 += r.Top1
			top5 += r.Top5
			loss += r.TestLoss
			ve.TestLen += r.TestLen
		}
		if ve.TestLen > 0 {
			n := float64(ve.TestLen)
			ve.Top1 = top1 / n * 100
			ve.Top5 = top5 / n * 100
			ve.TestLoss = loss / n
		}
		eval.Variants = append(eval.Variants, ve)
	}

	return eval
}

// evaluate broadcasts MODEL_TEST and waits for every tester or the timeout.
func (svc *service) evaluate(ctx context.Context, round int, clock time.Duration) {
	variants := make([]int, 0, svc.population.Len())
	for _, v := range svc.population.All() {
		variants = append(variants, v.ID())
	}

	e := newEvalRound(round, svc.cfg.Testers, variants)
	svc.evalMu.Lock()
	svc.eval = e
	svc.evalMu.Unlock()

	svc.setState(StateEvaluating)
	svc.broadcast(ctx, Event{
		Signal:   fl.SignalModelTest,
		Round:    round,
		Variants: variants,
	})

	timer := time.NewTimer(svc.cfg.EvalTimeout)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	svc.evalMu.Lock()
	eval := e.result(clock)
	svc.eval = nil
	svc.evalMu.Unlock()

	for _, ve := range eval.Variants {
		svc.logger.Info("Model testing completed",
			slog.Int("round", round),
			slog.Int("variant", ve.VariantID),
			slog.String("virtual_clock", clock.String()),
			slog.Float64("top_1", ve.Top1),
			slog.Float64("top_5", ve.Top5),
			slog.Float64("test_loss", ve.TestLoss),
			slog.Int("test_len", ve.TestLen),
		)
	}
	if !eval.Complete {
		svc.logger.Warn("Evaluation timed out", slog.Int("round", round), slog.Int("testers", svc.cfg.Testers))
	}

	if err := svc.evaluations.Upsert(context.WithoutCancel(ctx), evalKey(round), eval); err != nil {
		svc.logger.Warn("Failed to store evaluation", slog.Int("round", round), slog.Any("error", err))
	}
}

func evalKey(round int) string {
	return fmt.Sprintf("eval-%08d", round)
}
