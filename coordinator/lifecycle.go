package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/participant"
	"github.com/absmach/evofed/pkg/scheduler"
)

func (svc *service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-svc.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	svc.logger.Info("Round lifecycle started",
		slog.Int("round", svc.currentRound()),
		slog.Int("variants", svc.population.Len()),
	)

	if svc.currentRound() >= svc.cfg.Rounds {
		svc.shutdown(ctx)

		return nil
	}
	svc.broadcast(ctx, svc.updateModelEvent(svc.currentRound()))

	for {
		summary := svc.playRound(ctx)
		if ctx.Err() != nil {
			return svc.interrupted(ctx)
		}
		if done := svc.advance(ctx, summary); done {
			return nil
		}
		if ctx.Err() != nil {
			return svc.interrupted(ctx)
		}
	}
}

func (svc *service) interrupted(ctx context.Context) error {
	svc.shutdown(context.WithoutCancel(ctx))

	select {
	case <-svc.stop:
		return nil
	default:
		return ctx.Err()
	}
}

// playRound runs one round from selection up to, not including, advancing.
func (svc *service) playRound(ctx context.Context) RoundSummary {
	round := svc.currentRound()
	summary := RoundSummary{
		Round:     round,
		StartedAt: time.Now(),
	}

	plan, err := svc.selectParticipants(ctx, round)
	summary.Participants = plan.ClientIDs()
	summary.Stragglers = plan.Stragglers
	summary.Offline = plan.Offline
	summary.RoundDuration = plan.RoundDuration
	summary.LocalTimes = plan.Costs
	if err != nil {
		summary.Aborted = true
		svc.logger.Warn("Round aborted without aggregation",
			slog.Int("round", round),
			slog.Int("offline", len(plan.Offline)),
			slog.Any("error", err),
		)

		return summary
	}

	svc.setState(StateDispatched)
	svc.broadcast(ctx, Event{
		Signal:     fl.SignalStartRound,
		Round:      round,
		Plan:       &plan,
		Assignment: svc.currentAssignment(),
	})

	svc.setState(StateCollecting)
	timedOut := svc.collect(ctx)
	if ctx.Err() != nil {
		return summary
	}

	svc.finalize(ctx, &summary, timedOut)
	svc.transform(ctx, &summary)

	return summary
}

// selectParticipants samples, plans and assigns the round, then arms every
// variant. An empty selection is retried once with twice the overcommitment.
func (svc *service) selectParticipants(ctx context.Context, round int) (fl.RoundPlan, error) {
	svc.setState(StateSelecting)

	svc.mu.RLock()
	clock := svc.clock
	svc.mu.RUnlock()

	want := svc.cfg.NumParticipants
	workload := scheduler.Workload{ModelSizeKbits: svc.population.Latest().SizeKbits()}

	var plan fl.RoundPlan
	var err error
	for attempt, oc := range []float64{svc.cfg.Overcommitment, 2 * svc.cfg.Overcommitment} {
		var sampled []string
		sampled, err = svc.selector.Sample(ctx, int(math.Ceil(float64(want)*oc)), round)
		if err != nil {
			return fl.RoundPlan{Round: round}, fmt.Errorf("failed to sample clients: %w", err)
		}
		plan, err = svc.planner.Plan(ctx, round, sampled, want, clock, workload)
		if !errors.Is(err, scheduler.ErrSelectionEmpty) {
			break
		}
		if attempt == 0 {
			svc.logger.Warn("No live participants, retrying with doubled overcommitment",
				slog.Int("round", round),
				slog.Int("sampled", len(sampled)),
			)
		}
	}
	if err != nil {
		svc.setPlan(fl.RoundPlan{Round: round, Offline: plan.Offline}, fl.Assignment{})

		return plan, err
	}

	assignment, err := svc.assigner.Assign(plan.ClientIDs(), svc.population.Len(), round)
	if err != nil {
		svc.setPlan(fl.RoundPlan{Round: round}, fl.Assignment{})

		return plan, fmt.Errorf("failed to assign variants: %w", err)
	}

	svc.mu.Lock()
	svc.plan = plan
	svc.assignment = assignment
	svc.startedAt = time.Now()
	svc.reportsMu.Lock()
	svc.reports = make(map[string]report, len(plan.Participants))
	svc.reportsMu.Unlock()
	err = svc.accumulator.BeginRound(assignment)
	svc.mu.Unlock()
	if err != nil {
		return plan, err
	}

	svc.logger.Info("Participants selected",
		slog.Int("round", round),
		slog.Int("participants", len(plan.Participants)),
		slog.Int("stragglers", len(plan.Stragglers)),
		slog.Int("offline", len(plan.Offline)),
		slog.Any("tasks_per_variant", assignment.TasksPerVariant),
		slog.String("round_duration", plan.RoundDuration.String()),
	)

	return plan, nil
}

// collect blocks until every variant of the round is complete, the round
// timeout fires or ctx is done. It reports whether the timeout fired.
func (svc *service) collect(ctx context.Context) bool {
	timer := time.NewTimer(svc.cfg.RoundTimeout)
	defer timer.Stop()

	for _, v := range svc.population.All() {
		select {
		case <-v.Done():
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		}
	}

	return false
}

func (svc *service) finalize(ctx context.Context, summary *RoundSummary, timedOut bool) {
	svc.mu.Lock()
	svc.state = StateFinalizing
	forced := svc.accumulator.FinalizeAll()
	plan := svc.plan
	svc.clock += plan.RoundDuration
	svc.reportsMu.Lock()
	reports := svc.reports
	svc.reports = make(map[string]report)
	svc.reportsMu.Unlock()
	svc.mu.Unlock()

	round := summary.Round
	summary.Forced = forced
	summary.Reported = len(reports)
	if timedOut {
		svc.logger.Warn("Round timed out, finalizing over received results",
			slog.Int("round", round),
			slog.Int("reported", len(reports)),
			slog.Int("planned", len(plan.Participants)),
			slog.Any("forced_variants", forced),
		)
	}

	lossSum := make(map[int]float64)
	lossCount := make(map[int]int)
	utilSum := 0.0
	for _, r := range reports {
		utilSum += r.utility
		if r.contributed {
			lossSum[r.modelID] += r.loss
			lossCount[r.modelID]++
		}
	}
	avgUtility := utilSum / float64(max(1, len(reports)))
	summary.AvgUtility = avgUtility

	summary.AvgLoss = make(map[int]float64, len(lossCount))
	for id, n := range lossCount {
		v, err := svc.population.Get(id)
		if err != nil {
			continue
		}
		avg := lossSum[id] / float64(n)
		v.RecordLoss(avg)
		summary.AvgLoss[id] = avg
	}

	for _, c := range plan.Participants {
		fb := participant.Feedback{
			ClientID: c.ClientID,
			Round:    round,
			Utility:  avgUtility,
			Duration: c.Duration,
		}
		if r, ok := reports[c.ClientID]; ok {
			fb.Utility = r.utility
			fb.Loss = r.loss
			fb.Success = r.contributed
		}
		svc.registerFeedback(ctx, fb)
	}
	for _, id := range plan.Stragglers {
		svc.registerFeedback(ctx, participant.Feedback{
			ClientID: id,
			Round:    round,
			Utility:  avgUtility,
			Duration: plan.Costs[id].Total(),
		})
	}

	for _, v := range svc.population.All() {
		if _, _, contributed := v.Counts(); contributed > 0 {
			ranking := fl.RankLayers(v.ID(), round, v.Gradients())
			summary.Rankings = append(summary.Rankings, ranking)
			svc.mu.Lock()
			svc.rankings[v.ID()] = append(svc.rankings[v.ID()], ranking)
			svc.mu.Unlock()
		}
		v.SaveLastParams()
	}
}

func (svc *service) registerFeedback(ctx context.Context, fb participant.Feedback) {
	if err := svc.selector.RegisterFeedback(ctx, fb); err != nil {
		svc.logger.Warn("Failed to register client feedback",
			slog.String("client_id", fb.ClientID),
			slog.Any("error", err),
		)
	}
}

// transform grows the latest variant once its loss has converged. Failures
// are logged and never stop the round.
func (svc *service) transform(ctx context.Context, summary *RoundSummary) {
	latest := svc.population.Latest()
	if !svc.convergence.Converged(latest.LossHistory()) {
		return
	}
	if svc.cfg.MaxVariants > 0 && svc.population.Len() >= svc.cfg.MaxVariants {
		svc.logger.Info("Loss converged but the population is full",
			slog.Int("variant", latest.ID()),
			slog.Int("max_variants", svc.cfg.MaxVariants),
		)

		return
	}

	svc.setState(StateTransforming)
	ranking := fl.RankLayers(latest.ID(), summary.Round, latest.Gradients())
	active, err := fl.SelectActiveLayers(ranking, svc.cfg.LayerAlpha)
	if err != nil {
		svc.logger.Error("Failed to select active layers", slog.Int("variant", latest.ID()), slog.Any("error", err))

		return
	}

	grown, err := svc.transformer.MaybeTransform(ctx, latest, active, summary.Round)
	if err != nil {
		svc.logger.Error("Model transformation failed",
			slog.Int("variant", latest.ID()),
			slog.Any("active_layers", active),
			slog.Any("error", err),
		)

		return
	}
	if grown == nil {
		return
	}

	id := grown.ID()
	summary.NewVariant = &id
	svc.logger.Info("Model transformed",
		slog.Int("round", summary.Round),
		slog.Int("parent", latest.ID()),
		slog.Int("variant", id),
		slog.Any("active_layers", active),
	)
}

// advance closes the round and issues the next broadcast. It reports whether
// the experiment is over.
func (svc *service) advance(ctx context.Context, summary RoundSummary) bool {
	svc.mu.Lock()
	svc.state = StateAdvancing
	svc.round++
	round := svc.round
	clock := svc.clock
	plan := svc.plan
	svc.mu.Unlock()

	summary.VirtualClock = clock
	summary.FinishedAt = time.Now()
	if err := svc.rounds.Upsert(ctx, roundKey(summary.Round), summary); err != nil {
		svc.logger.Warn("Failed to store round summary", slog.Int("round", summary.Round), slog.Any("error", err))
	}

	svc.logger.Info("Round completed",
		slog.Int("round", summary.Round),
		slog.String("virtual_clock", clock.String()),
		slog.Int("planned", len(summary.Participants)),
		slog.Int("reported", summary.Reported),
		slog.Any("training_loss", summary.AvgLoss),
	)

	if svc.checkpoints != nil {
		cp := fl.Checkpoint{
			Round:        round,
			VirtualClock: clock,
			Variants:     svc.population.Snapshots(),
			LastPlan:     plan,
			SavedAt:      time.Now(),
		}
		if err := svc.checkpoints.Save(cp); err != nil {
			svc.logger.Warn("Failed to save checkpoint", slog.Int("round", round), slog.Any("error", err))
		}
	}

	if round >= svc.cfg.Rounds {
		svc.shutdown(ctx)

		return true
	}

	svc.broadcast(ctx, svc.updateModelEvent(round))
	if svc.cfg.EvalInterval > 0 && round%svc.cfg.EvalInterval == 0 {
		svc.evaluate(ctx, round, clock)
	}

	return false
}

func (svc *service) shutdown(ctx context.Context) {
	svc.setState(StateShutdown)
	svc.broadcast(ctx, Event{Signal: fl.SignalShutDown, Round: svc.currentRound()})
	svc.logger.Info("Round lifecycle stopped", slog.Int("round", svc.currentRound()))
}

func (svc *service) updateModelEvent(round int) Event {
	variants := svc.population.All()
	models := make(map[int]fl.Weights, len(variants))
	for _, v := range variants {
		models[v.ID()] = v.Weights()
	}

	return Event{
		Signal: fl.SignalUpdateModel,
		Round:  round,
		Models: models,
	}
}

func (svc *service) broadcast(ctx context.Context, event Event) {
	if err := svc.broadcaster.Broadcast(ctx, event); err != nil {
		svc.logger.Warn("Failed to broadcast event",
			slog.String("signal", string(event.Signal)),
			slog.Int("round", event.Round),
			slog.Any("error", err),
		)
	}
}

func (svc *service) currentRound() int {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	return svc.round
}

func (svc *service) currentAssignment() map[string]int {
	svc.mu.RLock()
	defer svc.mu.RUnlock()

	out := make(map[string]int, len(svc.assignment.ByClient))
	for c, v := range svc.assignment.ByClient {
		out[c] = v
	}

	return out
}

func (svc *service) setState(s State) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.state = s
}

func (svc *service) setPlan(plan fl.RoundPlan, assignment fl.Assignment) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.plan = plan
	svc.assignment = assignment
}

func roundKey(round int) string {
	return fmt.Sprintf("round-%08d", round)
}
