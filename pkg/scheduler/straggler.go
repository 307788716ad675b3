package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/evofed/pkg/fl"
)

// Straggler selects the fastest predicted clients out of an over-committed
// sample and marks the rest as stragglers.
type Straggler struct {
	profiles ProfileSource
	cost     CostModel
	liveness LivenessOracle
}

func NewStraggler(profiles ProfileSource, cost CostModel, liveness LivenessOracle) *Straggler {
	return &Straggler{
		profiles: profiles,
		cost:     cost,
		liveness: liveness,
	}
}

// Plan predicts the completion time of every sampled client at the given
// virtual clock and accepts the want fastest online ones. Ties keep sampled
// order. Stragglers are listed in sampled order.
func (s *Straggler) Plan(ctx context.Context, round int, sampled []string, want int, clock time.Duration, w Workload) (fl.RoundPlan, error) {
	if want <= 0 {
		return fl.RoundPlan{}, fmt.Errorf("%w: %d", ErrInvalidTarget, want)
	}

	plan := fl.RoundPlan{
		Round: round,
		Costs: make(map[string]fl.Cost, len(sampled)),
	}
	candidates := make([]fl.PlannedClient, 0, len(sampled))
	for _, id := range sampled {
		if err := ctx.Err(); err != nil {
			return fl.RoundPlan{}, err
		}
		profile, err := s.profiles.Profile(id)
		if err != nil {
			return fl.RoundPlan{}, fmt.Errorf("%w: %s: %w", ErrUnknownProfile, id, err)
		}
		cost, err := s.cost.Predict(profile, w)
		if err != nil {
			return fl.RoundPlan{}, fmt.Errorf("failed to predict cost of client %s: %w", id, err)
		}
		if !s.liveness.IsActive(id, clock+cost.Total()) {
			plan.Offline = append(plan.Offline, id)

			continue
		}
		plan.Costs[id] = cost
		candidates = append(candidates, fl.PlannedClient{ClientID: id, Duration: cost.Total()})
	}

	if len(candidates) == 0 {
		return plan, ErrSelectionEmpty
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Duration < candidates[j].Duration
	})

	n := min(want, len(candidates))
	plan.Participants = candidates[:n]
	plan.RoundDuration = candidates[n-1].Duration

	accepted := make(map[string]struct{}, n)
	for _, c := range plan.Participants {
		accepted[c.ClientID] = struct{}{}
	}
	for _, id := range sampled {
		if _, ok := plan.Costs[id]; !ok {
			continue
		}
		if _, ok := accepted[id]; !ok {
			plan.Stragglers = append(plan.Stragglers, id)
		}
	}

	return plan, nil
}
