package fl

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

const AggregateNormal = "normal"

// Aggregator folds client updates into a running sum and averages it.
type Aggregator interface {
	// Accumulate adds update into sum. A nil sum is initialized from update.
	Accumulate(sum, update Weights) Weights
	// Average divides the running sum by the number of contributions.
	Average(sum Weights, n int) Weights
}

func NewAggregator(mode string) (Aggregator, error) {
	switch mode {
	case AggregateNormal, "":
		return NewFedAvgAggregator(), nil
	default:
		return nil, fmt.Errorf("%w: aggregate mode %q", ErrUnknownStrategy, mode)
	}
}

// FedAvgAggregator computes an unweighted arithmetic mean of client weights.
type FedAvgAggregator struct{}

func NewFedAvgAggregator() Aggregator {
	return &FedAvgAggregator{}
}

func (f *FedAvgAggregator) Accumulate(sum, update Weights) Weights {
	if sum == nil {
		return update.Clone()
	}
	for name, t := range update {
		floats.Add(sum[name], t)
	}

	return sum
}

func (f *FedAvgAggregator) Average(sum Weights, n int) Weights {
	if n <= 0 {
		return sum
	}
	c := 1 / float64(n)
	for _, t := range sum {
		floats.Scale(c, t)
	}

	return sum
}

// Accumulator routes concurrently arriving client results to the per-variant
// aggregation state. Results for different variants never contend.
type Accumulator struct {
	population *Population
	aggregator Aggregator
}

func NewAccumulator(population *Population, aggregator Aggregator) *Accumulator {
	return &Accumulator{
		population: population,
		aggregator: aggregator,
	}
}

// BeginRound arms every variant with the clients assigned to it this round.
func (a *Accumulator) BeginRound(assignment Assignment) error {
	variants := a.population.All()
	if len(assignment.TasksPerVariant) != len(variants) {
		return fmt.Errorf("assignment covers %d variants, population has %d", len(assignment.TasksPerVariant), len(variants))
	}
	for _, v := range variants {
		clients := assignment.ClientsOf(v.ID())
		if len(clients) != assignment.TasksPerVariant[v.ID()] {
			return fmt.Errorf("variant %d: %d clients assigned, %d tasks expected", v.ID(), len(clients), assignment.TasksPerVariant[v.ID()])
		}
		v.begin(clients)
	}

	return nil
}

// Submit folds one client result into its variant. It reports whether the
// result completed that variant's round.
func (a *Accumulator) Submit(result ClientResult) (bool, error) {
	v, err := a.population.Get(result.ModelID)
	if err != nil {
		return false, err
	}

	return v.fold(result, a.aggregator)
}

// FinalizeAll closes every still-collecting variant over the contributions it
// has, returning the ids of variants that were forced.
func (a *Accumulator) FinalizeAll() []int {
	var forced []int
	for _, v := range a.population.All() {
		if v.forceFinalize(a.aggregator) {
			forced = append(forced, v.ID())
		}
	}

	return forced
}
