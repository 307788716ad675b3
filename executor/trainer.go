package executor

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/cespare/xxhash/v2"
)

const (
	defaultLearningRate = 0.2
	defaultNoise        = 0.01
	defaultTestLen      = 1000
)

// SimulatedTrainer stands in for local SGD. Every parameter descends towards a
// fixed target, so the loss of a variant decays geometrically until client
// noise dominates. Outputs are deterministic per seed, client and round.
type SimulatedTrainer struct {
	seed         uint64
	learningRate float64
	noise        float64
	testLen      int
}

func NewSimulatedTrainer(seed uint64) *SimulatedTrainer {
	return &SimulatedTrainer{
		seed:         seed,
		learningRate: defaultLearningRate,
		noise:        defaultNoise,
		testLen:      defaultTestLen,
	}
}

func (s *SimulatedTrainer) Train(ctx context.Context, profile fl.ClientProfile, round int, model fl.Weights) (fl.ClientResult, error) {
	if err := ctx.Err(); err != nil {
		return fl.ClientResult{}, err
	}
	rng := rand.New(rand.NewPCG(s.seed^xxhash.Sum64String(profile.ClientID), uint64(round)))

	steps := max(1, profile.LocalSteps)
	decay := math.Pow(1-s.learningRate, float64(steps))

	update := make(fl.Weights, len(model))
	gradSum := make(map[string]float64)
	gradN := make(map[string]int)
	var sq float64
	var n int
	for _, name := range model.Names() {
		layer := fl.LayerOf(name)
		t := model[name]
		out := make(fl.Tensor, len(t))
		for i, w := range t {
			target := targetOf(name, i)
			gradSum[layer] += math.Abs(w - target)
			gradN[layer]++

			out[i] = target + (w-target)*decay + rng.NormFloat64()*s.noise
			d := out[i] - target
			sq += d * d
			n++
		}
		update[name] = out
	}

	gradients := make(map[string]float64, len(gradSum))
	for l, sum := range gradSum {
		gradients[l] = sum / float64(gradN[l])
	}
	loss := sq / float64(max(1, n))
	trained := max(1, profile.BatchSize) * steps

	return fl.ClientResult{
		ClientID:     profile.ClientID,
		UpdateWeight: update,
		Gradient:     gradients,
		MovingLoss:   loss,
		Utility:      float64(trained) * loss,
		Success:      true,
		TrainedSize:  trained,
	}, nil
}

// Test reports sample counts: Top1 and Top5 are numbers of correct samples
// and TestLoss is summed over TestLen samples.
func (s *SimulatedTrainer) Test(ctx context.Context, variantID int, model fl.Weights) (fl.TestResult, error) {
	if err := ctx.Err(); err != nil {
		return fl.TestResult{}, err
	}

	var sq float64
	var n int
	for name, t := range model {
		for i, w := range t {
			d := w - targetOf(name, i)
			sq += d * d
			n++
		}
	}
	loss := sq / float64(max(1, n))
	samples := float64(s.testLen)

	return fl.TestResult{
		ModelID:  variantID,
		Top1:     math.Round(samples / (1 + 10*loss)),
		Top5:     math.Round(samples / (1 + 2*loss)),
		TestLoss: loss * samples,
		TestLen:  s.testLen,
	}, nil
}

func targetOf(param string, i int) float64 {
	return 0.5 * math.Sin(float64(i+1)+float64(len(param)))
}
