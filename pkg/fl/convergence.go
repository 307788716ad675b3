package fl

import (
	"fmt"
	"math"
)

const (
	CriterionConverge = "converge"
	CriterionNever    = "never"
)

// ConvergenceTest decides whether a loss history has stabilized.
type ConvergenceTest interface {
	Converged(loss []float64) bool
}

func NewConvergenceTest(criterion string, m, n int, c float64) (ConvergenceTest, error) {
	switch criterion {
	case CriterionConverge:
		if m <= 0 || n <= 0 {
			return nil, fmt.Errorf("converge criterion needs positive M and N, got M=%d N=%d", m, n)
		}

		return SlopeConvergence{M: m, N: n, C: c}, nil
	case CriterionNever, "":
		return neverConverge{}, nil
	default:
		return nil, fmt.Errorf("%w: transform criterion %q", ErrUnknownStrategy, criterion)
	}
}

// SlopeConvergence fires once the mean absolute loss slope over a window of M
// rounds, sampled at N consecutive offsets, drops strictly below C.
type SlopeConvergence struct {
	M int
	N int
	C float64
}

func (s SlopeConvergence) Converged(loss []float64) bool {
	slope, ok := AverageSlope(loss, s.M, s.N)
	if !ok {
		return false
	}

	return slope < s.C
}

// AverageSlope returns the mean of |loss[-1-i] - loss[-1-i-m]| / m for
// i in [0, n). ok is false when fewer than m+n losses are recorded.
func AverageSlope(loss []float64, m, n int) (slope float64, ok bool) {
	if m <= 0 || n <= 0 || len(loss) < m+n {
		return 0, false
	}
	last := len(loss) - 1
	for i := range n {
		slope += math.Abs(loss[last-i]-loss[last-i-m]) / float64(m)
	}

	return slope / float64(n), true
}

type neverConverge struct{}

func (neverConverge) Converged([]float64) bool {
	return false
}
