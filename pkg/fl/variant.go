package fl

import (
	"fmt"
	"math"
	"sync"
)

// Variant is one live member of the model population. Its weights and
// gradients are mutated only by the Accumulator while a round is collecting.
type Variant struct {
	mu sync.Mutex

	id           int
	createdRound int
	parentID     int

	weights     Weights
	lastWeights Weights
	gradients   map[string]float64
	gradHistory map[string][]float64
	lossHistory []float64

	sumWeights   Weights
	sumGradients map[string]float64

	tasksRound  int
	inUpdate    int
	contributed int
	expected    map[string]struct{}
	reported    map[string]struct{}
	finalized   bool
	done        chan struct{}
}

func newVariant(id, createdRound, parentID int, weights Weights) *Variant {
	done := make(chan struct{})
	close(done)

	return &Variant{
		id:           id,
		createdRound: createdRound,
		parentID:     parentID,
		weights:      weights,
		gradients:    make(map[string]float64),
		gradHistory:  make(map[string][]float64),
		finalized:    true,
		done:         done,
	}
}

func restoreVariant(s VariantSnapshot) *Variant {
	v := newVariant(s.ID, s.CreatedRound, s.ParentID, s.Weights.Clone())
	v.lastWeights = s.LastWeights.Clone()
	for l, g := range s.Gradients {
		v.gradients[l] = g
	}
	for l, h := range s.GradientHistory {
		v.gradHistory[l] = append([]float64(nil), h...)
	}
	v.lossHistory = append([]float64(nil), s.LossHistory...)

	return v
}

func (v *Variant) ID() int {
	return v.id
}

// Done is closed once the variant's round aggregation is finalized.
func (v *Variant) Done() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.done
}

func (v *Variant) Complete() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.finalized
}

// Counts returns tasksRound, inUpdate and the number of accepted contributions.
func (v *Variant) Counts() (tasks, inUpdate, contributed int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.tasksRound, v.inUpdate, v.contributed
}

func (v *Variant) Weights() Weights {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.weights.Clone()
}

// SizeKbits is the serialized size of the current weights.
func (v *Variant) SizeKbits() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.weights.SizeKbits()
}

func (v *Variant) Gradients() map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[string]float64, len(v.gradients))
	for l, g := range v.gradients {
		out[l] = g
	}

	return out
}

func (v *Variant) LossHistory() []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]float64(nil), v.lossHistory...)
}

func (v *Variant) Snapshot() VariantSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	grads := make(map[string]float64, len(v.gradients))
	for l, g := range v.gradients {
		grads[l] = g
	}
	hist := make(map[string][]float64, len(v.gradHistory))
	for l, h := range v.gradHistory {
		hist[l] = append([]float64(nil), h...)
	}

	return VariantSnapshot{
		ID:              v.id,
		Weights:         v.weights.Clone(),
		LastWeights:     v.lastWeights.Clone(),
		Gradients:       grads,
		GradientHistory: hist,
		TasksRound:      v.tasksRound,
		InUpdate:        v.inUpdate,
		Contributed:     v.contributed,
		LossHistory:     append([]float64(nil), v.lossHistory...),
		CreatedRound:    v.createdRound,
		ParentID:        v.parentID,
	}
}

// RecordLoss appends the round-average training loss.
func (v *Variant) RecordLoss(loss float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lossHistory = append(v.lossHistory, loss)
}

// SaveLastParams keeps a copy of the current weights for rollback and inspection.
func (v *Variant) SaveLastParams() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.lastWeights = v.weights.Clone()
}

// begin arms the variant for a new round expecting one result from each client.
func (v *Variant) begin(clients []string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.tasksRound = len(clients)
	v.inUpdate = 0
	v.contributed = 0
	v.sumWeights = nil
	v.sumGradients = nil
	v.expected = make(map[string]struct{}, len(clients))
	for _, c := range clients {
		v.expected[c] = struct{}{}
	}
	v.reported = make(map[string]struct{}, len(clients))
	v.done = make(chan struct{})
	v.finalized = false
	if v.tasksRound == 0 {
		v.finalized = true
		close(v.done)
	}
}

// fold applies one client result. It reports whether this result completed
// the variant's round. A malformed or unsuccessful result resolves the
// client's task without contributing to the average.
func (v *Variant) fold(r ClientResult, agg Aggregator) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.reported[r.ClientID]; ok {
		return false, fmt.Errorf("%w: client %s, variant %d", ErrDuplicateSubmission, r.ClientID, v.id)
	}
	if v.finalized || v.inUpdate >= v.tasksRound {
		return false, fmt.Errorf("%w: variant %d (%d/%d)", ErrOverflowSubmission, v.id, v.inUpdate, v.tasksRound)
	}
	if _, ok := v.expected[r.ClientID]; !ok {
		return false, fmt.Errorf("%w: client %s, variant %d", ErrUnexpectedClient, r.ClientID, v.id)
	}

	v.reported[r.ClientID] = struct{}{}
	var invalid error
	if r.Success {
		invalid = v.validate(r)
	}
	v.inUpdate++

	if invalid == nil && r.Success {
		v.sumWeights = agg.Accumulate(v.sumWeights, r.UpdateWeight)
		if v.sumGradients == nil {
			v.sumGradients = make(map[string]float64, len(r.Gradient))
		}
		for l, g := range r.Gradient {
			v.sumGradients[l] += g
		}
		v.contributed++
	}

	completed := false
	if v.inUpdate == v.tasksRound {
		v.finalizeLocked(agg)
		completed = true
	}

	return completed, invalid
}

// forceFinalize closes an incomplete round over the contributions received.
// It reports whether anything was outstanding.
func (v *Variant) forceFinalize(agg Aggregator) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.finalized {
		return false
	}
	v.finalizeLocked(agg)

	return true
}

func (v *Variant) finalizeLocked(agg Aggregator) {
	if v.contributed > 0 {
		v.weights = agg.Average(v.sumWeights, v.contributed)
		n := float64(v.contributed)
		for l, sum := range v.sumGradients {
			avg := sum / n
			v.gradients[l] = avg
			v.gradHistory[l] = append(v.gradHistory[l], avg)
		}
	}
	v.sumWeights = nil
	v.sumGradients = nil
	v.finalized = true
	close(v.done)
}

func (v *Variant) validate(r ClientResult) error {
	if len(r.UpdateWeight) == 0 {
		return fmt.Errorf("%w: empty update from client %s", ErrMalformedResult, r.ClientID)
	}
	if len(r.UpdateWeight) != len(v.weights) {
		return fmt.Errorf("%w: client %s sent %d parameters, variant %d has %d", ErrMalformedResult, r.ClientID, len(r.UpdateWeight), v.id, len(v.weights))
	}
	for name, t := range r.UpdateWeight {
		w, ok := v.weights[name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrMalformedResult, name)
		}
		if len(t) != len(w) {
			return fmt.Errorf("%w: parameter %q has %d values, expected %d", ErrMalformedResult, name, len(t), len(w))
		}
	}
	if !r.UpdateWeight.Finite() {
		return fmt.Errorf("%w: non-finite weights from client %s", ErrMalformedResult, r.ClientID)
	}
	for l, g := range r.Gradient {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return fmt.Errorf("%w: non-finite gradient for layer %q", ErrMalformedResult, l)
		}
	}

	return nil
}
