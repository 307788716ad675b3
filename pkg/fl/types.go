package fl

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Signal is a round-control message broadcast to every executor.
type Signal string

const (
	SignalUpdateModel Signal = "UPDATE_MODEL"
	SignalStartRound  Signal = "START_ROUND"
	SignalModelTest   Signal = "MODEL_TEST"
	SignalShutDown    Signal = "SHUT_DOWN"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalUpdateModel, SignalStartRound, SignalModelTest, SignalShutDown:
		return true
	default:
		return false
	}
}

// Tensor is a flattened parameter tensor.
type Tensor []float64

// Weights maps parameter names (e.g. "conv1.weight") to tensor values.
type Weights map[string]Tensor

func (w Weights) Clone() Weights {
	if w == nil {
		return nil
	}
	out := make(Weights, len(w))
	for name, t := range w {
		out[name] = append(Tensor(nil), t...)
	}

	return out
}

// Names returns the parameter names in lexical order.
func (w Weights) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// NumParams is the total number of scalar parameters.
func (w Weights) NumParams() int {
	n := 0
	for _, t := range w {
		n += len(t)
	}

	return n
}

// SizeKbits is the serialized size of the weights assuming 32-bit floats.
func (w Weights) SizeKbits() float64 {
	return float64(w.NumParams()) * 32 / 1024
}

// Layers returns the distinct layer names of the parameters, in lexical order.
func (w Weights) Layers() []string {
	seen := make(map[string]struct{})
	for name := range w {
		seen[LayerOf(name)] = struct{}{}
	}
	layers := make([]string, 0, len(seen))
	for l := range seen {
		layers = append(layers, l)
	}
	sort.Strings(layers)

	return layers
}

// Finite reports whether every value of every tensor is a finite number.
func (w Weights) Finite() bool {
	for _, t := range w {
		for _, v := range t {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}

	return true
}

// LayerOf strips the trailing parameter kind from a parameter name:
// "features.0.weight" belongs to layer "features.0".
func LayerOf(param string) string {
	if i := strings.LastIndex(param, "."); i > 0 {
		return param[:i]
	}

	return param
}

type ClientProfile struct {
	ClientID    string `json:"client_id"`
	BatchSize   int    `json:"batch_size"`
	LocalSteps  int    `json:"local_steps"`
	DeviceClass string `json:"device_class"`
}

// Cost is a predicted completion time split into its two phases.
type Cost struct {
	Computation   time.Duration `json:"computation"`
	Communication time.Duration `json:"communication"`
}

func (c Cost) Total() time.Duration {
	return c.Computation + c.Communication
}

type PlannedClient struct {
	ClientID string        `json:"client_id"`
	Duration time.Duration `json:"duration"`
}

// RoundPlan is the outcome of straggler-aware client selection for one round.
// Participants are ordered by ascending predicted duration.
type RoundPlan struct {
	Round         int             `json:"round"`
	Participants  []PlannedClient `json:"participants"`
	Stragglers    []string        `json:"stragglers"`
	Offline       []string        `json:"offline,omitempty"`
	Costs         map[string]Cost `json:"costs"`
	RoundDuration time.Duration   `json:"round_duration"`
}

func (p RoundPlan) ClientIDs() []string {
	ids := make([]string, len(p.Participants))
	for i, c := range p.Participants {
		ids[i] = c.ClientID
	}

	return ids
}

// Assignment maps every participating client to a variant id for one round.
type Assignment struct {
	ByClient        map[string]int `json:"by_client"`
	TasksPerVariant []int          `json:"tasks_per_variant"`
}

// ClientsOf returns the clients assigned to variant id.
func (a Assignment) ClientsOf(id int) []string {
	var clients []string
	for c, v := range a.ByClient {
		if v == id {
			clients = append(clients, c)
		}
	}
	sort.Strings(clients)

	return clients
}

// ClientResult is one client's report for one round. A zero Round means the
// round currently collecting.
type ClientResult struct {
	ClientID     string             `json:"client_id" cbor:"client_id"`
	ModelID      int                `json:"model_id" cbor:"model_id"`
	Round        int                `json:"round,omitempty" cbor:"round,omitempty"`
	UpdateWeight Weights            `json:"update_weight" cbor:"update_weight"`
	Gradient     map[string]float64 `json:"gradient" cbor:"gradient"`
	MovingLoss   float64            `json:"moving_loss" cbor:"moving_loss"`
	Utility      float64            `json:"utility" cbor:"utility"`
	Success      bool               `json:"success" cbor:"success"`
	TrainedSize  int                `json:"trained_size,omitempty" cbor:"trained_size,omitempty"`
	WallDuration time.Duration      `json:"wall_duration,omitempty" cbor:"wall_duration,omitempty"`
	ReceivedAt   time.Time          `json:"received_at,omitempty" cbor:"-"`
}

// TestResult is one executor's evaluation of one variant.
type TestResult struct {
	ClientID string  `json:"client_id"`
	ModelID  int     `json:"model_id"`
	Top1     float64 `json:"top_1"`
	Top5     float64 `json:"top_5"`
	TestLoss float64 `json:"test_loss"`
	TestLen  int     `json:"test_len"`
}

type LayerGradient struct {
	Layer     string  `json:"layer"`
	Magnitude float64 `json:"magnitude"`
}

// LayerRanking orders a variant's layers by ascending gradient magnitude.
type LayerRanking struct {
	VariantID int             `json:"variant_id"`
	Round     int             `json:"round"`
	Layers    []LayerGradient `json:"layers"`
}

// Names returns the ranked layer names, least active first.
func (r LayerRanking) Names() []string {
	names := make([]string, len(r.Layers))
	for i, l := range r.Layers {
		names[i] = l.Layer
	}

	return names
}

// VariantSnapshot is a consistent copy of a variant's state.
type VariantSnapshot struct {
	ID              int                  `json:"id"`
	Weights         Weights              `json:"weights"`
	LastWeights     Weights              `json:"last_weights,omitempty"`
	Gradients       map[string]float64   `json:"gradients"`
	GradientHistory map[string][]float64 `json:"gradient_history"`
	TasksRound      int                  `json:"tasks_round"`
	InUpdate        int                  `json:"in_update"`
	Contributed     int                  `json:"contributed"`
	LossHistory     []float64            `json:"loss_history"`
	CreatedRound    int                  `json:"created_round"`
	ParentID        int                  `json:"parent_id"`
}

// Checkpoint is everything needed to resume selection for the next round.
type Checkpoint struct {
	Round        int               `json:"round"`
	VirtualClock time.Duration     `json:"virtual_clock"`
	Variants     []VariantSnapshot `json:"variants"`
	LastPlan     RoundPlan         `json:"last_plan"`
	SavedAt      time.Time         `json:"saved_at"`
}
