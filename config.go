package evofed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/pelletier/go-toml"
)

const (
	ScalerWiden = "widen"
	ScalerWasm  = "wasm"
)

var ErrInvalidConfig = errors.New("invalid experiment configuration")

// Config holds the experiment parameters read from a TOML file.
type Config struct {
	Experiment ExperimentConfig `toml:"experiment"`
	Selection  SelectionConfig  `toml:"selection"`
	Transform  TransformConfig  `toml:"transform"`
	Model      ModelConfig      `toml:"model"`
	Simulation SimulationConfig `toml:"simulation"`
}

type ExperimentConfig struct {
	Name            string `toml:"name"`
	Rounds          int    `toml:"rounds"`
	EvalInterval    int    `toml:"eval_interval"`
	AggregateMode   string `toml:"aggregate_mode"`
	ModelAssignment string `toml:"model_assignment"`
	Seed            uint64 `toml:"seed"`
	RoundTimeoutS   int    `toml:"round_timeout_s"`
	CheckpointDir   string `toml:"checkpoint_dir"`
}

type SelectionConfig struct {
	NumParticipants int     `toml:"num_participants"`
	Overcommitment  float64 `toml:"overcommitment"`
	Exploration     float64 `toml:"exploration"`
}

type TransformConfig struct {
	Criterion   string  `toml:"criterion"`
	ConvergeM   int     `toml:"converge_m"`
	ConvergeN   int     `toml:"converge_n"`
	ConvergeC   float64 `toml:"converge_c"`
	LayerAlpha  float64 `toml:"layer_selection_alpha"`
	Scaler      string  `toml:"scaler"`
	WasmPath    string  `toml:"wasm_path"`
	MaxVariants int     `toml:"max_variants"`
}

// ModelConfig describes the initial model: either a JSON file mapping
// parameter names to values, or a list of layers initialized from the seed.
type ModelConfig struct {
	Path   string        `toml:"path"`
	Layers []LayerConfig `toml:"layers"`
}

type LayerConfig struct {
	Name   string `toml:"name"`
	Weight int    `toml:"weight"`
	Bias   int    `toml:"bias"`
}

type SimulationConfig struct {
	Clients      int     `toml:"clients"`
	ProfilesPath string  `toml:"profiles_path"`
	LocalSteps   int     `toml:"local_steps"`
	Executors    int     `toml:"executors"`
	Concurrency  int     `toml:"concurrency"`
	DropRate     float64 `toml:"drop_rate"`
}

func DefaultConfig() Config {
	return Config{
		Experiment: ExperimentConfig{
			Name:            "evofed",
			Rounds:          20,
			EvalInterval:    5,
			AggregateMode:   fl.AggregateNormal,
			ModelAssignment: scheduler.AssignNaive,
			Seed:            1,
			RoundTimeoutS:   60,
			CheckpointDir:   "./checkpoints",
		},
		Selection: SelectionConfig{
			NumParticipants: 10,
			Overcommitment:  1.3,
			Exploration:     0.3,
		},
		Transform: TransformConfig{
			Criterion:   fl.CriterionConverge,
			ConvergeM:   5,
			ConvergeN:   5,
			ConvergeC:   0.01,
			LayerAlpha:  0.5,
			Scaler:      ScalerWiden,
			MaxVariants: 8,
		},
		Model: ModelConfig{
			Layers: []LayerConfig{
				{Name: "conv1", Weight: 150, Bias: 6},
				{Name: "conv2", Weight: 2400, Bias: 16},
				{Name: "fc1", Weight: 1200, Bias: 120},
				{Name: "fc2", Weight: 1200, Bias: 10},
			},
		},
		Simulation: SimulationConfig{
			Clients:     100,
			LocalSteps:  5,
			Executors:   1,
			Concurrency: 8,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()

	setString(&c.Experiment.Name, d.Experiment.Name)
	setInt(&c.Experiment.Rounds, d.Experiment.Rounds)
	setInt(&c.Experiment.EvalInterval, d.Experiment.EvalInterval)
	setString(&c.Experiment.AggregateMode, d.Experiment.AggregateMode)
	setString(&c.Experiment.ModelAssignment, d.Experiment.ModelAssignment)
	setInt(&c.Experiment.RoundTimeoutS, d.Experiment.RoundTimeoutS)
	setString(&c.Experiment.CheckpointDir, d.Experiment.CheckpointDir)
	if c.Experiment.Seed == 0 {
		c.Experiment.Seed = d.Experiment.Seed
	}

	setInt(&c.Selection.NumParticipants, d.Selection.NumParticipants)
	setFloat(&c.Selection.Overcommitment, d.Selection.Overcommitment)
	setFloat(&c.Selection.Exploration, d.Selection.Exploration)

	setString(&c.Transform.Criterion, d.Transform.Criterion)
	setInt(&c.Transform.ConvergeM, d.Transform.ConvergeM)
	setInt(&c.Transform.ConvergeN, d.Transform.ConvergeN)
	setFloat(&c.Transform.ConvergeC, d.Transform.ConvergeC)
	setFloat(&c.Transform.LayerAlpha, d.Transform.LayerAlpha)
	setString(&c.Transform.Scaler, d.Transform.Scaler)
	setInt(&c.Transform.MaxVariants, d.Transform.MaxVariants)

	if c.Model.Path == "" && len(c.Model.Layers) == 0 {
		c.Model.Layers = d.Model.Layers
	}

	setInt(&c.Simulation.Clients, d.Simulation.Clients)
	setInt(&c.Simulation.LocalSteps, d.Simulation.LocalSteps)
	setInt(&c.Simulation.Executors, d.Simulation.Executors)
	setInt(&c.Simulation.Concurrency, d.Simulation.Concurrency)
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Experiment.Rounds > 0, "rounds must be positive")
	check(c.Experiment.EvalInterval > 0, "eval_interval must be positive")
	check(c.Experiment.AggregateMode == fl.AggregateNormal, "unsupported aggregate_mode %q", c.Experiment.AggregateMode)
	check(c.Experiment.ModelAssignment == scheduler.AssignNaive || c.Experiment.ModelAssignment == scheduler.AssignRoundRobin,
		"unsupported model_assignment %q", c.Experiment.ModelAssignment)
	check(c.Experiment.RoundTimeoutS > 0, "round_timeout_s must be positive")
	check(c.Selection.NumParticipants > 0, "num_participants must be positive")
	check(c.Selection.Overcommitment >= 1, "overcommitment must be at least 1")
	check(c.Selection.Exploration >= 0 && c.Selection.Exploration <= 1, "exploration must be in [0, 1]")
	check(c.Transform.Criterion == fl.CriterionConverge || c.Transform.Criterion == fl.CriterionNever,
		"unsupported criterion %q", c.Transform.Criterion)
	check(c.Transform.LayerAlpha > 0 && c.Transform.LayerAlpha <= 1, "layer_selection_alpha must be in (0, 1]")
	check(c.Transform.Scaler == ScalerWiden || c.Transform.Scaler == ScalerWasm, "unsupported scaler %q", c.Transform.Scaler)
	check(c.Transform.Scaler != ScalerWasm || c.Transform.WasmPath != "", "wasm scaler needs wasm_path")
	check(c.Simulation.DropRate >= 0 && c.Simulation.DropRate < 1, "drop_rate must be in [0, 1)")
	for _, l := range c.Model.Layers {
		check(l.Name != "" && l.Weight > 0, "layer %q needs a name and a positive weight size", l.Name)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}

	return nil
}

// InitialWeights loads the model from Path or, without one, draws every
// layer's weights from N(0, 0.1) with zero biases.
func (m ModelConfig) InitialWeights(seed uint64) (fl.Weights, error) {
	if m.Path != "" {
		data, err := os.ReadFile(m.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read model: %w", err)
		}
		var w fl.Weights
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("failed to parse model: %w", err)
		}

		return w, nil
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	w := make(fl.Weights, 2*len(m.Layers))
	for _, l := range m.Layers {
		t := make(fl.Tensor, l.Weight)
		for i := range t {
			t[i] = rng.NormFloat64() * 0.1
		}
		w[l.Name+".weight"] = t
		if l.Bias > 0 {
			w[l.Name+".bias"] = make(fl.Tensor, l.Bias)
		}
	}

	return w, nil
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setFloat(v *float64, d float64) {
	if *v == 0 {
		*v = d
	}
}
