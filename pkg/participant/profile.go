package participant

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/scheduler"
)

// Window is an interval of the availability trace, in seconds, during which
// the client is online.
type Window struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type Profile struct {
	fl.ClientProfile

	ComputeMsPerSample float64 `json:"compute_ms_per_sample"`
	BandwidthKbps      float64 `json:"bandwidth_kbps"`
	// Period repeats the availability windows every Period seconds. Zero
	// means the windows are absolute.
	Period       float64  `json:"period,omitempty"`
	Availability []Window `json:"availability,omitempty"`
}

// Registry holds the device profiles of the simulated client population. It
// is immutable once built.
type Registry struct {
	ids      []string
	profiles map[string]Profile
}

var (
	_ scheduler.ProfileSource  = (*Registry)(nil)
	_ scheduler.CostModel      = (*Registry)(nil)
	_ scheduler.LivenessOracle = (*Registry)(nil)
)

func NewRegistry(profiles []Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if p.ClientID == "" {
			return nil, fmt.Errorf("profile without client id")
		}
		if _, ok := r.profiles[p.ClientID]; ok {
			return nil, fmt.Errorf("duplicate profile for client %s", p.ClientID)
		}
		if p.BandwidthKbps <= 0 {
			return nil, fmt.Errorf("client %s: bandwidth must be positive", p.ClientID)
		}
		r.profiles[p.ClientID] = p
		r.ids = append(r.ids, p.ClientID)
	}
	sort.Strings(r.ids)

	return r, nil
}

// IDs returns every registered client id in lexical order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

func (r *Registry) Len() int {
	return len(r.ids)
}

func (r *Registry) Get(id string) (Profile, bool) {
	p, ok := r.profiles[id]

	return p, ok
}

func (r *Registry) Profile(id string) (fl.ClientProfile, error) {
	p, ok := r.Get(id)
	if !ok {
		return fl.ClientProfile{}, scheduler.ErrUnknownProfile
	}

	return p.ClientProfile, nil
}

// Predict charges computation for a forward and a backward pass over every
// local step and communication for one download plus one upload of the model.
func (r *Registry) Predict(profile fl.ClientProfile, w scheduler.Workload) (fl.Cost, error) {
	p, ok := r.Get(profile.ClientID)
	if !ok {
		return fl.Cost{}, scheduler.ErrUnknownProfile
	}

	return ProfileCost(p, profile, w), nil
}

// ProfileCost is the deterministic completion time of a client.
func ProfileCost(p Profile, cfg fl.ClientProfile, w scheduler.Workload) fl.Cost {
	computeMs := 3 * float64(cfg.BatchSize) * float64(cfg.LocalSteps) * p.ComputeMsPerSample
	commSec := 2 * w.ModelSizeKbits / p.BandwidthKbps

	return fl.Cost{
		Computation:   time.Duration(computeMs * float64(time.Millisecond)),
		Communication: time.Duration(commSec * float64(time.Second)),
	}
}

// IsActive reports whether the client's availability trace covers at.
// Clients without a trace are always online.
func (r *Registry) IsActive(id string, at time.Duration) bool {
	p, ok := r.Get(id)
	if !ok {
		return false
	}

	return Available(p, at)
}

func Available(p Profile, at time.Duration) bool {
	if len(p.Availability) == 0 {
		return true
	}
	t := at.Seconds()
	if p.Period > 0 {
		t = math.Mod(t, p.Period)
	}
	for _, w := range p.Availability {
		if t >= w.Start && t <= w.End {
			return true
		}
	}

	return false
}

type deviceClass struct {
	name      string
	computeMs [2]float64
	bandwidth [2]float64
	batchSize int
}

var deviceClasses = []deviceClass{
	{name: "phone", computeMs: [2]float64{4, 12}, bandwidth: [2]float64{2_000, 20_000}, batchSize: 16},
	{name: "tablet", computeMs: [2]float64{2, 6}, bandwidth: [2]float64{5_000, 50_000}, batchSize: 32},
	{name: "edge", computeMs: [2]float64{0.5, 2}, bandwidth: [2]float64{20_000, 100_000}, batchSize: 64},
}

// Generate builds a reproducible synthetic population spread across device
// classes. Roughly a fifth of the clients get a periodic availability trace.
func Generate(seed uint64, count, localSteps int) []Profile {
	rng := rand.New(rand.NewPCG(seed, uint64(count)))
	between := func(r [2]float64) float64 {
		return r[0] + rng.Float64()*(r[1]-r[0])
	}

	profiles := make([]Profile, count)
	for i := range profiles {
		class := deviceClasses[rng.IntN(len(deviceClasses))]
		p := Profile{
			ClientProfile: fl.ClientProfile{
				ClientID:    fmt.Sprintf("client-%04d", i+1),
				BatchSize:   class.batchSize,
				LocalSteps:  localSteps,
				DeviceClass: class.name,
			},
			ComputeMsPerSample: between(class.computeMs),
			BandwidthKbps:      between(class.bandwidth),
		}
		if rng.IntN(5) == 0 {
			period := 3600 + rng.Float64()*3600
			online := period * (0.5 + rng.Float64()*0.4)
			start := rng.Float64() * (period - online)
			p.Period = period
			p.Availability = []Window{{Start: start, End: start + online}}
		}
		profiles[i] = p
	}

	return profiles
}

// LoadProfiles reads a JSON array of profiles.
func LoadProfiles(path string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	var profiles []Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	return profiles, nil
}
