package participant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	pkgerrors "github.com/absmach/evofed/pkg/errors"
	"github.com/absmach/evofed/pkg/storage"
)

const defaultExploration = 0.3

// Feedback is what the coordinator learns about one client in one round.
type Feedback struct {
	ClientID string
	Round    int
	Utility  float64
	// Loss is the client's reported moving loss, zero when it did not report.
	Loss     float64
	Success  bool
	Duration time.Duration
}

// Record is the persisted history of a client's participation.
type Record struct {
	ClientID     string        `json:"client_id"`
	Utility      float64       `json:"utility"`
	Loss         float64       `json:"loss"`
	Successes    int           `json:"successes"`
	Failures     int           `json:"failures"`
	LastRound    int           `json:"last_round"`
	LastDuration time.Duration `json:"last_duration"`
}

// Score ranks explored clients: the last utility discounted by the failure
// ratio.
func (r Record) Score() float64 {
	total := r.Successes + r.Failures
	if total == 0 {
		return 0
	}

	return r.Utility * float64(r.Successes) / float64(total)
}

// Selector samples the clients invited to a round and keeps their feedback.
type Selector struct {
	registry    *Registry
	feedback    storage.Storage
	seed        uint64
	exploration float64
}

func NewSelector(registry *Registry, feedback storage.Storage, seed uint64, exploration float64) *Selector {
	if exploration < 0 || exploration > 1 {
		exploration = defaultExploration
	}

	return &Selector{
		registry:    registry,
		feedback:    feedback,
		seed:        seed,
		exploration: exploration,
	}
}

// Sample returns n distinct client ids. A share of the slots goes to clients
// that never reported, drawn at random; the rest go to the best scoring
// known clients. The result is deterministic for a given seed, round and
// feedback store.
func (s *Selector) Sample(ctx context.Context, n, round int) ([]string, error) {
	ids := s.registry.IDs()
	if n <= 0 || len(ids) == 0 {
		return nil, nil
	}
	n = min(n, len(ids))

	var (
		known  []Record
		unseen []string
	)
	for _, id := range ids {
		rec, err := s.Record(ctx, id)
		switch {
		case errors.Is(err, pkgerrors.ErrNotFound):
			unseen = append(unseen, id)
		case err != nil:
			return nil, err
		default:
			known = append(known, rec)
		}
	}

	rng := rand.New(rand.NewPCG(s.seed, uint64(round)))
	rng.Shuffle(len(unseen), func(i, j int) {
		unseen[i], unseen[j] = unseen[j], unseen[i]
	})
	sort.SliceStable(known, func(i, j int) bool {
		return known[i].Score() > known[j].Score()
	})

	explore := min(int(math.Ceil(float64(n)*s.exploration)), len(unseen))
	if len(known) < n-explore {
		explore = n - len(known)
	}

	sampled := make([]string, 0, n)
	sampled = append(sampled, unseen[:explore]...)
	for _, rec := range known[:n-explore] {
		sampled = append(sampled, rec.ClientID)
	}

	return sampled, nil
}

func (s *Selector) Record(ctx context.Context, clientID string) (Record, error) {
	v, err := s.feedback.Get(ctx, clientID)
	if err != nil {
		return Record{}, err
	}
	rec, ok := v.(Record)
	if !ok {
		return Record{}, fmt.Errorf("%w: feedback for %s", pkgerrors.ErrInvalidData, clientID)
	}

	return rec, nil
}

// RegisterFeedback folds one round outcome into the client's record.
func (s *Selector) RegisterFeedback(ctx context.Context, fb Feedback) error {
	rec, err := s.Record(ctx, fb.ClientID)
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		rec = Record{ClientID: fb.ClientID}
	case err != nil:
		return err
	}

	rec.Utility = fb.Utility
	if fb.Success {
		rec.Successes++
		rec.Loss = fb.Loss
	} else {
		rec.Failures++
	}
	rec.LastRound = fb.Round
	rec.LastDuration = fb.Duration

	return s.feedback.Upsert(ctx, fb.ClientID, rec)
}
