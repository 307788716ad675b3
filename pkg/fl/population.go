package fl

import (
	"fmt"
	"sync"
)

// Population is the append-only list of model variants. Variant ids are
// dense indexes in creation order and are never invalidated by growth.
type Population struct {
	mu       sync.RWMutex
	variants []*Variant
}

func NewPopulation(initial Weights) (*Population, error) {
	if initial.NumParams() == 0 {
		return nil, ErrEmptyModel
	}

	return &Population{
		variants: []*Variant{newVariant(0, 0, -1, initial.Clone())},
	}, nil
}

// RestorePopulation rebuilds a population from checkpointed snapshots.
func RestorePopulation(snapshots []VariantSnapshot) (*Population, error) {
	if len(snapshots) == 0 {
		return nil, ErrEmptyModel
	}
	p := &Population{variants: make([]*Variant, 0, len(snapshots))}
	for i, s := range snapshots {
		if s.ID != i {
			return nil, fmt.Errorf("variant ids must be dense: position %d holds id %d", i, s.ID)
		}
		p.variants = append(p.variants, restoreVariant(s))
	}

	return p, nil
}

func (p *Population) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.variants)
}

func (p *Population) Get(id int) (*Variant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if id < 0 || id >= len(p.variants) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVariant, id)
	}

	return p.variants[id], nil
}

// Latest returns the most recently created variant.
func (p *Population) Latest() *Variant {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.variants[len(p.variants)-1]
}

// All returns a copy of the variant list.
func (p *Population) All() []*Variant {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]*Variant(nil), p.variants...)
}

func (p *Population) Snapshots() []VariantSnapshot {
	variants := p.All()
	snaps := make([]VariantSnapshot, len(variants))
	for i, v := range variants {
		snaps[i] = v.Snapshot()
	}

	return snaps
}

func (p *Population) append(weights Weights, round, parentID int) *Variant {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := newVariant(len(p.variants), round, parentID, weights)
	p.variants = append(p.variants, v)

	return v
}
