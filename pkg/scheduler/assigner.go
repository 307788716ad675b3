package scheduler

import (
	"fmt"

	"github.com/absmach/evofed/pkg/fl"
)

const (
	AssignNaive      = "naive"
	AssignRoundRobin = "round-robin"
)

// Assigner maps the round's participants onto model variants.
type Assigner interface {
	Assign(clients []string, variants, round int) (fl.Assignment, error)
}

func NewAssigner(mode string) (Assigner, error) {
	switch mode {
	case AssignNaive, "":
		return &naive{}, nil
	case AssignRoundRobin:
		return &roundRobin{}, nil
	default:
		return nil, fmt.Errorf("%w: model assignment %q", fl.ErrUnknownStrategy, mode)
	}
}

// naive splits clients into contiguous chunks of n/k, the remainder going to
// the last chunk. With fewer clients than variants each client trains its own
// variant and the trailing variants idle.
type naive struct{}

func (naive) Assign(clients []string, variants, _ int) (fl.Assignment, error) {
	if variants <= 0 {
		return fl.Assignment{}, ErrNoVariants
	}
	a := newAssignment(len(clients), variants)

	n := len(clients)
	chunk := n / variants
	for i, c := range clients {
		id := i
		if chunk > 0 {
			id = min(i/chunk, variants-1)
		}
		a.ByClient[c] = id
		a.TasksPerVariant[id]++
	}

	return a, nil
}

// roundRobin gives the whole round to a single variant, cycling through the
// population one round at a time.
type roundRobin struct{}

func (roundRobin) Assign(clients []string, variants, round int) (fl.Assignment, error) {
	if variants <= 0 {
		return fl.Assignment{}, ErrNoVariants
	}
	a := newAssignment(len(clients), variants)

	id := round % variants
	if id < 0 {
		id += variants
	}
	for _, c := range clients {
		a.ByClient[c] = id
	}
	a.TasksPerVariant[id] = len(clients)

	return a, nil
}

func newAssignment(clients, variants int) fl.Assignment {
	return fl.Assignment{
		ByClient:        make(map[string]int, clients),
		TasksPerVariant: make([]int, variants),
	}
}
