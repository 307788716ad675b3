package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/evofed/pkg/fl"
	"github.com/absmach/evofed/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProfiles map[string]time.Duration

func (p fixedProfiles) Profile(id string) (fl.ClientProfile, error) {
	if _, ok := p[id]; !ok {
		return fl.ClientProfile{}, fmt.Errorf("no profile for %s", id)
	}

	return fl.ClientProfile{ClientID: id}, nil
}

func (p fixedProfiles) Predict(profile fl.ClientProfile, _ scheduler.Workload) (fl.Cost, error) {
	return fl.Cost{Computation: p[profile.ClientID]}, nil
}

type offline map[string]bool

func (o offline) IsActive(id string, _ time.Duration) bool {
	return !o[id]
}

func TestStragglerPlan(t *testing.T) {
	profiles := fixedProfiles{
		"c1": 5 * time.Second,
		"c2": 3 * time.Second,
		"c3": 8 * time.Second,
		"c4": 1 * time.Second,
		"c5": 3 * time.Second,
	}

	cases := []struct {
		desc         string
		sampled      []string
		want         int
		offline      offline
		participants []string
		stragglers   []string
		offlineIDs   []string
		duration     time.Duration
		err          error
	}{
		{
			desc:         "fastest clients are selected",
			sampled:      []string{"c1", "c2", "c3", "c4"},
			want:         2,
			participants: []string{"c4", "c2"},
			stragglers:   []string{"c1", "c3"},
			duration:     3 * time.Second,
		},
		{
			desc:         "ties keep sampled order",
			sampled:      []string{"c5", "c2", "c1"},
			want:         1,
			participants: []string{"c5"},
			stragglers:   []string{"c2", "c1"},
			duration:     3 * time.Second,
		},
		{
			desc:         "fewer candidates than wanted",
			sampled:      []string{"c1", "c3"},
			want:         5,
			participants: []string{"c1", "c3"},
			duration:     8 * time.Second,
		},
		{
			desc:         "offline clients are excluded",
			sampled:      []string{"c1", "c2", "c3", "c4"},
			want:         2,
			offline:      offline{"c4": true},
			participants: []string{"c2", "c1"},
			stragglers:   []string{"c3"},
			offlineIDs:   []string{"c4"},
			duration:     5 * time.Second,
		},
		{
			desc:       "everyone offline",
			sampled:    []string{"c1", "c2"},
			want:       1,
			offline:    offline{"c1": true, "c2": true},
			offlineIDs: []string{"c1", "c2"},
			err:        scheduler.ErrSelectionEmpty,
		},
		{
			desc: "empty sample",
			want: 1,
			err:  scheduler.ErrSelectionEmpty,
		},
		{
			desc:    "non-positive target",
			sampled: []string{"c1"},
			want:    0,
			err:     scheduler.ErrInvalidTarget,
		},
		{
			desc:    "unknown profile",
			sampled: []string{"c9"},
			want:    1,
			err:     scheduler.ErrUnknownProfile,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			s := scheduler.NewStraggler(profiles, profiles, tc.offline)
			plan, err := s.Plan(context.Background(), 3, tc.sampled, tc.want, 0, scheduler.Workload{ModelSizeKbits: 1})
			assert.ErrorIs(t, err, tc.err, fmt.Sprintf("%s: expected %v got %v", tc.desc, tc.err, err))
			if tc.err != nil {
				if tc.offlineIDs != nil {
					assert.Equal(t, tc.offlineIDs, plan.Offline)
				}

				return
			}
			assert.Equal(t, 3, plan.Round)
			assert.Equal(t, tc.participants, plan.ClientIDs())
			assert.Equal(t, tc.stragglers, plan.Stragglers)
			assert.Equal(t, tc.offlineIDs, plan.Offline)
			assert.Equal(t, tc.duration, plan.RoundDuration)
			assert.Equal(t, len(tc.participants)+len(tc.stragglers), len(plan.Costs))
		})
	}
}

func TestNaiveAssign(t *testing.T) {
	assigner, err := scheduler.NewAssigner(scheduler.AssignNaive)
	require.NoError(t, err)

	cases := []struct {
		desc     string
		clients  []string
		variants int
		byClient map[string]int
		tasks    []int
		err      error
	}{
		{
			desc:     "single variant takes everyone",
			clients:  []string{"a", "b", "c"},
			variants: 1,
			byClient: map[string]int{"a": 0, "b": 0, "c": 0},
			tasks:    []int{3},
		},
		{
			desc:     "remainder goes to the last chunk",
			clients:  []string{"a", "b", "c", "d", "e", "f", "g"},
			variants: 3,
			byClient: map[string]int{"a": 0, "b": 0, "c": 1, "d": 1, "e": 2, "f": 2, "g": 2},
			tasks:    []int{2, 2, 3},
		},
		{
			desc:     "fewer clients than variants",
			clients:  []string{"a", "b"},
			variants: 4,
			byClient: map[string]int{"a": 0, "b": 1},
			tasks:    []int{1, 1, 0, 0},
		},
		{
			desc:     "no clients",
			variants: 2,
			byClient: map[string]int{},
			tasks:    []int{0, 0},
		},
		{
			desc:     "no variants",
			clients:  []string{"a"},
			variants: 0,
			err:      scheduler.ErrNoVariants,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			a, err := assigner.Assign(tc.clients, tc.variants, 1)
			assert.ErrorIs(t, err, tc.err)
			if tc.err != nil {
				return
			}
			assert.Equal(t, tc.byClient, a.ByClient)
			assert.Equal(t, tc.tasks, a.TasksPerVariant)
		})
	}
}

func TestRoundRobinAssign(t *testing.T) {
	assigner, err := scheduler.NewAssigner(scheduler.AssignRoundRobin)
	require.NoError(t, err)

	clients := []string{"a", "b", "c"}
	for round, want := range []int{0, 1, 2, 0, 1} {
		a, err := assigner.Assign(clients, 3, round)
		require.NoError(t, err)

		expected := make([]int, 3)
		expected[want] = len(clients)
		assert.Equal(t, expected, a.TasksPerVariant, fmt.Sprintf("round %d", round))
		assert.Equal(t, clients, a.ClientsOf(want))
	}
}

func TestNewAssignerUnknown(t *testing.T) {
	_, err := scheduler.NewAssigner("greedy")
	assert.ErrorIs(t, err, fl.ErrUnknownStrategy)
}

func TestAssignmentTasksMatchClients(t *testing.T) {
	for _, mode := range []string{scheduler.AssignNaive, scheduler.AssignRoundRobin} {
		assigner, err := scheduler.NewAssigner(mode)
		require.NoError(t, err)
		for n := range 12 {
			clients := make([]string, n)
			for i := range clients {
				clients[i] = fmt.Sprintf("client-%02d", i)
			}
			for k := 1; k <= 5; k++ {
				a, err := assigner.Assign(clients, k, n)
				require.NoError(t, err)
				total := 0
				for id, tasks := range a.TasksPerVariant {
					assert.Len(t, a.ClientsOf(id), tasks, fmt.Sprintf("%s n=%d k=%d variant=%d", mode, n, k, id))
					total += tasks
				}
				assert.Equal(t, n, total)
			}
		}
	}
}
