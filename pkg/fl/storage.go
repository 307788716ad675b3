package fl

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var ErrNoCheckpoint = errors.New("no checkpoint found")

// Checkpointer persists round checkpoints as JSON files, one per round.
type Checkpointer struct {
	dir string
	mu  sync.RWMutex
}

func NewCheckpointer(dir string) (*Checkpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Checkpointer{dir: dir}, nil
}

func (c *Checkpointer) Save(cp Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// A checkpoint file is either absent or complete.
	tmp := c.path(cp.Round) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, c.path(cp.Round)); err != nil {
		return fmt.Errorf("failed to commit checkpoint file: %w", err)
	}

	return nil
}

func (c *Checkpointer) Load(round int) (Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.path(round))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, fmt.Errorf("%w: round %d", ErrNoCheckpoint, round)
		}

		return Checkpoint{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return cp, nil
}

// List returns the checkpointed rounds in ascending order.
func (c *Checkpointer) List() ([]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	var rounds []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var round int
		var ext string
		if n, _ := fmt.Sscanf(entry.Name(), "checkpoint_%d.%s", &round, &ext); n == 2 && ext == "json" {
			rounds = append(rounds, round)
		}
	}
	sort.Ints(rounds)

	return rounds, nil
}

func (c *Checkpointer) Latest() (Checkpoint, error) {
	rounds, err := c.List()
	if err != nil {
		return Checkpoint{}, err
	}
	if len(rounds) == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}

	return c.Load(rounds[len(rounds)-1])
}

func (c *Checkpointer) path(round int) string {
	return filepath.Join(c.dir, fmt.Sprintf("checkpoint_%d.json", round))
}
