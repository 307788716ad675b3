package scheduler

import (
	"errors"
	"time"

	"github.com/absmach/evofed/pkg/fl"
)

var (
	ErrSelectionEmpty = errors.New("no client can participate in the round")
	ErrNoVariants     = errors.New("no model variant was provided")
	ErrInvalidTarget  = errors.New("participant target must be positive")
	ErrUnknownProfile = errors.New("client profile not found")
)

// Workload describes the model a client is asked to train in a round.
type Workload struct {
	// ModelSizeKbits is both the download and the upload size.
	ModelSizeKbits float64
}

// CostModel predicts how long a client takes to complete one round.
type CostModel interface {
	Predict(profile fl.ClientProfile, w Workload) (fl.Cost, error)
}

// LivenessOracle reports whether a client is online at a point of the
// virtual clock.
type LivenessOracle interface {
	IsActive(clientID string, at time.Duration) bool
}

type ProfileSource interface {
	Profile(clientID string) (fl.ClientProfile, error)
}
