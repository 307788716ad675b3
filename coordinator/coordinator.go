package coordinator

import (
	"context"
	"time"

	"github.com/absmach/evofed/pkg/fl"
)

// State is a phase of the round lifecycle.
type State string

const (
	StateSelecting    State = "SELECTING"
	StateDispatched   State = "DISPATCHED"
	StateCollecting   State = "COLLECTING"
	StateFinalizing   State = "FINALIZING"
	StateTransforming State = "TRANSFORMING"
	StateAdvancing    State = "ADVANCING"
	StateEvaluating   State = "EVALUATING"
	StateShutdown     State = "SHUTDOWN"
)

type Service interface {
	// Run drives rounds until the configured round count is reached or ctx
	// is canceled.
	Run(ctx context.Context) error

	SubmitResult(ctx context.Context, result fl.ClientResult) (SubmitStatus, error)
	SubmitResultCBOR(ctx context.Context, data []byte) (SubmitStatus, error)
	SubmitTestResult(ctx context.Context, result fl.TestResult) error

	CurrentRound(ctx context.Context) (RoundStatus, error)
	RoundHistory(ctx context.Context, offset, limit uint64) (RoundPage, error)
	Evaluations(ctx context.Context, offset, limit uint64) (EvaluationPage, error)
	ListVariants(ctx context.Context) ([]VariantInfo, error)
	GetVariant(ctx context.Context, id int) (fl.VariantSnapshot, error)
	VariantRankings(ctx context.Context, id int) ([]fl.LayerRanking, error)

	Shutdown(ctx context.Context) error
}

type SubmitStatus struct {
	Round int `json:"round"`
	// Contributed is false when the result resolved the client's task
	// without entering the average.
	Contributed bool `json:"contributed"`
	// VariantComplete reports whether this result completed the variant.
	VariantComplete bool `json:"variant_complete"`
}

type VariantProgress struct {
	VariantID   int  `json:"variant_id"`
	TasksRound  int  `json:"tasks_round"`
	InUpdate    int  `json:"in_update"`
	Contributed int  `json:"contributed"`
	Complete    bool `json:"complete"`
}

type RoundStatus struct {
	Round        int               `json:"round"`
	State        State             `json:"state"`
	VirtualClock time.Duration     `json:"virtual_clock"`
	Plan         fl.RoundPlan      `json:"plan"`
	Assignment   map[string]int    `json:"assignment"`
	Variants     []VariantProgress `json:"variants"`
	StartedAt    time.Time         `json:"started_at"`
}

// RoundSummary is the persisted outcome of one finished round.
type RoundSummary struct {
	Round         int                `json:"round"`
	Aborted       bool               `json:"aborted"`
	Participants  []string           `json:"participants"`
	Stragglers    []string           `json:"stragglers"`
	Offline       []string           `json:"offline"`
	Reported      int                `json:"reported"`
	Forced        []int              `json:"forced,omitempty"`
	RoundDuration time.Duration      `json:"round_duration"`
	VirtualClock  time.Duration      `json:"virtual_clock"`
	AvgLoss       map[int]float64    `json:"avg_loss"`
	AvgUtility    float64            `json:"avg_utility"`
	Rankings      []fl.LayerRanking  `json:"rankings,omitempty"`
	NewVariant    *int               `json:"new_variant,omitempty"`
	LocalTimes    map[string]fl.Cost `json:"local_times"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at"`
}

type RoundPage struct {
	Offset uint64         `json:"offset"`
	Limit  uint64         `json:"limit"`
	Total  uint64         `json:"total"`
	Rounds []RoundSummary `json:"rounds"`
}

type VariantEvaluation struct {
	VariantID int     `json:"variant_id"`
	Top1      float64 `json:"top_1"`
	Top5      float64 `json:"top_5"`
	TestLoss  float64 `json:"test_loss"`
	TestLen   int     `json:"test_len"`
	Testers   int     `json:"testers"`
}

// Evaluation aggregates the test results of every variant after a round.
type Evaluation struct {
	Round        int                 `json:"round"`
	VirtualClock time.Duration       `json:"virtual_clock"`
	Complete     bool                `json:"complete"`
	Variants     []VariantEvaluation `json:"variants"`
}

type EvaluationPage struct {
	Offset      uint64       `json:"offset"`
	Limit       uint64       `json:"limit"`
	Total       uint64       `json:"total"`
	Evaluations []Evaluation `json:"evaluations"`
}

type VariantInfo struct {
	ID           int       `json:"id"`
	ParentID     int       `json:"parent_id"`
	CreatedRound int       `json:"created_round"`
	NumParams    int       `json:"num_params"`
	Layers       []string  `json:"layers"`
	LossHistory  []float64 `json:"loss_history"`
}
