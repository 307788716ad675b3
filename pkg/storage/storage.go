package storage

import "context"

// Storage is a key-value store for the coordinator's bookkeeping records
// (participant feedback, round summaries, evaluation results).
type Storage interface {
	Create(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	Update(ctx context.Context, key string, value any) error
	// Upsert writes value whether or not the key already exists.
	Upsert(ctx context.Context, key string, value any) error
	// List pages through the values in lexical key order.
	List(ctx context.Context, offset, limit uint64) ([]any, uint64, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
