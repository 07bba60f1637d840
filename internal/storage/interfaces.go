package storage

import (
	"context"

	"market-relayer/internal/domain"
)

// MarketStore provides access to markets storage.
type MarketStore interface {
	// Upsert inserts the record or updates the existing one with the same symbol
	// and returns the stored row. The creator of an existing row is never replaced.
	// Returns ErrSettlementElapsed if a deployed record's settlement date has passed.
	Upsert(ctx context.Context, r *domain.MarketRecord) (*domain.MarketRecord, error)

	// GetBySymbol retrieves a record by symbol. Returns ErrNotFound if not exists.
	GetBySymbol(ctx context.Context, symbol string) (*domain.MarketRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// StepStore is the append-only pipeline step journal.
type StepStore interface {
	// InsertBulk appends steps. Returns ErrDuplicateKey if (pipeline_id, seq) exists.
	InsertBulk(ctx context.Context, steps []*domain.PipelineStep) error

	// GetByPipeline retrieves all steps of a pipeline, ordered by seq ASC.
	GetByPipeline(ctx context.Context, pipelineID string) ([]*domain.PipelineStep, error)
}
