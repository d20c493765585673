package batch

import (
	"context"

	"milltrack/internal/core/id"
)

// ListFilter narrows batch listings. Company scope comes from context.
type ListFilter struct {
	Status      BatchStatus
	Priority    Priority
	ProductName string
	Limit       int
	Offset      int
}

// Repository persists production batches. One document per batch with all
// stages, materials, costs and logs embedded. Update enforces optimistic
// locking on the batch version and returns CONCURRENT_MODIFICATION on a
// version conflict.
type Repository interface {
	Create(ctx context.Context, b *ProductionBatch) error
	GetByID(ctx context.Context, batchID id.ID) (*ProductionBatch, error)
	GetByNumber(ctx context.Context, batchNumber string) (*ProductionBatch, error)
	Update(ctx context.Context, b *ProductionBatch) error
	Delete(ctx context.Context, batchID id.ID) error
	List(ctx context.Context, filter ListFilter) ([]*ProductionBatch, error)
	Count(ctx context.Context, filter ListFilter) (int64, error)
}
