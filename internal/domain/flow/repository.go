package flow

import (
	"context"
	"time"

	"milltrack/internal/core/id"
)

// LedgerFilter narrows ledger listings. Company scope comes from context.
type LedgerFilter struct {
	LotNumber string
	Status    LedgerStatus
	Limit     int
	Offset    int
}

// LedgerRepository persists stage ledgers. Each stage type is a separate
// collection; the stage argument selects it. Every query is scoped to the
// company in context.
type LedgerRepository interface {
	Create(ctx context.Context, ledger *StageLedger) error
	GetByID(ctx context.Context, stage StageType, ledgerID id.ID) (*StageLedger, error)

	// GetForUpdate loads the ledger with a row lock. Concurrent RecordOutput
	// calls on the same ledger serialize on this lock.
	GetForUpdate(ctx context.Context, stage StageType, ledgerID id.ID) (*StageLedger, error)

	// Update persists the ledger, incrementing its version.
	Update(ctx context.Context, ledger *StageLedger) error

	// FindLatestByLot returns the most recent ledger for the lot in this stage
	// collection, or nil when the lot is unknown here.
	FindLatestByLot(ctx context.Context, stage StageType, lotNumber string) (*StageLedger, error)

	List(ctx context.Context, stage StageType, filter LedgerFilter) ([]*StageLedger, error)
}

// PoolFilter narrows pool listings.
type PoolFilter struct {
	Kind      PoolKind
	LotNumber string
	Status    PoolStatus
	Limit     int
	Offset    int
}

// PoolRepository persists bypass pool entries (loss and overflow pools).
type PoolRepository interface {
	Create(ctx context.Context, pool *BypassPool) error
	GetByID(ctx context.Context, kind PoolKind, poolID id.ID) (*BypassPool, error)
	Update(ctx context.Context, pool *BypassPool) error
	List(ctx context.Context, filter PoolFilter) ([]*BypassPool, error)
}

// ForwardStepRepository persists forwarding outbox records.
type ForwardStepRepository interface {
	// Create writes steps inside the caller's transaction.
	Create(ctx context.Context, steps ...*ForwardStep) error
	Update(ctx context.Context, step *ForwardStep) error

	// ClaimPending locks and returns up to limit pending steps whose retry
	// time has passed, skipping rows locked by other workers.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]*ForwardStep, error)

	// ListFailed returns steps parked for manual reconciliation.
	ListFailed(ctx context.Context, limit int) ([]*ForwardStep, error)
}
