package flow

import (
	"context"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/entity"
	"milltrack/internal/core/id"
	"milltrack/internal/core/types"
)

// PoolKind selects the bypass pool a byproduct quantity is absorbed into.
type PoolKind string

const (
	// PoolLoss absorbs waste and rejects.
	PoolLoss PoolKind = "loss"
	// PoolOverflow absorbs shrinkage and excess.
	PoolOverflow PoolKind = "overflow"
)

// PoolStatus is the lifecycle of a pool entry after creation. The quantity is
// immutable; only the status moves, independently of the originating ledger.
type PoolStatus string

const (
	PoolAvailable PoolStatus = "available"
	PoolAllocated PoolStatus = "allocated"
	PoolUsed      PoolStatus = "used"
	PoolDisposed  PoolStatus = "disposed"
	PoolReworked  PoolStatus = "reworked"
)

// poolTransitions lists the allowed status moves.
var poolTransitions = map[PoolStatus][]PoolStatus{
	PoolAvailable: {PoolAllocated, PoolDisposed},
	PoolAllocated: {PoolUsed, PoolReworked, PoolAvailable},
	PoolUsed:      {},
	PoolDisposed:  {},
	PoolReworked:  {},
}

// BypassPool is one absorbed byproduct quantity: a row in the loss or
// overflow pool, created by the forwarding engine when a stage reports a
// non-zero byproduct.
type BypassPool struct {
	entity.BaseRecord

	Kind            PoolKind       `db:"kind" json:"kind"`
	LotNumber       string         `db:"lot_number" json:"lotNumber"`
	SourceStageType StageType      `db:"source_stage_type" json:"sourceStageType"`
	SourceLedgerID  id.ID          `db:"source_ledger_id" json:"sourceLedgerId"`
	Quantity        types.Quantity `db:"quantity" json:"quantity"`
	Reason          string         `db:"reason" json:"reason"`
	Status          PoolStatus     `db:"status" json:"status"`
}

// NewBypassPool creates a pool entry in available status with the stage's
// default reason.
func NewBypassPool(source *StageLedger, quantity types.Quantity) *BypassPool {
	return &BypassPool{
		BaseRecord:      entity.NewBaseRecord(source.CompanyID),
		Kind:            source.StageType.PoolKind(),
		LotNumber:       source.LotNumber,
		SourceStageType: source.StageType,
		SourceLedgerID:  source.ID,
		Quantity:        quantity,
		Reason:          source.StageType.ByproductReason(),
		Status:          PoolAvailable,
	}
}

// Transition moves the pool entry to a new status, validating the move.
func (p *BypassPool) Transition(to PoolStatus) error {
	for _, allowed := range poolTransitions[p.Status] {
		if allowed == to {
			p.Status = to
			return nil
		}
	}
	return apperror.NewInvalidTransition("pool status transition not allowed").
		WithDetail("pool_id", p.ID.String()).
		WithDetail("from", string(p.Status)).
		WithDetail("to", string(to))
}

// Validate checks required fields.
func (p *BypassPool) Validate(_ context.Context) error {
	if p.CompanyID == "" {
		return apperror.NewTenancyViolation("pool entry has no company")
	}
	if p.Quantity <= 0 {
		return apperror.NewValidation("pool quantity must be positive").
			WithDetail("quantity", p.Quantity.String())
	}
	if p.Kind != PoolLoss && p.Kind != PoolOverflow {
		return apperror.NewValidation("unknown pool kind").WithDetail("kind", string(p.Kind))
	}
	return nil
}
