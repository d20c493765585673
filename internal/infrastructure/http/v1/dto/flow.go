package dto

import (
	"milltrack/internal/core/types"
	"milltrack/internal/domain/flow"
)

// --- Request DTOs ---

// CreateLedgerRequest creates a first-stage ledger when a lot enters the
// factory. Quantities are meters with up to 4 decimal places.
type CreateLedgerRequest struct {
	Stage      string         `json:"stage" binding:"required"`
	LotNumber  string         `json:"lotNumber" binding:"required"`
	PartyName  string         `json:"partyName,omitempty"`
	CustomerID string         `json:"customerId,omitempty"`
	Quality    string         `json:"quality,omitempty"`
	Input      types.Quantity `json:"inputQuantity" binding:"required"`
}

// ToParams converts the request to engine parameters.
func (r *CreateLedgerRequest) ToParams() flow.CreateLedgerParams {
	return flow.CreateLedgerParams{
		Stage:      flow.StageType(r.Stage),
		LotNumber:  r.LotNumber,
		PartyName:  r.PartyName,
		CustomerID: r.CustomerID,
		Quality:    r.Quality,
		Input:      r.Input,
	}
}

// RecordOutputRequest records one output split on a ledger. Both quantities
// may be given together; at least one must be positive.
type RecordOutputRequest struct {
	Forwarded types.Quantity `json:"forwarded"`
	Byproduct types.Quantity `json:"byproduct"`
}

// TransitionPoolRequest moves a pool entry to a new lifecycle status.
type TransitionPoolRequest struct {
	Status string `json:"status" binding:"required"`
}

// LedgerListQuery filters a stage's ledger listing.
type LedgerListQuery struct {
	LotNumber string `form:"lotNumber"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
	Offset    int    `form:"offset"`
}

// ToFilter converts the query to a repository filter.
func (q *LedgerListQuery) ToFilter() flow.LedgerFilter {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	return flow.LedgerFilter{
		LotNumber: q.LotNumber,
		Status:    flow.LedgerStatus(q.Status),
		Limit:     limit,
		Offset:    q.Offset,
	}
}

// PoolListQuery filters the bypass pool listing.
type PoolListQuery struct {
	Kind      string `form:"kind"`
	LotNumber string `form:"lotNumber"`
	Status    string `form:"status"`
	Limit     int    `form:"limit"`
	Offset    int    `form:"offset"`
}

// ToFilter converts the query to a repository filter.
func (q *PoolListQuery) ToFilter() flow.PoolFilter {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	return flow.PoolFilter{
		Kind:      flow.PoolKind(q.Kind),
		LotNumber: q.LotNumber,
		Status:    flow.PoolStatus(q.Status),
		Limit:     limit,
		Offset:    q.Offset,
	}
}
