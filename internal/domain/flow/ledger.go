package flow

import (
	"context"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/entity"
	"milltrack/internal/core/id"
	"milltrack/internal/core/types"
)

// LedgerStatus is derived from the ledger's quantities, never set directly.
type LedgerStatus string

const (
	// LedgerPending: no output recorded yet (output and byproduct both zero).
	LedgerPending LedgerStatus = "pending"
	// LedgerInProgress: some quantity recorded, some still pending.
	LedgerInProgress LedgerStatus = "in_progress"
	// LedgerCompleted: pending is zero and at least one recording happened.
	LedgerCompleted LedgerStatus = "completed"
)

// StageLedger tracks one unit of work at one stage. The conservation invariant
// holds at all times:
//
//	InputQuantity == OutputQuantity + ByproductQuantity + PendingQuantity
//
// Ledgers are created by forwarding from the upstream stage (or directly by an
// operator for the first stage), mutated only through Engine.RecordOutput, and
// never deleted.
type StageLedger struct {
	entity.BaseRecord

	StageType StageType `db:"stage_type" json:"stageType"`

	LotNumber  string `db:"lot_number" json:"lotNumber"`
	PartyName  string `db:"party_name" json:"partyName"`
	CustomerID string `db:"customer_id" json:"customerId,omitempty"`

	// Quality is carried forward from the nearest ancestor that has one.
	// Empty when no stage in the chain recorded it.
	Quality string `db:"quality" json:"quality,omitempty"`

	InputQuantity     types.Quantity `db:"input_quantity" json:"inputQuantity"`
	OutputQuantity    types.Quantity `db:"output_quantity" json:"outputQuantity"`
	ByproductQuantity types.Quantity `db:"byproduct_quantity" json:"byproductQuantity"`
	PendingQuantity   types.Quantity `db:"pending_quantity" json:"pendingQuantity"`

	Status LedgerStatus `db:"status" json:"status"`

	// UpstreamRef points at the ledger this one was forwarded from.
	// Nil for the first stage of a chain.
	UpstreamRef *id.ID `db:"upstream_ref" json:"upstreamRef,omitempty"`

	// DownstreamRefs lists the ledgers this one forwarded into. A ledger may
	// forward more than once while quantity remains pending.
	DownstreamRefs []id.ID `db:"downstream_refs" json:"downstreamRefs"`
}

// NewStageLedger creates a ledger with the full input quantity pending.
func NewStageLedger(companyID string, stage StageType, lotNumber string, input types.Quantity) *StageLedger {
	l := &StageLedger{
		BaseRecord:      entity.NewBaseRecord(companyID),
		StageType:       stage,
		LotNumber:       lotNumber,
		InputQuantity:   input,
		PendingQuantity: input,
		Status:          LedgerPending,
	}
	return l
}

// DeriveStatus computes the ledger status from its quantities. Pure function:
// calling it twice in a row always yields the same value.
func DeriveStatus(input, output, byproduct types.Quantity) LedgerStatus {
	if output == 0 && byproduct == 0 {
		return LedgerPending
	}
	if input-output-byproduct > 0 {
		return LedgerInProgress
	}
	return LedgerCompleted
}

// Recorded returns the quantity already accounted for (output + byproduct).
func (l *StageLedger) Recorded() types.Quantity {
	return l.OutputQuantity + l.ByproductQuantity
}

// ApplyOutput adds one output recording to the ledger. Recordings are
// cumulative: a ledger accepts multiple calls until PendingQuantity reaches
// zero. The call is rejected, with the ledger untouched, when the new split
// would exceed the input quantity.
func (l *StageLedger) ApplyOutput(forwarded, byproduct types.Quantity) error {
	if forwarded < 0 || byproduct < 0 {
		return apperror.NewConservationViolation("forwarded and byproduct quantities must be non-negative").
			WithDetail("forwarded", forwarded.String()).
			WithDetail("byproduct", byproduct.String())
	}
	if l.Recorded()+forwarded+byproduct > l.InputQuantity {
		return apperror.NewConservationViolation("recorded output would exceed ledger input quantity").
			WithDetail("ledger_id", l.ID.String()).
			WithDetail("stage", string(l.StageType)).
			WithDetail("input", l.InputQuantity.String()).
			WithDetail("already_recorded", l.Recorded().String()).
			WithDetail("forwarded", forwarded.String()).
			WithDetail("byproduct", byproduct.String())
	}

	l.OutputQuantity += forwarded
	l.ByproductQuantity += byproduct
	l.PendingQuantity = l.InputQuantity - l.OutputQuantity - l.ByproductQuantity
	l.Status = DeriveStatus(l.InputQuantity, l.OutputQuantity, l.ByproductQuantity)
	return nil
}

// AddDownstreamRef links a child ledger created by forwarding. Linking the
// same child twice is a no-op; returns whether the ref was added.
func (l *StageLedger) AddDownstreamRef(childID id.ID) bool {
	for _, ref := range l.DownstreamRefs {
		if ref == childID {
			return false
		}
	}
	l.DownstreamRefs = append(l.DownstreamRefs, childID)
	return true
}

// Validate checks the conservation invariant and required fields.
func (l *StageLedger) Validate(_ context.Context) error {
	if l.CompanyID == "" {
		return apperror.NewTenancyViolation("ledger has no company")
	}
	if !l.StageType.IsValid() {
		return apperror.NewValidation("unknown stage type").WithDetail("stage", string(l.StageType))
	}
	if l.LotNumber == "" {
		return apperror.NewValidation("lot number is required")
	}
	if l.InputQuantity <= 0 {
		return apperror.NewValidation("input quantity must be positive").
			WithDetail("input", l.InputQuantity.String())
	}
	if l.InputQuantity != l.OutputQuantity+l.ByproductQuantity+l.PendingQuantity {
		return apperror.NewConservationViolation("ledger quantities do not balance").
			WithDetail("ledger_id", l.ID.String()).
			WithDetail("input", l.InputQuantity.String()).
			WithDetail("output", l.OutputQuantity.String()).
			WithDetail("byproduct", l.ByproductQuantity.String()).
			WithDetail("pending", l.PendingQuantity.String())
	}
	return nil
}

// LotDescriptor is the best-effort metadata returned by ResolveLot: the
// human-facing fields of the most recent ledger matching a lot number, plus
// the stage collection the match was found in.
type LotDescriptor struct {
	LotNumber  string    `json:"lotNumber"`
	PartyName  string    `json:"partyName"`
	CustomerID string    `json:"customerId,omitempty"`
	Quality    string    `json:"quality,omitempty"`
	FoundIn    StageType `json:"foundIn"`
	LedgerID   id.ID     `json:"ledgerId"`
}
