package flow

import (
	"time"

	"milltrack/internal/core/entity"
	"milltrack/internal/core/id"
	"milltrack/internal/core/types"
)

// ForwardStepKind names one side effect of a forwarding operation.
type ForwardStepKind string

const (
	// StepByproduct creates the bypass pool entry.
	StepByproduct ForwardStepKind = "byproduct"
	// StepDownstream creates the next stage's ledger.
	StepDownstream ForwardStepKind = "downstream"
)

// ForwardStepStatus tracks whether the side effect has been applied.
type ForwardStepStatus string

const (
	StepPending ForwardStepStatus = "pending"
	StepDone    ForwardStepStatus = "done"
	StepFailed  ForwardStepStatus = "failed"
)

// MaxStepAttempts before a step is parked as failed for manual reconciliation.
const MaxStepAttempts = 5

// ForwardStep is an outbox record for one forwarding side effect. Steps are
// written in the same transaction as the source ledger update; the engine then
// executes them and marks them done. Steps still pending after a crash or a
// partial failure are picked up by the reconciliation worker.
type ForwardStep struct {
	entity.BaseRecord

	Kind           ForwardStepKind   `db:"kind" json:"kind"`
	Status         ForwardStepStatus `db:"status" json:"status"`
	SourceLedgerID id.ID             `db:"source_ledger_id" json:"sourceLedgerId"`
	SourceStage    StageType         `db:"source_stage" json:"sourceStage"`
	LotNumber      string            `db:"lot_number" json:"lotNumber"`
	Quantity       types.Quantity    `db:"quantity" json:"quantity"`

	// ResultID holds the created pool entry or downstream ledger ID once done.
	ResultID *id.ID `db:"result_id" json:"resultId,omitempty"`

	Attempts    int        `db:"attempts" json:"attempts"`
	LastError   string     `db:"last_error" json:"lastError,omitempty"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"nextRetryAt,omitempty"`
}

// NewForwardStep creates a pending step bound to the source ledger.
func NewForwardStep(source *StageLedger, kind ForwardStepKind, qty types.Quantity) *ForwardStep {
	return &ForwardStep{
		BaseRecord:     entity.NewBaseRecord(source.CompanyID),
		Kind:           kind,
		Status:         StepPending,
		SourceLedgerID: source.ID,
		SourceStage:    source.StageType,
		LotNumber:      source.LotNumber,
		Quantity:       qty,
	}
}

// MarkDone records the successful side effect.
func (s *ForwardStep) MarkDone(resultID id.ID) {
	s.Status = StepDone
	s.ResultID = &resultID
	s.LastError = ""
	s.NextRetryAt = nil
}

// MarkAttemptFailed records a failed attempt with exponential backoff.
// After MaxStepAttempts the step is parked as failed and left to manual
// reconciliation.
func (s *ForwardStep) MarkAttemptFailed(err error) {
	s.Attempts++
	s.LastError = err.Error()
	if s.Attempts >= MaxStepAttempts {
		s.Status = StepFailed
		s.NextRetryAt = nil
		return
	}
	backoff := time.Duration(s.Attempts) * 30 * time.Second
	next := time.Now().UTC().Add(backoff)
	s.NextRetryAt = &next
}
