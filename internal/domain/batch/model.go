// Package batch implements the production batch aggregate: one manufacturing
// order tracked through a fixed 8-stage template with quality gates, material
// ledgers, an append-only cost ledger and append-only status/consumption logs.
//
// The batch is a coarser-grained model of the same manufacturing reality the
// flow ledger chain tracks at the quantity level. The two are not linked
// transactionally; a batch is keyed by manufacturing order, not physical lot.
package batch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/entity"
	"milltrack/internal/core/id"
	"milltrack/internal/core/types"
)

// Priority of a batch in scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MaterialStatus tracks an input material's consumption lifecycle.
type MaterialStatus string

const (
	MaterialAllocated MaterialStatus = "allocated"
	MaterialPartial   MaterialStatus = "partial"
	MaterialConsumed  MaterialStatus = "consumed"
	MaterialReturned  MaterialStatus = "returned"
	MaterialWasted    MaterialStatus = "wasted"
)

// Material is one allocated input material. Quantities are decimal because
// materials come in mixed units (kg of dye, liters of chemicals, meters of
// greige fabric).
type Material struct {
	MaterialID        string          `json:"materialId"`
	Name              string          `json:"name"`
	Unit              string          `json:"unit"`
	AllocatedQuantity decimal.Decimal `json:"allocatedQuantity"`
	ActualConsumption decimal.Decimal `json:"actualConsumption"`
	WasteQuantity     decimal.Decimal `json:"wasteQuantity"`
	ReturnedQuantity  decimal.Decimal `json:"returnedQuantity"`
	Status            MaterialStatus  `json:"status"`
}

// Remaining returns the quantity still available for consumption.
func (m *Material) Remaining() decimal.Decimal {
	return m.AllocatedQuantity.Sub(m.ActualConsumption).Sub(m.WasteQuantity).Sub(m.ReturnedQuantity)
}

// Settled reports whether the material needs no further handling before the
// batch may advance past its stage.
func (m *Material) Settled() bool {
	switch m.Status {
	case MaterialConsumed, MaterialReturned, MaterialWasted:
		return true
	}
	return false
}

// MaterialOutput is a produced material (finished fabric, reusable remnant).
type MaterialOutput struct {
	MaterialID string          `json:"materialId"`
	Name       string          `json:"name"`
	Unit       string          `json:"unit"`
	Quantity   decimal.Decimal `json:"quantity"`
	Grade      string          `json:"grade,omitempty"`
	RecordedBy string          `json:"recordedBy"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// ResourceAllocation books a machine or operator to a stage.
type ResourceAllocation struct {
	ResourceID   string     `json:"resourceId"`
	ResourceType string     `json:"resourceType"` // machine, operator
	Name         string     `json:"name"`
	From         time.Time  `json:"from"`
	To           *time.Time `json:"to,omitempty"`
}

// CostType classifies a cost ledger entry.
type CostType string

const (
	CostMaterial CostType = "material"
	CostLabor    CostType = "labor"
	CostMachine  CostType = "machine"
	CostOverhead CostType = "overhead"
	CostOther    CostType = "other"
)

// CostEntry is one append-only cost ledger row. Entries are never mutated or
// deleted; totals are recomputed from the live list on every persist.
type CostEntry struct {
	ID          id.ID       `json:"id"`
	CostType    CostType    `json:"costType"`
	Category    string      `json:"category"`
	Description string      `json:"description,omitempty"`
	StageNumber *int        `json:"stageNumber,omitempty"`
	Amount      types.Money `json:"amount"`
	RecordedBy  string      `json:"recordedBy"`
	RecordedAt  time.Time   `json:"recordedAt"`
}

// QualityGate is the pass/fail checkpoint a stage must clear before the batch
// may advance past it.
type QualityGate struct {
	Required        bool       `json:"required"`
	Passed          bool       `json:"passed"`
	CheckedBy       string     `json:"checkedBy,omitempty"`
	CheckedAt       *time.Time `json:"checkedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	RetestRequired  bool       `json:"retestRequired"`
}

// StatusChangeLog is one append-only status transition record. System entries
// document derived transitions (batch completion inference).
type StatusChangeLog struct {
	StageNumber *int      `json:"stageNumber,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	ChangedBy   string    `json:"changedBy"`
	ChangedAt   time.Time `json:"changedAt"`
	System      bool      `json:"system"`
}

// ConsumptionLog is one immutable material consumption record, the audit
// trail for cost reconciliation.
type ConsumptionLog struct {
	StageNumber int             `json:"stageNumber"`
	MaterialID  string          `json:"materialId"`
	Quantity    decimal.Decimal `json:"quantity"`
	ConsumedBy  string          `json:"consumedBy"`
	ConsumedAt  time.Time       `json:"consumedAt"`
}

// BatchStage is one of the 8 embedded stages. Created together at batch
// creation, mutated only through the owning batch, never deleted.
type BatchStage struct {
	StageNumber int         `json:"stageNumber"`
	StageName   string      `json:"stageName"`
	StageType   string      `json:"stageType"`
	Status      StageStatus `json:"status"`
	Progress    int         `json:"progress"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`

	ResourceAllocations []ResourceAllocation `json:"resourceAllocations"`
	InputMaterials      []Material           `json:"inputMaterials"`
	OutputMaterials     []MaterialOutput     `json:"outputMaterials"`
	QualityChecks       []QualityCheck       `json:"qualityChecks"`
	QualityGate         QualityGate          `json:"qualityGate"`
	StageCosts          []CostEntry          `json:"stageCosts"`
}

// MaterialsSettled reports whether no input material is left in allocated or
// partial status.
func (s *BatchStage) MaterialsSettled() bool {
	for i := range s.InputMaterials {
		if !s.InputMaterials[i].Settled() {
			return false
		}
	}
	return true
}

// GateCleared reports whether the quality gate allows completion.
func (s *BatchStage) GateCleared() bool {
	return !s.QualityGate.Required || s.QualityGate.Passed
}

// stageTemplate is the fixed 8-stage layout every batch is created with.
var stageTemplate = []struct {
	Name         string
	Type         string
	GateRequired bool
}{
	{"Bleaching", "bleaching", false},
	{"Printing", "printing", true},
	{"Curing", "curing", false},
	{"Washing", "washing", false},
	{"Finishing", "finishing", true},
	{"Felting", "felting", false},
	{"Checking", "checking", true},
	{"Packing", "packing", false},
}

// StageCount is the fixed number of stages per batch.
const StageCount = 8

// ProductionBatch is the aggregate root: one row per manufacturing order with
// all stages, materials, costs and logs embedded.
type ProductionBatch struct {
	entity.BaseRecord

	BatchNumber string `db:"batch_number" json:"batchNumber"`
	ProductName string `db:"product_name" json:"productName"`

	PlannedQuantity types.Quantity  `db:"planned_quantity" json:"plannedQuantity"`
	ActualQuantity  *types.Quantity `db:"actual_quantity" json:"actualQuantity,omitempty"`

	Status             BatchStatus `db:"status" json:"status"`
	CurrentStageNumber int         `db:"current_stage_number" json:"currentStageNumber"`
	ProgressPercent    int         `db:"progress_percent" json:"progressPercent"`
	Priority           Priority    `db:"priority" json:"priority"`

	PlannedStartDate *time.Time `db:"planned_start_date" json:"plannedStartDate,omitempty"`
	PlannedEndDate   *time.Time `db:"planned_end_date" json:"plannedEndDate,omitempty"`
	ActualStartDate  *time.Time `db:"actual_start_date" json:"actualStartDate,omitempty"`
	ActualEndDate    *time.Time `db:"actual_end_date" json:"actualEndDate,omitempty"`

	Stages                  []BatchStage      `db:"stages" json:"stages"`
	InputMaterials          []Material        `db:"input_materials" json:"inputMaterials"`
	OutputMaterials         []MaterialOutput  `db:"output_materials" json:"outputMaterials"`
	Costs                   []CostEntry       `db:"costs" json:"costs"`
	StatusChangeLogs        []StatusChangeLog `db:"status_change_logs" json:"statusChangeLogs"`
	MaterialConsumptionLogs []ConsumptionLog  `db:"material_consumption_logs" json:"materialConsumptionLogs"`

	TotalCost   types.Money `db:"total_cost" json:"totalCost"`
	CostPerUnit types.Money `db:"cost_per_unit" json:"costPerUnit"`
}

// NewProductionBatch creates a batch with the 8-stage template, all stages
// not_started. BatchNumber is assigned by the service.
func NewProductionBatch(companyID, productName string, planned types.Quantity, priority Priority) *ProductionBatch {
	if priority == "" {
		priority = PriorityNormal
	}
	b := &ProductionBatch{
		BaseRecord:         entity.NewBaseRecord(companyID),
		ProductName:        productName,
		PlannedQuantity:    planned,
		Status:             BatchPlanned,
		CurrentStageNumber: 1,
		Priority:           priority,
		Stages:             make([]BatchStage, 0, StageCount),
		TotalCost:          types.ZeroMoney(),
		CostPerUnit:        types.ZeroMoney(),
	}
	for i, tpl := range stageTemplate {
		b.Stages = append(b.Stages, BatchStage{
			StageNumber: i + 1,
			StageName:   tpl.Name,
			StageType:   tpl.Type,
			Status:      StageNotStarted,
			QualityGate: QualityGate{Required: tpl.GateRequired},
		})
	}
	return b
}

// Stage returns the stage by its 1-based number.
func (b *ProductionBatch) Stage(stageNumber int) (*BatchStage, error) {
	if stageNumber < 1 || stageNumber > len(b.Stages) {
		return nil, apperror.NewNotFound("batch stage", stageNumber).
			WithDetail("batch_id", b.ID.String())
	}
	return &b.Stages[stageNumber-1], nil
}

// Started reports whether any stage has left not_started.
func (b *ProductionBatch) Started() bool {
	for i := range b.Stages {
		if b.Stages[i].Status != StageNotStarted {
			return true
		}
	}
	return false
}

// EffectiveQuantity is the divisor for costPerUnit: the actual quantity as
// soon as it is known, the planned quantity before that.
func (b *ProductionBatch) EffectiveQuantity() types.Quantity {
	if b.ActualQuantity != nil && *b.ActualQuantity > 0 {
		return *b.ActualQuantity
	}
	return b.PlannedQuantity
}

// Recalculate rederives status, progress, current stage and cost totals from
// the embedded state. Every mutating operation calls this immediately before
// persisting; derived fields are never maintained incrementally.
func (b *ProductionBatch) Recalculate() {
	b.Status = DeriveBatchStatus(b.Stages, b.Status)
	b.ProgressPercent = DeriveProgress(b.Stages)
	b.CurrentStageNumber = deriveCurrentStage(b.Stages)

	total := types.ZeroMoney()
	for i := range b.Costs {
		total = total.Add(b.Costs[i].Amount)
	}
	for i := range b.Stages {
		for j := range b.Stages[i].StageCosts {
			total = total.Add(b.Stages[i].StageCosts[j].Amount)
		}
	}
	b.TotalCost = total

	qty := b.EffectiveQuantity()
	if qty > 0 {
		b.CostPerUnit = total.Div(decimal.NewFromFloat(qty.Float64()))
	} else {
		b.CostPerUnit = types.ZeroMoney()
	}
}

// Validate checks aggregate invariants.
func (b *ProductionBatch) Validate(_ context.Context) error {
	if b.CompanyID == "" {
		return apperror.NewTenancyViolation("batch has no company")
	}
	if len(b.Stages) != StageCount {
		return apperror.NewValidation("batch must have exactly 8 stages").
			WithDetail("stages", len(b.Stages))
	}
	if b.PlannedQuantity <= 0 {
		return apperror.NewValidation("planned quantity must be positive")
	}
	return nil
}
