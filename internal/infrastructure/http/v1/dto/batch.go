package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"milltrack/internal/core/types"
	"milltrack/internal/domain/batch"
)

// --- Request DTOs ---

// MaterialRequest is one material allocation in a create or allocate request.
type MaterialRequest struct {
	MaterialID        string          `json:"materialId" binding:"required"`
	Name              string          `json:"name" binding:"required"`
	Unit              string          `json:"unit"`
	AllocatedQuantity decimal.Decimal `json:"allocatedQuantity" binding:"required"`
}

// ToMaterial converts the request to a domain material.
func (r *MaterialRequest) ToMaterial() batch.Material {
	return batch.Material{
		MaterialID:        r.MaterialID,
		Name:              r.Name,
		Unit:              r.Unit,
		AllocatedQuantity: r.AllocatedQuantity,
		Status:            batch.MaterialAllocated,
	}
}

// CreateBatchRequest creates a production batch with the standard stage
// template.
type CreateBatchRequest struct {
	ProductName      string            `json:"productName" binding:"required"`
	PlannedQuantity  types.Quantity    `json:"plannedQuantity" binding:"required"`
	Priority         string            `json:"priority,omitempty"`
	PlannedStartDate *time.Time        `json:"plannedStartDate,omitempty"`
	PlannedEndDate   *time.Time        `json:"plannedEndDate,omitempty"`
	InputMaterials   []MaterialRequest `json:"inputMaterials,omitempty"`
}

// ToParams converts the request to service parameters.
func (r *CreateBatchRequest) ToParams() batch.CreateParams {
	params := batch.CreateParams{
		ProductName:      r.ProductName,
		PlannedQuantity:  r.PlannedQuantity,
		Priority:         batch.Priority(r.Priority),
		PlannedStartDate: r.PlannedStartDate,
		PlannedEndDate:   r.PlannedEndDate,
	}
	for _, m := range r.InputMaterials {
		params.InputMaterials = append(params.InputMaterials, m.ToMaterial())
	}
	return params
}

// UpdateStageStatusRequest moves one stage through its status lifecycle.
type UpdateStageStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason,omitempty"`
}

// UpdateStageProgressRequest sets a stage's progress percentage.
type UpdateStageProgressRequest struct {
	Progress int `json:"progress" binding:"min=0,max=100"`
}

// PassQualityGateRequest clears a stage's quality gate.
type PassQualityGateRequest struct {
	Remarks string `json:"remarks,omitempty"`
}

// FailQualityGateRequest rejects a stage's quality gate. A reason is required.
type FailQualityGateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// QualityCheckRequest records one quality measurement. When a rule is given
// it is evaluated against the parameters and its verdict overrides Passed.
type QualityCheckRequest struct {
	CheckName  string         `json:"checkName" binding:"required"`
	Rule       string         `json:"rule,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Passed     bool           `json:"passed"`
	Remarks    string         `json:"remarks,omitempty"`
}

// ToCheck converts the request to a domain quality check.
func (r *QualityCheckRequest) ToCheck() batch.QualityCheck {
	return batch.QualityCheck{
		CheckName:  r.CheckName,
		Rule:       r.Rule,
		Parameters: r.Parameters,
		Passed:     r.Passed,
		Remarks:    r.Remarks,
	}
}

// ConsumeMaterialRequest consumes allocated material at a stage.
type ConsumeMaterialRequest struct {
	MaterialID string          `json:"materialId" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
}

// ReturnMaterialRequest returns unused material to stock.
type ReturnMaterialRequest struct {
	MaterialID string          `json:"materialId" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
}

// MaterialOutputRequest records produced output at a stage.
type MaterialOutputRequest struct {
	MaterialID string          `json:"materialId" binding:"required"`
	Name       string          `json:"name" binding:"required"`
	Unit       string          `json:"unit"`
	Quantity   decimal.Decimal `json:"quantity" binding:"required"`
	Grade      string          `json:"grade,omitempty"`
}

// ToOutput converts the request to a domain material output.
func (r *MaterialOutputRequest) ToOutput() batch.MaterialOutput {
	return batch.MaterialOutput{
		MaterialID: r.MaterialID,
		Name:       r.Name,
		Unit:       r.Unit,
		Quantity:   r.Quantity,
		Grade:      r.Grade,
	}
}

// AddCostRequest appends one cost ledger entry.
type AddCostRequest struct {
	CostType    string      `json:"costType" binding:"required"`
	Category    string      `json:"category,omitempty"`
	Description string      `json:"description,omitempty"`
	StageNumber *int        `json:"stageNumber,omitempty"`
	Amount      types.Money `json:"amount" binding:"required"`
}

// ToEntry converts the request to a domain cost entry.
func (r *AddCostRequest) ToEntry() batch.CostEntry {
	return batch.CostEntry{
		CostType:    batch.CostType(r.CostType),
		Category:    r.Category,
		Description: r.Description,
		StageNumber: r.StageNumber,
		Amount:      r.Amount,
	}
}

// SetActualQuantityRequest records the actually produced quantity.
type SetActualQuantityRequest struct {
	ActualQuantity types.Quantity `json:"actualQuantity" binding:"required"`
}

// CancelBatchRequest cancels a batch.
type CancelBatchRequest struct {
	Reason string `json:"reason,omitempty"`
}

// BatchListQuery filters the batch listing.
type BatchListQuery struct {
	Status      string `form:"status"`
	Priority    string `form:"priority"`
	ProductName string `form:"productName"`
	Limit       int    `form:"limit"`
	Offset      int    `form:"offset"`
}

// ToFilter converts the query to a repository filter.
func (q *BatchListQuery) ToFilter() batch.ListFilter {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	return batch.ListFilter{
		Status:      batch.BatchStatus(q.Status),
		Priority:    batch.Priority(q.Priority),
		ProductName: q.ProductName,
		Limit:       limit,
		Offset:      q.Offset,
	}
}
