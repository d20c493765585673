package handlers

import (
	"github.com/gin-gonic/gin"

	"milltrack/internal/core/id"
	"milltrack/internal/domain/batch"
	"milltrack/internal/infrastructure/http/v1/dto"
)

// idParam is a parsed batch ID plus stage number path pair.
type idParam struct {
	id    id.ID
	stage int
}

// BatchHandler handles HTTP requests for production batches.
type BatchHandler struct {
	*BaseHandler
	service *batch.Service
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(base *BaseHandler, service *batch.Service) *BatchHandler {
	return &BatchHandler{BaseHandler: base, service: service}
}

// RegisterRoutes registers batch routes on the group.
func (h *BatchHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.GET("/by-number/:number", h.GetByNumber)
	rg.DELETE("/:id", h.Delete)
	rg.POST("/:id/cancel", h.Cancel)
	rg.POST("/:id/advance", h.AdvanceStage)
	rg.PUT("/:id/actual-quantity", h.SetActualQuantity)

	rg.PUT("/:id/stages/:stageNumber/status", h.UpdateStageStatus)
	rg.PUT("/:id/stages/:stageNumber/progress", h.UpdateStageProgress)
	rg.POST("/:id/stages/:stageNumber/quality-gate/pass", h.PassQualityGate)
	rg.POST("/:id/stages/:stageNumber/quality-gate/fail", h.FailQualityGate)
	rg.POST("/:id/stages/:stageNumber/quality-checks", h.RecordQualityCheck)

	rg.POST("/:id/stages/:stageNumber/materials", h.AllocateMaterial)
	rg.POST("/:id/stages/:stageNumber/materials/consume", h.ConsumeMaterial)
	rg.POST("/:id/stages/:stageNumber/materials/return", h.ReturnMaterial)
	rg.POST("/:id/stages/:stageNumber/outputs", h.AddMaterialOutput)

	rg.POST("/:id/costs", h.AddCost)
	rg.GET("/:id/costs/summary", h.GetCostSummary)
	rg.GET("/:id/metrics", h.GetProductionMetrics)
	rg.GET("/:id/history", h.GetStatusHistory)
}

// stageTarget parses the batch ID and stage number path parameters.
func (h *BatchHandler) stageTarget(c *gin.Context) (idParam, bool) {
	parsed, ok := h.ParseID(c, "id")
	if !ok {
		return idParam{}, false
	}
	stageNumber, ok := h.ParseIntParam(c, "stageNumber")
	if !ok {
		return idParam{}, false
	}
	return idParam{id: parsed, stage: stageNumber}, true
}

// Create handles POST /batches.
func (h *BatchHandler) Create(c *gin.Context) {
	var req dto.CreateBatchRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.Create(c.Request.Context(), req.ToParams())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, b)
}

// Get handles GET /batches/:id.
func (h *BatchHandler) Get(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	b, err := h.service.Get(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// GetByNumber handles GET /batches/by-number/:number.
func (h *BatchHandler) GetByNumber(c *gin.Context) {
	b, err := h.service.GetByNumber(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// List handles GET /batches.
func (h *BatchHandler) List(c *gin.Context) {
	var query dto.BatchListQuery
	if !h.BindQuery(c, &query) {
		return
	}
	filter := query.ToFilter()

	batches, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: batches, Limit: filter.Limit, Offset: filter.Offset})
}

// Delete handles DELETE /batches/:id. Only batches with no started stage may
// be deleted.
func (h *BatchHandler) Delete(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), batchID); err != nil {
		h.Error(c, err)
		return
	}
	h.NoContent(c)
}

// Cancel handles POST /batches/:id/cancel.
func (h *BatchHandler) Cancel(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	var req dto.CancelBatchRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.Cancel(c.Request.Context(), batchID, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// AdvanceStage handles POST /batches/:id/advance - move the batch to the next
// stage after sequencing, gate and material preconditions pass.
func (h *BatchHandler) AdvanceStage(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	b, err := h.service.AdvanceStage(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// SetActualQuantity handles PUT /batches/:id/actual-quantity.
func (h *BatchHandler) SetActualQuantity(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	var req dto.SetActualQuantityRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.SetActualQuantity(c.Request.Context(), batchID, req.ActualQuantity)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// UpdateStageStatus handles PUT /batches/:id/stages/:stageNumber/status.
func (h *BatchHandler) UpdateStageStatus(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.UpdateStageStatusRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.UpdateStageStatus(c.Request.Context(), target.id, target.stage,
		batch.StageStatus(req.Status), req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// UpdateStageProgress handles PUT /batches/:id/stages/:stageNumber/progress.
func (h *BatchHandler) UpdateStageProgress(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.UpdateStageProgressRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.UpdateStageProgress(c.Request.Context(), target.id, target.stage, req.Progress)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// PassQualityGate handles POST /batches/:id/stages/:stageNumber/quality-gate/pass.
func (h *BatchHandler) PassQualityGate(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.PassQualityGateRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.PassQualityGate(c.Request.Context(), target.id, target.stage, req.Remarks)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// FailQualityGate handles POST /batches/:id/stages/:stageNumber/quality-gate/fail.
func (h *BatchHandler) FailQualityGate(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.FailQualityGateRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.FailQualityGate(c.Request.Context(), target.id, target.stage, req.Reason)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// RecordQualityCheck handles POST /batches/:id/stages/:stageNumber/quality-checks.
func (h *BatchHandler) RecordQualityCheck(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.QualityCheckRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.RecordQualityCheck(c.Request.Context(), target.id, target.stage, req.ToCheck())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// AllocateMaterial handles POST /batches/:id/stages/:stageNumber/materials.
func (h *BatchHandler) AllocateMaterial(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.MaterialRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.AllocateMaterial(c.Request.Context(), target.id, target.stage, req.ToMaterial())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// ConsumeMaterial handles POST /batches/:id/stages/:stageNumber/materials/consume.
func (h *BatchHandler) ConsumeMaterial(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.ConsumeMaterialRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.ConsumeMaterial(c.Request.Context(), target.id, target.stage, req.MaterialID, req.Quantity)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// ReturnMaterial handles POST /batches/:id/stages/:stageNumber/materials/return.
func (h *BatchHandler) ReturnMaterial(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.ReturnMaterialRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.ReturnMaterial(c.Request.Context(), target.id, target.stage, req.MaterialID, req.Quantity)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// AddMaterialOutput handles POST /batches/:id/stages/:stageNumber/outputs.
func (h *BatchHandler) AddMaterialOutput(c *gin.Context) {
	target, ok := h.stageTarget(c)
	if !ok {
		return
	}
	var req dto.MaterialOutputRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.AddMaterialOutput(c.Request.Context(), target.id, target.stage, req.ToOutput())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// AddCost handles POST /batches/:id/costs.
func (h *BatchHandler) AddCost(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	var req dto.AddCostRequest
	if !h.BindJSON(c, &req) {
		return
	}

	b, err := h.service.AddCost(c.Request.Context(), batchID, req.ToEntry())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, b)
}

// GetCostSummary handles GET /batches/:id/costs/summary.
func (h *BatchHandler) GetCostSummary(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	summary, err := h.service.GetCostSummary(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, summary)
}

// GetProductionMetrics handles GET /batches/:id/metrics.
func (h *BatchHandler) GetProductionMetrics(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	metrics, err := h.service.GetProductionMetrics(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, metrics)
}

// GetStatusHistory handles GET /batches/:id/history.
func (h *BatchHandler) GetStatusHistory(c *gin.Context) {
	batchID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	history, err := h.service.GetStatusHistory(c.Request.Context(), batchID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, history)
}
