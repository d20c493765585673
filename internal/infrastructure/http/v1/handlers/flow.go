package handlers

import (
	"github.com/gin-gonic/gin"

	"milltrack/internal/core/apperror"
	"milltrack/internal/domain/flow"
	"milltrack/internal/infrastructure/http/v1/dto"
)

// FlowHandler handles HTTP requests for stage ledgers, forwarding and pools.
type FlowHandler struct {
	*BaseHandler
	engine *flow.Engine
}

// NewFlowHandler creates a new flow handler.
func NewFlowHandler(base *BaseHandler, engine *flow.Engine) *FlowHandler {
	return &FlowHandler{BaseHandler: base, engine: engine}
}

// RegisterRoutes registers flow routes on the group.
func (h *FlowHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/ledgers", h.CreateLedger)
	rg.GET("/stages/:stage/ledgers", h.ListLedgers)
	rg.GET("/stages/:stage/ledgers/:id", h.GetLedger)
	rg.POST("/stages/:stage/ledgers/:id/output", h.RecordOutput)

	rg.GET("/lots/:lotNumber", h.ResolveLot)

	rg.GET("/pools", h.ListPools)
	rg.POST("/pools/:kind/:id/transition", h.TransitionPool)
}

func (h *FlowHandler) parseStage(c *gin.Context) (flow.StageType, bool) {
	stage, err := flow.ParseStageType(c.Param("stage"))
	if err != nil {
		h.Error(c, apperror.NewValidation("unknown stage type").WithDetail("stage", c.Param("stage")))
		return "", false
	}
	return stage, true
}

// CreateLedger handles POST /flow/ledgers - create a first-stage ledger.
func (h *FlowHandler) CreateLedger(c *gin.Context) {
	var req dto.CreateLedgerRequest
	if !h.BindJSON(c, &req) {
		return
	}

	ledger, err := h.engine.CreateInitialLedger(c.Request.Context(), req.ToParams())
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, ledger)
}

// GetLedger handles GET /flow/stages/:stage/ledgers/:id.
func (h *FlowHandler) GetLedger(c *gin.Context) {
	stage, ok := h.parseStage(c)
	if !ok {
		return
	}
	ledgerID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}

	ledger, err := h.engine.GetLedger(c.Request.Context(), stage, ledgerID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, ledger)
}

// ListLedgers handles GET /flow/stages/:stage/ledgers.
func (h *FlowHandler) ListLedgers(c *gin.Context) {
	stage, ok := h.parseStage(c)
	if !ok {
		return
	}
	var query dto.LedgerListQuery
	if !h.BindQuery(c, &query) {
		return
	}
	filter := query.ToFilter()

	ledgers, err := h.engine.ListLedgers(c.Request.Context(), stage, filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: ledgers, Limit: filter.Limit, Offset: filter.Offset})
}

// RecordOutput handles POST /flow/stages/:stage/ledgers/:id/output.
// Records one output split: forwarded quantity moves downstream, byproduct
// quantity to the stage's bypass pool.
func (h *FlowHandler) RecordOutput(c *gin.Context) {
	stage, ok := h.parseStage(c)
	if !ok {
		return
	}
	ledgerID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	var req dto.RecordOutputRequest
	if !h.BindJSON(c, &req) {
		return
	}

	result, err := h.engine.RecordOutput(c.Request.Context(), stage, ledgerID, req.Forwarded, req.Byproduct)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, result)
}

// ResolveLot handles GET /flow/lots/:lotNumber - best-effort lot metadata
// search across all stage collections.
func (h *FlowHandler) ResolveLot(c *gin.Context) {
	lotNumber := c.Param("lotNumber")

	descriptor, err := h.engine.ResolveLot(c.Request.Context(), lotNumber)
	if err != nil {
		h.Error(c, err)
		return
	}
	if descriptor == nil {
		h.Error(c, apperror.NewNotFound("lot", lotNumber))
		return
	}
	h.OK(c, descriptor)
}

// ListPools handles GET /flow/pools.
func (h *FlowHandler) ListPools(c *gin.Context) {
	var query dto.PoolListQuery
	if !h.BindQuery(c, &query) {
		return
	}
	filter := query.ToFilter()

	pools, err := h.engine.ListPools(c.Request.Context(), filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.ListResponse{Items: pools, Limit: filter.Limit, Offset: filter.Offset})
}

// TransitionPool handles POST /flow/pools/:kind/:id/transition.
func (h *FlowHandler) TransitionPool(c *gin.Context) {
	kind := flow.PoolKind(c.Param("kind"))
	if kind != flow.PoolLoss && kind != flow.PoolOverflow {
		h.Error(c, apperror.NewValidation("unknown pool kind").WithDetail("kind", c.Param("kind")))
		return
	}
	poolID, ok := h.ParseID(c, "id")
	if !ok {
		return
	}
	var req dto.TransitionPoolRequest
	if !h.BindJSON(c, &req) {
		return
	}

	pool, err := h.engine.TransitionPool(c.Request.Context(), kind, poolID, flow.PoolStatus(req.Status))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, pool)
}
