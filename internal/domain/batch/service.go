package batch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/id"
	"milltrack/internal/core/scope"
	"milltrack/internal/core/types"
	"milltrack/pkg/logger"
	"milltrack/pkg/numerator"
)

// NumberSource assigns batch numbers. Satisfied by *numerator.Service.
type NumberSource interface {
	GetNextNumber(ctx context.Context, cfg numerator.Config, opts *numerator.Options, period time.Time) (string, error)
}

// Service is the batch stage machine: all mutations load the aggregate,
// apply the change, rederive every derived field and persist with an
// optimistic version check.
type Service struct {
	repo    Repository
	numbers NumberSource
	rules   *RuleEvaluator
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates the batch service. rules may be nil when CEL acceptance
// rules are not used.
func NewService(repo Repository, numbers NumberSource, rules *RuleEvaluator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:    repo,
		numbers: numbers,
		rules:   rules,
		log:     log.WithComponent("batch.service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams describes a new manufacturing order.
type CreateParams struct {
	ProductName      string
	PlannedQuantity  types.Quantity
	Priority         Priority
	PlannedStartDate *time.Time
	PlannedEndDate   *time.Time
	InputMaterials   []Material
}

// Create creates a batch with a generated batch number (unique per company
// per month) and the 8-stage template.
func (s *Service) Create(ctx context.Context, params CreateParams) (*ProductionBatch, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}
	if params.PlannedQuantity <= 0 {
		return nil, apperror.NewValidation("planned quantity must be positive")
	}

	number, err := s.numbers.GetNextNumber(ctx, numerator.BatchConfig(), nil, s.now())
	if err != nil {
		return nil, err
	}

	b := NewProductionBatch(companyID, params.ProductName, params.PlannedQuantity, params.Priority)
	b.BatchNumber = number
	b.PlannedStartDate = params.PlannedStartDate
	b.PlannedEndDate = params.PlannedEndDate
	b.CreatedBy = scope.GetActorID(ctx)
	b.UpdatedBy = b.CreatedBy
	for i := range params.InputMaterials {
		m := params.InputMaterials[i]
		if m.Status == "" {
			m.Status = MaterialAllocated
		}
		b.InputMaterials = append(b.InputMaterials, m)
	}

	if err := b.Validate(ctx); err != nil {
		return nil, err
	}
	b.Recalculate()
	if err := s.repo.Create(ctx, b); err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Infow("batch created",
		"batch_id", b.ID, "batch_number", b.BatchNumber, "planned", b.PlannedQuantity)
	return b, nil
}

// Get loads one batch.
func (s *Service) Get(ctx context.Context, batchID id.ID) (*ProductionBatch, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, batchID)
}

// GetByNumber loads one batch by its batch number.
func (s *Service) GetByNumber(ctx context.Context, batchNumber string) (*ProductionBatch, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	return s.repo.GetByNumber(ctx, batchNumber)
}

// List lists batches.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*ProductionBatch, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// mutate is the shared load-mutate-recalculate-persist path.
func (s *Service) mutate(ctx context.Context, batchID id.ID, fn func(b *ProductionBatch) error) (*ProductionBatch, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	b, err := s.repo.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := fn(b); err != nil {
		return nil, err
	}
	b.UpdatedBy = scope.GetActorID(ctx)
	b.Recalculate()
	if err := s.repo.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateStageStatus applies a stage status change, appending one log entry.
// When the change completes the last remaining open stage, the batch itself
// completes with a second, system-generated log entry. This is the only place
// batch completion is inferred; all other batch statuses are derived on every
// persist by Recalculate.
func (s *Service) UpdateStageStatus(ctx context.Context, batchID id.ID, stageNumber int, newStatus StageStatus, reason string) (*ProductionBatch, error) {
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		if !CanTransitionStageStatus(stage.Status, newStatus) {
			return apperror.NewInvalidTransition("stage status transition not allowed").
				WithDetail("stage", stageNumber).
				WithDetail("from", string(stage.Status)).
				WithDetail("to", string(newStatus))
		}
		if newStatus == StageCompleted && !stage.GateCleared() {
			return apperror.NewInvalidTransition("stage cannot complete with an uncleared quality gate").
				WithDetail("stage", stageNumber)
		}

		now := s.now()
		previous := stage.Status
		stage.Status = newStatus
		switch newStatus {
		case StageInProgress:
			if stage.StartedAt == nil {
				stage.StartedAt = &now
			}
			if b.ActualStartDate == nil {
				b.ActualStartDate = &now
			}
		case StageCompleted:
			stage.Progress = 100
			stage.CompletedAt = &now
		}

		actor := scope.GetActorID(ctx)
		b.StatusChangeLogs = append(b.StatusChangeLogs, StatusChangeLog{
			StageNumber: &stageNumber,
			From:        string(previous),
			To:          string(newStatus),
			Reason:      reason,
			ChangedBy:   actor,
			ChangedAt:   now,
		})

		if newStatus == StageCompleted && allStagesClosed(b.Stages) {
			prevBatch := b.Status
			b.ActualEndDate = &now
			b.StatusChangeLogs = append(b.StatusChangeLogs, StatusChangeLog{
				From:      string(prevBatch),
				To:        string(BatchCompleted),
				Reason:    "all stages completed",
				ChangedBy: "system",
				ChangedAt: now,
				System:    true,
			})
			s.log.WithContext(ctx).Infow("batch completed",
				"batch_id", b.ID, "batch_number", b.BatchNumber)
		}
		return nil
	})
}

func allStagesClosed(stages []BatchStage) bool {
	for i := range stages {
		switch stages[i].Status {
		case StageCompleted, StageSkipped:
		default:
			return false
		}
	}
	return true
}

// UpdateStageProgress sets the progress percentage of an in-progress stage.
func (s *Service) UpdateStageProgress(ctx context.Context, batchID id.ID, stageNumber, progress int) (*ProductionBatch, error) {
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		if stage.Status != StageInProgress {
			return apperror.NewInvalidTransition("progress can only be set on an in-progress stage").
				WithDetail("stage", stageNumber).
				WithDetail("status", string(stage.Status))
		}
		if progress < 0 || progress > 100 {
			return apperror.NewValidation("progress must be between 0 and 100").
				WithDetail("progress", progress)
		}
		stage.Progress = progress
		return nil
	})
}

// PassQualityGate marks the stage gate passed.
func (s *Service) PassQualityGate(ctx context.Context, batchID id.ID, stageNumber int, remarks string) (*ProductionBatch, error) {
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		now := s.now()
		stage.QualityGate.pass(scope.GetActorID(ctx), now)

		// A passed retest releases the quality hold.
		if stage.Status == StageQualityHold {
			reason := "quality gate passed"
			if remarks != "" {
				reason = remarks
			}
			stage.Status = StageInProgress
			b.StatusChangeLogs = append(b.StatusChangeLogs, StatusChangeLog{
				StageNumber: &stageNumber,
				From:        string(StageQualityHold),
				To:          string(StageInProgress),
				Reason:      reason,
				ChangedBy:   scope.GetActorID(ctx),
				ChangedAt:   now,
			})
		}
		return nil
	})
}

// FailQualityGate records the rejection and puts the stage (and, by
// derivation, the batch) on quality hold. Consumed materials are not rolled
// back; rework is a manual follow-up.
func (s *Service) FailQualityGate(ctx context.Context, batchID id.ID, stageNumber int, reason string) (*ProductionBatch, error) {
	if reason == "" {
		return nil, apperror.NewValidation("rejection reason is required")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		now := s.now()
		stage.QualityGate.fail(scope.GetActorID(ctx), reason, now)

		if stage.Status != StageQualityHold {
			previous := stage.Status
			stage.Status = StageQualityHold
			b.StatusChangeLogs = append(b.StatusChangeLogs, StatusChangeLog{
				StageNumber: &stageNumber,
				From:        string(previous),
				To:          string(StageQualityHold),
				Reason:      reason,
				ChangedBy:   scope.GetActorID(ctx),
				ChangedAt:   now,
			})
		}
		return nil
	})
}

// RecordQualityCheck appends a quality check to the stage. A check carrying a
// CEL rule is evaluated against its measured parameters; the verdict
// overrides any manually supplied Passed value.
func (s *Service) RecordQualityCheck(ctx context.Context, batchID id.ID, stageNumber int, check QualityCheck) (*ProductionBatch, error) {
	if check.Rule != "" {
		if s.rules == nil {
			return nil, apperror.NewValidation("rule-based checks are not enabled")
		}
		verdict, err := s.rules.Evaluate(check.Rule, check.Parameters)
		if err != nil {
			return nil, err
		}
		check.Passed = verdict
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		if check.CheckedBy == "" {
			check.CheckedBy = scope.GetActorID(ctx)
		}
		if check.CheckedAt.IsZero() {
			check.CheckedAt = s.now()
		}
		stage.QualityChecks = append(stage.QualityChecks, check)
		return nil
	})
}

// AllocateMaterial adds an input material to a stage in allocated status.
func (s *Service) AllocateMaterial(ctx context.Context, batchID id.ID, stageNumber int, material Material) (*ProductionBatch, error) {
	if material.AllocatedQuantity.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.NewValidation("allocated quantity must be positive")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		material.Status = MaterialAllocated
		material.ActualConsumption = decimal.Zero
		material.WasteQuantity = decimal.Zero
		material.ReturnedQuantity = decimal.Zero
		stage.InputMaterials = append(stage.InputMaterials, material)
		return nil
	})
}

// ConsumeMaterial records consumption of an allocated stage material,
// appending one immutable log entry. Consumption beyond the allocation is
// rejected, never clamped, with nothing logged.
func (s *Service) ConsumeMaterial(ctx context.Context, batchID id.ID, stageNumber int, materialID string, qty decimal.Decimal) (*ProductionBatch, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.NewValidation("consumption quantity must be positive")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		material := findMaterial(stage.InputMaterials, materialID)
		if material == nil {
			return apperror.NewNotFound("stage material", materialID).
				WithDetail("stage", stageNumber)
		}

		newTotal := material.ActualConsumption.Add(qty)
		if newTotal.GreaterThan(material.AllocatedQuantity) {
			remaining := material.AllocatedQuantity.Sub(material.ActualConsumption)
			return apperror.NewOverconsumption(materialID, qty.InexactFloat64(), remaining.InexactFloat64())
		}

		material.ActualConsumption = newTotal
		if newTotal.Equal(material.AllocatedQuantity) {
			material.Status = MaterialConsumed
		} else {
			material.Status = MaterialPartial
		}

		b.MaterialConsumptionLogs = append(b.MaterialConsumptionLogs, ConsumptionLog{
			StageNumber: stageNumber,
			MaterialID:  materialID,
			Quantity:    qty,
			ConsumedBy:  scope.GetActorID(ctx),
			ConsumedAt:  s.now(),
		})
		return nil
	})
}

// ReturnMaterial returns unused material to stock, settling it.
func (s *Service) ReturnMaterial(ctx context.Context, batchID id.ID, stageNumber int, materialID string, qty decimal.Decimal) (*ProductionBatch, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.NewValidation("return quantity must be positive")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		material := findMaterial(stage.InputMaterials, materialID)
		if material == nil {
			return apperror.NewNotFound("stage material", materialID).
				WithDetail("stage", stageNumber)
		}
		if qty.GreaterThan(material.Remaining()) {
			return apperror.NewConservationViolation("return exceeds remaining allocation").
				WithDetail("material_id", materialID).
				WithDetail("remaining", material.Remaining().String())
		}
		material.ReturnedQuantity = material.ReturnedQuantity.Add(qty)
		if material.Remaining().IsZero() {
			material.Status = MaterialReturned
		}
		return nil
	})
}

func findMaterial(materials []Material, materialID string) *Material {
	for i := range materials {
		if materials[i].MaterialID == materialID {
			return &materials[i]
		}
	}
	return nil
}

// AddMaterialOutput records a produced material on a stage.
func (s *Service) AddMaterialOutput(ctx context.Context, batchID id.ID, stageNumber int, output MaterialOutput) (*ProductionBatch, error) {
	if output.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.NewValidation("output quantity must be positive")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		stage, err := b.Stage(stageNumber)
		if err != nil {
			return err
		}
		if output.RecordedBy == "" {
			output.RecordedBy = scope.GetActorID(ctx)
		}
		if output.RecordedAt.IsZero() {
			output.RecordedAt = s.now()
		}
		stage.OutputMaterials = append(stage.OutputMaterials, output)
		b.OutputMaterials = append(b.OutputMaterials, output)
		return nil
	})
}

// AddCost appends one entry to the cost ledger. StageNumber, when set, books
// the cost onto that stage. Totals are rederived by the shared persist path.
func (s *Service) AddCost(ctx context.Context, batchID id.ID, entry CostEntry) (*ProductionBatch, error) {
	if entry.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, apperror.NewValidation("cost amount must be positive")
	}
	if entry.CostType == "" {
		return nil, apperror.NewValidation("cost type is required")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		entry.ID = id.New()
		if entry.RecordedBy == "" {
			entry.RecordedBy = scope.GetActorID(ctx)
		}
		entry.RecordedAt = s.now()

		if entry.StageNumber != nil {
			stage, err := b.Stage(*entry.StageNumber)
			if err != nil {
				return err
			}
			stage.StageCosts = append(stage.StageCosts, entry)
			return nil
		}
		b.Costs = append(b.Costs, entry)
		return nil
	})
}

// CostSummary is the cost roll-up for one batch.
type CostSummary struct {
	BatchID     id.ID                    `json:"batchId"`
	BatchNumber string                   `json:"batchNumber"`
	TotalCost   types.Money              `json:"totalCost"`
	CostPerUnit types.Money              `json:"costPerUnit"`
	ByType      map[CostType]types.Money `json:"byType"`
	ByStage     map[int]types.Money      `json:"byStage"`
}

// GetCostSummary aggregates the live cost ledger.
func (s *Service) GetCostSummary(ctx context.Context, batchID id.ID) (*CostSummary, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	summary := &CostSummary{
		BatchID:     b.ID,
		BatchNumber: b.BatchNumber,
		TotalCost:   b.TotalCost,
		CostPerUnit: b.CostPerUnit,
		ByType:      make(map[CostType]types.Money),
		ByStage:     make(map[int]types.Money),
	}
	add := func(e *CostEntry, stageNumber int) {
		if prev, ok := summary.ByType[e.CostType]; ok {
			summary.ByType[e.CostType] = prev.Add(e.Amount)
		} else {
			summary.ByType[e.CostType] = e.Amount
		}
		if stageNumber > 0 {
			if prev, ok := summary.ByStage[stageNumber]; ok {
				summary.ByStage[stageNumber] = prev.Add(e.Amount)
			} else {
				summary.ByStage[stageNumber] = e.Amount
			}
		}
	}
	for i := range b.Costs {
		stageNumber := 0
		if b.Costs[i].StageNumber != nil {
			stageNumber = *b.Costs[i].StageNumber
		}
		add(&b.Costs[i], stageNumber)
	}
	for i := range b.Stages {
		for j := range b.Stages[i].StageCosts {
			add(&b.Stages[i].StageCosts[j], b.Stages[i].StageNumber)
		}
	}
	return summary, nil
}

// ProductionMetrics is the derived operational view of one batch.
type ProductionMetrics struct {
	BatchID         id.ID           `json:"batchId"`
	BatchNumber     string          `json:"batchNumber"`
	Status          BatchStatus     `json:"status"`
	ProgressPercent int             `json:"progressPercent"`
	CurrentStage    int             `json:"currentStage"`
	PlannedQuantity types.Quantity  `json:"plannedQuantity"`
	ActualQuantity  *types.Quantity `json:"actualQuantity,omitempty"`
	StagesCompleted int             `json:"stagesCompleted"`
	StagesOnHold    int             `json:"stagesOnHold"`
	ElapsedHours    float64         `json:"elapsedHours"`
	TotalCost       types.Money     `json:"totalCost"`
	CostPerUnit     types.Money     `json:"costPerUnit"`
}

// GetProductionMetrics computes the metrics snapshot.
func (s *Service) GetProductionMetrics(ctx context.Context, batchID id.ID) (*ProductionMetrics, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	m := &ProductionMetrics{
		BatchID:         b.ID,
		BatchNumber:     b.BatchNumber,
		Status:          b.Status,
		ProgressPercent: b.ProgressPercent,
		CurrentStage:    b.CurrentStageNumber,
		PlannedQuantity: b.PlannedQuantity,
		ActualQuantity:  b.ActualQuantity,
		TotalCost:       b.TotalCost,
		CostPerUnit:     b.CostPerUnit,
	}
	for i := range b.Stages {
		switch b.Stages[i].Status {
		case StageCompleted:
			m.StagesCompleted++
		case StageOnHold, StageQualityHold:
			m.StagesOnHold++
		}
	}
	if b.ActualStartDate != nil {
		end := s.now()
		if b.ActualEndDate != nil {
			end = *b.ActualEndDate
		}
		m.ElapsedHours = end.Sub(*b.ActualStartDate).Hours()
	}
	return m, nil
}

// GetStatusHistory returns the append-only status log.
func (s *Service) GetStatusHistory(ctx context.Context, batchID id.ID) ([]StatusChangeLog, error) {
	b, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return b.StatusChangeLogs, nil
}

// AdvanceStage moves the batch to the next named stage after validating the
// formal transition preconditions, and starts that stage.
func (s *Service) AdvanceStage(ctx context.Context, batchID id.ID) (*ProductionBatch, error) {
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		from := b.CurrentStageNumber
		to := from + 1
		if err := ValidateStageTransition(b, from, to); err != nil {
			return err
		}
		next, err := b.Stage(to)
		if err != nil {
			return err
		}
		now := s.now()
		previous := next.Status
		next.Status = StageInProgress
		next.StartedAt = &now
		b.StatusChangeLogs = append(b.StatusChangeLogs, StatusChangeLog{
			StageNumber: &to,
			From:        string(previous),
			To:          string(StageInProgress),
			Reason:      "advanced from previous stage",
			ChangedBy:   scope.GetActorID(ctx),
			ChangedAt:   now,
		})
		return nil
	})
}

// SetActualQuantity records the realized output quantity. From this point
// costPerUnit divides by the actual quantity instead of the planned one.
func (s *Service) SetActualQuantity(ctx context.Context, batchID id.ID, qty types.Quantity) (*ProductionBatch, error) {
	if qty <= 0 {
		return nil, apperror.NewValidation("actual quantity must be positive")
	}
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		b.ActualQuantity = &qty
		return nil
	})
}

// Cancel cancels a batch. A cancelled batch keeps its logs but accepts no
// further mutations through the stage machine.
func (s *Service) Cancel(ctx context.Context, batchID id.ID, reason string) (*ProductionBatch, error) {
	return s.mutate(ctx, batchID, func(b *ProductionBatch) error {
		if b.Status == BatchCompleted {
			return apperror.NewInvalidTransition("completed batch cannot be cancelled")
		}
		previous := b.Status
		b.Status = BatchCancelled
		b.StatusChangeLogs = append(b.StatusChangeLogs, StatusChangeLog{
			From:      string(previous),
			To:        string(BatchCancelled),
			Reason:    reason,
			ChangedBy: scope.GetActorID(ctx),
			ChangedAt: s.now(),
		})
		return nil
	})
}

// Delete removes a batch that was never started. Once in progress, batches
// are cancelled, not deleted.
func (s *Service) Delete(ctx context.Context, batchID id.ID) error {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return err
	}
	b, err := s.repo.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Started() {
		return apperror.NewInvalidTransition("started batch cannot be deleted").
			WithDetail("batch_id", batchID.String()).
			WithDetail("status", string(b.Status))
	}
	return s.repo.Delete(ctx, batchID)
}
