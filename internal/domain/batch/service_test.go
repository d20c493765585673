package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/id"
	"milltrack/internal/core/scope"
	"milltrack/internal/core/types"
	"milltrack/pkg/numerator"
)

// --- in-memory fakes ---

type memBatchRepo struct {
	mu      sync.Mutex
	batches map[id.ID]*ProductionBatch
}

func newMemBatchRepo() *memBatchRepo {
	return &memBatchRepo{batches: make(map[id.ID]*ProductionBatch)}
}

func (r *memBatchRepo) clone(b *ProductionBatch) *ProductionBatch {
	cp := *b
	cp.Stages = append([]BatchStage(nil), b.Stages...)
	for i := range cp.Stages {
		cp.Stages[i].InputMaterials = append([]Material(nil), b.Stages[i].InputMaterials...)
		cp.Stages[i].OutputMaterials = append([]MaterialOutput(nil), b.Stages[i].OutputMaterials...)
		cp.Stages[i].QualityChecks = append([]QualityCheck(nil), b.Stages[i].QualityChecks...)
		cp.Stages[i].StageCosts = append([]CostEntry(nil), b.Stages[i].StageCosts...)
	}
	cp.InputMaterials = append([]Material(nil), b.InputMaterials...)
	cp.OutputMaterials = append([]MaterialOutput(nil), b.OutputMaterials...)
	cp.Costs = append([]CostEntry(nil), b.Costs...)
	cp.StatusChangeLogs = append([]StatusChangeLog(nil), b.StatusChangeLogs...)
	cp.MaterialConsumptionLogs = append([]ConsumptionLog(nil), b.MaterialConsumptionLogs...)
	return &cp
}

func (r *memBatchRepo) Create(_ context.Context, b *ProductionBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[b.ID] = r.clone(b)
	return nil
}

func (r *memBatchRepo) GetByID(_ context.Context, batchID id.ID) (*ProductionBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return nil, apperror.NewNotFound("production batch", batchID)
	}
	return r.clone(b), nil
}

func (r *memBatchRepo) GetByNumber(_ context.Context, number string) (*ProductionBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.batches {
		if b.BatchNumber == number {
			return r.clone(b), nil
		}
	}
	return nil, apperror.NewNotFound("production batch", number)
}

func (r *memBatchRepo) Update(_ context.Context, b *ProductionBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.batches[b.ID]
	if !ok {
		return apperror.NewNotFound("production batch", b.ID)
	}
	if stored.Version != b.Version {
		return apperror.NewConcurrentModification("production batch", b.ID)
	}
	cp := r.clone(b)
	cp.Touch()
	r.batches[b.ID] = cp
	b.SetVersion(cp.Version)
	return nil
}

func (r *memBatchRepo) Delete(_ context.Context, batchID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.batches[batchID]; !ok {
		return apperror.NewNotFound("production batch", batchID)
	}
	delete(r.batches, batchID)
	return nil
}

func (r *memBatchRepo) List(_ context.Context, filter ListFilter) ([]*ProductionBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ProductionBatch
	for _, b := range r.batches {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, r.clone(b))
	}
	return out, nil
}

func (r *memBatchRepo) Count(ctx context.Context, filter ListFilter) (int64, error) {
	list, err := r.List(ctx, filter)
	return int64(len(list)), err
}

type fakeNumbers struct {
	n int
}

func (f *fakeNumbers) GetNextNumber(_ context.Context, cfg numerator.Config, _ *numerator.Options, period time.Time) (string, error) {
	f.n++
	return fmt.Sprintf("%s-%s-%05d", cfg.Prefix, period.Format("2006-01"), f.n), nil
}

func newTestService(t *testing.T) (*Service, *memBatchRepo, context.Context) {
	t.Helper()
	repo := newMemBatchRepo()
	rules, err := NewRuleEvaluator()
	if err != nil {
		t.Fatalf("rule evaluator: %v", err)
	}
	svc := NewService(repo, &fakeNumbers{}, rules, nil)
	ctx := scope.WithActor(context.Background(), &scope.Actor{ActorID: "op-7", CompanyID: "acme"})
	return svc, repo, ctx
}

func createBatch(t *testing.T, svc *Service, ctx context.Context) *ProductionBatch {
	t.Helper()
	b, err := svc.Create(ctx, CreateParams{
		ProductName:     "printed voile",
		PlannedQuantity: types.Meters(1000),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

// completeStage drives one stage through in_progress to completed, passing
// the gate when the template requires one.
func completeStage(t *testing.T, svc *Service, ctx context.Context, batchID id.ID, stageNumber int) *ProductionBatch {
	t.Helper()
	b, err := svc.UpdateStageStatus(ctx, batchID, stageNumber, StageInProgress, "start")
	if err != nil {
		t.Fatalf("stage %d start: %v", stageNumber, err)
	}
	stage, _ := b.Stage(stageNumber)
	if stage.QualityGate.Required {
		if _, err := svc.PassQualityGate(ctx, batchID, stageNumber, ""); err != nil {
			t.Fatalf("stage %d gate: %v", stageNumber, err)
		}
	}
	b, err = svc.UpdateStageStatus(ctx, batchID, stageNumber, StageCompleted, "done")
	if err != nil {
		t.Fatalf("stage %d complete: %v", stageNumber, err)
	}
	return b
}

// --- tests ---

func TestCreate(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	if b.BatchNumber == "" {
		t.Error("batch number must be assigned at creation")
	}
	if len(b.Stages) != StageCount {
		t.Fatalf("stages = %d, want 8", len(b.Stages))
	}
	for i, st := range b.Stages {
		if st.Status != StageNotStarted {
			t.Errorf("stage %d status = %s, want not_started", i+1, st.Status)
		}
		if st.StageNumber != i+1 {
			t.Errorf("stage numbering broken at %d", i)
		}
	}
	if b.Status != BatchPlanned || b.ProgressPercent != 0 || b.CurrentStageNumber != 1 {
		t.Errorf("fresh batch = {%s %d%% stage %d}", b.Status, b.ProgressPercent, b.CurrentStageNumber)
	}
}

func TestCreate_NoCompany(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), CreateParams{PlannedQuantity: types.Meters(10)})
	if appErr, ok := apperror.AsAppError(err); !ok || appErr.Code != apperror.CodeTenancy {
		t.Fatalf("expected TenancyViolation, got %v", err)
	}
}

func TestBatchCompletionInference(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	var final *ProductionBatch
	for n := 1; n <= StageCount; n++ {
		final = completeStage(t, svc, ctx, b.ID, n)
	}

	if final.Status != BatchCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
	if final.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", final.ProgressPercent)
	}
	if final.ActualEndDate == nil {
		t.Error("actual end date must be set on completion")
	}

	systemEntries := 0
	for _, l := range final.StatusChangeLogs {
		if l.System {
			systemEntries++
			if l.To != string(BatchCompleted) {
				t.Errorf("system log to = %s, want completed", l.To)
			}
		}
	}
	if systemEntries != 1 {
		t.Errorf("system log entries = %d, want exactly 1", systemEntries)
	}
}

func TestFailedGateCascadesToQualityHold(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	completeStage(t, svc, ctx, b.ID, 1)
	completeStage(t, svc, ctx, b.ID, 2)
	if _, err := svc.UpdateStageStatus(ctx, b.ID, 3, StageInProgress, ""); err != nil {
		t.Fatal(err)
	}

	got, err := svc.FailQualityGate(ctx, b.ID, 3, "color mismatch")
	if err != nil {
		t.Fatal(err)
	}

	stage, _ := got.Stage(3)
	if stage.Status != StageQualityHold {
		t.Errorf("stage status = %s, want quality_hold", stage.Status)
	}
	if stage.QualityGate.Passed || stage.QualityGate.RejectionReason != "color mismatch" || !stage.QualityGate.RetestRequired {
		t.Errorf("gate = %+v", stage.QualityGate)
	}
	if got.Status != BatchQualityHold {
		t.Errorf("batch status = %s, want quality_hold despite completed stages 1-2", got.Status)
	}

	// Passing the retest releases the hold.
	released, err := svc.PassQualityGate(ctx, b.ID, 3, "retest ok")
	if err != nil {
		t.Fatal(err)
	}
	stage, _ = released.Stage(3)
	if stage.Status != StageInProgress || released.Status != BatchInProgress {
		t.Errorf("after retest: stage %s, batch %s", stage.Status, released.Status)
	}
}

func TestGateBlocksCompletion(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	// Stage 2 (printing) requires a gate.
	completeStage(t, svc, ctx, b.ID, 1)
	if _, err := svc.UpdateStageStatus(ctx, b.ID, 2, StageInProgress, ""); err != nil {
		t.Fatal(err)
	}
	_, err := svc.UpdateStageStatus(ctx, b.ID, 2, StageCompleted, "")
	if !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for uncleared gate, got %v", err)
	}
}

func TestConsumeMaterial_Overconsumption(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	if _, err := svc.AllocateMaterial(ctx, b.ID, 2, Material{
		MaterialID:        "DYE-RED-11",
		Name:              "reactive red",
		Unit:              "kg",
		AllocatedQuantity: decimal.NewFromInt(50),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ConsumeMaterial(ctx, b.ID, 2, "DYE-RED-11", decimal.NewFromInt(40)); err != nil {
		t.Fatal(err)
	}

	_, err := svc.ConsumeMaterial(ctx, b.ID, 2, "DYE-RED-11", decimal.NewFromInt(15))
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeOverconsumption {
		t.Fatalf("expected Overconsumption, got %v", err)
	}

	stored, _ := repo.GetByID(ctx, b.ID)
	stage, _ := stored.Stage(2)
	m := stage.InputMaterials[0]
	if !m.ActualConsumption.Equal(decimal.NewFromInt(40)) {
		t.Errorf("consumption = %s, want unchanged 40", m.ActualConsumption)
	}
	if m.Status != MaterialPartial {
		t.Errorf("status = %s, want partial", m.Status)
	}
	if len(stored.MaterialConsumptionLogs) != 1 {
		t.Errorf("consumption logs = %d, want 1 (no entry for the rejected call)",
			len(stored.MaterialConsumptionLogs))
	}

	// Consuming exactly the remainder settles the material.
	got, err := svc.ConsumeMaterial(ctx, b.ID, 2, "DYE-RED-11", decimal.NewFromInt(10))
	if err != nil {
		t.Fatal(err)
	}
	stage, _ = got.Stage(2)
	if stage.InputMaterials[0].Status != MaterialConsumed {
		t.Errorf("status = %s, want consumed", stage.InputMaterials[0].Status)
	}
}

func TestCostLedgerRecomputation(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	if _, err := svc.AddCost(ctx, b.ID, CostEntry{
		CostType: CostMaterial, Category: "dyes", Amount: types.MustMoney("2500.00"),
	}); err != nil {
		t.Fatal(err)
	}
	stageTwo := 2
	got, err := svc.AddCost(ctx, b.ID, CostEntry{
		CostType: CostLabor, Category: "printing crew", StageNumber: &stageTwo,
		Amount: types.MustMoney("500.00"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if !got.TotalCost.Equal(types.MustMoney("3000.00")) {
		t.Errorf("total = %s, want 3000.00", got.TotalCost)
	}
	// Planned quantity 1000 meters, no actual yet.
	if !got.CostPerUnit.Equal(types.MustMoney("3")) {
		t.Errorf("costPerUnit = %s, want 3", got.CostPerUnit)
	}

	// Setting the actual quantity switches the divisor on the next persist.
	got, err = svc.SetActualQuantity(ctx, b.ID, types.Meters(750))
	if err != nil {
		t.Fatal(err)
	}
	if !got.CostPerUnit.Equal(types.MustMoney("4")) {
		t.Errorf("costPerUnit after actual = %s, want 4", got.CostPerUnit)
	}

	summary, err := svc.GetCostSummary(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.ByType[CostMaterial].Equal(types.MustMoney("2500.00")) ||
		!summary.ByType[CostLabor].Equal(types.MustMoney("500.00")) {
		t.Errorf("byType = %v", summary.ByType)
	}
	if !summary.ByStage[2].Equal(types.MustMoney("500.00")) {
		t.Errorf("byStage = %v", summary.ByStage)
	}
}

func TestRecordQualityCheck_CELRule(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	got, err := svc.RecordQualityCheck(ctx, b.ID, 7, QualityCheck{
		CheckName: "shade and width",
		Rule:      "params.shade_delta <= 1.5 && params.width_cm >= 148.0",
		Parameters: map[string]any{
			"shade_delta": 0.8,
			"width_cm":    150.2,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	stage, _ := got.Stage(7)
	if len(stage.QualityChecks) != 1 || !stage.QualityChecks[0].Passed {
		t.Errorf("checks = %+v, want one passed check", stage.QualityChecks)
	}

	got, err = svc.RecordQualityCheck(ctx, b.ID, 7, QualityCheck{
		CheckName:  "shade and width",
		Rule:       "params.shade_delta <= 1.5",
		Parameters: map[string]any{"shade_delta": 2.4},
	})
	if err != nil {
		t.Fatal(err)
	}
	stage, _ = got.Stage(7)
	if stage.QualityChecks[1].Passed {
		t.Error("out-of-tolerance measurement must fail the rule")
	}

	if _, err := svc.RecordQualityCheck(ctx, b.ID, 7, QualityCheck{
		Rule: "params.shade_delta +", // not a valid expression
	}); err == nil {
		t.Error("invalid rule must be rejected")
	}
}

func TestAdvanceStage(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	// Stage 1 not completed yet.
	if _, err := svc.AdvanceStage(ctx, b.ID); !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}

	completeStage(t, svc, ctx, b.ID, 1)
	got, err := svc.AdvanceStage(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	stage, _ := got.Stage(2)
	if stage.Status != StageInProgress {
		t.Errorf("stage 2 status = %s, want in_progress", stage.Status)
	}
	if got.CurrentStageNumber != 2 {
		t.Errorf("current stage = %d, want 2", got.CurrentStageNumber)
	}
}

func TestDeleteOnlyBeforeStart(t *testing.T) {
	svc, _, ctx := newTestService(t)

	fresh := createBatch(t, svc, ctx)
	if err := svc.Delete(ctx, fresh.ID); err != nil {
		t.Fatalf("deleting an unstarted batch must succeed: %v", err)
	}

	started := createBatch(t, svc, ctx)
	if _, err := svc.UpdateStageStatus(ctx, started.ID, 1, StageInProgress, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, started.ID); !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition deleting a started batch, got %v", err)
	}
}

func TestOptimisticLocking(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	stale, _ := repo.GetByID(ctx, b.ID)
	if _, err := svc.UpdateStageStatus(ctx, b.ID, 1, StageInProgress, ""); err != nil {
		t.Fatal(err)
	}

	// Writing through the stale copy conflicts.
	err := repo.Update(ctx, stale)
	if !apperror.IsConcurrentModification(err) {
		t.Fatalf("expected ConcurrentModification, got %v", err)
	}
}

func TestGetProductionMetrics(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	completeStage(t, svc, ctx, b.ID, 1)
	if _, err := svc.UpdateStageStatus(ctx, b.ID, 2, StageInProgress, ""); err != nil {
		t.Fatal(err)
	}

	m, err := svc.GetProductionMetrics(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.StagesCompleted != 1 {
		t.Errorf("completed = %d, want 1", m.StagesCompleted)
	}
	if m.Status != BatchInProgress || m.CurrentStage != 2 {
		t.Errorf("metrics = {%s stage %d}", m.Status, m.CurrentStage)
	}
}

func TestGetStatusHistory(t *testing.T) {
	svc, _, ctx := newTestService(t)
	b := createBatch(t, svc, ctx)

	completeStage(t, svc, ctx, b.ID, 1)
	history, err := svc.GetStatusHistory(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history entries = %d, want 2 (start + complete)", len(history))
	}
	if history[0].To != string(StageInProgress) || history[1].To != string(StageCompleted) {
		t.Errorf("history = %+v", history)
	}
}
