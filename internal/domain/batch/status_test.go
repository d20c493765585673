package batch

import (
	"testing"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/types"
)

func testBatch() *ProductionBatch {
	return NewProductionBatch("acme", "printed voile", types.Meters(1000), PriorityNormal)
}

func TestDeriveBatchStatus(t *testing.T) {
	set := func(b *ProductionBatch, statuses ...StageStatus) {
		for i, st := range statuses {
			b.Stages[i].Status = st
		}
	}

	t.Run("all not started is planned", func(t *testing.T) {
		b := testBatch()
		if got := DeriveBatchStatus(b.Stages, b.Status); got != BatchPlanned {
			t.Errorf("got %s, want planned", got)
		}
	})

	t.Run("quality hold dominates", func(t *testing.T) {
		b := testBatch()
		set(b, StageCompleted, StageCompleted, StageQualityHold, StageOnHold, StageInProgress)
		if got := DeriveBatchStatus(b.Stages, b.Status); got != BatchQualityHold {
			t.Errorf("got %s, want quality_hold", got)
		}
	})

	t.Run("on hold beats in progress", func(t *testing.T) {
		b := testBatch()
		set(b, StageCompleted, StageOnHold, StageInProgress)
		if got := DeriveBatchStatus(b.Stages, b.Status); got != BatchOnHold {
			t.Errorf("got %s, want on_hold", got)
		}
	})

	t.Run("all closed is completed", func(t *testing.T) {
		b := testBatch()
		set(b, StageCompleted, StageCompleted, StageCompleted, StageSkipped,
			StageCompleted, StageCompleted, StageCompleted, StageCompleted)
		if got := DeriveBatchStatus(b.Stages, b.Status); got != BatchCompleted {
			t.Errorf("got %s, want completed", got)
		}
	})

	t.Run("cancelled is sticky", func(t *testing.T) {
		b := testBatch()
		set(b, StageInProgress)
		if got := DeriveBatchStatus(b.Stages, BatchCancelled); got != BatchCancelled {
			t.Errorf("got %s, want cancelled", got)
		}
	})
}

func TestDeriveProgress(t *testing.T) {
	b := testBatch()
	if DeriveProgress(b.Stages) != 0 {
		t.Error("fresh batch progress must be 0")
	}

	for i := 0; i < 4; i++ {
		b.Stages[i].Status = StageCompleted
	}
	b.Stages[4].Status = StageInProgress
	b.Stages[4].Progress = 50
	// 4*100 + 50 over 8 stages.
	if got := DeriveProgress(b.Stages); got != 56 {
		t.Errorf("progress = %d, want 56", got)
	}

	for i := range b.Stages {
		b.Stages[i].Status = StageCompleted
		b.Stages[i].Progress = 100
	}
	if got := DeriveProgress(b.Stages); got != 100 {
		t.Errorf("progress = %d, want 100", got)
	}
}

func TestValidateStageTransition_NonSequential(t *testing.T) {
	b := testBatch()
	b.Stages[1].Status = StageCompleted

	err := ValidateStageTransition(b, 2, 4)
	if !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for 2 -> 4, got %v", err)
	}
}

func TestValidateStageTransition_Preconditions(t *testing.T) {
	b := testBatch()

	// Source not completed.
	b.Stages[0].Status = StageInProgress
	if err := ValidateStageTransition(b, 1, 2); !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for incomplete source, got %v", err)
	}

	// Completed but gate required and not passed. Stage 2 (printing) requires
	// a gate by template, stage 1 (bleaching) does not.
	b.Stages[1].Status = StageCompleted
	if err := ValidateStageTransition(b, 2, 3); !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for unpassed gate, got %v", err)
	}
	b.Stages[1].QualityGate.Passed = true
	if err := ValidateStageTransition(b, 2, 3); err != nil {
		t.Fatalf("valid transition rejected: %v", err)
	}

	// Unsettled material blocks the advance.
	b.Stages[1].InputMaterials = []Material{{
		MaterialID: "DYE-1", Status: MaterialPartial,
	}}
	if err := ValidateStageTransition(b, 2, 3); !apperror.IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for unsettled material, got %v", err)
	}
	b.Stages[1].InputMaterials[0].Status = MaterialConsumed
	if err := ValidateStageTransition(b, 2, 3); err != nil {
		t.Fatalf("settled material still rejected: %v", err)
	}
}

func TestCanTransitionStageStatus(t *testing.T) {
	cases := []struct {
		from, to StageStatus
		want     bool
	}{
		{StageNotStarted, StageInProgress, true},
		{StageNotStarted, StageCompleted, false},
		{StageInProgress, StageCompleted, true},
		{StageInProgress, StageQualityHold, true},
		{StageQualityHold, StageInProgress, true},
		{StageQualityHold, StageSkipped, false},
		{StageCompleted, StageInProgress, false},
		{StageFailed, StageInProgress, false},
	}
	for _, c := range cases {
		if got := CanTransitionStageStatus(c.from, c.to); got != c.want {
			t.Errorf("%s -> %s = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
