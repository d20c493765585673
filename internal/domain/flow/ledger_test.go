package flow

import (
	"context"
	"testing"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/types"
)

func TestApplyOutput_Conservation(t *testing.T) {
	l := NewStageLedger("acme", StagePrinting, "LOT-1", types.Meters(100))

	if err := l.ApplyOutput(types.Meters(80), types.Meters(10)); err != nil {
		t.Fatalf("ApplyOutput: %v", err)
	}

	if l.OutputQuantity != types.Meters(80) {
		t.Errorf("output = %s, want 80", l.OutputQuantity)
	}
	if l.ByproductQuantity != types.Meters(10) {
		t.Errorf("byproduct = %s, want 10", l.ByproductQuantity)
	}
	if l.PendingQuantity != types.Meters(10) {
		t.Errorf("pending = %s, want 10", l.PendingQuantity)
	}
	if l.Status != LedgerInProgress {
		t.Errorf("status = %s, want in_progress", l.Status)
	}
	if l.InputQuantity != l.OutputQuantity+l.ByproductQuantity+l.PendingQuantity {
		t.Error("conservation invariant broken")
	}
}

func TestApplyOutput_Cumulative(t *testing.T) {
	l := NewStageLedger("acme", StagePrinting, "LOT-1", types.Meters(100))

	if err := l.ApplyOutput(types.Meters(80), types.Meters(10)); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyOutput(types.Meters(10), 0); err != nil {
		t.Fatal(err)
	}

	if l.OutputQuantity != types.Meters(90) {
		t.Errorf("output = %s, want 90", l.OutputQuantity)
	}
	if l.PendingQuantity != 0 {
		t.Errorf("pending = %s, want 0", l.PendingQuantity)
	}
	if l.Status != LedgerCompleted {
		t.Errorf("status = %s, want completed", l.Status)
	}
}

func TestApplyOutput_OverForwarding(t *testing.T) {
	l := NewStageLedger("acme", StagePrinting, "LOT-1", types.Meters(100))
	if err := l.ApplyOutput(types.Meters(80), types.Meters(10)); err != nil {
		t.Fatal(err)
	}

	err := l.ApplyOutput(types.Meters(15), 0)
	if !apperror.IsConservationViolation(err) {
		t.Fatalf("expected ConservationViolation, got %v", err)
	}
	if l.OutputQuantity != types.Meters(80) || l.ByproductQuantity != types.Meters(10) ||
		l.PendingQuantity != types.Meters(10) || l.Status != LedgerInProgress {
		t.Error("ledger must be unchanged after a rejected call")
	}
}

func TestApplyOutput_NegativeQuantity(t *testing.T) {
	l := NewStageLedger("acme", StagePrinting, "LOT-1", types.Meters(100))
	if err := l.ApplyOutput(types.Meters(-5), 0); !apperror.IsConservationViolation(err) {
		t.Fatalf("expected ConservationViolation for negative quantity, got %v", err)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name                     string
		input, output, byproduct types.Quantity
		want                     LedgerStatus
	}{
		{"untouched", types.Meters(100), 0, 0, LedgerPending},
		{"partial", types.Meters(100), types.Meters(60), types.Meters(10), LedgerInProgress},
		{"complete", types.Meters(100), types.Meters(90), types.Meters(10), LedgerCompleted},
		{"all byproduct", types.Meters(100), 0, types.Meters(100), LedgerCompleted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DeriveStatus(c.input, c.output, c.byproduct)
			if got != c.want {
				t.Errorf("DeriveStatus = %s, want %s", got, c.want)
			}
			// Pure function of state: repeating the derivation cannot change it.
			if again := DeriveStatus(c.input, c.output, c.byproduct); again != got {
				t.Errorf("DeriveStatus not idempotent: %s then %s", got, again)
			}
		})
	}
}

func TestLedgerValidate(t *testing.T) {
	ctx := context.Background()

	l := NewStageLedger("acme", StageWashing, "LOT-7", types.Meters(50))
	if err := l.Validate(ctx); err != nil {
		t.Errorf("valid ledger rejected: %v", err)
	}

	noCompany := NewStageLedger("", StageWashing, "LOT-7", types.Meters(50))
	if err := noCompany.Validate(ctx); err == nil {
		t.Error("expected tenancy error for empty company")
	}

	broken := NewStageLedger("acme", StageWashing, "LOT-7", types.Meters(50))
	broken.PendingQuantity = types.Meters(40)
	if err := broken.Validate(ctx); !apperror.IsConservationViolation(err) {
		t.Errorf("expected ConservationViolation for unbalanced ledger, got %v", err)
	}
}

func TestStageChain(t *testing.T) {
	if StageBleaching.Next() != StagePrinting {
		t.Error("bleaching must forward to printing")
	}
	if StagePacking.Next() != "" || !StagePacking.IsTerminal() {
		t.Error("packing is the terminal stage")
	}
	if StagePrinting.Prev() != StageBleaching {
		t.Error("printing upstream is bleaching")
	}
	if StageBleaching.Prev() != "" {
		t.Error("bleaching has no upstream")
	}
	if StageWashing.PoolKind() != PoolOverflow {
		t.Error("washing byproduct goes to the overflow pool")
	}
	if StagePrinting.PoolKind() != PoolLoss {
		t.Error("printing byproduct goes to the loss pool")
	}
	if StagePrinting.ByproductReason() != "printing rejection" {
		t.Errorf("unexpected reason %q", StagePrinting.ByproductReason())
	}
	if StageWashing.ByproductReason() != "washing shrinkage" {
		t.Errorf("unexpected reason %q", StageWashing.ByproductReason())
	}
}
