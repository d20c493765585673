package postgres

import (
	"testing"

	"milltrack/internal/core/types"
	"milltrack/internal/domain/flow"
)

func TestExtractDBColumns(t *testing.T) {
	cols := ExtractDBColumns[flow.StageLedger]()

	want := map[string]bool{
		"id": false, "company_id": false, "version": false,
		"stage_type": false, "lot_number": false,
		"input_quantity": false, "output_quantity": false,
		"byproduct_quantity": false, "pending_quantity": false,
		"status": false, "upstream_ref": false, "downstream_refs": false,
	}
	for _, c := range cols {
		if _, ok := want[c]; ok {
			want[c] = true
		}
	}
	for col, seen := range want {
		if !seen {
			t.Errorf("column %q missing from extraction", col)
		}
	}
}

func TestStructToMap(t *testing.T) {
	l := flow.NewStageLedger("acme", flow.StagePrinting, "LOT-1", types.Meters(100))
	m := StructToMap(l)

	if m["company_id"] != "acme" {
		t.Errorf("company_id = %v", m["company_id"])
	}
	if m["lot_number"] != "LOT-1" {
		t.Errorf("lot_number = %v", m["lot_number"])
	}
	if m["stage_type"] != flow.StagePrinting {
		t.Errorf("stage_type = %v", m["stage_type"])
	}
	// Embedded BaseRecord fields are flattened to the top level.
	if _, ok := m["id"]; !ok {
		t.Error("embedded id column missing")
	}
	if _, ok := m["version"]; !ok {
		t.Error("embedded version column missing")
	}
}

func TestStructToMap_NonStruct(t *testing.T) {
	if m := StructToMap(42); m != nil {
		t.Errorf("expected nil for non-struct, got %v", m)
	}
}
