// Package flow implements the stage ledger chain and the forwarding engine.
//
// A physical lot of fabric moves through a fixed chain of processing stages.
// Each stage holds a ledger recording how its input quantity splits into
// forwarded output, byproduct and pending work-in-progress. Forwarding a
// quantity creates the next stage's ledger; byproduct quantities land in one
// of two bypass pools (loss or overflow) shared by all stages.
package flow

import (
	"fmt"
)

// StageType identifies one processing stage in the physical chain.
type StageType string

const (
	StageBleaching StageType = "bleaching"
	StagePrinting  StageType = "printing"
	StageCuring    StageType = "curing"
	StageWashing   StageType = "washing"
	StageFinishing StageType = "finishing"
	StageFelting   StageType = "felting"
	StageChecking  StageType = "checking"
	StagePacking   StageType = "packing"
)

// StageChain is the fixed processing order. ResolveLot scans collections in
// this order, and forwarding always targets the next element.
var StageChain = []StageType{
	StageBleaching,
	StagePrinting,
	StageCuring,
	StageWashing,
	StageFinishing,
	StageFelting,
	StageChecking,
	StagePacking,
}

// IsValid reports whether the stage type is a known chain member.
func (s StageType) IsValid() bool {
	for _, st := range StageChain {
		if st == s {
			return true
		}
	}
	return false
}

// Next returns the downstream stage, or "" for the terminal stage (packing).
func (s StageType) Next() StageType {
	for i, st := range StageChain {
		if st == s && i+1 < len(StageChain) {
			return StageChain[i+1]
		}
	}
	return ""
}

// Prev returns the upstream stage, or "" for the first stage (bleaching).
func (s StageType) Prev() StageType {
	for i, st := range StageChain {
		if st == s && i > 0 {
			return StageChain[i-1]
		}
	}
	return ""
}

// IsTerminal reports whether the stage has no downstream stage.
func (s StageType) IsTerminal() bool {
	return s == StagePacking
}

// Position returns the 1-based chain position, or 0 for unknown stages.
func (s StageType) Position() int {
	for i, st := range StageChain {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// PoolKind selects which bypass pool absorbs a stage's byproduct.
// Wet stages shed measurable length to shrinkage (overflow pool);
// the rest produce rejects and waste (loss pool).
func (s StageType) PoolKind() PoolKind {
	switch s {
	case StageWashing, StageFinishing, StageFelting:
		return PoolOverflow
	default:
		return PoolLoss
	}
}

// ByproductReason is the default reason recorded on a pool entry created from
// this stage's byproduct quantity.
func (s StageType) ByproductReason() string {
	switch s.PoolKind() {
	case PoolOverflow:
		return fmt.Sprintf("%s shrinkage", s)
	default:
		return fmt.Sprintf("%s rejection", s)
	}
}

// ParseStageType validates and converts a raw string.
func ParseStageType(raw string) (StageType, error) {
	s := StageType(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown stage type %q", raw)
	}
	return s, nil
}
