package batch

import (
	"milltrack/internal/core/apperror"
)

// StageStatus is the per-stage state machine.
type StageStatus string

const (
	StageNotStarted  StageStatus = "not_started"
	StageInProgress  StageStatus = "in_progress"
	StageCompleted   StageStatus = "completed"
	StageOnHold      StageStatus = "on_hold"
	StageQualityHold StageStatus = "quality_hold"
	StageFailed      StageStatus = "failed"
	StageSkipped     StageStatus = "skipped"
)

// BatchStatus is derived from the 8 stage statuses on every persist, except
// for planned (nothing started yet) and cancelled (explicit).
type BatchStatus string

const (
	BatchPlanned     BatchStatus = "planned"
	BatchInProgress  BatchStatus = "in_progress"
	BatchOnHold      BatchStatus = "on_hold"
	BatchQualityHold BatchStatus = "quality_hold"
	BatchCompleted   BatchStatus = "completed"
	BatchCancelled   BatchStatus = "cancelled"
)

// stageStatusTransitions: the main path is not_started → in_progress →
// completed, with hold side-loops and failed/skipped as terminal exceptions.
var stageStatusTransitions = map[StageStatus][]StageStatus{
	StageNotStarted:  {StageInProgress, StageSkipped},
	StageInProgress:  {StageCompleted, StageOnHold, StageQualityHold, StageFailed, StageSkipped},
	StageOnHold:      {StageInProgress, StageFailed, StageSkipped},
	StageQualityHold: {StageInProgress, StageFailed},
	StageCompleted:   {},
	StageFailed:      {},
	StageSkipped:     {},
}

// CanTransitionStageStatus reports whether the stage status move is allowed.
func CanTransitionStageStatus(from, to StageStatus) bool {
	for _, allowed := range stageStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DeriveBatchStatus scans all stages and derives the batch status. The scan
// order encodes precedence: a quality hold anywhere dominates, then a hold,
// then any activity. current is needed to preserve the explicit cancelled
// state, which no stage scan can produce.
func DeriveBatchStatus(stages []BatchStage, current BatchStatus) BatchStatus {
	if current == BatchCancelled {
		return BatchCancelled
	}

	var anyQualityHold, anyOnHold, anyInProgress, anyStarted bool
	allDone := true
	for i := range stages {
		switch stages[i].Status {
		case StageQualityHold:
			anyQualityHold = true
		case StageOnHold:
			anyOnHold = true
		case StageInProgress:
			anyInProgress = true
		}
		if stages[i].Status != StageNotStarted {
			anyStarted = true
		}
		switch stages[i].Status {
		case StageCompleted, StageSkipped:
		default:
			allDone = false
		}
	}

	switch {
	case anyQualityHold:
		return BatchQualityHold
	case anyOnHold:
		return BatchOnHold
	case anyInProgress:
		return BatchInProgress
	case allDone && len(stages) > 0:
		return BatchCompleted
	case anyStarted:
		return BatchInProgress
	default:
		return BatchPlanned
	}
}

// DeriveProgress returns the batch progress percentage: completed and skipped
// stages count full, an in-progress stage contributes its own progress.
func DeriveProgress(stages []BatchStage) int {
	if len(stages) == 0 {
		return 0
	}
	total := 0
	for i := range stages {
		switch stages[i].Status {
		case StageCompleted, StageSkipped:
			total += 100
		case StageInProgress, StageOnHold, StageQualityHold:
			p := stages[i].Progress
			if p > 100 {
				p = 100
			}
			if p < 0 {
				p = 0
			}
			total += p
		}
	}
	return total / len(stages)
}

// deriveCurrentStage returns the first stage not yet completed or skipped,
// or the last stage number when everything is done.
func deriveCurrentStage(stages []BatchStage) int {
	for i := range stages {
		switch stages[i].Status {
		case StageCompleted, StageSkipped:
			continue
		default:
			return stages[i].StageNumber
		}
	}
	if len(stages) == 0 {
		return 1
	}
	return stages[len(stages)-1].StageNumber
}

// ValidateStageTransition is the formal precondition for advancing the batch
// from one named stage to the next: strictly sequential, the source stage
// completed, its quality gate cleared, and no input material left allocated
// or partially consumed.
func ValidateStageTransition(b *ProductionBatch, from, to int) error {
	if to != from+1 {
		return apperror.NewInvalidTransition("stages must be advanced strictly sequentially").
			WithDetail("from", from).
			WithDetail("to", to)
	}
	source, err := b.Stage(from)
	if err != nil {
		return err
	}
	if _, err := b.Stage(to); err != nil {
		return err
	}
	if source.Status != StageCompleted {
		return apperror.NewInvalidTransition("source stage is not completed").
			WithDetail("stage", from).
			WithDetail("status", string(source.Status))
	}
	if !source.GateCleared() {
		return apperror.NewInvalidTransition("source stage quality gate not passed").
			WithDetail("stage", from)
	}
	if !source.MaterialsSettled() {
		return apperror.NewInvalidTransition("source stage has unsettled input materials").
			WithDetail("stage", from)
	}
	return nil
}
