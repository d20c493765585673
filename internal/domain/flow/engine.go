package flow

import (
	"context"
	"fmt"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/id"
	"milltrack/internal/core/scope"
	"milltrack/internal/core/types"
	"milltrack/pkg/logger"
)

// AuditRecorder receives a copy of every ledger mutation and every forwarding
// outcome. The postgres implementation compresses and stores the payloads;
// a nil recorder disables auditing.
type AuditRecorder interface {
	LedgerMutated(ctx context.Context, action string, ledger *StageLedger)
	ForwardOutcome(ctx context.Context, step *ForwardStep, stepErr error)
}

// ForwardResult is what one RecordOutput call produced.
type ForwardResult struct {
	Ledger        *StageLedger `json:"ledger"`
	ByproductPool *BypassPool  `json:"byproductPool,omitempty"`
	NextLedger    *StageLedger `json:"nextLedger,omitempty"`
}

// Engine is the flow forwarding engine. One RecordOutput call updates the
// source ledger transactionally, then applies the byproduct and downstream
// side effects as outbox steps. A side effect that fails after the source
// update committed surfaces as PartialForwardFailure and stays pending for
// the reconciliation worker.
type Engine struct {
	ledgers LedgerRepository
	pools   PoolRepository
	steps   ForwardStepRepository
	audit   AuditRecorder
	log     *logger.Logger
}

// NewEngine creates a forwarding engine. audit may be nil.
func NewEngine(ledgers LedgerRepository, pools PoolRepository, steps ForwardStepRepository, audit AuditRecorder, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		ledgers: ledgers,
		pools:   pools,
		steps:   steps,
		audit:   audit,
		log:     log.WithComponent("flow.engine"),
	}
}

// CreateLedgerParams describes an operator-created first-stage ledger.
type CreateLedgerParams struct {
	Stage      StageType
	LotNumber  string
	PartyName  string
	CustomerID string
	Quality    string
	Input      types.Quantity
}

// CreateInitialLedger creates a ledger directly, without an upstream stage.
// Normally used for the first stage of a chain when a lot enters the factory.
func (e *Engine) CreateInitialLedger(ctx context.Context, params CreateLedgerParams) (*StageLedger, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	ledger := NewStageLedger(companyID, params.Stage, params.LotNumber, params.Input)
	ledger.PartyName = params.PartyName
	ledger.CustomerID = params.CustomerID
	ledger.Quality = params.Quality
	ledger.CreatedBy = scope.GetActorID(ctx)
	ledger.UpdatedBy = ledger.CreatedBy

	if err := ledger.Validate(ctx); err != nil {
		return nil, err
	}
	if err := e.ledgers.Create(ctx, ledger); err != nil {
		return nil, err
	}

	if e.audit != nil {
		e.audit.LedgerMutated(ctx, "create", ledger)
	}
	e.log.WithContext(ctx).Infow("ledger created",
		"ledger_id", ledger.ID, "stage", ledger.StageType, "lot", ledger.LotNumber,
		"input", ledger.InputQuantity)
	return ledger, nil
}

// RecordOutput records one output split on a ledger: forwarded quantity moves
// to the next stage, byproduct quantity to the stage's bypass pool, the rest
// stays pending. Recordings are cumulative until pending reaches zero.
//
// The source ledger update and the outbox step records commit in one
// transaction. The pool entry and the downstream ledger are then created
// outside it; if either fails, the call returns PartialForwardFailure and the
// failed step remains pending for the worker.
func (e *Engine) RecordOutput(ctx context.Context, stage StageType, ledgerID id.ID, forwarded, byproduct types.Quantity) (*ForwardResult, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	if forwarded < 0 || byproduct < 0 {
		return nil, apperror.NewConservationViolation("quantities must be non-negative")
	}
	if forwarded == 0 && byproduct == 0 {
		return nil, apperror.NewValidation("nothing to record: forwarded and byproduct are both zero")
	}

	txm, err := scope.GetTxManager(ctx)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}

	var (
		ledger   *StageLedger
		newSteps []*ForwardStep
	)
	err = txm.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		ledger, err = e.ledgers.GetForUpdate(ctx, stage, ledgerID)
		if err != nil {
			return err
		}
		if err := ledger.ApplyOutput(forwarded, byproduct); err != nil {
			return err
		}
		ledger.UpdatedBy = scope.GetActorID(ctx)

		if byproduct > 0 {
			newSteps = append(newSteps, NewForwardStep(ledger, StepByproduct, byproduct))
		}
		if forwarded > 0 && !stage.IsTerminal() {
			newSteps = append(newSteps, NewForwardStep(ledger, StepDownstream, forwarded))
		}

		if err := e.ledgers.Update(ctx, ledger); err != nil {
			return err
		}
		if len(newSteps) > 0 {
			return e.steps.Create(ctx, newSteps...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.audit != nil {
		e.audit.LedgerMutated(ctx, "record_output", ledger)
	}

	// The source update is committed. From here on, failures are partial.
	result := &ForwardResult{Ledger: ledger}
	var failed []*ForwardStep
	for _, step := range newSteps {
		created, stepErr := e.ExecuteStep(ctx, step)
		if stepErr != nil {
			failed = append(failed, step)
			continue
		}
		switch step.Kind {
		case StepByproduct:
			result.ByproductPool = created.(*BypassPool)
		case StepDownstream:
			result.NextLedger = created.(*StageLedger)
			result.Ledger.AddDownstreamRef(result.NextLedger.ID)
		}
	}

	if len(failed) > 0 {
		appErr := apperror.NewPartialForward("forwarding side effects incomplete").
			WithDetail("ledger_id", ledger.ID.String()).
			WithDetail("stage", string(stage)).
			WithDetail("lot", ledger.LotNumber).
			WithDetail("forwarded", forwarded.String()).
			WithDetail("byproduct", byproduct.String())
		for _, step := range failed {
			appErr = appErr.WithDetail(string(step.Kind)+"_step_id", step.ID.String())
		}
		e.log.WithContext(ctx).Errorw("partial forward failure",
			"ledger_id", ledger.ID, "stage", stage, "failed_steps", len(failed))
		return nil, appErr
	}

	e.log.WithContext(ctx).Infow("output recorded",
		"ledger_id", ledger.ID, "stage", stage,
		"forwarded", forwarded, "byproduct", byproduct,
		"pending", ledger.PendingQuantity, "status", ledger.Status)
	return result, nil
}

// ExecuteStep applies one forwarding side effect and records the outcome on
// the step. Called inline by RecordOutput and again by the reconciliation
// worker for steps left pending. Returns the created record.
func (e *Engine) ExecuteStep(ctx context.Context, step *ForwardStep) (any, error) {
	created, err := e.applyStep(ctx, step)
	if err != nil {
		step.MarkAttemptFailed(err)
		if updErr := e.steps.Update(ctx, step); updErr != nil {
			e.log.WithContext(ctx).Errorw("failed to persist step failure",
				"step_id", step.ID, "error", updErr)
		}
		if e.audit != nil {
			e.audit.ForwardOutcome(ctx, step, err)
		}
		return nil, err
	}

	var resultID id.ID
	switch rec := created.(type) {
	case *BypassPool:
		resultID = rec.ID
	case *StageLedger:
		resultID = rec.ID
	}
	step.MarkDone(resultID)
	if err := e.steps.Update(ctx, step); err != nil {
		// The effect is applied; a stale step record is a worker retry away
		// from being healed, so report but do not fail the call.
		e.log.WithContext(ctx).Warnw("step done but record not updated",
			"step_id", step.ID, "error", err)
	}
	if e.audit != nil {
		e.audit.ForwardOutcome(ctx, step, nil)
	}
	return created, nil
}

// applyStep applies the step's side effect. The created record's ID is
// derived from the step ID, so a retry after a partial failure finds the
// record the earlier attempt created instead of applying the quantity twice.
func (e *Engine) applyStep(ctx context.Context, step *ForwardStep) (any, error) {
	source, err := e.ledgers.GetByID(ctx, step.SourceStage, step.SourceLedgerID)
	if err != nil {
		return nil, err
	}

	switch step.Kind {
	case StepByproduct:
		poolID := id.Derive(step.ID, "pool")
		existing, err := e.pools.GetByID(ctx, source.StageType.PoolKind(), poolID)
		if err != nil && !apperror.IsNotFound(err) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		pool := NewBypassPool(source, step.Quantity)
		pool.ID = poolID
		pool.CreatedBy = scope.GetActorID(ctx)
		if err := e.pools.Create(ctx, pool); err != nil {
			return nil, err
		}
		return pool, nil

	case StepDownstream:
		next := step.SourceStage.Next()
		if next == "" {
			return nil, apperror.NewInvalidTransition("terminal stage has no downstream").
				WithDetail("stage", string(step.SourceStage))
		}
		childID := id.Derive(step.ID, "ledger")
		child, err := e.ledgers.GetByID(ctx, next, childID)
		if err != nil && !apperror.IsNotFound(err) {
			return nil, err
		}
		if child == nil {
			child = NewStageLedger(source.CompanyID, next, source.LotNumber, step.Quantity)
			child.ID = childID
			child.PartyName = source.PartyName
			child.CustomerID = source.CustomerID
			child.Quality = e.traceQuality(ctx, source)
			child.UpstreamRef = &source.ID
			child.CreatedBy = scope.GetActorID(ctx)
			if err := e.ledgers.Create(ctx, child); err != nil {
				return nil, err
			}
		}

		// Link the parent. When the earlier attempt created the child but lost
		// the back reference, only the missing link is written here.
		if source.AddDownstreamRef(child.ID) {
			if err := e.ledgers.Update(ctx, source); err != nil {
				return nil, err
			}
		}
		return child, nil

	default:
		return nil, fmt.Errorf("unknown forward step kind %q", step.Kind)
	}
}

// traceQuality walks up the ledger chain and returns the quality attribute of
// the nearest ancestor carrying one. The chain does not repeat quality at
// every stage, so the source itself often has it empty.
func (e *Engine) traceQuality(ctx context.Context, source *StageLedger) string {
	cur := source
	stage := source.StageType
	for {
		if cur.Quality != "" {
			return cur.Quality
		}
		if cur.UpstreamRef == nil {
			return ""
		}
		stage = stage.Prev()
		if stage == "" {
			return ""
		}
		parent, err := e.ledgers.GetByID(ctx, stage, *cur.UpstreamRef)
		if err != nil {
			e.log.WithContext(ctx).Warnw("quality trace stopped",
				"ledger_id", cur.ID, "upstream_ref", cur.UpstreamRef, "error", err)
			return ""
		}
		cur = parent
	}
}

// ResolveLot searches all stage collections for the most recent ledger
// matching the lot number, in chain order, and reports which stage it was
// found in. Best-effort: returns (nil, nil) when the lot is unknown, and the
// first match when the lot exists in several chains.
func (e *Engine) ResolveLot(ctx context.Context, lotNumber string) (*LotDescriptor, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	if lotNumber == "" {
		return nil, apperror.NewValidation("lot number is required")
	}

	for _, stage := range StageChain {
		ledger, err := e.ledgers.FindLatestByLot(ctx, stage, lotNumber)
		if err != nil {
			return nil, err
		}
		if ledger == nil {
			continue
		}
		return &LotDescriptor{
			LotNumber:  ledger.LotNumber,
			PartyName:  ledger.PartyName,
			CustomerID: ledger.CustomerID,
			Quality:    e.traceQuality(ctx, ledger),
			FoundIn:    stage,
			LedgerID:   ledger.ID,
		}, nil
	}
	return nil, nil
}

// GetLedger loads one ledger by stage and ID.
func (e *Engine) GetLedger(ctx context.Context, stage StageType, ledgerID id.ID) (*StageLedger, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	return e.ledgers.GetByID(ctx, stage, ledgerID)
}

// ListLedgers lists ledgers of one stage collection.
func (e *Engine) ListLedgers(ctx context.Context, stage StageType, filter LedgerFilter) ([]*StageLedger, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	return e.ledgers.List(ctx, stage, filter)
}

// ListPools lists bypass pool entries.
func (e *Engine) ListPools(ctx context.Context, filter PoolFilter) ([]*BypassPool, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	return e.pools.List(ctx, filter)
}

// TransitionPool moves a pool entry through its status lifecycle.
func (e *Engine) TransitionPool(ctx context.Context, kind PoolKind, poolID id.ID, to PoolStatus) (*BypassPool, error) {
	if _, err := scope.RequireCompany(ctx); err != nil {
		return nil, err
	}
	pool, err := e.pools.GetByID(ctx, kind, poolID)
	if err != nil {
		return nil, err
	}
	if err := pool.Transition(to); err != nil {
		return nil, err
	}
	pool.UpdatedBy = scope.GetActorID(ctx)
	if err := e.pools.Update(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}
