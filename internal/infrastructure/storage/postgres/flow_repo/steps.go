package flow_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"milltrack/internal/core/apperror"
	"milltrack/internal/domain/flow"
	"milltrack/internal/infrastructure/storage/postgres"
)

var _ flow.ForwardStepRepository = (*StepRepo)(nil)

const stepTable = "flow_forward_steps"

// StepRepo persists forwarding outbox steps. Unlike the ledger and pool
// repos, claiming is system-scoped: the reconciliation worker sweeps pending
// steps across all companies and restores each step's own company scope
// before executing it.
type StepRepo struct {
	cols []string
}

// NewStepRepo creates the repo.
func NewStepRepo() *StepRepo {
	return &StepRepo{
		cols: postgres.ExtractDBColumns[flow.ForwardStep](),
	}
}

// Create writes steps inside the caller's transaction.
func (r *StepRepo) Create(ctx context.Context, steps ...*flow.ForwardStep) error {
	if len(steps) == 0 {
		return nil
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	for _, step := range steps {
		data := filterColumns(postgres.StructToMap(step), r.cols)
		q := builder().Insert(stepTable).SetMap(data)
		sql, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := querier.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert forward step: %w", err)
		}
	}
	return nil
}

// Update persists a step's status and retry bookkeeping.
func (r *StepRepo) Update(ctx context.Context, step *flow.ForwardStep) error {
	version := step.Version
	q := builder().
		Update(stepTable).
		Set("status", step.Status).
		Set("result_id", step.ResultID).
		Set("attempts", step.Attempts).
		Set("last_error", step.LastError).
		Set("next_retry_at", step.NextRetryAt).
		Set("updated_at", time.Now().UTC()).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": step.ID}).
		Where(squirrel.Eq{"version": version})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update forward step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("forward step", step.ID.String())
	}
	step.SetVersion(version + 1)
	return nil
}

// ClaimPending locks and returns up to limit pending steps whose retry time
// has passed. FOR UPDATE SKIP LOCKED lets multiple workers sweep without
// contending on the same rows; call inside a transaction so the locks hold
// until the steps are updated.
func (r *StepRepo) ClaimPending(ctx context.Context, limit int, now time.Time) ([]*flow.ForwardStep, error) {
	q := builder().
		Select(r.cols...).
		From(stepTable).
		Where(squirrel.Eq{"status": flow.StepPending}).
		Where(squirrel.Or{
			squirrel.Eq{"next_retry_at": nil},
			squirrel.LtOrEq{"next_retry_at": now},
		}).
		OrderBy("created_at ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	var steps []*flow.ForwardStep
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &steps, sql, args...); err != nil {
		return nil, fmt.Errorf("claim pending steps: %w", err)
	}
	return steps, nil
}

// ListFailed returns steps parked for manual reconciliation.
func (r *StepRepo) ListFailed(ctx context.Context, limit int) ([]*flow.ForwardStep, error) {
	q := builder().
		Select(r.cols...).
		From(stepTable).
		Where(squirrel.Eq{"status": flow.StepFailed}).
		OrderBy("updated_at DESC").
		Limit(uint64(limit))

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var steps []*flow.ForwardStep
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &steps, sql, args...); err != nil {
		return nil, fmt.Errorf("list failed steps: %w", err)
	}
	return steps, nil
}

// DeleteDone prunes completed steps older than the cutoff. Run by the worker
// on a retention schedule.
func (r *StepRepo) DeleteDone(ctx context.Context, before time.Time) (int64, error) {
	q := builder().
		Delete(stepTable).
		Where(squirrel.Eq{"status": flow.StepDone}).
		Where(squirrel.Lt{"updated_at": before})

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("prune done steps: %w", err)
	}
	return result.RowsAffected(), nil
}
