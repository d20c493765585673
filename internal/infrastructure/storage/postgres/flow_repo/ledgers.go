// Package flow_repo provides PostgreSQL persistence for the flow domain:
// stage ledgers (one table per stage type), bypass pools and forwarding
// outbox steps. Every query is scoped by company_id from the request scope.
package flow_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/id"
	"milltrack/internal/core/scope"
	"milltrack/internal/domain/flow"
	"milltrack/internal/infrastructure/storage/postgres"
)

var _ flow.LedgerRepository = (*LedgerRepo)(nil)

// LedgerRepo persists stage ledgers. Each stage type has its own flat table,
// flow_<stage>_ledgers, indexed on (company_id, lot_number) and
// (company_id, status).
type LedgerRepo struct {
	cols []string
}

// NewLedgerRepo creates the repo.
func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		cols: postgres.ExtractDBColumns[flow.StageLedger](),
	}
}

func tableFor(stage flow.StageType) string {
	return fmt.Sprintf("flow_%s_ledgers", stage)
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Create inserts a ledger using its "db" tags.
func (r *LedgerRepo) Create(ctx context.Context, ledger *flow.StageLedger) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}
	if ledger.CompanyID != companyID {
		return apperror.NewTenancyViolation("ledger company does not match request scope")
	}

	data := filterColumns(postgres.StructToMap(ledger), r.cols)
	q := builder().Insert(tableFor(ledger.StageType)).SetMap(data)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", tableFor(ledger.StageType), err)
	}
	return nil
}

func (r *LedgerRepo) baseSelect(stage flow.StageType, companyID string) squirrel.SelectBuilder {
	return builder().
		Select(r.cols...).
		From(tableFor(stage)).
		Where(squirrel.Eq{"company_id": companyID})
}

func (r *LedgerRepo) getOne(ctx context.Context, stage flow.StageType, ledgerID id.ID, forUpdate bool) (*flow.StageLedger, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	q := r.baseSelect(stage, companyID).
		Where(squirrel.Eq{"id": ledgerID}).
		Limit(1)
	if forUpdate {
		q = q.Suffix("FOR UPDATE")
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	ledger := &flow.StageLedger{}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, ledger, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("stage ledger", ledgerID.String()).
				WithDetail("stage", string(stage))
		}
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	return ledger, nil
}

// GetByID loads a ledger.
func (r *LedgerRepo) GetByID(ctx context.Context, stage flow.StageType, ledgerID id.ID) (*flow.StageLedger, error) {
	return r.getOne(ctx, stage, ledgerID, false)
}

// GetForUpdate loads a ledger with a row lock. RecordOutput serializes
// concurrent calls against the same ledger on this lock.
func (r *LedgerRepo) GetForUpdate(ctx context.Context, stage flow.StageType, ledgerID id.ID) (*flow.StageLedger, error) {
	return r.getOne(ctx, stage, ledgerID, true)
}

// Update persists the ledger with optimistic locking and bumps the version.
func (r *LedgerRepo) Update(ctx context.Context, ledger *flow.StageLedger) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}

	data := filterColumns(postgres.StructToMap(ledger), r.cols)
	version := ledger.Version
	delete(data, "id")
	delete(data, "version")
	delete(data, "company_id")

	q := builder().
		Update(tableFor(ledger.StageType)).
		SetMap(data).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": ledger.ID}).
		Where(squirrel.Eq{"company_id": companyID}).
		Where(squirrel.Eq{"version": version})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", tableFor(ledger.StageType), err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("stage ledger", ledger.ID.String())
	}
	ledger.SetVersion(version + 1)
	return nil
}

// FindLatestByLot returns the newest ledger for the lot in this stage table,
// or nil when the lot is unknown here.
func (r *LedgerRepo) FindLatestByLot(ctx context.Context, stage flow.StageType, lotNumber string) (*flow.StageLedger, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	q := r.baseSelect(stage, companyID).
		Where(squirrel.Eq{"lot_number": lotNumber}).
		OrderBy("created_at DESC").
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	ledger := &flow.StageLedger{}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, ledger, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest by lot: %w", err)
	}
	return ledger, nil
}

// List lists ledgers of one stage.
func (r *LedgerRepo) List(ctx context.Context, stage flow.StageType, filter flow.LedgerFilter) ([]*flow.StageLedger, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	q := r.baseSelect(stage, companyID).OrderBy("created_at DESC")
	if filter.LotNumber != "" {
		q = q.Where(squirrel.Eq{"lot_number": filter.LotNumber})
	}
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": filter.Status})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var ledgers []*flow.StageLedger
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &ledgers, sql, args...); err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	return ledgers, nil
}

// filterColumns keeps only values whose column is known to the table.
func filterColumns(data map[string]any, cols []string) map[string]any {
	out := make(map[string]any, len(cols))
	for _, col := range cols {
		if val, ok := data[col]; ok {
			out[col] = val
		}
	}
	return out
}
