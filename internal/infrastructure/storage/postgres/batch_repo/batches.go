// Package batch_repo provides PostgreSQL persistence for production batches.
// One row per batch: scalar columns for the filterable fields, JSONB columns
// for the embedded stages, materials, costs and logs. No normalization into
// a separate stage table; the batch is read and written as one document.
package batch_repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"milltrack/internal/core/apperror"
	"milltrack/internal/core/id"
	"milltrack/internal/core/scope"
	"milltrack/internal/domain/batch"
	"milltrack/internal/infrastructure/storage/postgres"
)

var _ batch.Repository = (*Repo)(nil)

const table = "production_batches"

var scalarCols = []string{
	"id", "company_id", "version", "meta", "created_at", "updated_at",
	"created_by", "updated_by",
	"batch_number", "product_name", "planned_quantity", "actual_quantity",
	"status", "current_stage_number", "progress_percent", "priority",
	"planned_start_date", "planned_end_date", "actual_start_date", "actual_end_date",
	"total_cost", "cost_per_unit",
}

var docCols = []string{
	"stages", "input_materials", "output_materials", "costs",
	"status_change_logs", "material_consumption_logs",
}

// Repo persists production batches.
type Repo struct{}

// NewRepo creates the repo.
func NewRepo() *Repo {
	return &Repo{}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// docValues marshals the embedded document columns.
func docValues(b *batch.ProductionBatch) (map[string]any, error) {
	parts := map[string]any{
		"stages":                    b.Stages,
		"input_materials":           b.InputMaterials,
		"output_materials":          b.OutputMaterials,
		"costs":                     b.Costs,
		"status_change_logs":        b.StatusChangeLogs,
		"material_consumption_logs": b.MaterialConsumptionLogs,
	}
	out := make(map[string]any, len(parts))
	for col, v := range parts {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", col, err)
		}
		out[col] = raw
	}
	return out, nil
}

func scalarValues(b *batch.ProductionBatch) map[string]any {
	data := postgres.StructToMap(b)
	out := make(map[string]any, len(scalarCols))
	for _, col := range scalarCols {
		if v, ok := data[col]; ok {
			out[col] = v
		}
	}
	return out
}

// Create inserts a batch.
func (r *Repo) Create(ctx context.Context, b *batch.ProductionBatch) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}
	if b.CompanyID != companyID {
		return apperror.NewTenancyViolation("batch company does not match request scope")
	}

	data := scalarValues(b)
	docs, err := docValues(b)
	if err != nil {
		return err
	}
	for col, v := range docs {
		data[col] = v
	}

	sql, args, err := builder().Insert(table).SetMap(data).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func allCols() []string {
	return append(append([]string{}, scalarCols...), docCols...)
}

func scanBatch(row pgx.Row) (*batch.ProductionBatch, error) {
	b := &batch.ProductionBatch{}
	var stages, inputs, outputs, costs, statusLogs, consumptionLogs []byte

	err := row.Scan(
		&b.ID, &b.CompanyID, &b.Version, &b.Meta, &b.CreatedAt, &b.UpdatedAt,
		&b.CreatedBy, &b.UpdatedBy,
		&b.BatchNumber, &b.ProductName, &b.PlannedQuantity, &b.ActualQuantity,
		&b.Status, &b.CurrentStageNumber, &b.ProgressPercent, &b.Priority,
		&b.PlannedStartDate, &b.PlannedEndDate, &b.ActualStartDate, &b.ActualEndDate,
		&b.TotalCost, &b.CostPerUnit,
		&stages, &inputs, &outputs, &costs, &statusLogs, &consumptionLogs,
	)
	if err != nil {
		return nil, err
	}

	for _, part := range []struct {
		raw  []byte
		dest any
	}{
		{stages, &b.Stages},
		{inputs, &b.InputMaterials},
		{outputs, &b.OutputMaterials},
		{costs, &b.Costs},
		{statusLogs, &b.StatusChangeLogs},
		{consumptionLogs, &b.MaterialConsumptionLogs},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dest); err != nil {
			return nil, fmt.Errorf("unmarshal batch document: %w", err)
		}
	}
	return b, nil
}

func (r *Repo) getBy(ctx context.Context, cond squirrel.Eq, what string) (*batch.ProductionBatch, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	q := builder().
		Select(allCols()...).
		From(table).
		Where(squirrel.Eq{"company_id": companyID}).
		Where(cond).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	b, err := scanBatch(querier.QueryRow(ctx, sql, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.NewNotFound("production batch", what)
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// GetByID loads a batch with all embedded documents.
func (r *Repo) GetByID(ctx context.Context, batchID id.ID) (*batch.ProductionBatch, error) {
	return r.getBy(ctx, squirrel.Eq{"id": batchID}, batchID.String())
}

// GetByNumber loads a batch by its batch number.
func (r *Repo) GetByNumber(ctx context.Context, batchNumber string) (*batch.ProductionBatch, error) {
	return r.getBy(ctx, squirrel.Eq{"batch_number": batchNumber}, batchNumber)
}

// Update persists the whole batch document with optimistic locking. Two
// concurrent stage updates to the same batch serialize here: the loser gets
// CONCURRENT_MODIFICATION and must reload.
func (r *Repo) Update(ctx context.Context, b *batch.ProductionBatch) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}

	data := scalarValues(b)
	docs, err := docValues(b)
	if err != nil {
		return err
	}
	for col, v := range docs {
		data[col] = v
	}
	version := b.Version
	delete(data, "id")
	delete(data, "version")
	delete(data, "company_id")

	q := builder().
		Update(table).
		SetMap(data).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": b.ID}).
		Where(squirrel.Eq{"company_id": companyID}).
		Where(squirrel.Eq{"version": version})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("production batch", b.ID.String())
	}
	b.SetVersion(version + 1)
	return nil
}

// Delete removes a batch row. The service only allows this before any stage
// has started.
func (r *Repo) Delete(ctx context.Context, batchID id.ID) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}

	sql, args, err := builder().
		Delete(table).
		Where(squirrel.Eq{"id": batchID}).
		Where(squirrel.Eq{"company_id": companyID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewNotFound("production batch", batchID.String())
	}
	return nil
}

func (r *Repo) listQuery(companyID string, filter batch.ListFilter) squirrel.SelectBuilder {
	q := builder().
		Select(allCols()...).
		From(table).
		Where(squirrel.Eq{"company_id": companyID})
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": filter.Status})
	}
	if filter.Priority != "" {
		q = q.Where(squirrel.Eq{"priority": filter.Priority})
	}
	if filter.ProductName != "" {
		q = q.Where(squirrel.ILike{"product_name": "%" + filter.ProductName + "%"})
	}
	return q
}

// List lists batches, newest first.
func (r *Repo) List(ctx context.Context, filter batch.ListFilter) ([]*batch.ProductionBatch, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	q := r.listQuery(companyID, filter).OrderBy("created_at DESC")
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

	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	rows, err := querier.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*batch.ProductionBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count counts batches matching the filter.
func (r *Repo) Count(ctx context.Context, filter batch.ListFilter) (int64, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return 0, err
	}

	q := builder().
		Select("COUNT(*)").
		FromSelect(r.listQuery(companyID, filter), "sub")

	sql, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}

	var count int64
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := querier.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return count, nil
}
