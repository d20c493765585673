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

var _ flow.PoolRepository = (*PoolRepo)(nil)

// PoolRepo persists bypass pool entries. The loss and overflow pools are
// separate tables with identical shape.
type PoolRepo struct {
	cols []string
}

// NewPoolRepo creates the repo.
func NewPoolRepo() *PoolRepo {
	return &PoolRepo{
		cols: postgres.ExtractDBColumns[flow.BypassPool](),
	}
}

func poolTable(kind flow.PoolKind) string {
	return fmt.Sprintf("flow_%s_pool", kind)
}

// Create inserts a pool entry.
func (r *PoolRepo) Create(ctx context.Context, pool *flow.BypassPool) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}
	if pool.CompanyID != companyID {
		return apperror.NewTenancyViolation("pool entry company does not match request scope")
	}

	data := filterColumns(postgres.StructToMap(pool), r.cols)
	q := builder().Insert(poolTable(pool.Kind)).SetMap(data)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert %s: %w", poolTable(pool.Kind), err)
	}
	return nil
}

// GetByID loads a pool entry.
func (r *PoolRepo) GetByID(ctx context.Context, kind flow.PoolKind, poolID id.ID) (*flow.BypassPool, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	q := builder().
		Select(r.cols...).
		From(poolTable(kind)).
		Where(squirrel.Eq{"company_id": companyID}).
		Where(squirrel.Eq{"id": poolID}).
		Limit(1)

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	pool := &flow.BypassPool{}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, pool, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, apperror.NewNotFound("bypass pool", poolID.String())
		}
		return nil, fmt.Errorf("get pool entry: %w", err)
	}
	return pool, nil
}

// Update persists the pool entry with optimistic locking. Only the status
// moves after creation; the quantity is immutable and never rewritten.
func (r *PoolRepo) Update(ctx context.Context, pool *flow.BypassPool) error {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return err
	}

	version := pool.Version
	q := builder().
		Update(poolTable(pool.Kind)).
		Set("status", pool.Status).
		Set("updated_at", pool.UpdatedAt).
		Set("updated_by", pool.UpdatedBy).
		Set("version", squirrel.Expr("version + 1")).
		Where(squirrel.Eq{"id": pool.ID}).
		Where(squirrel.Eq{"company_id": companyID}).
		Where(squirrel.Eq{"version": version})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	result, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", poolTable(pool.Kind), err)
	}
	if result.RowsAffected() == 0 {
		return apperror.NewConcurrentModification("bypass pool", pool.ID.String())
	}
	pool.SetVersion(version + 1)
	return nil
}

// List lists pool entries. Kind unset lists both pools.
func (r *PoolRepo) List(ctx context.Context, filter flow.PoolFilter) ([]*flow.BypassPool, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	kinds := []flow.PoolKind{flow.PoolLoss, flow.PoolOverflow}
	if filter.Kind != "" {
		kinds = []flow.PoolKind{filter.Kind}
	}

	querier := postgres.MustGetTxManager(ctx).GetQuerier(ctx)
	var out []*flow.BypassPool
	for _, kind := range kinds {
		q := builder().
			Select(r.cols...).
			From(poolTable(kind)).
			Where(squirrel.Eq{"company_id": companyID}).
			OrderBy("created_at DESC")
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
		var entries []*flow.BypassPool
		if err := pgxscan.Select(ctx, querier, &entries, sql, args...); err != nil {
			return nil, fmt.Errorf("list %s: %w", poolTable(kind), err)
		}
		out = append(out, entries...)
	}
	return out, nil
}
