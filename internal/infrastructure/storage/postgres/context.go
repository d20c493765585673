package postgres

import (
	"context"
	"fmt"

	"milltrack/internal/core/scope"
)

// MustGetTxManager returns the *postgres.TxManager injected into the context
// by the database middleware or the worker loop. Infrastructure code uses it
// for GetQuerier()/GetTx(); domain code depends only on tx.Manager.
func MustGetTxManager(ctx context.Context) *TxManager {
	txm := scope.MustGetTxManager(ctx)
	pgTxm, ok := txm.(*TxManager)
	if !ok || pgTxm == nil {
		panic(fmt.Sprintf("TxManager in context has unexpected type: %T", txm))
	}
	return pgTxm
}
