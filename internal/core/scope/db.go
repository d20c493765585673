package scope

import (
	"context"
	"errors"

	"milltrack/internal/core/tx"
)

// ErrNoTxManager is returned when no transaction manager was injected.
var ErrNoTxManager = errors.New("transaction manager not found in context")

type txManagerKey struct{}

// WithTxManager stores TxManager in context. Set once per request by the
// database middleware (HTTP) or per run by the worker.
func WithTxManager(ctx context.Context, txm tx.Manager) context.Context {
	return context.WithValue(ctx, txManagerKey{}, txm)
}

// GetTxManager retrieves TxManager from context.
func GetTxManager(ctx context.Context) (tx.Manager, error) {
	txm, ok := ctx.Value(txManagerKey{}).(tx.Manager)
	if !ok || txm == nil {
		return nil, ErrNoTxManager
	}
	return txm, nil
}

// MustGetTxManager retrieves TxManager or panics.
// Use in places where missing TxManager is a programming error.
func MustGetTxManager(ctx context.Context) tx.Manager {
	txm, err := GetTxManager(ctx)
	if err != nil {
		panic("TxManager not in context: " + err.Error())
	}
	return txm
}
