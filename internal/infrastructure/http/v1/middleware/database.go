package middleware

import (
	"github.com/gin-gonic/gin"

	"milltrack/internal/core/scope"
	"milltrack/internal/infrastructure/storage/postgres"
)

// Database middleware injects the transaction manager into the request
// context. Repositories resolve it from there, so a handler can open a
// transaction without threading the manager through every constructor.
// Must run before any middleware or handler that touches the store.
func Database(txManager *postgres.TxManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := scope.WithTxManager(c.Request.Context(), txManager)
		c.Request = c.Request.WithContext(ctx)
		c.Set("tx_manager", txManager)
		c.Next()
	}
}
