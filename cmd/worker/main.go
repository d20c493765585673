// Package main is the entry point for the milltrack background worker.
// It reconciles forwarding steps left pending by partial forwards and prunes
// retention data.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"milltrack/internal/core/scope"
	"milltrack/internal/domain/flow"
	"milltrack/internal/infrastructure/scheduler"
	"milltrack/internal/infrastructure/storage/postgres"
	"milltrack/internal/infrastructure/storage/postgres/flow_repo"
	"milltrack/pkg/logger"
)

const (
	claimBatchSize     = 50
	stepRetention      = 7 * 24 * time.Hour
	auditRetention     = 90 * 24 * time.Hour
	reconcileInterval  = 5 * time.Second
	stepPruneInterval  = time.Hour
	auditPruneInterval = 24 * time.Hour
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting milltrack worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)

	// Every job runs with the TxManager already in context, same as an HTTP
	// request after the database middleware.
	ctx = scope.WithTxManager(ctx, txManager)

	auditStore, err := postgres.NewFlowAuditStore(txManager, log)
	if err != nil {
		log.Fatalw("failed to create audit store", "error", err)
	}

	stepRepo := flow_repo.NewStepRepo()
	engine := flow.NewEngine(
		flow_repo.NewLedgerRepo(),
		flow_repo.NewPoolRepo(),
		stepRepo,
		auditStore,
		log,
	)

	reconciler := &reconciler{
		txManager: txManager,
		steps:     stepRepo,
		engine:    engine,
		log:       log.WithComponent("worker.reconciler"),
	}

	sched := scheduler.New(log)
	sched.Add(scheduler.Job{
		Name:       "forward-steps",
		Interval:   reconcileInterval,
		RunOnStart: true,
		Run:        reconciler.run,
	})
	sched.Add(scheduler.Job{
		Name:     "report-parked-steps",
		Interval: stepPruneInterval,
		Run: func(ctx context.Context) error {
			parked, err := stepRepo.ListFailed(ctx, claimBatchSize)
			if err != nil {
				return err
			}
			for _, step := range parked {
				log.Warnw("forward step exhausted retries, needs manual reconciliation",
					"step_id", step.ID, "kind", step.Kind, "stage", step.SourceStage,
					"lot", step.LotNumber, "attempts", step.Attempts, "last_error", step.LastError)
			}
			return nil
		},
	})
	sched.Add(scheduler.Job{
		Name:     "prune-done-steps",
		Interval: stepPruneInterval,
		Run: func(ctx context.Context) error {
			pruned, err := stepRepo.DeleteDone(ctx, time.Now().Add(-stepRetention))
			if err != nil {
				return err
			}
			if pruned > 0 {
				log.Infow("pruned done forward steps", "count", pruned)
			}
			return nil
		},
	})
	sched.Add(scheduler.Job{
		Name:     "prune-audit",
		Interval: auditPruneInterval,
		Run: func(ctx context.Context) error {
			pruned, err := auditStore.Prune(ctx, time.Now().Add(-auditRetention))
			if err != nil {
				return err
			}
			if pruned > 0 {
				log.Infow("pruned audit entries", "count", pruned)
			}
			return nil
		},
	})

	sched.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()
	sched.Stop()
	log.Info("worker stopped")
}

// reconciler retries forwarding steps left pending by partial forwards.
type reconciler struct {
	txManager *postgres.TxManager
	steps     *flow_repo.StepRepo
	engine    *flow.Engine
	log       *logger.Logger
}

// run claims a batch of due steps and executes each under the company scope
// it was recorded with. The claim query uses FOR UPDATE SKIP LOCKED, so
// several workers can run side by side. Executed inside one transaction to
// hold the claim locks until the step records are updated.
func (r *reconciler) run(ctx context.Context) error {
	return r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		steps, err := r.steps.ClaimPending(ctx, claimBatchSize, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}

		var retried, failed int
		for _, step := range steps {
			stepCtx := scope.WithActor(ctx, &scope.Actor{
				ActorID:   "worker",
				CompanyID: step.CompanyID,
			})
			if _, err := r.engine.ExecuteStep(stepCtx, step); err != nil {
				failed++
				continue
			}
			retried++
		}

		r.log.WithContext(ctx).Infow("reconciled forward steps",
			"claimed", len(steps), "done", retried, "failed", failed)
		return nil
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}
