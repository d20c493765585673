package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"milltrack/internal/core/id"
	"milltrack/internal/core/scope"
	"milltrack/internal/domain/flow"
	"milltrack/pkg/logger"
)

// CompressionAlgo identifies how an audit payload is stored.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// FlowAuditEntry is one recorded ledger mutation or forwarding outcome.
type FlowAuditEntry struct {
	ID              id.ID           `db:"id"`
	CompanyID       string          `db:"company_id"`
	EntityType      string          `db:"entity_type"`
	EntityID        id.ID           `db:"entity_id"`
	Action          string          `db:"action"`
	ActorID         string          `db:"actor_id"`
	Payload         json.RawMessage `db:"payload"`
	PayloadZstd     []byte          `db:"payload_zstd"`
	CompressionAlgo CompressionAlgo `db:"compression_algo"`
	CreatedAt       time.Time       `db:"created_at"`
}

// FlowAuditStore records flow mutations into flow_audit. Payloads above the
// threshold are zstd-compressed; ledger snapshots with long downstream ref
// lists and step failure context routinely cross it.
//
// Implements flow.AuditRecorder. Audit failures are logged, never propagated:
// a lost audit row must not fail a forwarding call.
type FlowAuditStore struct {
	txManager *TxManager
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
	log       *logger.Logger
}

var _ flow.AuditRecorder = (*FlowAuditStore)(nil)

// NewFlowAuditStore creates the audit store.
func NewFlowAuditStore(txManager *TxManager, log *logger.Logger) (*FlowAuditStore, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &FlowAuditStore{
		txManager: txManager,
		encoder:   encoder,
		decoder:   decoder,
		threshold: 10 * 1024,
		log:       log.WithComponent("flow.audit"),
	}, nil
}

// LedgerMutated records a ledger snapshot after a mutation.
func (s *FlowAuditStore) LedgerMutated(ctx context.Context, action string, ledger *flow.StageLedger) {
	payload, err := json.Marshal(map[string]any{
		"stage":     ledger.StageType,
		"lot":       ledger.LotNumber,
		"input":     ledger.InputQuantity,
		"output":    ledger.OutputQuantity,
		"byproduct": ledger.ByproductQuantity,
		"pending":   ledger.PendingQuantity,
		"status":    ledger.Status,
	})
	if err != nil {
		s.log.WithContext(ctx).Errorw("marshal audit payload", "error", err)
		return
	}
	s.insert(ctx, FlowAuditEntry{
		CompanyID:  ledger.CompanyID,
		EntityType: "stage_ledger",
		EntityID:   ledger.ID,
		Action:     action,
		Payload:    payload,
	})
}

// ForwardOutcome records the result of one forwarding side effect.
func (s *FlowAuditStore) ForwardOutcome(ctx context.Context, step *flow.ForwardStep, stepErr error) {
	body := map[string]any{
		"kind":     step.Kind,
		"status":   step.Status,
		"stage":    step.SourceStage,
		"lot":      step.LotNumber,
		"quantity": step.Quantity,
		"attempts": step.Attempts,
	}
	if stepErr != nil {
		body["error"] = stepErr.Error()
	}
	if step.ResultID != nil {
		body["result_id"] = step.ResultID.String()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		s.log.WithContext(ctx).Errorw("marshal audit payload", "error", err)
		return
	}
	s.insert(ctx, FlowAuditEntry{
		CompanyID:  step.CompanyID,
		EntityType: "forward_step",
		EntityID:   step.SourceLedgerID,
		Action:     "forward_" + string(step.Kind),
		Payload:    payload,
	})
}

func (s *FlowAuditStore) insert(ctx context.Context, entry FlowAuditEntry) {
	entry.ID = id.New()
	entry.ActorID = scope.GetActorID(ctx)
	entry.CreatedAt = time.Now().UTC()

	entry.CompressionAlgo = CompressionNone
	if len(entry.Payload) > s.threshold {
		entry.PayloadZstd = s.encoder.EncodeAll(entry.Payload, nil)
		entry.Payload = nil
		entry.CompressionAlgo = CompressionZstd
	}

	querier := s.txManager.GetQuerier(ctx)
	_, err := querier.Exec(ctx, `
		INSERT INTO flow_audit (
			id, company_id, entity_type, entity_id, action, actor_id,
			payload, payload_zstd, compression_algo, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		entry.ID, entry.CompanyID, entry.EntityType, entry.EntityID,
		entry.Action, entry.ActorID,
		entry.Payload, entry.PayloadZstd, entry.CompressionAlgo, entry.CreatedAt,
	)
	if err != nil {
		s.log.WithContext(ctx).Errorw("insert audit entry",
			"entity_type", entry.EntityType, "entity_id", entry.EntityID, "error", err)
	}
}

// History returns the audit trail for one entity, newest first.
func (s *FlowAuditStore) History(ctx context.Context, entityType string, entityID id.ID, limit int) ([]FlowAuditEntry, error) {
	companyID, err := scope.RequireCompany(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, `
		SELECT id, company_id, entity_type, entity_id, action, actor_id,
		       payload, payload_zstd, compression_algo, created_at
		FROM flow_audit
		WHERE company_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC
		LIMIT $4
	`, companyID, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var entries []FlowAuditEntry
	for rows.Next() {
		var e FlowAuditEntry
		if err := rows.Scan(
			&e.ID, &e.CompanyID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID,
			&e.Payload, &e.PayloadZstd, &e.CompressionAlgo, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.CompressionAlgo == CompressionZstd && len(e.PayloadZstd) > 0 {
			decompressed, err := s.decoder.DecodeAll(e.PayloadZstd, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress audit payload: %w", err)
			}
			e.Payload = decompressed
			e.PayloadZstd = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes audit entries older than the cutoff. Run by the worker on a
// retention schedule.
func (s *FlowAuditStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.txManager.GetQuerier(ctx).Exec(ctx,
		`DELETE FROM flow_audit WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return result.RowsAffected(), nil
}
