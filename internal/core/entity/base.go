// Package entity provides base types for all domain entities.
package entity

import (
	"context"
	"time"

	"milltrack/internal/core/id"
)

// Validatable is implemented by entities that support self-validation.
// Validation checks internal invariants (without database access).
type Validatable interface {
	// Validate checks entity invariants.
	// Returns nil if valid, AppError with details otherwise.
	Validate(ctx context.Context) error
}

// BaseRecord contains common fields for all persisted records.
// Every record carries CompanyID: multi-company isolation is enforced by
// scoping every query to the company, not by physical separation.
type BaseRecord struct {
	// ID is the primary key (UUIDv7)
	ID id.ID `db:"id" json:"id"`

	// CompanyID scopes the record to one company. Required on every row.
	CompanyID string `db:"company_id" json:"companyId"`

	// Version for optimistic locking (incremented on each update)
	Version int `db:"version" json:"version"`

	// Meta stores stage- or batch-specific payload fields (JSONB in PostgreSQL)
	Meta Attributes `db:"meta" json:"meta,omitempty"`

	// Audit fields
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
	CreatedBy string    `db:"created_by" json:"createdBy,omitempty"`
	UpdatedBy string    `db:"updated_by" json:"updatedBy,omitempty"`
}

// NewBaseRecord creates a new BaseRecord with generated ID and timestamps.
func NewBaseRecord(companyID string) BaseRecord {
	now := time.Now().UTC()
	return BaseRecord{
		ID:        id.New(),
		CompanyID: companyID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp and increments version.
func (b *BaseRecord) Touch() {
	b.UpdatedAt = time.Now().UTC()
	b.Version++
}

// SetVersion updates the version number (used by repository after sync).
func (b *BaseRecord) SetVersion(v int) {
	b.Version = v
}

// SetUpdatedAt updates the updated_at timestamp (used by repository).
func (b *BaseRecord) SetUpdatedAt(t time.Time) {
	b.UpdatedAt = t
}

// SetMeta is a convenience method for setting payload fields.
func (b *BaseRecord) SetMeta(key string, value any) {
	if b.Meta == nil {
		b.Meta = make(Attributes)
	}
	b.Meta[key] = value
}

// GetMeta is a convenience method for getting payload fields.
func (b *BaseRecord) GetMeta(key string) any {
	if b.Meta == nil {
		return nil
	}
	return b.Meta[key]
}
