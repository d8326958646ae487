package stores

import (
	"context"
	"time"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// AttemptQuery filters persisted attempts. Empty fields match everything.
type AttemptQuery struct {
	CorrelationID string
	PathName      string
	Since         time.Time
	Limit         int
	Offset        int
}

// EscalationQuery filters persisted escalations.
type EscalationQuery struct {
	// PendingOnly restricts the result to escalations nobody acknowledged yet.
	PendingOnly bool
	Limit       int
	Offset      int
}

// Escalation is a persisted escalation record with its acknowledgement state.
type Escalation struct {
	Record         engine.EscalationRecord `json:"record"`
	AcknowledgedAt *time.Time              `json:"acknowledged_at,omitempty"`
	AcknowledgedBy *string                 `json:"acknowledged_by,omitempty"`
}

// Pending reports whether nobody acknowledged the escalation yet.
func (e *Escalation) Pending() bool {
	return e.AcknowledgedAt == nil
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "paths.reconfigured", "escalation.acknowledged"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // escalation id, config path, ...
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Attempt operations
	SaveAttempt(ctx context.Context, record engine.AttemptRecord) error
	ListAttempts(ctx context.Context, q AttemptQuery) ([]engine.AttemptRecord, error)

	// Escalation operations
	SaveEscalation(ctx context.Context, record engine.EscalationRecord) error
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	ListEscalations(ctx context.Context, q EscalationQuery) ([]*Escalation, error)
	AcknowledgeEscalation(ctx context.Context, id, actor string, at time.Time) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
