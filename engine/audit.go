// audit.go - Best-effort activity log.
//
// The activity log is an audit sink, not a dependency: a failed or slow log
// write must never fail, delay, or roll back the primary operation.
// Orchestrators emit entries after releasing the lock.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Activity log actions emitted by the orchestrators.
const (
	ActionCodeAssigned     = "CODE_ASSIGNED"
	ActionTestSession      = "TEST_SESSION"
	ActionVerifyFailed     = "PAYMENT_VERIFY_FAILED"
	ActionPaymentPending   = "PAYMENT_PENDING"
	ActionAmountMismatch   = "AMOUNT_MISMATCH"
	ActionNoCodesAvailable = "NO_CODES_AVAILABLE"
	ActionPointsAwarded    = "POINTS_AWARDED"
	ActionNumberBound      = "MEMBER_NUMBER_BOUND"
	ActionNumberUnbound    = "MEMBER_NUMBER_UNBOUND"
	ActionUserImported     = "USER_IMPORTED"
	ActionWebhookReceived  = "WEBHOOK_RECEIVED"
	ActionError            = "ERROR"
)

// ActivityEntry is a single audit record.
type ActivityEntry struct {
	ID        string
	Timestamp time.Time
	Action    string
	SessionID string
	Details   string
}

// ActivityLog records audit entries. Implementations must be best-effort:
// Record never returns an error and must not block the caller meaningfully.
type ActivityLog interface {
	Record(ctx context.Context, action, sessionID, details string)
}

// NewActivityEntry stamps an entry with a fresh id and the current time.
func NewActivityEntry(action, sessionID, details string) ActivityEntry {
	return ActivityEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		SessionID: sessionID,
		Details:   details,
	}
}

// =============================================================================
// SLOG SINK
// =============================================================================

// SlogLog writes activity entries to a structured logger.
type SlogLog struct {
	Logger *slog.Logger
}

func NewSlogLog(logger *slog.Logger) *SlogLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLog{Logger: logger}
}

func (l *SlogLog) Record(ctx context.Context, action, sessionID, details string) {
	l.Logger.InfoContext(ctx, "activity",
		"action", action,
		"session_id", sessionID,
		"details", details,
	)
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout records to several sinks, e.g. slog plus a persisted log table.
type Fanout []ActivityLog

func (f Fanout) Record(ctx context.Context, action, sessionID, details string) {
	for _, l := range f {
		l.Record(ctx, action, sessionID, details)
	}
}

// NopLog discards all entries.
type NopLog struct{}

func (NopLog) Record(context.Context, string, string, string) {}
