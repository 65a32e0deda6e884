/*
points.go - Loyalty points orchestrator

Award appends exactly one "done" ledger entry per payment session; a retry
for an awarded session echoes the existing total without appending. Points
convert from currency minor units at a fixed 100:1 rate with integer
division only - no floating point anywhere in the money path.

Unlike redemption, the synthetic test path requires a known sku: a test
session with no resolvable price falls through to the live verifier
(mirrors the behavior the clients depend on).
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// PointsForAmount converts a minor-unit charge to whole points at 100:1.
// Integer division only; negative amounts award nothing.
func PointsForAmount(amountMinorUnits int64) int64 {
	if amountMinorUnits <= 0 {
		return 0
	}
	return amountMinorUnits / 100
}

// Points awards and reports loyalty points.
type Points struct {
	ledger   LedgerStore
	verifier PaymentVerifier
	lock     *Coordinator
	catalog  Catalog
	audit    ActivityLog
}

func NewPoints(ledger LedgerStore, verifier PaymentVerifier, lock *Coordinator, catalog Catalog, audit ActivityLog) *Points {
	if audit == nil {
		audit = NopLog{}
	}
	return &Points{ledger: ledger, verifier: verifier, lock: lock, catalog: catalog, audit: audit}
}

// Award records points for a paid session, idempotently per sessionID.
func (p *Points) Award(ctx context.Context, sessionID, uid, sku string) (AwardResult, error) {
	if sessionID == "" {
		return AwardResult{}, fmt.Errorf("%w: missing session_id", ErrInvalidArgument)
	}
	if uid == "" {
		return AwardResult{}, fmt.Errorf("%w: missing uid", ErrInvalidArgument)
	}

	release, err := p.lock.Acquire(ctx)
	if err != nil {
		return AwardResult{}, err
	}
	res, events, err := p.awardLocked(ctx, sessionID, uid, sku)
	release()

	for _, ev := range events {
		p.audit.Record(ctx, ev.action, sessionID, ev.details)
	}
	return res, err
}

func (p *Points) awardLocked(ctx context.Context, sessionID, uid, sku string) (AwardResult, []auditEvent, error) {
	var events []auditEvent

	done, err := p.ledger.HasDoneEntry(ctx, sessionID)
	if err != nil {
		return AwardResult{}, events, err
	}
	if done {
		total, err := p.ledger.TotalPoints(ctx, uid)
		if err != nil {
			return AwardResult{}, events, err
		}
		return AwardResult{Points: 0, TotalPoints: total, Status: StatusAlreadyAwarded}, events, nil
	}

	payment, synthetic, err := p.resolvePayment(ctx, sessionID, sku)
	if err != nil {
		return AwardResult{}, events, err
	}
	if synthetic {
		events = append(events, auditEvent{ActionTestSession,
			"synthetic payment for award_points, product " + sku})
	}
	if !payment.Success {
		events = append(events, auditEvent{ActionVerifyFailed, payment.Err})
		return AwardResult{}, events, fmt.Errorf("%w: %s", ErrPaymentVerification, payment.Err)
	}
	if payment.Status != PaymentStatusPaid {
		return AwardResult{Status: StatusPending}, events, nil
	}

	points := PointsForAmount(payment.AmountMinorUnits)
	entry := LedgerEntry{
		SessionID:        sessionID,
		UID:              uid,
		AmountMinorUnits: payment.AmountMinorUnits,
		Points:           points,
		AwardedAt:        time.Now(),
		Status:           EntryDone,
	}
	if err := p.ledger.AppendEntry(ctx, entry); err != nil {
		return AwardResult{}, events, err
	}

	total, err := p.ledger.TotalPoints(ctx, uid)
	if err != nil {
		return AwardResult{}, events, err
	}
	events = append(events, auditEvent{ActionPointsAwarded,
		fmt.Sprintf("uid=%s, points=%d, total=%d", uid, points, total)})
	return AwardResult{Points: points, TotalPoints: total, Status: StatusSuccess}, events, nil
}

// resolvePayment for awards: synthetic only when the test-prefixed session
// names an allow-listed product, otherwise the live verifier decides.
func (p *Points) resolvePayment(ctx context.Context, sessionID, sku string) (PaymentResult, bool, error) {
	if p.catalog.IsTestSession(sessionID) && sku != "" && p.catalog.Allowed(sku) {
		price, ok := p.catalog.Price(sku)
		if ok {
			return PaymentResult{
				Success:          true,
				Status:           PaymentStatusPaid,
				AmountMinorUnits: price,
				Currency:         p.catalog.Currency,
				PayerEmail:       p.catalog.SyntheticEmail,
			}, true, nil
		}
	}
	res, err := p.verifier.Verify(ctx, sessionID)
	if err != nil {
		return PaymentResult{}, false, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}
	return res, false, nil
}

// History returns the uid's total over done entries and a most-recent-first
// page of up to limit entries. limit defaults to 20 and is clamped to
// [1, 200]. Read-only: takes no lock.
func (p *Points) History(ctx context.Context, uid string, limit int) (PointsHistory, error) {
	if uid == "" {
		return PointsHistory{}, fmt.Errorf("%w: missing uid", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	total, err := p.ledger.TotalPoints(ctx, uid)
	if err != nil {
		return PointsHistory{}, err
	}
	entries, err := p.ledger.EntriesByUID(ctx, uid, limit)
	if err != nil {
		return PointsHistory{}, err
	}
	return PointsHistory{TotalPoints: total, Entries: entries}, nil
}
