/*
redeem.go - Redemption orchestrator

Turns a verified payment session into an exactly-once code allocation:

  1. Validate input (session id required, sku must be on the allow-list)
  2. Acquire the global lock with bounded wait
  3. Idempotency: a session that already holds a token gets the same code back
  4. Resolve payment (synthetic for test-prefixed sessions, else the verifier)
  5. Reject unpaid sessions (pending result, no mutation) and price mismatches
  6. First-fit scan for an available token, single conditional assign
  7. Release, then emit audit entries

Every failure happens before the one store write, so a failed redemption
never leaves partial state.
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// Redeemer allocates recharge codes against verified payments.
type Redeemer struct {
	pool     PoolStore
	verifier PaymentVerifier
	lock     *Coordinator
	catalog  Catalog
	audit    ActivityLog
}

// NewRedeemer wires a redemption orchestrator. A nil audit log is replaced
// with a no-op sink.
func NewRedeemer(pool PoolStore, verifier PaymentVerifier, lock *Coordinator, catalog Catalog, audit ActivityLog) *Redeemer {
	if audit == nil {
		audit = NopLog{}
	}
	return &Redeemer{pool: pool, verifier: verifier, lock: lock, catalog: catalog, audit: audit}
}

// Redeem allocates a code for sessionID, idempotently. sku is optional; when
// present it must be on the allow-list and restricts allocation to that
// product's pool. Repeated calls with the same session return the same code.
func (r *Redeemer) Redeem(ctx context.Context, sessionID, sku string) (RedeemResult, error) {
	if sessionID == "" {
		return RedeemResult{}, fmt.Errorf("%w: missing session_id", ErrInvalidArgument)
	}
	if sku != "" && !r.catalog.Allowed(sku) {
		return RedeemResult{}, fmt.Errorf("%w: invalid productId %q", ErrInvalidArgument, sku)
	}

	release, err := r.lock.Acquire(ctx)
	if err != nil {
		return RedeemResult{}, err
	}
	res, events, err := r.redeemLocked(ctx, sessionID, sku)
	release()

	// Audit is best-effort and must not gate the result.
	for _, ev := range events {
		r.audit.Record(ctx, ev.action, sessionID, ev.details)
	}
	return res, err
}

type auditEvent struct {
	action  string
	details string
}

func (r *Redeemer) redeemLocked(ctx context.Context, sessionID, sku string) (RedeemResult, []auditEvent, error) {
	var events []auditEvent

	// Idempotency: same session, same code, no further mutation.
	existing, err := r.pool.TokenBySession(ctx, sessionID)
	if err != nil {
		return RedeemResult{}, events, err
	}
	if existing != nil {
		return RedeemResult{Code: existing.Code, Status: StatusAlreadyRedeemed, SKU: existing.SKU}, events, nil
	}

	payment, synthetic, err := r.resolvePayment(ctx, sessionID, sku)
	if err != nil {
		return RedeemResult{}, events, err
	}
	if synthetic {
		events = append(events, auditEvent{ActionTestSession,
			fmt.Sprintf("synthetic payment for product %s", orAll(sku))})
	}
	if !payment.Success {
		events = append(events, auditEvent{ActionVerifyFailed, payment.Err})
		return RedeemResult{}, events, fmt.Errorf("%w: %s", ErrPaymentVerification, payment.Err)
	}
	if payment.Status != PaymentStatusPaid {
		// Caller is expected to poll; nothing was mutated.
		events = append(events, auditEvent{ActionPaymentPending, "status: " + payment.Status})
		return RedeemResult{Status: StatusPending}, events, nil
	}

	// Defend against a caller naming a cheaper product than was paid for.
	if sku != "" {
		if price, ok := r.catalog.Price(sku); ok && payment.AmountMinorUnits != price {
			events = append(events, auditEvent{ActionAmountMismatch,
				fmt.Sprintf("expected %d, got %d, product %s", price, payment.AmountMinorUnits, sku)})
			return RedeemResult{}, events, &AmountMismatchError{SKU: sku, Expected: price, Got: payment.AmountMinorUnits}
		}
	}

	token, err := r.pool.FirstAvailable(ctx, sku)
	if err != nil {
		return RedeemResult{}, events, err
	}
	if token == nil {
		events = append(events, auditEvent{ActionNoCodesAvailable, "stock empty for product " + orAll(sku)})
		return RedeemResult{}, events, fmt.Errorf("%w for product %s", ErrOutOfStock, orAll(sku))
	}

	assignedSKU := sku
	if assignedSKU == "" {
		assignedSKU = token.SKU
	}
	if err := r.pool.Assign(ctx, token.Code, sessionID, payment.PayerEmail, assignedSKU, time.Now()); err != nil {
		return RedeemResult{}, events, err
	}

	events = append(events, auditEvent{ActionCodeAssigned,
		fmt.Sprintf("code: %s, product: %s", token.Code, orAll(sku))})
	return RedeemResult{Code: token.Code, Status: StatusSuccess, SKU: assignedSKU}, events, nil
}

// resolvePayment returns a synthetic paid result for test-prefixed sessions,
// otherwise asks the live verifier. The synthetic amount is the configured
// price of sku, falling back to the catalog default when no sku was given.
func (r *Redeemer) resolvePayment(ctx context.Context, sessionID, sku string) (PaymentResult, bool, error) {
	if r.catalog.IsTestSession(sessionID) {
		amount := r.catalog.DefaultSyntheticAmount
		if sku != "" {
			if price, ok := r.catalog.Price(sku); ok {
				amount = price
			}
		}
		return PaymentResult{
			Success:          true,
			Status:           PaymentStatusPaid,
			AmountMinorUnits: amount,
			Currency:         r.catalog.Currency,
			PayerEmail:       r.catalog.SyntheticEmail,
		}, true, nil
	}
	res, err := r.verifier.Verify(ctx, sessionID)
	if err != nil {
		return PaymentResult{}, false, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}
	return res, false, nil
}

// CheckStock counts available codes for sku (all products when empty).
// Read-only: takes no lock and may observe in-flight mutation.
func (r *Redeemer) CheckStock(ctx context.Context, sku string) (StockInfo, error) {
	n, err := r.pool.CountAvailable(ctx, sku)
	if err != nil {
		return StockInfo{}, err
	}
	return StockInfo{Available: n > 0, Count: n, SKU: orAll(sku)}, nil
}

func orAll(sku string) string {
	if sku == "" {
		return "all"
	}
	return sku
}
