/*
Package engine implements the redemption core: exactly-once allocation of
pre-provisioned recharge codes against verified payments, an idempotent
loyalty-points ledger, and an auditable uid ↔ member-number binding history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Token: an allocatable recharge code with a forward-only status lifecycle
  - LedgerEntry: an immutable points award keyed by payment session
  - Binding: a historical uid ↔ member-number association record
  - PaymentResult: the payment verifier's answer for a session (not persisted)

DESIGN PRINCIPLES:
  1. Idempotency: the payment session id is the idempotency key everywhere
  2. Append-only: ledger and binding rows are never edited or deleted
  3. Single writer: all mutations serialize through the lock Coordinator
  4. No floating point: money is integer minor units, points are integers

SEE ALSO:
  - store.go: persistence interfaces these types flow through
  - redeem.go, points.go, binding.go: the orchestrators
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// TOKEN - Allocatable recharge code
// =============================================================================

type TokenStatus string

const (
	TokenAvailable TokenStatus = "available"
	TokenAssigned  TokenStatus = "assigned"
	TokenRedeemed  TokenStatus = "redeemed"
)

// Token is a single pre-provisioned recharge code in the pool.
//
// Lifecycle: provisioned as "available"; moves to "assigned" exactly once via
// the Redeemer; a downstream consumer may later move it to "redeemed". Status
// never moves backward. At most one token carries a given non-empty SessionID.
type Token struct {
	Code       string
	Status     TokenStatus
	SessionID  string // idempotency key, set on assignment
	AssignedTo string // payer email
	SKU        string // product classifier
	AssignedAt time.Time
	RedeemedAt time.Time
	Note       string
}

// =============================================================================
// LEDGER ENTRY - Points award record
// =============================================================================

type EntryStatus string

const (
	// EntryDone marks a completed award. At most one done entry per session.
	EntryDone EntryStatus = "done"
	// EntryImported marks history migrated from an external system. Imported
	// rows appear in listings but do not count toward totals.
	EntryImported EntryStatus = "imported"
)

// LedgerEntry records a single points award. Entries are append-only and
// never mutated.
type LedgerEntry struct {
	SessionID        string
	UID              string
	AmountMinorUnits int64
	Points           int64
	AwardedAt        time.Time
	Status           EntryStatus
	Note             string
}

// =============================================================================
// BINDING - uid ↔ member-number association
// =============================================================================

type BindingStatus string

const (
	BindingActive   BindingStatus = "active"
	BindingUnbound  BindingStatus = "unbound"  // terminal, explicit unbind
	BindingReplaced BindingStatus = "replaced" // terminal, superseded by forced rebind
)

// Binding asserts a uid ↔ member-number association. Among active rows the
// mapping is 1:1; history rows are kept forever.
type Binding struct {
	UID          string
	MemberNumber string // 4-digit normalized
	BoundAt      time.Time
	Status       BindingStatus
	Notes        string
	LastUpdated  time.Time
}

// =============================================================================
// MEMBER - Directory record joined by FindByNumber
// =============================================================================

type MemberStatus string

const MemberActive MemberStatus = "active"

// Member is an identity record imported from an external system.
type Member struct {
	ID             string
	ExternalID     string
	ExternalSource string
	MemberNumber   string
	Email          string
	Name           string
	Phone          string
	CreatedAt      time.Time
	ImportedAt     time.Time
	Status         MemberStatus
}

// =============================================================================
// PAYMENT RESULT - Verifier response (not persisted)
// =============================================================================

// PaymentStatusPaid is the settled status a redemption requires.
const PaymentStatusPaid = "paid"

// PaymentResult is the payment verifier's answer for a session. Repeated
// verification of the same settled session yields the same result.
type PaymentResult struct {
	Success          bool
	Status           string // "paid", "unpaid", "pending", ...
	AmountMinorUnits int64
	Currency         string
	PayerEmail       string
	Err              string // set when Success is false
}

// PaymentVerifier resolves a session id to its settled payment state.
// Implementations must be safe to call repeatedly for the same session.
type PaymentVerifier interface {
	Verify(ctx context.Context, sessionID string) (PaymentResult, error)
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// Outcome status flags carried in success envelopes. Idempotent echoes are
// successes, not errors, so retries stay safe.
const (
	StatusSuccess         = "success"
	StatusAlreadyRedeemed = "already_redeemed"
	StatusAlreadyAwarded  = "already_awarded"
	StatusPending         = "pending"
	StatusImported        = "imported"
	StatusAlreadyExists   = "already_exists"
)

// RedeemResult is the outcome of a redemption attempt that did not fail.
type RedeemResult struct {
	Code   string
	Status string // success | already_redeemed | pending
	SKU    string
}

// AwardResult is the outcome of a points award that did not fail.
type AwardResult struct {
	Points      int64
	TotalPoints int64
	Status      string // success | already_awarded | pending
}

// PointsHistory is a read-only page of a member's award history.
type PointsHistory struct {
	TotalPoints int64
	Entries     []LedgerEntry
}

// StockInfo reports availability for a product pool.
type StockInfo struct {
	Available bool
	Count     int
	SKU       string
}

// =============================================================================
// CATALOG - Immutable product configuration
// =============================================================================

// Catalog carries the fixed product allow-list and price table, loaded once
// at process start and passed explicitly into each orchestrator.
type Catalog struct {
	AllowedSKUs []string
	// Prices maps sku to the expected charge in currency minor units.
	Prices   map[string]int64
	Currency string

	// TestSessionPrefix marks sessions that resolve to a synthetic payment
	// instead of a live verifier call.
	TestSessionPrefix string
	// DefaultSyntheticAmount is used for test sessions with no sku.
	DefaultSyntheticAmount int64
	// SyntheticEmail is the payer recorded for synthetic payments.
	SyntheticEmail string
}

// Allowed reports whether sku is in the product allow-list.
func (c Catalog) Allowed(sku string) bool {
	for _, s := range c.AllowedSKUs {
		if s == sku {
			return true
		}
	}
	return false
}

// Price returns the expected minor-unit amount for sku.
func (c Catalog) Price(sku string) (int64, bool) {
	p, ok := c.Prices[sku]
	return p, ok
}

// IsTestSession reports whether sessionID matches the synthetic test prefix.
func (c Catalog) IsTestSession(sessionID string) bool {
	return c.TestSessionPrefix != "" &&
		len(sessionID) >= len(c.TestSessionPrefix) &&
		sessionID[:len(c.TestSessionPrefix)] == c.TestSessionPrefix
}
