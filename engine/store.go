/*
store.go - Persistence interfaces for the engine's stores

PURPOSE:
  Defines the interface between the orchestrators and the database. Each
  store owns its rows exclusively; orchestrators never hold references across
  lock releases.

KEY INTERFACES:
  PoolStore:      recharge code pool (the only store with an update, and that
                  update is a single conditional assign)
  LedgerStore:    append-only points awards
  BindingStore:   append-only binding history with status transitions
  DirectoryStore: imported member identity records

APPEND-ONLY CONTRACT:
  LedgerStore and BindingStore never delete. Binding "transitions" flip the
  status column of existing rows forward (active → unbound/replaced); the
  history for a uid or number only grows.

CONDITIONAL ASSIGN:
  PoolStore.Assign succeeds only while the token is still available,
  compare-and-swap style. Under the global lock this cannot race, but the
  store-level condition keeps the invariant even if the locking strategy is
  later narrowed.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: production SQLite
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// POOL STORE - Recharge code pool
// =============================================================================

// PoolStore persists the token pool. Lookups that match nothing return
// (nil, nil).
type PoolStore interface {
	// TokenBySession returns the token assigned to sessionID, if any.
	// This is the redemption idempotency check.
	TokenBySession(ctx context.Context, sessionID string) (*Token, error)

	// FirstAvailable returns the first available token in stable insertion
	// order, restricted to sku when non-empty. First-fit, no fairness.
	FirstAvailable(ctx context.Context, sku string) (*Token, error)

	// Assign transitions a token to assigned in one conditional write. It
	// fails with ErrTokenUnavailable if the token is no longer available.
	Assign(ctx context.Context, code, sessionID, assignedTo, sku string, at time.Time) error

	// CountAvailable counts available tokens, restricted to sku when non-empty.
	CountAvailable(ctx context.Context, sku string) (int, error)

	// AddToken provisions a new token. Used by seeding and tests; the engine
	// itself never provisions.
	AddToken(ctx context.Context, t Token) error

	// Tokens returns the whole pool in insertion order.
	Tokens(ctx context.Context) ([]Token, error)
}

// =============================================================================
// LEDGER STORE - Points awards
// =============================================================================

// LedgerStore persists point awards. Append-only: no update, no delete.
type LedgerStore interface {
	// HasDoneEntry reports whether a done entry exists for sessionID.
	// This is the award idempotency check.
	HasDoneEntry(ctx context.Context, sessionID string) (bool, error)

	// AppendEntry adds an entry. Fails with ErrDuplicateEntry when a done
	// entry for the same session already exists.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// TotalPoints sums points over done entries for uid.
	TotalPoints(ctx context.Context, uid string) (int64, error)

	// TotalAwarded sums points over all entries regardless of status.
	TotalAwarded(ctx context.Context) (int64, error)

	// EntriesByUID returns up to limit entries for uid, most recent first.
	EntriesByUID(ctx context.Context, uid string, limit int) ([]LedgerEntry, error)
}

// =============================================================================
// BINDING STORE - uid ↔ member-number history
// =============================================================================

// BindingStore persists binding history. Rows are appended and transitioned,
// never deleted.
type BindingStore interface {
	// ActiveByNumber returns the active binding for a member number, if any.
	ActiveByNumber(ctx context.Context, number string) (*Binding, error)

	// ActiveByUID returns the active binding for a uid, if any.
	ActiveByUID(ctx context.Context, uid string) (*Binding, error)

	// AppendBinding adds a new binding row.
	AppendBinding(ctx context.Context, b Binding) error

	// ReplaceActive transitions every active row for uid and every active row
	// for number to replaced, stamping at. Used by forced rebinds.
	ReplaceActive(ctx context.Context, uid, number string, at time.Time) error

	// MarkUnbound transitions the uid's active row to unbound and returns the
	// number it held. Fails with ErrNoActiveBinding when there is none.
	MarkUnbound(ctx context.Context, uid string, at time.Time) (string, error)

	// HistoryByUID returns all rows for uid in insertion order.
	HistoryByUID(ctx context.Context, uid string) ([]Binding, error)
}

// =============================================================================
// DIRECTORY STORE - Imported member records
// =============================================================================

// DirectoryStats summarizes the member directory.
type DirectoryStats struct {
	TotalMembers int
	BySource     map[string]int
}

// DirectoryStore persists imported member identities.
type DirectoryStore interface {
	// MemberByExternalID returns the member imported under (externalID,
	// source), if any. This is the import idempotency check.
	MemberByExternalID(ctx context.Context, externalID, source string) (*Member, error)

	// MemberByNumber returns the member carrying a normalized number, if any.
	MemberByNumber(ctx context.Context, number string) (*Member, error)

	// AddMember inserts a new member record.
	AddMember(ctx context.Context, m Member) error

	// Stats summarizes the directory.
	Stats(ctx context.Context) (DirectoryStats, error)
}
