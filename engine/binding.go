/*
binding.go - Member-number binding orchestrator

Maintains a 1:1 mapping between external uids and normalized four-digit
member numbers. The history is append-only: an active row is never deleted,
only transitioned forward to "unbound" (explicit unbind) or "replaced"
(displaced by a forced rebind). Both terminal states stay terminal.
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// memberNumberLength is the normalized width of a member number.
const memberNumberLength = 4

// NormalizeMemberNumber strips every non-digit character, left-pads short
// inputs with '0' to four digits, and truncates longer inputs to their LAST
// four digits. ok is false when no digits remain.
//
// The truncation is lossy: source numbers longer than four digits collide on
// their last four. This matches the deployed behavior and is kept as-is;
// treat it as truncation, not validated uniqueness of the source numbers.
func NormalizeMemberNumber(raw string) (normalized string, ok bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", false
	}
	if len(digits) > memberNumberLength {
		return digits[len(digits)-memberNumberLength:], true
	}
	return strings.Repeat("0", memberNumberLength-len(digits)) + digits, true
}

// Binder manages uid ↔ member-number bindings.
type Binder struct {
	bindings  BindingStore
	directory DirectoryStore
	lock      *Coordinator
	audit     ActivityLog
}

func NewBinder(bindings BindingStore, directory DirectoryStore, lock *Coordinator, audit ActivityLog) *Binder {
	if audit == nil {
		audit = NopLog{}
	}
	return &Binder{bindings: bindings, directory: directory, lock: lock, audit: audit}
}

// Bind associates uid with the normalized form of rawNumber and returns that
// normalized number.
//
// Without force, an active binding of the number to another uid fails with
// ErrAlreadyBound, and an active binding of the uid to another number fails
// with UserAlreadyBoundError. With force, both displaced rows transition to
// "replaced" before the new row is appended. Rebinding an identical active
// pair is an idempotent no-op.
func (b *Binder) Bind(ctx context.Context, uid, rawNumber string, force bool) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: missing uid", ErrInvalidArgument)
	}
	number, ok := NormalizeMemberNumber(rawNumber)
	if !ok {
		return "", fmt.Errorf("%w: invalid member number format", ErrInvalidArgument)
	}

	release, err := b.lock.Acquire(ctx)
	if err != nil {
		return "", err
	}
	err = b.bindLocked(ctx, uid, number, force)
	release()
	if err != nil {
		return "", err
	}

	b.audit.Record(ctx, ActionNumberBound, uid, "member number: "+number)
	return number, nil
}

func (b *Binder) bindLocked(ctx context.Context, uid, number string, force bool) error {
	byNumber, err := b.bindings.ActiveByNumber(ctx, number)
	if err != nil {
		return err
	}
	byUID, err := b.bindings.ActiveByUID(ctx, uid)
	if err != nil {
		return err
	}

	// Identical active pair: nothing to do, retries stay safe.
	if byUID != nil && byUID.MemberNumber == number {
		return nil
	}

	if !force {
		if byNumber != nil && byNumber.UID != uid {
			return fmt.Errorf("%w: %s", ErrAlreadyBound, number)
		}
		if byUID != nil {
			return &UserAlreadyBoundError{UID: uid, CurrentNumber: byUID.MemberNumber}
		}
	}

	now := time.Now()
	notes := "User bind"
	if force {
		// Displace whatever currently holds the number or the uid.
		if err := b.bindings.ReplaceActive(ctx, uid, number, now); err != nil {
			return err
		}
		notes = "Force bind"
	}

	return b.bindings.AppendBinding(ctx, Binding{
		UID:          uid,
		MemberNumber: number,
		BoundAt:      now,
		Status:       BindingActive,
		Notes:        notes,
		LastUpdated:  now,
	})
}

// Unbind transitions the uid's active binding to "unbound" and returns the
// number that was released.
func (b *Binder) Unbind(ctx context.Context, uid string) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("%w: missing uid", ErrInvalidArgument)
	}

	release, err := b.lock.Acquire(ctx)
	if err != nil {
		return "", err
	}
	number, err := b.bindings.MarkUnbound(ctx, uid, time.Now())
	release()
	if err != nil {
		return "", err
	}

	b.audit.Record(ctx, ActionNumberUnbound, uid, "unbound member number: "+number)
	return number, nil
}

// GetBinding returns the uid's active binding, or nil when unbound.
// Read-only: takes no lock.
func (b *Binder) GetBinding(ctx context.Context, uid string) (*Binding, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: missing uid", ErrInvalidArgument)
	}
	return b.bindings.ActiveByUID(ctx, uid)
}

// FindByNumber normalizes rawNumber, looks up its active binding, and joins
// the member directory record carrying that number when one exists. Either
// result may be nil. Read-only: takes no lock.
func (b *Binder) FindByNumber(ctx context.Context, rawNumber string) (*Binding, *Member, error) {
	number, ok := NormalizeMemberNumber(rawNumber)
	if !ok {
		return nil, nil, fmt.Errorf("%w: invalid member number format", ErrInvalidArgument)
	}
	binding, err := b.bindings.ActiveByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	var member *Member
	if b.directory != nil {
		member, err = b.directory.MemberByNumber(ctx, number)
		if err != nil {
			return nil, nil, err
		}
	}
	return binding, member, nil
}

// History returns every binding row ever written for uid, oldest first.
func (b *Binder) History(ctx context.Context, uid string) ([]Binding, error) {
	return b.bindings.HistoryByUID(ctx, uid)
}
