package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cbon/redemption-engine/engine"
	memstore "github.com/cbon/redemption-engine/engine/store"
)

func newTestPoints(t *testing.T, verifier engine.PaymentVerifier) (*engine.Points, *memstore.Ledger) {
	t.Helper()
	ledger := memstore.NewLedger()
	lock := engine.NewCoordinator(time.Second)
	return engine.NewPoints(ledger, verifier, lock, testCatalog(), nil), ledger
}

// =============================================================================
// CONVERSION
// =============================================================================

func TestPointsForAmount(t *testing.T) {
	cases := []struct {
		amount int64
		want   int64
	}{
		{900, 9},
		{4200, 42},
		{8200, 82},
		{99, 0},   // below one point
		{150, 1},  // integer division truncates
		{0, 0},
		{-500, 0}, // refunds award nothing
	}
	for _, c := range cases {
		if got := engine.PointsForAmount(c.amount); got != c.want {
			t.Errorf("PointsForAmount(%d) = %d, want %d", c.amount, got, c.want)
		}
	}
}

// =============================================================================
// AWARD
// =============================================================================

func TestAward_SyntheticSession(t *testing.T) {
	// GIVEN: A test session for product abc priced 900
	// WHEN: Awarding points
	// THEN: 9 points, total 9

	p, _ := newTestPoints(t, &fakeVerifier{})

	res, err := p.Award(context.Background(), "cs_test_2", "u1", "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Points != 9 || res.TotalPoints != 9 {
		t.Errorf("expected 9/9, got %d/%d", res.Points, res.TotalPoints)
	}
	if res.Status != engine.StatusSuccess {
		t.Errorf("expected success, got %q", res.Status)
	}
}

func TestAward_RepeatSessionIsIdempotent(t *testing.T) {
	// GIVEN: A session already awarded
	// WHEN: Awarding again
	// THEN: Zero new points, existing total echoed, no second ledger row

	p, ledger := newTestPoints(t, &fakeVerifier{})

	if _, err := p.Award(context.Background(), "cs_test_2", "u1", "abc"); err != nil {
		t.Fatalf("first award: %v", err)
	}
	res, err := p.Award(context.Background(), "cs_test_2", "u1", "abc")
	if err != nil {
		t.Fatalf("second award: %v", err)
	}
	if res.Status != engine.StatusAlreadyAwarded {
		t.Errorf("expected already_awarded, got %q", res.Status)
	}
	if res.Points != 0 || res.TotalPoints != 9 {
		t.Errorf("expected 0 new points and total 9, got %d/%d", res.Points, res.TotalPoints)
	}

	total, _ := ledger.TotalPoints(context.Background(), "u1")
	if total != 9 {
		t.Errorf("total grew on a repeat award: %d", total)
	}
}

func TestAward_AccumulatesAcrossSessions(t *testing.T) {
	p, _ := newTestPoints(t, &fakeVerifier{})

	if _, err := p.Award(context.Background(), "cs_test_a", "u1", "abc"); err != nil {
		t.Fatalf("award a: %v", err)
	}
	res, err := p.Award(context.Background(), "cs_test_b", "u1", "55")
	if err != nil {
		t.Fatalf("award b: %v", err)
	}
	if res.Points != 42 || res.TotalPoints != 51 {
		t.Errorf("expected 42 new, total 51, got %d/%d", res.Points, res.TotalPoints)
	}
}

func TestAward_TestSessionWithUnknownSKUFallsToVerifier(t *testing.T) {
	// GIVEN: A test-prefixed session naming an unknown product
	// WHEN: Awarding
	// THEN: The synthetic path does not apply; the verifier decides

	verifier := &fakeVerifier{}
	p, _ := newTestPoints(t, verifier)

	_, err := p.Award(context.Background(), "cs_test_x", "u1", "999")
	if !errors.Is(err, engine.ErrPaymentVerification) {
		t.Fatalf("expected ErrPaymentVerification, got %v", err)
	}
	if verifier.calls != 1 {
		t.Errorf("expected 1 verifier call, got %d", verifier.calls)
	}
}

func TestAward_LivePaidSession(t *testing.T) {
	verifier := &fakeVerifier{results: map[string]engine.PaymentResult{
		"cs_live_9": {Success: true, Status: "paid", AmountMinorUnits: 8200, Currency: "usd"},
	}}
	p, _ := newTestPoints(t, verifier)

	res, err := p.Award(context.Background(), "cs_live_9", "u2", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Points != 82 {
		t.Errorf("expected 82 points, got %d", res.Points)
	}
}

func TestAward_UnpaidSessionIsPending(t *testing.T) {
	verifier := &fakeVerifier{results: map[string]engine.PaymentResult{
		"cs_live_p": {Success: true, Status: "unpaid"},
	}}
	p, ledger := newTestPoints(t, verifier)

	res, err := p.Award(context.Background(), "cs_live_p", "u1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != engine.StatusPending {
		t.Errorf("expected pending, got %q", res.Status)
	}

	done, _ := ledger.HasDoneEntry(context.Background(), "cs_live_p")
	if done {
		t.Error("pending award must not write a done entry")
	}
}

func TestAward_RejectsMissingArguments(t *testing.T) {
	p, _ := newTestPoints(t, &fakeVerifier{})

	if _, err := p.Award(context.Background(), "", "u1", ""); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("missing session: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := p.Award(context.Background(), "cs_test_1", "", ""); !errors.Is(err, engine.ErrInvalidArgument) {
		t.Errorf("missing uid: expected ErrInvalidArgument, got %v", err)
	}
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_MostRecentFirstWithLimit(t *testing.T) {
	// GIVEN: 25 awards for one member
	// WHEN: Reading history with the default limit
	// THEN: 20 entries, newest first, total over all 25

	ledger := memstore.NewLedger()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		err := ledger.AppendEntry(context.Background(), engine.LedgerEntry{
			SessionID:        "s" + string(rune('a'+i)),
			UID:              "u1",
			AmountMinorUnits: 100,
			Points:           1,
			AwardedAt:        base.Add(time.Duration(i) * time.Minute),
			Status:           engine.EntryDone,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	lock := engine.NewCoordinator(time.Second)
	p := engine.NewPoints(ledger, &fakeVerifier{}, lock, testCatalog(), nil)

	hist, err := p.History(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hist.TotalPoints != 25 {
		t.Errorf("expected total 25, got %d", hist.TotalPoints)
	}
	if len(hist.Entries) != 20 {
		t.Fatalf("expected default limit 20, got %d entries", len(hist.Entries))
	}
	for i := 1; i < len(hist.Entries); i++ {
		if hist.Entries[i].AwardedAt.After(hist.Entries[i-1].AwardedAt) {
			t.Fatalf("entries not in most-recent-first order at %d", i)
		}
	}

	// Oversized limits clamp to 200.
	hist, err = p.History(context.Background(), "u1", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hist.Entries) != 25 {
		t.Errorf("expected all 25 entries under the clamp, got %d", len(hist.Entries))
	}
}

func TestHistory_ImportedRowsListedButNotCounted(t *testing.T) {
	// GIVEN: One done entry and one imported history row
	// WHEN: Reading history
	// THEN: Both rows list, only the done entry counts toward the total

	ledger := memstore.NewLedger()
	now := time.Now()
	ledger.AppendEntry(context.Background(), engine.LedgerEntry{
		SessionID: "s1", UID: "u1", AmountMinorUnits: 900, Points: 9,
		AwardedAt: now, Status: engine.EntryDone,
	})
	ledger.AppendEntry(context.Background(), engine.LedgerEntry{
		SessionID: "legacy-1", UID: "u1", Points: 100,
		AwardedAt: now.Add(-24 * time.Hour), Status: engine.EntryImported,
		Note: "migrated balance",
	})

	lock := engine.NewCoordinator(time.Second)
	p := engine.NewPoints(ledger, &fakeVerifier{}, lock, testCatalog(), nil)

	hist, err := p.History(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hist.TotalPoints != 9 {
		t.Errorf("imported rows must not count toward the total, got %d", hist.TotalPoints)
	}
	if len(hist.Entries) != 2 {
		t.Errorf("expected both rows listed, got %d", len(hist.Entries))
	}
}
