// Package store provides in-memory implementations of the engine's store
// interfaces, for tests and development. Rows live in insertion-ordered
// slices, so first-fit scans and history listings behave exactly like the
// production full-table scans.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cbon/redemption-engine/engine"
)

// =============================================================================
// POOL - Recharge code pool
// =============================================================================

type Pool struct {
	mu     sync.RWMutex
	tokens []engine.Token
}

func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) AddToken(_ context.Context, t engine.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Status == "" {
		t.Status = engine.TokenAvailable
	}
	p.tokens = append(p.tokens, t)
	return nil
}

func (p *Pool) TokenBySession(_ context.Context, sessionID string) (*engine.Token, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := range p.tokens {
		if p.tokens[i].SessionID == sessionID && sessionID != "" {
			t := p.tokens[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (p *Pool) FirstAvailable(_ context.Context, sku string) (*engine.Token, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := range p.tokens {
		if p.tokens[i].Status != engine.TokenAvailable {
			continue
		}
		if sku != "" && p.tokens[i].SKU != sku {
			continue
		}
		t := p.tokens[i]
		return &t, nil
	}
	return nil, nil
}

func (p *Pool) Assign(_ context.Context, code, sessionID, assignedTo, sku string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.tokens {
		if p.tokens[i].Code != code {
			continue
		}
		if p.tokens[i].Status != engine.TokenAvailable {
			return engine.ErrTokenUnavailable
		}
		p.tokens[i].Status = engine.TokenAssigned
		p.tokens[i].SessionID = sessionID
		p.tokens[i].AssignedTo = assignedTo
		p.tokens[i].SKU = sku
		p.tokens[i].AssignedAt = at
		return nil
	}
	return engine.ErrTokenUnavailable
}

func (p *Pool) CountAvailable(_ context.Context, sku string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for i := range p.tokens {
		if p.tokens[i].Status != engine.TokenAvailable {
			continue
		}
		if sku != "" && p.tokens[i].SKU != sku {
			continue
		}
		n++
	}
	return n, nil
}

func (p *Pool) Tokens(_ context.Context) ([]engine.Token, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]engine.Token, len(p.tokens))
	copy(out, p.tokens)
	return out, nil
}

// =============================================================================
// LEDGER - Points awards
// =============================================================================

type Ledger struct {
	mu      sync.RWMutex
	entries []engine.LedgerEntry
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) HasDoneEntry(_ context.Context, sessionID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.entries {
		if l.entries[i].SessionID == sessionID && l.entries[i].Status == engine.EntryDone {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) AppendEntry(_ context.Context, e engine.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.Status == engine.EntryDone {
		for i := range l.entries {
			if l.entries[i].SessionID == e.SessionID && l.entries[i].Status == engine.EntryDone {
				return engine.ErrDuplicateEntry
			}
		}
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *Ledger) TotalPoints(_ context.Context, uid string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for i := range l.entries {
		if l.entries[i].UID == uid && l.entries[i].Status == engine.EntryDone {
			total += l.entries[i].Points
		}
	}
	return total, nil
}

func (l *Ledger) TotalAwarded(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for i := range l.entries {
		total += l.entries[i].Points
	}
	return total, nil
}

func (l *Ledger) EntriesByUID(_ context.Context, uid string, limit int) ([]engine.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []engine.LedgerEntry
	for i := range l.entries {
		if l.entries[i].UID == uid {
			out = append(out, l.entries[i])
		}
	}
	// Most recent first.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AwardedAt.After(out[j].AwardedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// BINDINGS - uid ↔ member-number history
// =============================================================================

type Bindings struct {
	mu   sync.RWMutex
	rows []engine.Binding
}

func NewBindings() *Bindings {
	return &Bindings{}
}

func (b *Bindings) ActiveByNumber(_ context.Context, number string) (*engine.Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.rows {
		if b.rows[i].MemberNumber == number && b.rows[i].Status == engine.BindingActive {
			row := b.rows[i]
			return &row, nil
		}
	}
	return nil, nil
}

func (b *Bindings) ActiveByUID(_ context.Context, uid string) (*engine.Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.rows {
		if b.rows[i].UID == uid && b.rows[i].Status == engine.BindingActive {
			row := b.rows[i]
			return &row, nil
		}
	}
	return nil, nil
}

func (b *Bindings) AppendBinding(_ context.Context, row engine.Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, row)
	return nil
}

func (b *Bindings) ReplaceActive(_ context.Context, uid, number string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.rows {
		if b.rows[i].Status != engine.BindingActive {
			continue
		}
		if b.rows[i].UID == uid || b.rows[i].MemberNumber == number {
			b.rows[i].Status = engine.BindingReplaced
			b.rows[i].LastUpdated = at
		}
	}
	return nil
}

func (b *Bindings) MarkUnbound(_ context.Context, uid string, at time.Time) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.rows {
		if b.rows[i].UID == uid && b.rows[i].Status == engine.BindingActive {
			b.rows[i].Status = engine.BindingUnbound
			b.rows[i].LastUpdated = at
			return b.rows[i].MemberNumber, nil
		}
	}
	return "", engine.ErrNoActiveBinding
}

func (b *Bindings) HistoryByUID(_ context.Context, uid string) ([]engine.Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []engine.Binding
	for i := range b.rows {
		if b.rows[i].UID == uid {
			out = append(out, b.rows[i])
		}
	}
	return out, nil
}

// =============================================================================
// DIRECTORY - Imported member records
// =============================================================================

type Directory struct {
	mu      sync.RWMutex
	members []engine.Member
}

func NewDirectory() *Directory {
	return &Directory{}
}

func (d *Directory) MemberByExternalID(_ context.Context, externalID, source string) (*engine.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.members {
		if d.members[i].ExternalID == externalID && d.members[i].ExternalSource == source {
			m := d.members[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (d *Directory) MemberByNumber(_ context.Context, number string) (*engine.Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.members {
		if d.members[i].MemberNumber == number && number != "" {
			m := d.members[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (d *Directory) AddMember(_ context.Context, m engine.Member) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = append(d.members, m)
	return nil
}

func (d *Directory) Stats(_ context.Context) (engine.DirectoryStats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := engine.DirectoryStats{
		TotalMembers: len(d.members),
		BySource:     make(map[string]int),
	}
	for i := range d.members {
		source := d.members[i].ExternalSource
		if source == "" {
			source = "unknown"
		}
		stats.BySource[source]++
	}
	return stats, nil
}

// =============================================================================
// LOG - Persisted activity entries
// =============================================================================

// Log keeps activity entries in memory. Record never fails, matching the
// best-effort ActivityLog contract.
type Log struct {
	mu      sync.RWMutex
	entries []engine.ActivityEntry
}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Record(_ context.Context, action, sessionID, details string) {
	entry := engine.NewActivityEntry(action, sessionID, details)
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *Log) Entries() []engine.ActivityEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]engine.ActivityEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
