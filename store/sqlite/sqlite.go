/*
Package sqlite provides the SQLite-backed implementation of the engine's
storage interfaces.

INTERFACES IMPLEMENTED:
  engine.PoolStore:      codes table
  engine.LedgerStore:    points table (append-only)
  engine.BindingStore:   member_bindings table (append-only history)
  engine.DirectoryStore: members table
  engine.ActivityLog:    logs table (best-effort)

APPEND-ONLY ENFORCEMENT:
  points rows are never updated or deleted; a partial unique index rejects a
  second done entry for a session. member_bindings rows only ever have their
  status/last_updated columns moved forward; partial unique indexes keep at
  most one active row per uid and per member number even if the lock
  discipline is ever narrowed.

FIRST-FIT ORDER:
  Allocation order is rowid order, which is insertion order for these
  tables. FirstAvailable is ORDER BY rowid LIMIT 1.

WAL MODE:
  Opened with WAL for better read concurrency and crash recovery.

USAGE:
  store, err := sqlite.New("./data/redemption.db")
  if err != nil { ... }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cbon/redemption-engine/engine"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY churn and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Recharge code pool
	CREATE TABLE IF NOT EXISTS codes (
		code TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'available',
		session_id TEXT,
		assigned_to TEXT NOT NULL DEFAULT '',
		product_sku TEXT NOT NULL DEFAULT '',
		assigned_at TEXT NOT NULL DEFAULT '',
		redeemed_at TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT ''
	);

	-- At most one token per payment session
	CREATE UNIQUE INDEX IF NOT EXISTS idx_codes_session
		ON codes(session_id) WHERE session_id IS NOT NULL AND session_id != '';
	CREATE INDEX IF NOT EXISTS idx_codes_status_sku
		ON codes(status, product_sku);

	-- Points ledger (append-only)
	CREATE TABLE IF NOT EXISTS points (
		session_id TEXT NOT NULL,
		uid TEXT NOT NULL,
		amount INTEGER NOT NULL,
		points INTEGER NOT NULL,
		awarded_at TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	);

	-- At most one done entry per payment session
	CREATE UNIQUE INDEX IF NOT EXISTS idx_points_done
		ON points(session_id) WHERE status = 'done';
	CREATE INDEX IF NOT EXISTS idx_points_uid
		ON points(uid, awarded_at DESC);

	-- Binding history (append-only, status moves forward only)
	CREATE TABLE IF NOT EXISTS member_bindings (
		uid TEXT NOT NULL,
		member_number TEXT NOT NULL,
		bound_at TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		last_updated TEXT NOT NULL
	);

	-- 1:1 mapping among active rows
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_active_uid
		ON member_bindings(uid) WHERE status = 'active';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bindings_active_number
		ON member_bindings(member_number) WHERE status = 'active';

	-- Member directory
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		external_source TEXT NOT NULL DEFAULT '',
		member_number TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		imported_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_external
		ON members(external_id, external_source);
	CREATE INDEX IF NOT EXISTS idx_members_number
		ON members(member_number) WHERE member_number != '';

	-- Activity log (best-effort audit trail)
	CREATE TABLE IF NOT EXISTS logs (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		action TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TIME ENCODING
// =============================================================================

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// POOL STORE
// =============================================================================

const tokenColumns = `code, status, COALESCE(session_id, ''), assigned_to, product_sku, assigned_at, redeemed_at, note`

func scanToken(row interface{ Scan(...any) error }) (*engine.Token, error) {
	var t engine.Token
	var status, assignedAt, redeemedAt string
	err := row.Scan(&t.Code, &status, &t.SessionID, &t.AssignedTo, &t.SKU, &assignedAt, &redeemedAt, &t.Note)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Status = engine.TokenStatus(status)
	t.AssignedAt = decodeTime(assignedAt)
	t.RedeemedAt = decodeTime(redeemedAt)
	return &t, nil
}

func (s *Store) AddToken(ctx context.Context, t engine.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = engine.TokenAvailable
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codes (code, status, session_id, assigned_to, product_sku, assigned_at, redeemed_at, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Code, string(t.Status), t.SessionID, t.AssignedTo, t.SKU,
		encodeTime(t.AssignedAt), encodeTime(t.RedeemedAt), t.Note)
	return err
}

func (s *Store) TokenBySession(ctx context.Context, sessionID string) (*engine.Token, error) {
	if sessionID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM codes WHERE session_id = ?`, sessionID)
	return scanToken(row)
}

func (s *Store) FirstAvailable(ctx context.Context, sku string) (*engine.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM codes
		WHERE status = 'available' AND (? = '' OR product_sku = ?)
		ORDER BY rowid LIMIT 1`, sku, sku)
	return scanToken(row)
}

func (s *Store) Assign(ctx context.Context, code, sessionID, assignedTo, sku string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Conditional write: only an available token can be assigned.
	res, err := s.db.ExecContext(ctx, `
		UPDATE codes
		SET status = 'assigned', session_id = ?, assigned_to = ?, product_sku = ?, assigned_at = ?
		WHERE code = ? AND status = 'available'`,
		sessionID, assignedTo, sku, encodeTime(at), code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrTokenUnavailable
	}
	return nil
}

func (s *Store) CountAvailable(ctx context.Context, sku string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM codes
		WHERE status = 'available' AND (? = '' OR product_sku = ?)`, sku, sku).Scan(&n)
	return n, err
}

func (s *Store) Tokens(ctx context.Context) ([]engine.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM codes ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) HasDoneEntry(ctx context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM points WHERE session_id = ? AND status = 'done'`, sessionID).Scan(&n)
	return n > 0, err
}

func (s *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == engine.EntryDone {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM points WHERE session_id = ? AND status = 'done'`,
			e.SessionID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return engine.ErrDuplicateEntry
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO points (session_id, uid, amount, points, awarded_at, status, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.UID, e.AmountMinorUnits, e.Points,
		encodeTime(e.AwardedAt), string(e.Status), e.Note)
	return err
}

func (s *Store) TotalPoints(ctx context.Context, uid string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM points WHERE uid = ? AND status = 'done'`, uid).Scan(&total)
	return total, err
}

func (s *Store) TotalAwarded(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM points`).Scan(&total)
	return total, err
}

func (s *Store) EntriesByUID(ctx context.Context, uid string, limit int) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, uid, amount, points, awarded_at, status, note
		FROM points WHERE uid = ?
		ORDER BY awarded_at DESC, rowid DESC
		LIMIT ?`, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.LedgerEntry
	for rows.Next() {
		var e engine.LedgerEntry
		var awardedAt, status string
		if err := rows.Scan(&e.SessionID, &e.UID, &e.AmountMinorUnits, &e.Points,
			&awardedAt, &status, &e.Note); err != nil {
			return nil, err
		}
		e.AwardedAt = decodeTime(awardedAt)
		e.Status = engine.EntryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// BINDING STORE
// =============================================================================

const bindingColumns = `uid, member_number, bound_at, status, notes, last_updated`

func scanBinding(row interface{ Scan(...any) error }) (*engine.Binding, error) {
	var b engine.Binding
	var boundAt, status, lastUpdated string
	err := row.Scan(&b.UID, &b.MemberNumber, &boundAt, &status, &b.Notes, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.BoundAt = decodeTime(boundAt)
	b.Status = engine.BindingStatus(status)
	b.LastUpdated = decodeTime(lastUpdated)
	return &b, nil
}

func (s *Store) ActiveByNumber(ctx context.Context, number string) (*engine.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+` FROM member_bindings
		WHERE member_number = ? AND status = 'active'`, number)
	return scanBinding(row)
}

func (s *Store) ActiveByUID(ctx context.Context, uid string) (*engine.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+bindingColumns+` FROM member_bindings
		WHERE uid = ? AND status = 'active'`, uid)
	return scanBinding(row)
}

func (s *Store) AppendBinding(ctx context.Context, b engine.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO member_bindings (uid, member_number, bound_at, status, notes, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.UID, b.MemberNumber, encodeTime(b.BoundAt), string(b.Status), b.Notes, encodeTime(b.LastUpdated))
	return err
}

func (s *Store) ReplaceActive(ctx context.Context, uid, number string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE member_bindings
		SET status = 'replaced', last_updated = ?
		WHERE status = 'active' AND (uid = ? OR member_number = ?)`,
		encodeTime(at), uid, number)
	return err
}

func (s *Store) MarkUnbound(ctx context.Context, uid string, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var number string
	err := s.db.QueryRowContext(ctx, `
		SELECT member_number FROM member_bindings
		WHERE uid = ? AND status = 'active'`, uid).Scan(&number)
	if err == sql.ErrNoRows {
		return "", engine.ErrNoActiveBinding
	}
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE member_bindings
		SET status = 'unbound', last_updated = ?
		WHERE uid = ? AND status = 'active'`,
		encodeTime(at), uid)
	return number, err
}

func (s *Store) HistoryByUID(ctx context.Context, uid string) ([]engine.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bindingColumns+` FROM member_bindings
		WHERE uid = ? ORDER BY rowid`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// =============================================================================
// DIRECTORY STORE
// =============================================================================

const memberColumns = `id, external_id, external_source, member_number, email, name, phone, created_at, imported_at, status`

func scanMember(row interface{ Scan(...any) error }) (*engine.Member, error) {
	var m engine.Member
	var createdAt, importedAt, status string
	err := row.Scan(&m.ID, &m.ExternalID, &m.ExternalSource, &m.MemberNumber,
		&m.Email, &m.Name, &m.Phone, &createdAt, &importedAt, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = decodeTime(createdAt)
	m.ImportedAt = decodeTime(importedAt)
	m.Status = engine.MemberStatus(status)
	return &m, nil
}

func (s *Store) MemberByExternalID(ctx context.Context, externalID, source string) (*engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM members
		WHERE external_id = ? AND external_source = ?`, externalID, source)
	return scanMember(row)
}

func (s *Store) MemberByNumber(ctx context.Context, number string) (*engine.Member, error) {
	if number == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM members
		WHERE member_number = ? ORDER BY rowid LIMIT 1`, number)
	return scanMember(row)
}

func (s *Store) AddMember(ctx context.Context, m engine.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, external_id, external_source, member_number, email, name, phone, created_at, imported_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ExternalID, m.ExternalSource, m.MemberNumber, m.Email, m.Name, m.Phone,
		encodeTime(m.CreatedAt), encodeTime(m.ImportedAt), string(m.Status))
	return err
}

func (s *Store) Stats(ctx context.Context) (engine.DirectoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := engine.DirectoryStats{BySource: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN external_source = '' THEN 'unknown' ELSE external_source END, COUNT(*)
		FROM members GROUP BY 1`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return stats, err
		}
		stats.BySource[source] = n
		stats.TotalMembers += n
	}
	return stats, rows.Err()
}

// =============================================================================
// ACTIVITY LOG
// =============================================================================

// Record persists an audit entry. Best-effort: errors are swallowed, the
// primary operation must never be affected by the audit trail.
func (s *Store) Record(ctx context.Context, action, sessionID, details string) {
	entry := engine.NewActivityEntry(action, sessionID, details)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO logs (id, timestamp, action, session_id, details)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, encodeTime(entry.Timestamp), entry.Action, entry.SessionID, entry.Details)
}

// RecentLogs returns the newest limit audit entries, for diagnostics.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]engine.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, action, session_id, details
		FROM logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ActivityEntry
	for rows.Next() {
		var e engine.ActivityEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.SessionID, &e.Details); err != nil {
			return nil, err
		}
		e.Timestamp = decodeTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
