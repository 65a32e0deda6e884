// directory.go - Member directory: idempotent imports, batch number
// validation, and summary stats. The directory is what FindByNumber joins
// against; binding state itself lives in the BindingStore.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemberImport is the inbound shape for an identity record.
type MemberImport struct {
	ExternalID     string
	ExternalSource string
	MemberNumber   string // raw; normalized on import when present
	Email          string
	Name           string
	Phone          string
	CreatedAt      time.Time
}

// ImportOutcome reports what an import did.
type ImportOutcome struct {
	MemberID string
	Status   string // imported | already_exists
}

// NumberValidation is one row of a batch member-number check.
type NumberValidation struct {
	Original   string
	Normalized string
	Valid      bool
	Exists     bool
	Member     *Member
}

// MemberStats summarizes the directory and the points ledger.
type MemberStats struct {
	TotalMembers int
	BySource     map[string]int
	TotalPoints  int64
}

// Directory imports and reports on member identity records.
type Directory struct {
	members DirectoryStore
	ledger  LedgerStore
	lock    *Coordinator
	audit   ActivityLog
}

func NewDirectory(members DirectoryStore, ledger LedgerStore, lock *Coordinator, audit ActivityLog) *Directory {
	if audit == nil {
		audit = NopLog{}
	}
	return &Directory{members: members, ledger: ledger, lock: lock, audit: audit}
}

// newMemberID mirrors the historical id shape: "user_" + 12 hex chars.
func newMemberID() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Import inserts a member record, idempotently on (external_id, source).
// A repeat import returns the existing id with status already_exists.
func (d *Directory) Import(ctx context.Context, in MemberImport) (ImportOutcome, error) {
	if in.ExternalID == "" {
		return ImportOutcome{}, fmt.Errorf("%w: missing external_id", ErrInvalidArgument)
	}

	release, err := d.lock.Acquire(ctx)
	if err != nil {
		return ImportOutcome{}, err
	}
	out, err := d.importLocked(ctx, in)
	release()
	if err != nil {
		return ImportOutcome{}, err
	}

	if out.Status == StatusImported {
		d.audit.Record(ctx, ActionUserImported, in.ExternalID,
			fmt.Sprintf("source: %s, id: %s", in.ExternalSource, out.MemberID))
	}
	return out, nil
}

func (d *Directory) importLocked(ctx context.Context, in MemberImport) (ImportOutcome, error) {
	existing, err := d.members.MemberByExternalID(ctx, in.ExternalID, in.ExternalSource)
	if err != nil {
		return ImportOutcome{}, err
	}
	if existing != nil {
		return ImportOutcome{MemberID: existing.ID, Status: StatusAlreadyExists}, nil
	}

	number := ""
	if in.MemberNumber != "" {
		if n, ok := NormalizeMemberNumber(in.MemberNumber); ok {
			number = n
		}
	}

	now := time.Now()
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	m := Member{
		ID:             newMemberID(),
		ExternalID:     in.ExternalID,
		ExternalSource: in.ExternalSource,
		MemberNumber:   number,
		Email:          in.Email,
		Name:           in.Name,
		Phone:          in.Phone,
		CreatedAt:      createdAt,
		ImportedAt:     now,
		Status:         MemberActive,
	}
	if err := d.members.AddMember(ctx, m); err != nil {
		return ImportOutcome{}, err
	}
	return ImportOutcome{MemberID: m.ID, Status: StatusImported}, nil
}

// ValidateNumbers normalizes each raw number and checks whether a directory
// record carries it. Read-only: takes no lock.
func (d *Directory) ValidateNumbers(ctx context.Context, raw []string) ([]NumberValidation, error) {
	results := make([]NumberValidation, 0, len(raw))
	for _, r := range raw {
		v := NumberValidation{Original: r}
		if n, ok := NormalizeMemberNumber(r); ok {
			v.Normalized = n
			v.Valid = true
			m, err := d.members.MemberByNumber(ctx, n)
			if err != nil {
				return nil, err
			}
			if m != nil {
				v.Exists = true
				v.Member = m
			}
		}
		results = append(results, v)
	}
	return results, nil
}

// Stats summarizes the directory and total points ever awarded.
// Read-only: takes no lock.
func (d *Directory) Stats(ctx context.Context) (MemberStats, error) {
	ds, err := d.members.Stats(ctx)
	if err != nil {
		return MemberStats{}, err
	}
	total, err := d.ledger.TotalAwarded(ctx)
	if err != nil {
		return MemberStats{}, err
	}
	return MemberStats{
		TotalMembers: ds.TotalMembers,
		BySource:     ds.BySource,
		TotalPoints:  total,
	}, nil
}
