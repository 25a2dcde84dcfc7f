/*
store.go - Persistence contracts for entries, contracts and adjustments

PURPOSE:
  Defines the interface between the billing logic and the database.
  The engine decides what to write; the store only persists and queries.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  EntryStore:      Billing entries (batch insert, update, filtered list)
  ContractStore:   Contract billing parameters
  AdjustmentStore: Direct account corrections (append-only)
  Store:           All of the above

CONSISTENCY CONTRACT:
  - InsertBatch() is all-or-nothing. A failed batch leaves no entries behind.
  - Update() replaces one entry in a single write. Last write wins; there
    is no version check.
  - A charge's (contract, due date, transaction type) is unique. Inserting a
    duplicate returns ErrDuplicateSchedule.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite (dev/test) and PostgreSQL (pgx)
  - generic/store/memory.go: In-memory for tests

SEE ALSO:
  - errors.go: Errors returned by stores
  - reconcile/query.go: Paging and statistics over List results
*/
package generic

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type EntryStore interface {
	// InsertBatch persists entries atomically. Either all succeed or none do.
	InsertBatch(ctx context.Context, entries []BillingEntry) error

	// GetEntry returns ErrEntryNotFound when the id is unknown.
	GetEntry(ctx context.Context, id EntryID) (*BillingEntry, error)

	// UpdateEntry replaces the stored entry with the same id.
	UpdateEntry(ctx context.Context, entry BillingEntry) error

	// DeleteEntry removes an entry permanently. No audit record is kept.
	DeleteEntry(ctx context.Context, id EntryID) error

	// ListEntries returns all entries matching the filter in the requested order.
	ListEntries(ctx context.Context, filter EntryFilter) ([]BillingEntry, error)

	// ScheduleKeys returns the keys of all charges of a contract.
	ScheduleKeys(ctx context.Context, contractID ContractID) (map[ScheduleKey]EntryID, error)
}

type ContractStore interface {
	SaveContract(ctx context.Context, c Contract) error
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	ListContracts(ctx context.Context, memberID MemberID) ([]Contract, error)
}

type AdjustmentStore interface {
	AppendAdjustment(ctx context.Context, a AccountAdjustment) error
	ListAdjustments(ctx context.Context, memberID MemberID) ([]AccountAdjustment, error)
}

// Store bundles every persistence capability the engine needs.
type Store interface {
	EntryStore
	ContractStore
	AdjustmentStore
}

// =============================================================================
// FILTERING & SORTING
// =============================================================================

type SortField string

const (
	SortByDueDate   SortField = "due_date"
	SortByAmount    SortField = "amount"
	SortByCreatedAt SortField = "created_at"
	SortByStatus    SortField = "status"
)

func (f SortField) Valid() bool {
	switch f {
	case SortByDueDate, SortByAmount, SortByCreatedAt, SortByStatus:
		return true
	}
	return false
}

type Sort struct {
	Field SortField
	Desc  bool
}

// EntryFilter selects entries. Empty fields do not constrain the result.
// Date and amount bounds are inclusive.
type EntryFilter struct {
	MemberIDs        []MemberID
	ContractID       ContractID
	Statuses         []StoredStatus
	TransactionTypes []TransactionType
	Kinds            []EntryKind
	IDs              []EntryID
	DueFrom          *Date
	DueTo            *Date
	AmountMin        *decimal.Decimal
	AmountMax        *decimal.Decimal
	Sort             Sort
}

// Validate rejects inverted ranges and values outside the closed sets.
func (f EntryFilter) Validate() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return NewValidationError("status", "unknown status "+string(s))
		}
	}
	for _, t := range f.TransactionTypes {
		if !t.Valid() {
			return NewValidationError("transaction_type", "unknown transaction type "+string(t))
		}
	}
	if f.DueFrom != nil && f.DueTo != nil && f.DueTo.Before(*f.DueFrom) {
		return NewValidationError("due_to", "due_to is before due_from")
	}
	if f.AmountMin != nil && f.AmountMax != nil && f.AmountMax.LessThan(*f.AmountMin) {
		return NewValidationError("amount_max", "amount_max is below amount_min")
	}
	if f.Sort.Field != "" && !f.Sort.Field.Valid() {
		return NewValidationError("sort", "unknown sort field "+string(f.Sort.Field))
	}
	return nil
}

// Matches applies the filter to one entry. Used by the in-memory store.
func (f EntryFilter) Matches(e BillingEntry) bool {
	if len(f.MemberIDs) > 0 && !lo.Contains(f.MemberIDs, e.MemberID) {
		return false
	}
	if f.ContractID != "" && f.ContractID != e.ContractID {
		return false
	}
	if len(f.Statuses) > 0 && !lo.Contains(f.Statuses, e.StoredStatus) {
		return false
	}
	if len(f.TransactionTypes) > 0 && !lo.Contains(f.TransactionTypes, e.TransactionType) {
		return false
	}
	if len(f.Kinds) > 0 && !lo.Contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.IDs) > 0 && !lo.Contains(f.IDs, e.ID) {
		return false
	}
	if f.DueFrom != nil && e.DueDate.Before(*f.DueFrom) {
		return false
	}
	if f.DueTo != nil && e.DueDate.After(*f.DueTo) {
		return false
	}
	if f.AmountMin != nil && e.Amount.LessThan(*f.AmountMin) {
		return false
	}
	if f.AmountMax != nil && e.Amount.GreaterThan(*f.AmountMax) {
		return false
	}
	return true
}

// Less orders two entries by the filter's sort. Ties fall back to due date, then id.
func (s Sort) Less(a, b BillingEntry) bool {
	c := 0
	switch s.Field {
	case SortByAmount:
		c = a.Amount.Cmp(b.Amount)
	case SortByCreatedAt:
		c = a.CreatedAt.Compare(b.CreatedAt)
	case SortByStatus:
		c = strings.Compare(string(a.StoredStatus), string(b.StoredStatus))
	}
	if c == 0 {
		c = a.DueDate.Compare(b.DueDate)
	}
	if c == 0 {
		c = strings.Compare(string(a.ID), string(b.ID))
	}
	if s.Desc {
		return c > 0
	}
	return c < 0
}
