/*
Package generic provides the core data model of the billing engine.

PURPOSE:
  This package contains the types every other package speaks: billing
  entries, contracts, account adjustments, the closed status and
  transaction-type sets, day-granular dates and the storage contracts.
  Scheduling, reconciliation, lifecycle and process packages build on it
  and never on each other's internals.

KEY CONCEPTS IN THIS FILE (types.go):
  - BillingEntry: One dated financial obligation (or correction) of a member
  - EntryKind: Closed variant charge | correction
  - StoredStatus: Persisted status; the effective status is derived at read time
  - CorrectionAudit: Structured audit record attached by named operations
  - Contract: Billing parameters a schedule is generated from
  - AccountAdjustment: Direct account correction not tied to an entry

DESIGN PRINCIPLES:
  1. Precision: amounts are decimal.Decimal, never float64
  2. Closed sets: statuses and transaction types are validated on write
  3. Auditability: reasons live in CorrectionAudit records, not in descriptions
  4. Type Safety: distinct ID types prevent mixing member/contract/entry IDs

USAGE:
  entry := generic.BillingEntry{
      ID:              generic.NewEntryID(),
      MemberID:        "mem-123",
      ContractID:      "con-001",
      Kind:            generic.KindCharge,
      DueDate:         generic.NewDate(2025, time.July, 1),
      TransactionType: generic.TypeMembershipFee,
      Amount:          decimal.RequireFromString("89.90"),
      StoredStatus:    generic.StatusScheduled,
  }

SEE ALSO:
  - time.go: Date and Clock
  - period.go: Recurrence stepping
  - store.go: Persistence contracts and filters
  - errors.go: Error taxonomy
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	EntryID      string
	MemberID     string
	ContractID   string
	AdjustmentID string
)

// DefaultPaymentGroup is used when a contract or entry has no payment group.
const DefaultPaymentGroup = "default"

// =============================================================================
// ENUMERATIONS - Closed sets, validated on every write
// =============================================================================

// EntryKind distinguishes obligations from corrections of obligations.
type EntryKind string

const (
	KindCharge     EntryKind = "charge"
	KindCorrection EntryKind = "correction"
)

func (k EntryKind) Valid() bool { return k == KindCharge || k == KindCorrection }

// StoredStatus is the persisted status of an entry.
type StoredStatus string

const (
	StatusScheduled  StoredStatus = "scheduled"
	StatusProcessing StoredStatus = "processing"
	StatusProcessed  StoredStatus = "processed"
	StatusFailed     StoredStatus = "failed"
	StatusCancelled  StoredStatus = "cancelled"
	StatusSuspended  StoredStatus = "suspended"
)

// AllStoredStatuses lists the closed status set in display order.
var AllStoredStatuses = []StoredStatus{
	StatusScheduled, StatusProcessing, StatusProcessed,
	StatusFailed, StatusCancelled, StatusSuspended,
}

func (s StoredStatus) Valid() bool { return lo.Contains(AllStoredStatuses, s) }

// TransactionType classifies what an entry charges for.
type TransactionType string

const (
	TypeMembershipFee TransactionType = "membership_fee"
	TypeFlatFee       TransactionType = "flat_fee"
	TypeModule        TransactionType = "module"
	TypeSetupFee      TransactionType = "setup_fee"
	TypePenaltyFee    TransactionType = "penalty_fee"
)

var AllTransactionTypes = []TransactionType{
	TypeMembershipFee, TypeFlatFee, TypeModule, TypeSetupFee, TypePenaltyFee,
}

func (t TransactionType) Valid() bool { return lo.Contains(AllTransactionTypes, t) }

// OneTime reports whether the type is charged once per contract rather than per period.
func (t TransactionType) OneTime() bool { return t == TypeSetupFee }

// ParseStoredStatus validates and converts a raw status string.
func ParseStoredStatus(s string) (StoredStatus, error) {
	st := StoredStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", NewValidationError("status", fmt.Sprintf("unknown status %q", s))
	}
	return st, nil
}

// ParseTransactionType validates and converts a raw transaction type string.
func ParseTransactionType(s string) (TransactionType, error) {
	tt := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	if !tt.Valid() {
		return "", NewValidationError("transaction_type", fmt.Sprintf("unknown transaction type %q", s))
	}
	return tt, nil
}

// =============================================================================
// AUDIT - Structured reason records
// =============================================================================

type AuditAction string

const (
	AuditVoid         AuditAction = "void"
	AuditReduce       AuditAction = "reduce"
	AuditEdit         AuditAction = "edit"
	AuditSuspension   AuditAction = "suspension"
	AuditCancellation AuditAction = "cancellation"
	AuditCreditOffset AuditAction = "credit_offset"
	AuditPayment      AuditAction = "payment"
	AuditReturn       AuditAction = "return"
	AuditAdjustment   AuditAction = "adjustment"
)

type ActorType string

const (
	ActorStaff  ActorType = "staff"
	ActorSystem ActorType = "system"
	ActorMember ActorType = "member"
)

// CorrectionAudit records who changed an entry, how and why.
type CorrectionAudit struct {
	Action    AuditAction     `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	ActorType ActorType       `json:"actor_type"`
	Actor     string          `json:"actor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Actor identifies the caller of a mutating operation.
type Actor struct {
	Type ActorType
	ID   string
}

// SystemActor is used by scheduled jobs.
var SystemActor = Actor{Type: ActorSystem, ID: "system"}

func (a Actor) orDefault() Actor {
	if a.Type == "" {
		a.Type = ActorStaff
	}
	return a
}

// NewAudit builds an audit record stamped with at.
func NewAudit(action AuditAction, reason string, amount decimal.Decimal, actor Actor, at time.Time) CorrectionAudit {
	actor = actor.orDefault()
	return CorrectionAudit{
		Action:    action,
		Reason:    reason,
		Amount:    amount,
		ActorType: actor.Type,
		Actor:     actor.ID,
		Timestamp: at.UTC(),
	}
}

// =============================================================================
// BILLING ENTRY
// =============================================================================

// Recurrence describes the rule an entry instance was generated from.
type Recurrence struct {
	Pattern RecurrencePattern `json:"pattern"`
	EndDate *Date             `json:"end_date,omitempty"`
}

// BillingEntry is one dated obligation of a member, or a correction of one.
//
// Charges carry Amount >= 0. Corrections carry their own signed amount and
// reference the corrected entry through ParentEntryID; they never mutate
// the entry they correct.
type BillingEntry struct {
	ID              EntryID
	MemberID        MemberID
	ContractID      ContractID
	PaymentGroupID  string
	ParentEntryID   EntryID
	Kind            EntryKind
	DueDate         Date
	ScheduledFor    Date // slot the charge was planned for; edits never move it
	TransactionType TransactionType
	Amount          decimal.Decimal
	StoredStatus    StoredStatus
	Recurrence      *Recurrence
	AmountPaid      decimal.Decimal
	AmountReturned  decimal.Decimal
	Priority        int
	Description     string
	Notes           string
	Tags            []string
	Audit           []CorrectionAudit
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Normalize fills defaults. It never changes money fields.
func (e *BillingEntry) Normalize() {
	if e.PaymentGroupID == "" {
		e.PaymentGroupID = DefaultPaymentGroup
	}
	if e.Kind == "" {
		e.Kind = KindCharge
	}
	if e.StoredStatus == "" {
		e.StoredStatus = StatusScheduled
	}
	if e.Priority == 0 {
		e.Priority = 1
	}
	if e.Kind == KindCharge && e.ScheduledFor.IsZero() {
		e.ScheduledFor = e.DueDate
	}
}

// Validate checks the write-time invariants of an entry.
func (e BillingEntry) Validate() error {
	switch {
	case e.ID == "":
		return NewValidationError("id", "entry id is required")
	case e.MemberID == "":
		return NewValidationError("member_id", "member id is required")
	case !e.Kind.Valid():
		return NewValidationError("kind", fmt.Sprintf("unknown entry kind %q", e.Kind))
	case !e.StoredStatus.Valid():
		return NewValidationError("status", fmt.Sprintf("unknown status %q", e.StoredStatus))
	case !e.TransactionType.Valid():
		return NewValidationError("transaction_type", fmt.Sprintf("unknown transaction type %q", e.TransactionType))
	case e.DueDate.IsZero():
		return NewValidationError("due_date", "due date is required")
	case e.Kind == KindCharge && e.Amount.IsNegative():
		return NewValidationError("amount", "charge amount must not be negative")
	case e.Kind == KindCorrection && e.ParentEntryID == "" && e.ContractID == "":
		return NewValidationError("parent_entry_id", "correction must reference an entry or a contract")
	case e.AmountPaid.IsNegative() || e.AmountReturned.IsNegative():
		return NewValidationError("amount_paid", "payment accumulations must not be negative")
	}
	return nil
}

// IsCorrection reports whether the entry is a correction entry.
func (e BillingEntry) IsCorrection() bool { return e.Kind == KindCorrection }

// ScheduleKey returns the idempotency key of a generated charge. It is
// derived from the planned slot, so editing the due date keeps the key.
func (e BillingEntry) ScheduleKey() ScheduleKey {
	slot := e.ScheduledFor
	if slot.IsZero() {
		slot = e.DueDate
	}
	return ScheduleKey{ContractID: e.ContractID, ScheduledFor: slot, TransactionType: e.TransactionType}
}

// LastAudit returns the most recent audit record with the given action.
func (e BillingEntry) LastAudit(action AuditAction) (CorrectionAudit, bool) {
	for i := len(e.Audit) - 1; i >= 0; i-- {
		if e.Audit[i].Action == action {
			return e.Audit[i], true
		}
	}
	return CorrectionAudit{}, false
}

// DisplayDescription renders the description with void/reduction annotations
// for presentation. The stored description is never modified.
func (e BillingEntry) DisplayDescription() string {
	var b strings.Builder
	b.WriteString(e.Description)
	for _, a := range e.Audit {
		switch a.Action {
		case AuditVoid:
			fmt.Fprintf(&b, " (STORNIERT: %s)", a.Reason)
		case AuditReduce:
			fmt.Fprintf(&b, " (MINDERUNG %s EUR: %s)", a.Amount.StringFixed(2), a.Reason)
		}
	}
	return strings.TrimSpace(b.String())
}

// ScheduleKey identifies a generated charge: one per contract, planned slot and type.
type ScheduleKey struct {
	ContractID      ContractID
	ScheduledFor    Date
	TransactionType TransactionType
}

func (k ScheduleKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ContractID, k.ScheduledFor, k.TransactionType)
}

// =============================================================================
// CONTRACT
// =============================================================================

type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractSuspended ContractStatus = "suspended"
	ContractCancelled ContractStatus = "cancelled"
)

// Contract holds the billing parameters a schedule is generated from.
// A nil EndDate means the contract renews until cancelled.
type Contract struct {
	ID               ContractID
	MemberID         MemberID
	TariffName       string
	StartDate        Date
	EndDate          *Date
	BaseAmount       decimal.Decimal
	SetupFee         *decimal.Decimal
	TransactionTypes []TransactionType
	Schedule         RecurrencePattern
	PaymentGroupID   string
	PaymentDay       int
	Status           ContractStatus
	CancellationDate *Date
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (c Contract) OpenEnded() bool { return c.EndDate == nil }

func (c Contract) Validate() error {
	switch {
	case c.ID == "":
		return NewValidationError("id", "contract id is required")
	case c.MemberID == "":
		return NewValidationError("member_id", "member id is required")
	case c.StartDate.IsZero():
		return NewValidationError("start_date", "start date is required")
	case !c.Schedule.Valid():
		return NewValidationError("schedule", fmt.Sprintf("unknown schedule %q", c.Schedule))
	case len(c.TransactionTypes) == 0:
		return NewValidationError("transaction_types", "at least one transaction type is required")
	case c.PaymentDay < 0 || c.PaymentDay > 31:
		return NewValidationError("payment_day", "payment day must be between 1 and 31")
	}
	for _, t := range c.TransactionTypes {
		if !t.Valid() {
			return NewValidationError("transaction_types", fmt.Sprintf("unknown transaction type %q", t))
		}
	}
	return nil
}

// =============================================================================
// ACCOUNT ADJUSTMENT
// =============================================================================

// AccountAdjustment is a signed correction booked directly on a member account.
// Positive amounts increase what the member owes.
type AccountAdjustment struct {
	ID        AdjustmentID
	MemberID  MemberID
	Amount    decimal.Decimal
	Reason    string
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// RoundCents rounds half away from zero to two decimal places.
func RoundCents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// SumAmounts adds the amounts returned by fn for every item.
func SumAmounts[T any](items []T, fn func(T) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(fn(it))
	}
	return total
}

// MustParseDecimal parses s and panics if it is not a decimal. Intended for
// fixtures and tests, like MustDate.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("parse decimal %q: %v", s, err))
	}
	return d
}

// Clone returns a deep copy so stores never share slices with callers.
func (e BillingEntry) Clone() BillingEntry {
	c := e
	c.Tags = append([]string(nil), e.Tags...)
	c.Audit = append([]CorrectionAudit(nil), e.Audit...)
	if e.Recurrence != nil {
		r := *e.Recurrence
		if r.EndDate != nil {
			end := *r.EndDate
			r.EndDate = &end
		}
		c.Recurrence = &r
	}
	return c
}
