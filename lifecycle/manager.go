/*
Package lifecycle implements the named mutations of a single billing entry.

PURPOSE:
  Entries are never changed by overwriting arbitrary fields. Every change
  goes through one of the operations below, which validates its input,
  builds the complete new entry, appends an audit record and writes it in
  one store update.

OPERATIONS:
  Edit          Replace due date, amount, description, transaction type
  Void          Cancel the obligation for good (reason required)
  Reduce        Lower the amount by 0 < r < amount (reason required)
  RecordPayment Add to the paid amount; settles the entry when fully paid
  RecordReturn  Add to the returned amount (bounced direct debit)
  Delete        Remove the entry; administrative, leaves no audit trail
  BulkSetStatus Set a stored status on many entries, best effort

INVARIANTS:
  - A voided (cancelled) entry accepts no further mutation; there is no undo
  - ID, member and creation time never change
  - Reduction keeps the amount strictly positive

SEE ALSO:
  - reconcile/outstanding.go: How open amounts follow from these fields
  - process/: Multi-entry business processes
*/
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
	"github.com/warp/billing-engine/reconcile"
)

type Manager struct {
	store generic.EntryStore
	clock generic.Clock
	log   *zap.Logger

	// BulkConcurrency bounds parallel writes in BulkSetStatus.
	BulkConcurrency int
}

func NewManager(store generic.EntryStore, clock generic.Clock, log *zap.Logger) *Manager {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, clock: clock, log: log.Named("lifecycle"), BulkConcurrency: 8}
}

// =============================================================================
// REQUESTS
// =============================================================================

type EditRequest struct {
	EntryID         generic.EntryID
	DueDate         generic.Date
	Amount          decimal.Decimal
	Description     string
	TransactionType generic.TransactionType
	Actor           generic.Actor
}

type VoidRequest struct {
	EntryID generic.EntryID
	Reason  string
	Actor   generic.Actor
}

type ReduceRequest struct {
	EntryID generic.EntryID
	Amount  decimal.Decimal
	Reason  string
	Actor   generic.Actor
}

type PaymentRequest struct {
	EntryID generic.EntryID
	Amount  decimal.Decimal
	Reason  string
	Actor   generic.Actor
}

// =============================================================================
// EDIT / VOID / REDUCE
// =============================================================================

// Edit replaces the mutable fields of an entry. Raising a zero amount above
// zero makes the entry resolve by due date again.
func (m *Manager) Edit(ctx context.Context, req EditRequest) (*generic.BillingEntry, error) {
	defer metrics.Track("edit")()

	if req.DueDate.IsZero() {
		return nil, m.reject("edit", generic.NewValidationError("due_date", "is required"))
	}
	if !req.TransactionType.Valid() {
		return nil, m.reject("edit", generic.NewValidationError("transaction_type", fmt.Sprintf("unknown transaction type %q", req.TransactionType)))
	}

	return m.mutate(ctx, "edit", req.EntryID, func(e *generic.BillingEntry, now time.Time) error {
		if e.Kind == generic.KindCharge && req.Amount.IsNegative() {
			return generic.NewValidationError("amount", "charge amount must not be negative")
		}
		if e.Kind == generic.KindCharge && e.ScheduledFor.IsZero() {
			e.ScheduledFor = e.DueDate
		}
		e.DueDate = req.DueDate
		e.Amount = req.Amount
		e.Description = req.Description
		e.TransactionType = req.TransactionType
		e.Audit = append(e.Audit, generic.NewAudit(generic.AuditEdit, "", req.Amount, req.Actor, now))
		return nil
	})
}

// Void cancels an entry. Its open amount becomes zero and stays zero.
func (m *Manager) Void(ctx context.Context, req VoidRequest) (*generic.BillingEntry, error) {
	defer metrics.Track("void")()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, m.reject("void", generic.NewValidationErrorWithHint("reason", "is required", "Bitte einen Stornogrund angeben."))
	}

	return m.mutate(ctx, "void", req.EntryID, func(e *generic.BillingEntry, now time.Time) error {
		voided := reconcile.EntryOpenAmount(*e)
		e.StoredStatus = generic.StatusCancelled
		e.Audit = append(e.Audit, generic.NewAudit(generic.AuditVoid, reason, voided, req.Actor, now))
		return nil
	})
}

// Reduce lowers the amount by req.Amount, which must lie strictly between
// zero and the current amount.
func (m *Manager) Reduce(ctx context.Context, req ReduceRequest) (*generic.BillingEntry, error) {
	defer metrics.Track("reduce")()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, m.reject("reduce", generic.NewValidationErrorWithHint("reason", "is required", "Bitte einen Grund für die Minderung angeben."))
	}
	if !req.Amount.IsPositive() {
		return nil, m.reject("reduce", generic.NewValidationError("amount", "reduction must be greater than zero"))
	}

	return m.mutate(ctx, "reduce", req.EntryID, func(e *generic.BillingEntry, now time.Time) error {
		if !req.Amount.LessThan(e.Amount) {
			return generic.NewValidationError("amount",
				fmt.Sprintf("reduction %s must be less than the amount %s", req.Amount.StringFixed(2), e.Amount.StringFixed(2)))
		}
		e.Amount = e.Amount.Sub(req.Amount)
		e.Audit = append(e.Audit, generic.NewAudit(generic.AuditReduce, reason, req.Amount, req.Actor, now))
		return nil
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPayment adds to the paid amount. A fully paid charge becomes processed.
func (m *Manager) RecordPayment(ctx context.Context, req PaymentRequest) (*generic.BillingEntry, error) {
	defer metrics.Track("payment")()

	if !req.Amount.IsPositive() {
		return nil, m.reject("payment", generic.NewValidationError("amount", "payment must be greater than zero"))
	}
	return m.mutate(ctx, "payment", req.EntryID, func(e *generic.BillingEntry, now time.Time) error {
		e.AmountPaid = e.AmountPaid.Add(req.Amount)
		if !reconcile.OpenAmount(e.Amount, e.AmountPaid, e.AmountReturned).IsPositive() {
			e.StoredStatus = generic.StatusProcessed
		}
		e.Audit = append(e.Audit, generic.NewAudit(generic.AuditPayment, req.Reason, req.Amount, req.Actor, now))
		return nil
	})
}

// RecordReturn books a returned payment. The returned total may not exceed
// what was paid; the entry is marked failed so collection can be retried.
func (m *Manager) RecordReturn(ctx context.Context, req PaymentRequest) (*generic.BillingEntry, error) {
	defer metrics.Track("return")()

	if !req.Amount.IsPositive() {
		return nil, m.reject("return", generic.NewValidationError("amount", "returned amount must be greater than zero"))
	}
	return m.mutate(ctx, "return", req.EntryID, func(e *generic.BillingEntry, now time.Time) error {
		returned := e.AmountReturned.Add(req.Amount)
		if returned.GreaterThan(e.AmountPaid) {
			return generic.NewValidationError("amount",
				fmt.Sprintf("returned total %s exceeds paid %s", returned.StringFixed(2), e.AmountPaid.StringFixed(2)))
		}
		e.AmountReturned = returned
		e.StoredStatus = generic.StatusFailed
		e.Audit = append(e.Audit, generic.NewAudit(generic.AuditReturn, req.Reason, req.Amount, req.Actor, now))
		return nil
	})
}

// Delete removes an entry permanently.
func (m *Manager) Delete(ctx context.Context, id generic.EntryID) error {
	defer metrics.Track("delete")()

	if err := m.store.DeleteEntry(ctx, id); err != nil {
		err = generic.NewStorageError("delete entry", id, err)
		metrics.ObserveOperation("delete", err)
		return err
	}
	m.log.Warn("entry deleted", zap.String("entry_id", string(id)))
	metrics.ObserveOperation("delete", nil)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mutate loads the entry, applies fn to a copy and writes the result once.
// Voided entries are rejected before fn runs.
func (m *Manager) mutate(ctx context.Context, op string, id generic.EntryID, fn func(*generic.BillingEntry, time.Time) error) (*generic.BillingEntry, error) {
	if id == "" {
		return nil, m.reject(op, generic.NewValidationError("entry_id", "is required"))
	}
	current, err := m.store.GetEntry(ctx, id)
	if err != nil {
		return nil, m.reject(op, generic.NewStorageError("load entry", id, err))
	}
	if current.StoredStatus == generic.StatusCancelled {
		return nil, m.reject(op, errors.Wrapf(generic.ErrEntryVoided, "entry %s", id))
	}

	now := m.clock.Now(ctx).UTC()
	next := current.Clone()
	if err := fn(&next, now); err != nil {
		return nil, m.reject(op, err)
	}
	next.ID, next.MemberID, next.CreatedAt = current.ID, current.MemberID, current.CreatedAt
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return nil, m.reject(op, err)
	}

	if err := m.store.UpdateEntry(ctx, next); err != nil {
		return nil, m.reject(op, generic.NewStorageError("update entry", next, err))
	}

	metrics.ObserveOperation(op, nil)
	m.log.Info("entry updated",
		zap.String("operation", op),
		zap.String("entry_id", string(id)),
		zap.String("amount", next.Amount.StringFixed(2)),
		zap.String("status", string(next.StoredStatus)))
	return &next, nil
}

func (m *Manager) reject(op string, err error) error {
	metrics.ObserveOperation(op, err)
	if !generic.IsClientError(err) {
		m.log.Error("entry operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}
