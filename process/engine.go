/*
Package process runs the multi-entry business processes of a member account.

PURPOSE:
  Suspension, cancellation and credit offsetting each touch several entries
  and the contract at once. They never rewrite history: money already booked
  is corrected with new, negative correction entries that reference what
  they correct, and future obligations change status.

PROCESSES:
  Suspend      Block scheduled entries inside a window, optionally credit
               already-processed charges, extend the contract end date
  Cancel       Cancel scheduled entries from the effective date, optionally
               refund paid future periods, end the contract
  OffsetCredit Apply a credit to open charges, oldest due date first

TARGETS:
  The caller names every entry a process may touch (CandidateEntryIDs,
  AffectedTransactionIDs, Charges). The engine loads exactly those ids and
  filters them by status and date; it does not search the store.

FAILURE MODEL:
  Input is validated before anything is written. After that each entry is
  handled on its own; a failed write is recorded in Result.Failures and the
  remaining entries are still processed. Re-running a process is not
  idempotent and is the caller's responsibility.

SEE ALSO:
  - result.go:       Result shape shared by all processes
  - lifecycle/:      Single-entry operations
*/
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
)

// Store is the persistence a process needs.
type Store interface {
	generic.EntryStore
	generic.ContractStore
}

type Engine struct {
	store Store
	clock generic.Clock
	log   *zap.Logger
}

func NewEngine(store Store, clock generic.Clock, log *zap.Logger) *Engine {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, clock: clock, log: log.Named("process")}
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadMemberEntries loads the given ids, reporting unknown ids and entries of
// other members as failures.
func (e *Engine) loadMemberEntries(ctx context.Context, memberID generic.MemberID, ids []generic.EntryID, res *Result) []generic.BillingEntry {
	var entries []generic.BillingEntry
	seen := make(map[generic.EntryID]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		entry, err := e.store.GetEntry(ctx, id)
		if err != nil {
			res.fail(id, err)
			continue
		}
		if entry.MemberID != memberID {
			res.fail(id, generic.NewValidationError("entry_id",
				fmt.Sprintf("entry belongs to member %s, not %s", entry.MemberID, memberID)))
			continue
		}
		entries = append(entries, *entry)
	}
	return entries
}

type correctionParams struct {
	memberID   generic.MemberID
	contractID generic.ContractID
	parentID   generic.EntryID
	txType     generic.TransactionType
	dueDate    generic.Date
	amount     decimal.Decimal // positive; stored negated
	action     generic.AuditAction
	reason     string
	tag        string
	actor      generic.Actor
}

// insertCorrection books one negative correction entry. It is booked as
// processed: the credit takes effect immediately.
func (e *Engine) insertCorrection(ctx context.Context, p correctionParams, now time.Time) (generic.BillingEntry, error) {
	c := generic.BillingEntry{
		ID:              generic.NewEntryID(),
		MemberID:        p.memberID,
		ContractID:      p.contractID,
		ParentEntryID:   p.parentID,
		Kind:            generic.KindCorrection,
		DueDate:         p.dueDate,
		TransactionType: p.txType,
		Amount:          p.amount.Neg(),
		StoredStatus:    generic.StatusProcessed,
		AmountPaid:      decimal.Zero,
		AmountReturned:  decimal.Zero,
		Description:     p.reason,
		Tags:            []string{p.tag},
		Audit:           []generic.CorrectionAudit{generic.NewAudit(p.action, p.reason, p.amount, p.actor, now)},
		CreatedBy:       p.actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return generic.BillingEntry{}, err
	}
	if err := e.store.InsertBatch(ctx, []generic.BillingEntry{c}); err != nil {
		return generic.BillingEntry{}, generic.NewStorageError("insert correction", c, err)
	}
	return c, nil
}

// setStatus moves one entry to status and appends an audit record.
func (e *Engine) setStatus(ctx context.Context, entry generic.BillingEntry, status generic.StoredStatus, action generic.AuditAction, reason string, actor generic.Actor, now time.Time) error {
	next := entry.Clone()
	next.StoredStatus = status
	next.UpdatedAt = now
	next.Audit = append(next.Audit, generic.NewAudit(action, reason, entry.Amount, actor, now))
	if err := e.store.UpdateEntry(ctx, next); err != nil {
		return generic.NewStorageError("update entry", next.ID, err)
	}
	return nil
}
