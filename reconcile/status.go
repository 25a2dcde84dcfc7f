/*
Package reconcile derives read-time views of billing entries.

PURPOSE:
  Stored data says what was booked. This package says what it means today:
  the effective status of an entry, how much of it is still open, how it is
  classified for display, and what a member's account looks like in total.
  Nothing here writes to a store.

KEY CONCEPTS:
  - EffectiveStatus: Stored status resolved against today (single resolver)
  - OpenAmount:      due - paid + returned
  - Netting:         Corrections absorb the open amount of the charge they reference
  - DisplayClass:    settled | upcoming | overdue | credit
  - AccountSnapshot: Balance, next due entry, payment totals
  - Statistics:      Counts and totals by effective status

SEE ALSO:
  - outstanding.go: Open amount and display classification
  - snapshot.go:    Account snapshot
  - query.go:       Filtered, paged entry views with statistics
*/
package reconcile

import (
	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// EFFECTIVE STATUS
// =============================================================================

type EffectiveStatus string

const (
	EffectiveProcessed EffectiveStatus = "processed"
	EffectiveCancelled EffectiveStatus = "cancelled"
	EffectiveSuspended EffectiveStatus = "suspended"
	EffectiveFailed    EffectiveStatus = "failed"
	EffectiveOverdue   EffectiveStatus = "overdue"
	EffectiveDueToday  EffectiveStatus = "due_today"
	EffectiveUpcoming  EffectiveStatus = "upcoming"
)

// AllEffectiveStatuses is the closed set in display order.
var AllEffectiveStatuses = []EffectiveStatus{
	EffectiveOverdue, EffectiveDueToday, EffectiveUpcoming, EffectiveProcessed,
	EffectiveFailed, EffectiveSuspended, EffectiveCancelled,
}

// Resolve returns the effective status of an entry on the given day.
//
// Precedence:
//  1. processed stays processed
//  2. a zero amount is processed (waived fee)
//  3. cancelled, suspended and failed pass through
//  4. scheduled and processing compare the due date with today
func Resolve(e generic.BillingEntry, today generic.Date) EffectiveStatus {
	switch {
	case e.StoredStatus == generic.StatusProcessed:
		return EffectiveProcessed
	case e.Amount.IsZero():
		return EffectiveProcessed
	}

	switch e.StoredStatus {
	case generic.StatusCancelled:
		return EffectiveCancelled
	case generic.StatusSuspended:
		return EffectiveSuspended
	case generic.StatusFailed:
		return EffectiveFailed
	}

	switch {
	case e.DueDate.Before(today):
		return EffectiveOverdue
	case e.DueDate.Equal(today):
		return EffectiveDueToday
	default:
		return EffectiveUpcoming
	}
}

// Resolve applies the precedence of the package-level Resolve and adds one
// rule that needs the account: a pending charge whose open amount was brought
// to zero by corrections referencing it is processed.
func (n Netting) Resolve(e generic.BillingEntry, today generic.Date) EffectiveStatus {
	status := Resolve(e, today)
	if status.Pending() && n.offset[e.ID] && n.OpenAmount(e).IsZero() {
		return EffectiveProcessed
	}
	return status
}

// Pending reports whether the status still expects a collection.
func (s EffectiveStatus) Pending() bool {
	return s == EffectiveOverdue || s == EffectiveDueToday || s == EffectiveUpcoming
}
