package reconcile

import (
	"context"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// ACCOUNT SNAPSHOT
// =============================================================================

// AccountSnapshot is the derived state of one member account.
type AccountSnapshot struct {
	MemberID        generic.MemberID
	AsOf            generic.Date
	Balance         decimal.Decimal // open charges + credits + adjustments; positive = member owes
	OpenCharges     decimal.Decimal
	Credits         decimal.Decimal // sum of negative open amounts
	OverdueAmount   decimal.Decimal
	AdjustmentTotal decimal.Decimal
	CumulativePaid  decimal.Decimal // paid minus returned
	PaymentCount    int
	EntryCount      int
	NextDue         *EntryView
}

// AccountReader is the read side a snapshot needs.
type AccountReader interface {
	ListEntries(ctx context.Context, filter generic.EntryFilter) ([]generic.BillingEntry, error)
	ListAdjustments(ctx context.Context, memberID generic.MemberID) ([]generic.AccountAdjustment, error)
}

// FetchSnapshot loads a member's entries and adjustments and builds the snapshot.
// On failure it returns a *generic.FetchError and a zero snapshot; it never
// substitutes placeholder data.
func FetchSnapshot(ctx context.Context, r AccountReader, clock generic.Clock, memberID generic.MemberID) (AccountSnapshot, error) {
	if memberID == "" {
		return AccountSnapshot{}, generic.NewValidationError("member_id", "member id is required")
	}
	entries, err := r.ListEntries(ctx, generic.EntryFilter{
		MemberIDs: []generic.MemberID{memberID},
		Sort:      generic.Sort{Field: generic.SortByDueDate},
	})
	if err != nil {
		return AccountSnapshot{}, &generic.FetchError{MemberID: memberID, Err: err}
	}
	adjustments, err := r.ListAdjustments(ctx, memberID)
	if err != nil {
		return AccountSnapshot{}, &generic.FetchError{MemberID: memberID, Err: err}
	}
	return BuildSnapshot(memberID, entries, adjustments, generic.Today(ctx, clock)), nil
}

// BuildSnapshot is the pure part of FetchSnapshot.
func BuildSnapshot(memberID generic.MemberID, entries []generic.BillingEntry, adjustments []generic.AccountAdjustment, today generic.Date) AccountSnapshot {
	snap := AccountSnapshot{
		MemberID:        memberID,
		AsOf:            today,
		OpenCharges:     decimal.Zero,
		Credits:         decimal.Zero,
		OverdueAmount:   decimal.Zero,
		CumulativePaid:  decimal.Zero,
		EntryCount:      len(entries),
		AdjustmentTotal: generic.SumAmounts(adjustments, func(a generic.AccountAdjustment) decimal.Decimal { return a.Amount }),
	}

	netting := NewNetting(entries)
	for _, e := range entries {
		view := netting.View(e, today)
		switch {
		case view.OpenAmount.IsPositive():
			snap.OpenCharges = snap.OpenCharges.Add(view.OpenAmount)
		case view.OpenAmount.IsNegative():
			snap.Credits = snap.Credits.Add(view.OpenAmount)
		}
		if view.Status == EffectiveOverdue {
			snap.OverdueAmount = snap.OverdueAmount.Add(view.OpenAmount)
		}
		if e.AmountPaid.IsPositive() {
			snap.PaymentCount++
		}
		snap.CumulativePaid = snap.CumulativePaid.Add(e.AmountPaid).Sub(e.AmountReturned)

		if view.Status.Pending() && view.Status != EffectiveOverdue && view.OpenAmount.IsPositive() {
			if snap.NextDue == nil || e.DueDate.Before(snap.NextDue.Entry.DueDate) {
				snap.NextDue = lo.ToPtr(view)
			}
		}
	}

	snap.Balance = snap.OpenCharges.Add(snap.Credits).Add(snap.AdjustmentTotal)
	return snap
}
