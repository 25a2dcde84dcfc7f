package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// OPEN AMOUNT
// =============================================================================

// OpenAmount is the reconciliation formula: due - paid + returned.
// A returned (bounced) payment re-opens the amount it had settled.
func OpenAmount(due, paid, returned decimal.Decimal) decimal.Decimal {
	return due.Sub(paid).Add(returned)
}

// EntryOpenAmount applies the formula to an entry.
//
// Zero-amount, cancelled and suspended entries have nothing open. Charges are
// clamped at zero; corrections keep their sign so credits reduce the balance.
func EntryOpenAmount(e generic.BillingEntry) decimal.Decimal {
	if e.Amount.IsZero() {
		return decimal.Zero
	}
	switch e.StoredStatus {
	case generic.StatusCancelled, generic.StatusSuspended:
		return decimal.Zero
	}
	open := OpenAmount(e.Amount, e.AmountPaid, e.AmountReturned)
	if e.Kind == generic.KindCharge {
		return decimal.Max(decimal.Zero, open)
	}
	return open
}

// =============================================================================
// DISPLAY CLASSIFICATION
// =============================================================================

type DisplayClass string

const (
	ClassSettled  DisplayClass = "settled"
	ClassUpcoming DisplayClass = "upcoming"
	ClassOverdue  DisplayClass = "overdue"
	ClassCredit   DisplayClass = "credit"
)

// Classify maps an entry to its display class. Entries due today count as upcoming.
func Classify(e generic.BillingEntry, today generic.Date) DisplayClass {
	return classify(EntryOpenAmount(e), e.DueDate, today)
}

func classify(open decimal.Decimal, due, today generic.Date) DisplayClass {
	switch {
	case open.IsZero():
		return ClassSettled
	case open.IsNegative():
		return ClassCredit
	case due.Before(today):
		return ClassOverdue
	default:
		return ClassUpcoming
	}
}

// =============================================================================
// PAYMENT STATE
// =============================================================================

type PaymentState string

const (
	PaymentUnpaid        PaymentState = "unpaid"
	PaymentPartiallyPaid PaymentState = "partially_paid"
	PaymentSettled       PaymentState = "settled"
	PaymentReturned      PaymentState = "returned"
)

// PaymentStateOf distinguishes "never paid" from "paid and fully returned",
// which the open amount alone cannot.
func PaymentStateOf(e generic.BillingEntry) PaymentState {
	open := OpenAmount(e.Amount, e.AmountPaid, e.AmountReturned)
	switch {
	case !open.IsPositive():
		return PaymentSettled
	case e.AmountReturned.IsPositive() || e.StoredStatus == generic.StatusFailed:
		return PaymentReturned
	case e.AmountPaid.IsPositive():
		return PaymentPartiallyPaid
	}
	return PaymentUnpaid
}

// =============================================================================
// ENTRY VIEW
// =============================================================================

// EntryView is an entry together with everything derived from it on a given day.
type EntryView struct {
	Entry        generic.BillingEntry
	Status       EffectiveStatus
	OpenAmount   decimal.Decimal
	Class        DisplayClass
	PaymentState PaymentState
}

// NewEntryView views a single entry without applying corrections from the
// rest of the account. Use Netting.View when the account is at hand.
func NewEntryView(e generic.BillingEntry, today generic.Date) EntryView {
	return Netting{}.View(e, today)
}

// =============================================================================
// CORRECTION NETTING
// =============================================================================

// Netting applies correction entries to the charges they reference.
//
// A negative correction first absorbs the open amount of its parent charge;
// only what is left over stays open as a credit on the account. A charge
// offset this way is not collected again, and the credit is not counted
// twice in a balance.
type Netting struct {
	open   map[generic.EntryID]decimal.Decimal
	offset map[generic.EntryID]bool
}

// NewNetting nets the corrections in entries against their parents in
// entries. Corrections are applied in input order.
func NewNetting(entries []generic.BillingEntry) Netting {
	n := Netting{
		open:   make(map[generic.EntryID]decimal.Decimal, len(entries)),
		offset: make(map[generic.EntryID]bool),
	}
	charges := make(map[generic.EntryID]bool, len(entries))
	for _, e := range entries {
		n.open[e.ID] = EntryOpenAmount(e)
		if e.Kind == generic.KindCharge {
			charges[e.ID] = true
		}
	}
	for _, e := range entries {
		if !e.IsCorrection() || !charges[e.ParentEntryID] {
			continue
		}
		credit, parentOpen := n.open[e.ID], n.open[e.ParentEntryID]
		if !credit.IsNegative() || !parentOpen.IsPositive() {
			continue
		}
		absorbed := decimal.Min(parentOpen, credit.Neg())
		n.open[e.ParentEntryID] = parentOpen.Sub(absorbed)
		n.open[e.ID] = credit.Add(absorbed)
		n.offset[e.ParentEntryID] = true
	}
	return n
}

// OpenAmount is the entry's open amount after netting. Entries unknown to
// the netting fall back to EntryOpenAmount.
func (n Netting) OpenAmount(e generic.BillingEntry) decimal.Decimal {
	if open, ok := n.open[e.ID]; ok {
		return open
	}
	return EntryOpenAmount(e)
}

// View derives everything shown for an entry on the given day.
func (n Netting) View(e generic.BillingEntry, today generic.Date) EntryView {
	open := n.OpenAmount(e)
	return EntryView{
		Entry:        e,
		Status:       n.Resolve(e, today),
		OpenAmount:   open,
		Class:        classify(open, e.DueDate, today),
		PaymentState: PaymentStateOf(e),
	}
}
