package process

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
)

// Charge is an open charge a credit may be applied to.
type Charge struct {
	EntryID generic.EntryID
	Amount  decimal.Decimal
	DueDate generic.Date
}

// Allocation is the part of the credit applied to one charge.
type Allocation struct {
	EntryID      generic.EntryID
	Amount       decimal.Decimal
	Remaining    decimal.Decimal // charge amount left after the offset
	CorrectionID generic.EntryID
}

type CreditOffsetRequest struct {
	MemberID        generic.MemberID
	AvailableCredit decimal.Decimal
	Charges         []Charge
	Reason          string
	Actor           generic.Actor
}

func (r CreditOffsetRequest) Validate() error {
	if r.MemberID == "" {
		return generic.NewValidationError("member_id", "is required")
	}
	if !r.AvailableCredit.IsPositive() {
		return generic.NewValidationError("available_credit", "must be greater than zero")
	}
	for _, c := range r.Charges {
		if c.EntryID == "" {
			return generic.NewValidationError("charges", "entry id is required")
		}
		if c.Amount.IsNegative() {
			return generic.NewValidationError("charges", fmt.Sprintf("charge %s has a negative amount", c.EntryID))
		}
	}
	return nil
}

// PlanCreditOffset applies credit greedily to charges in ascending due date
// order (input order breaks ties). It returns only non-zero allocations.
func PlanCreditOffset(credit decimal.Decimal, charges []Charge) (allocations []Allocation, applied, remaining decimal.Decimal) {
	sorted := append([]Charge(nil), charges...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DueDate.Before(sorted[j].DueDate) })

	remaining = decimal.Max(decimal.Zero, credit)
	for _, c := range sorted {
		if !remaining.IsPositive() {
			break
		}
		offset := decimal.Min(remaining, c.Amount)
		if !offset.IsPositive() {
			continue
		}
		allocations = append(allocations, Allocation{EntryID: c.EntryID, Amount: offset, Remaining: c.Amount.Sub(offset)})
		remaining = remaining.Sub(offset)
	}
	return allocations, decimal.Max(decimal.Zero, credit).Sub(remaining), remaining
}

// OffsetCredit books one negative correction per allocation, referencing the
// charge it settles. Applied and remaining credit reflect the corrections
// actually written.
func (e *Engine) OffsetCredit(ctx context.Context, req CreditOffsetRequest) (*Result, error) {
	defer metrics.Track("credit_offset")()

	if err := req.Validate(); err != nil {
		metrics.ObserveOperation("credit_offset", err)
		return nil, err
	}
	now := e.clock.Now(ctx).UTC()
	res := newResult()
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Verrechnung Guthaben"
	}

	plan, _, _ := PlanCreditOffset(req.AvailableCredit, req.Charges)
	for _, alloc := range plan {
		charges := e.loadMemberEntries(ctx, req.MemberID, []generic.EntryID{alloc.EntryID}, res)
		if len(charges) == 0 {
			continue
		}
		charge := charges[0]
		corr, err := e.insertCorrection(ctx, correctionParams{
			memberID:   charge.MemberID,
			contractID: charge.ContractID,
			parentID:   charge.ID,
			txType:     charge.TransactionType,
			dueDate:    generic.DateOf(now),
			amount:     alloc.Amount,
			action:     generic.AuditCreditOffset,
			reason:     reason,
			tag:        "credit_offset",
			actor:      req.Actor,
		}, now)
		if err != nil {
			res.fail(charge.ID, err)
			continue
		}
		alloc.CorrectionID = corr.ID
		res.Allocations = append(res.Allocations, alloc)
		res.CorrectionEntryIDs = append(res.CorrectionEntryIDs, corr.ID)
		res.AffectedEntryIDs = append(res.AffectedEntryIDs, charge.ID)
		res.AppliedCredit = res.AppliedCredit.Add(alloc.Amount)
	}
	res.RemainingCredit = req.AvailableCredit.Sub(res.AppliedCredit)
	res.MonetaryEffect = res.AppliedCredit

	metrics.ObserveOperation("credit_offset", nil)
	metrics.ObserveCorrections("credit_offset", len(res.CorrectionEntryIDs), res.AppliedCredit.InexactFloat64())
	e.log.Info("credit offset processed",
		zap.String("member_id", string(req.MemberID)),
		zap.String("applied", res.AppliedCredit.StringFixed(2)),
		zap.String("remaining", res.RemainingCredit.StringFixed(2)),
		zap.Int("failures", len(res.Failures)))

	return res.finish(fmt.Sprintf("%s applied, %s remaining",
		res.AppliedCredit.StringFixed(2), res.RemainingCredit.StringFixed(2))), nil
}
