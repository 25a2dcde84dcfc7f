package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
)

type CancellationType string

const (
	CancelRegular         CancellationType = "regular"
	CancelSpecialRight    CancellationType = "special_right"
	CancelStudioInitiated CancellationType = "studio_initiated"
)

// ParseCancellationType accepts snake_case and hyphenated spellings.
func ParseCancellationType(s string) (CancellationType, error) {
	t := CancellationType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch t {
	case CancelRegular, CancelSpecialRight, CancelStudioInitiated:
		return t, nil
	}
	return "", generic.NewValidationError("cancellation_type", fmt.Sprintf("unknown cancellation type %q", s))
}

type RefundPolicy string

const (
	RefundNone    RefundPolicy = "none"
	RefundPartial RefundPolicy = "partial"
	RefundFull    RefundPolicy = "full"
)

func ParseRefundPolicy(s string) (RefundPolicy, error) {
	p := RefundPolicy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return RefundNone, nil
	case RefundNone, RefundPartial, RefundFull:
		return p, nil
	}
	return "", generic.NewValidationError("refund_policy", fmt.Sprintf("unknown refund policy %q", s))
}

// CancellationRequest ends a contract at EffectiveDate.
type CancellationRequest struct {
	MemberID          generic.MemberID
	ContractID        generic.ContractID
	CancellationDate  generic.Date // when notice was given
	EffectiveDate     generic.Date // last billing date
	Type              CancellationType
	RefundPolicy      RefundPolicy
	Reason            string
	CandidateEntryIDs []generic.EntryID
	Actor             generic.Actor
}

func (r CancellationRequest) Validate() error {
	switch {
	case r.MemberID == "":
		return generic.NewValidationError("member_id", "is required")
	case r.ContractID == "":
		return generic.NewValidationError("contract_id", "is required")
	case r.CancellationDate.IsZero():
		return generic.NewValidationError("cancellation_date", "is required")
	case r.EffectiveDate.IsZero():
		return generic.NewValidationError("effective_date", "is required")
	case r.EffectiveDate.Before(r.CancellationDate):
		return generic.NewValidationError("effective_date", "must not be before the cancellation date")
	case strings.TrimSpace(r.Reason) == "":
		return generic.NewValidationError("reason", "is required")
	}
	if _, err := ParseCancellationType(string(r.Type)); err != nil {
		return err
	}
	if _, err := ParseRefundPolicy(string(r.RefundPolicy)); err != nil {
		return err
	}
	return nil
}

// refundable reports whether a paid entry is refunded under the policy.
// Partial refunds leave one-time setup and penalty fees with the studio.
func (p RefundPolicy) refundable(e generic.BillingEntry) bool {
	switch p {
	case RefundFull:
		return true
	case RefundPartial:
		return e.TransactionType != generic.TypeSetupFee && e.TransactionType != generic.TypePenaltyFee
	}
	return false
}

// Cancel ends a contract.
//
// Special-right and studio-initiated cancellations refund the paid amounts of
// entries due after the effective date as one negative correction. Every
// scheduled candidate due on or after the effective date is cancelled.
func (e *Engine) Cancel(ctx context.Context, req CancellationRequest) (*Result, error) {
	defer metrics.Track("cancellation")()

	if err := req.Validate(); err != nil {
		metrics.ObserveOperation("cancellation", err)
		return nil, err
	}
	req.Type, _ = ParseCancellationType(string(req.Type))
	req.RefundPolicy, _ = ParseRefundPolicy(string(req.RefundPolicy))

	now := e.clock.Now(ctx).UTC()
	res := newResult()
	res.FinalBillingDate = lo.ToPtr(req.EffectiveDate)

	candidates := e.loadMemberEntries(ctx, req.MemberID, req.CandidateEntryIDs, res)

	// 1. Refund
	if req.Type != CancelRegular && req.RefundPolicy != RefundNone {
		refund := decimal.Zero
		for _, c := range candidates {
			if c.Kind != generic.KindCharge || !c.DueDate.After(req.EffectiveDate) || !req.RefundPolicy.refundable(c) {
				continue
			}
			refund = refund.Add(decimal.Max(decimal.Zero, c.AmountPaid.Sub(c.AmountReturned)))
		}
		if refund.IsPositive() {
			corr, err := e.insertCorrection(ctx, correctionParams{
				memberID:   req.MemberID,
				contractID: req.ContractID,
				txType:     generic.TypeMembershipFee,
				dueDate:    req.EffectiveDate,
				amount:     refund,
				action:     generic.AuditCancellation,
				reason:     fmt.Sprintf("Erstattung Kündigung (%s) zum %s: %s", req.Type, req.EffectiveDate, req.Reason),
				tag:        "cancellation",
				actor:      req.Actor,
			}, now)
			if err != nil {
				res.fail("", err)
			} else {
				res.CorrectionEntryIDs = append(res.CorrectionEntryIDs, corr.ID)
				res.MonetaryEffect = refund
			}
		}
	}

	// 2. Cancel future scheduled entries
	for _, c := range candidates {
		if c.StoredStatus != generic.StatusScheduled || c.DueDate.Before(req.EffectiveDate) {
			continue
		}
		if err := e.setStatus(ctx, c, generic.StatusCancelled, generic.AuditCancellation, req.Reason, req.Actor, now); err != nil {
			res.fail(c.ID, err)
			continue
		}
		res.AffectedEntryIDs = append(res.AffectedEntryIDs, c.ID)
	}

	// 3. End the contract
	if err := e.endContract(ctx, req, now); err != nil {
		res.fail("", err)
	}

	metrics.ObserveOperation("cancellation", nil)
	metrics.ObserveCorrections("cancellation", len(res.CorrectionEntryIDs), res.MonetaryEffect.InexactFloat64())
	e.log.Info("cancellation processed",
		zap.String("member_id", string(req.MemberID)),
		zap.String("contract_id", string(req.ContractID)),
		zap.String("type", string(req.Type)),
		zap.String("effective_date", req.EffectiveDate.String()),
		zap.Int("cancelled", len(res.AffectedEntryIDs)),
		zap.String("refund", res.MonetaryEffect.StringFixed(2)),
		zap.Int("failures", len(res.Failures)))

	return res.finish(fmt.Sprintf("%d entries cancelled, %s refunded, final billing date %s",
		len(res.AffectedEntryIDs), res.MonetaryEffect.StringFixed(2), req.EffectiveDate)), nil
}

func (e *Engine) endContract(ctx context.Context, req CancellationRequest, now time.Time) error {
	c, err := e.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return generic.NewStorageError("load contract", req.ContractID, err)
	}
	c.EndDate = lo.ToPtr(req.EffectiveDate)
	c.CancellationDate = lo.ToPtr(req.CancellationDate)
	c.Status = generic.ContractCancelled
	c.UpdatedAt = now
	if err := e.store.SaveContract(ctx, *c); err != nil {
		return generic.NewStorageError("save contract", req.ContractID, err)
	}
	return nil
}
