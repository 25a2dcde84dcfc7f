package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
)

// SuspensionRequest pauses a membership for [Start, End].
type SuspensionRequest struct {
	MemberID   generic.MemberID
	ContractID generic.ContractID
	Start      generic.Date
	End        generic.Date
	Reason     string

	// Retroactive credits the processed transactions listed in
	// AffectedTransactionIDs (charges already collected for the window).
	Retroactive            bool
	AffectedTransactionIDs []generic.EntryID

	// CandidateEntryIDs are the entries to check against the window.
	CandidateEntryIDs []generic.EntryID
	Actor             generic.Actor
}

func (r SuspensionRequest) Validate() error {
	switch {
	case r.MemberID == "":
		return generic.NewValidationError("member_id", "is required")
	case r.Start.IsZero():
		return generic.NewValidationError("start_date", "is required")
	case r.End.IsZero():
		return generic.NewValidationError("end_date", "is required")
	case r.End.Before(r.Start):
		return generic.NewValidationError("end_date", fmt.Sprintf("end %s is before start %s", r.End, r.Start))
	case strings.TrimSpace(r.Reason) == "":
		return generic.NewValidationError("reason", "is required")
	}
	return nil
}

// Suspend credits retroactively affected transactions, suspends scheduled
// entries due inside the window and extends the contract end date by the
// window length in days. It does not generate replacement entries.
func (e *Engine) Suspend(ctx context.Context, req SuspensionRequest) (*Result, error) {
	defer metrics.Track("suspension")()

	if err := req.Validate(); err != nil {
		metrics.ObserveOperation("suspension", err)
		return nil, err
	}
	now := e.clock.Now(ctx).UTC()
	today := generic.DateOf(now)
	res := newResult()
	window := generic.Period{Start: req.Start, End: req.End}

	// 1. Retroactive credits
	if req.Retroactive {
		for _, tx := range e.loadMemberEntries(ctx, req.MemberID, req.AffectedTransactionIDs, res) {
			if tx.StoredStatus != generic.StatusProcessed || tx.Kind != generic.KindCharge {
				res.fail(tx.ID, generic.NewValidationError("affected_transaction_ids", "only processed charges can be credited"))
				continue
			}
			c, err := e.insertCorrection(ctx, correctionParams{
				memberID:   tx.MemberID,
				contractID: tx.ContractID,
				parentID:   tx.ID,
				txType:     tx.TransactionType,
				dueDate:    today,
				amount:     tx.Amount,
				action:     generic.AuditSuspension,
				reason:     fmt.Sprintf("Gutschrift Ruhezeit %s: %s", window, req.Reason),
				tag:        "suspension",
				actor:      req.Actor,
			}, now)
			if err != nil {
				res.fail(tx.ID, err)
				continue
			}
			res.CorrectionEntryIDs = append(res.CorrectionEntryIDs, c.ID)
			res.MonetaryEffect = res.MonetaryEffect.Add(tx.Amount)
		}
	}

	// 2. Block scheduled entries inside the window
	for _, entry := range e.loadMemberEntries(ctx, req.MemberID, req.CandidateEntryIDs, res) {
		if entry.StoredStatus != generic.StatusScheduled || !window.Contains(entry.DueDate) {
			continue
		}
		if err := e.setStatus(ctx, entry, generic.StatusSuspended, generic.AuditSuspension, req.Reason, req.Actor, now); err != nil {
			res.fail(entry.ID, err)
			continue
		}
		res.AffectedEntryIDs = append(res.AffectedEntryIDs, entry.ID)
	}

	// 3. Extend the contract
	if req.ContractID != "" {
		if end, err := e.extendContract(ctx, req.ContractID, window.Days(), now); err != nil {
			res.fail("", err)
		} else {
			res.NewContractEndDate = end
		}
	}

	metrics.ObserveOperation("suspension", nil)
	metrics.ObserveCorrections("suspension", len(res.CorrectionEntryIDs), res.MonetaryEffect.InexactFloat64())
	e.log.Info("suspension processed",
		zap.String("member_id", string(req.MemberID)),
		zap.String("window", window.String()),
		zap.Int("suspended", len(res.AffectedEntryIDs)),
		zap.Int("corrections", len(res.CorrectionEntryIDs)),
		zap.String("credit", res.MonetaryEffect.StringFixed(2)),
		zap.Int("failures", len(res.Failures)))

	return res.finish(fmt.Sprintf("%d entries suspended, %s credited",
		len(res.AffectedEntryIDs), res.MonetaryEffect.StringFixed(2))), nil
}

// extendContract moves a fixed end date back by days. Open-ended contracts
// have no end date to move and return nil.
func (e *Engine) extendContract(ctx context.Context, id generic.ContractID, days int, now time.Time) (*generic.Date, error) {
	c, err := e.store.GetContract(ctx, id)
	if err != nil {
		return nil, generic.NewStorageError("load contract", id, err)
	}
	if c.EndDate == nil {
		return nil, nil
	}
	c.EndDate = lo.ToPtr(c.EndDate.AddDays(days))
	c.UpdatedAt = now
	if err := e.store.SaveContract(ctx, *c); err != nil {
		return nil, generic.NewStorageError("save contract", id, err)
	}
	return c.EndDate, nil
}
