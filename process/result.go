package process

import (
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
)

// Result is returned by every process. Success is false when at least one
// item failed; the other fields still describe everything that was written.
type Result struct {
	Success            bool
	Message            string
	CorrectionEntryIDs []generic.EntryID
	AffectedEntryIDs   []generic.EntryID
	MonetaryEffect     decimal.Decimal // credited or refunded amount, positive
	NewContractEndDate *generic.Date
	FinalBillingDate   *generic.Date
	Allocations        []Allocation
	AppliedCredit      decimal.Decimal
	RemainingCredit    decimal.Decimal
	Failures           []generic.ItemFailure
}

func newResult() *Result {
	return &Result{
		MonetaryEffect:  decimal.Zero,
		AppliedCredit:   decimal.Zero,
		RemainingCredit: decimal.Zero,
	}
}

func (r *Result) fail(id generic.EntryID, err error) {
	r.Failures = append(r.Failures, generic.ItemFailure{EntryID: id, Error: err.Error()})
}

func (r *Result) finish(message string) *Result {
	r.Success = len(r.Failures) == 0
	r.Message = message
	return r
}
