package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
)

// Statistics summarises a set of entries on a given day.
type Statistics struct {
	Count           int
	CountByStatus   map[EffectiveStatus]int
	TotalByStatus   map[EffectiveStatus]decimal.Decimal
	OpenTotal       decimal.Decimal
	OverdueTotal    decimal.Decimal
	DueWithin7Days  int
	DueWithin30Days int
	Warnings        []generic.ReconciliationWarning
}

// ComputeStatistics counts entries by effective status and flags inconsistencies.
// "Due within N days" counts pending entries with a due date in [today, today+N].
// Corrections are netted against charges within entries.
func ComputeStatistics(entries []generic.BillingEntry, today generic.Date) Statistics {
	return computeStatistics(entries, NewNetting(entries), today)
}

func computeStatistics(entries []generic.BillingEntry, netting Netting, today generic.Date) Statistics {
	stats := Statistics{
		Count:         len(entries),
		CountByStatus: make(map[EffectiveStatus]int, len(AllEffectiveStatuses)),
		TotalByStatus: make(map[EffectiveStatus]decimal.Decimal, len(AllEffectiveStatuses)),
		OpenTotal:     decimal.Zero,
		OverdueTotal:  decimal.Zero,
	}
	for _, s := range AllEffectiveStatuses {
		stats.TotalByStatus[s] = decimal.Zero
	}

	corrected := make(map[generic.EntryID]bool)
	for _, e := range entries {
		if e.IsCorrection() && e.ParentEntryID != "" {
			corrected[e.ParentEntryID] = true
		}
	}

	in7, in30 := today.AddDays(7), today.AddDays(30)
	for _, e := range entries {
		status := netting.Resolve(e, today)
		open := netting.OpenAmount(e)

		stats.CountByStatus[status]++
		stats.TotalByStatus[status] = stats.TotalByStatus[status].Add(e.Amount)
		stats.OpenTotal = stats.OpenTotal.Add(open)
		if status == EffectiveOverdue {
			stats.OverdueTotal = stats.OverdueTotal.Add(open)
		}

		if status.Pending() && open.IsPositive() && e.DueDate.AfterOrEqual(today) {
			if e.DueDate.BeforeOrEqual(in7) {
				stats.DueWithin7Days++
			}
			if e.DueDate.BeforeOrEqual(in30) {
				stats.DueWithin30Days++
			}
		}

		if w, ok := checkConsistency(e, corrected); ok {
			stats.Warnings = append(stats.Warnings, w)
		}
	}
	return stats
}

func checkConsistency(e generic.BillingEntry, corrected map[generic.EntryID]bool) (generic.ReconciliationWarning, bool) {
	if e.Kind != generic.KindCharge || !e.AmountPaid.GreaterThan(e.Amount) || corrected[e.ID] {
		return generic.ReconciliationWarning{}, false
	}
	return generic.ReconciliationWarning{
		EntryID: e.ID,
		Code:    generic.WarnPaidExceedsDue,
		Message: fmt.Sprintf("paid %s exceeds due %s without a correction entry",
			e.AmountPaid.StringFixed(2), e.Amount.StringFixed(2)),
	}, true
}
