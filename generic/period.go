package generic

import "fmt"

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

type Period struct {
	Start Date
	End   Date
}

func NewPeriod(start, end Date) (Period, error) {
	if end.Before(start) {
		return Period{}, NewValidationError("end_date", fmt.Sprintf("end %s is before start %s", end, start))
	}
	return Period{Start: start, End: end}, nil
}

func (p Period) Contains(d Date) bool { return d.Between(p.Start, p.End) }

// Days returns End - Start in whole days (a one-day period has 0).
func (p Period) Days() int { return DaysBetween(p.Start, p.End) }

func (p Period) String() string { return p.Start.String() + ".." + p.End.String() }

// =============================================================================
// RECURRENCE PATTERN - Billing frequency
// =============================================================================

type RecurrencePattern string

const (
	RecurWeekly    RecurrencePattern = "weekly"
	RecurMonthly   RecurrencePattern = "monthly"
	RecurQuarterly RecurrencePattern = "quarterly"
	RecurYearly    RecurrencePattern = "yearly"
)

var AllRecurrencePatterns = []RecurrencePattern{RecurWeekly, RecurMonthly, RecurQuarterly, RecurYearly}

func (p RecurrencePattern) Valid() bool {
	switch p {
	case RecurWeekly, RecurMonthly, RecurQuarterly, RecurYearly:
		return true
	}
	return false
}

// months returns the step in months, or 0 for weekly.
func (p RecurrencePattern) months() int {
	switch p {
	case RecurMonthly:
		return 1
	case RecurQuarterly:
		return 3
	case RecurYearly:
		return 12
	}
	return 0
}

// PeriodStart returns the start of the n-th billing period counted from anchor.
// Month-based patterns are anchored to the first of anchor's month.
func (p RecurrencePattern) PeriodStart(anchor Date, n int) Date {
	if p == RecurWeekly {
		return anchor.AddDays(7 * n)
	}
	return anchor.StartOfMonth().AddMonths(p.months() * n)
}

// DueDates returns the due date of every period that starts in [start, end].
//
// Without a payment day the due date is the period start; month-based periods
// start on the first of the month. A payment day of 1..31 is applied inside the
// period's first month, clamped to the month length. A due date that would fall
// before start is moved to start.
func (p RecurrencePattern) DueDates(start, end Date, paymentDay int) []Date {
	if end.Before(start) || !p.Valid() {
		return nil
	}
	var dates []Date
	for n := 0; ; n++ {
		ps := p.PeriodStart(start, n)
		if ps.After(end) {
			break
		}
		due := ps
		if paymentDay > 0 && p != RecurWeekly {
			due = ps.WithDay(paymentDay)
		}
		if due.Before(start) {
			due = start
		}
		if due.After(end) {
			break
		}
		dates = append(dates, due)
	}
	return dates
}

// Label is the German display name used in summaries and exports.
func (p RecurrencePattern) Label() string {
	switch p {
	case RecurWeekly:
		return "wöchentlich"
	case RecurMonthly:
		return "monatlich"
	case RecurQuarterly:
		return "quartalsweise"
	case RecurYearly:
		return "jährlich"
	}
	return string(p)
}
