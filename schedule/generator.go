/*
Package schedule generates billing entries from contract parameters.

PURPOSE:
  Turns "member X pays 89.90 monthly from July to June" into one dated
  charge per period and transaction type. Generation is idempotent: a
  charge is identified by (contract, due date, transaction type) and is
  never created twice, so re-running after a contract edit only fills gaps.

RULES:
  - Periods step weekly, monthly, quarterly or yearly from the start date
  - Month-based charges fall due on the first of the month, or on the
    configured payment day (clamped to the month length)
  - setup_fee is charged once, on the start date
  - end < start yields zero entries and is not an error
  - A base amount <= 0 is allowed and reported as a fee waiver warning
  - All entries of one run are written in a single atomic batch

USAGE:
  gen := schedule.NewGenerator(store, clock, logger)
  res, err := gen.Generate(ctx, schedule.Request{...})

SEE ALSO:
  - generic/period.go: RecurrencePattern.DueDates
  - api/scheduler.go:  Periodic extension of open-ended contracts
*/
package schedule

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/metrics"
)

// Warning codes reported on successful runs.
const (
	WarnFeeWaiver  = "fee_waiver"
	WarnEmptyRange = "empty_range"
)

// =============================================================================
// REQUEST / RESULT
// =============================================================================

type Request struct {
	MemberID         generic.MemberID          `json:"member_id" validate:"required"`
	ContractID       generic.ContractID        `json:"contract_id" validate:"required"`
	StartDate        generic.Date              `json:"start_date"`
	EndDate          generic.Date              `json:"end_date"`
	BaseAmount       decimal.Decimal           `json:"base_amount"`
	SetupFee         *decimal.Decimal          `json:"setup_fee,omitempty"`
	TransactionTypes []generic.TransactionType `json:"transaction_types" validate:"required,min=1"`
	Schedule         generic.RecurrencePattern `json:"schedule" validate:"required,oneof=weekly monthly quarterly yearly"`
	GroupID          string                    `json:"group_id"`
	PaymentDay       int                       `json:"payment_day" validate:"min=0,max=31"`
	Description      string                    `json:"description"`
	CreatedBy        string                    `json:"created_by"`
}

// RequestFromContract builds a generation request covering [contract start, end].
func RequestFromContract(c generic.Contract, end generic.Date) Request {
	return Request{
		MemberID:         c.MemberID,
		ContractID:       c.ID,
		StartDate:        c.StartDate,
		EndDate:          end,
		BaseAmount:       c.BaseAmount,
		SetupFee:         c.SetupFee,
		TransactionTypes: c.TransactionTypes,
		Schedule:         c.Schedule,
		GroupID:          c.PaymentGroupID,
		PaymentDay:       c.PaymentDay,
		Description:      c.TariffName,
	}
}

func (r Request) Validate() error {
	if err := generic.ValidateStruct(r); err != nil {
		return err
	}
	if r.StartDate.IsZero() {
		return generic.NewValidationError("start_date", "is required")
	}
	if r.EndDate.IsZero() {
		return generic.NewValidationError("end_date", "is required")
	}
	for _, t := range r.TransactionTypes {
		if !t.Valid() {
			return generic.NewValidationError("transaction_types", fmt.Sprintf("unknown transaction type %q", t))
		}
	}
	if r.SetupFee != nil && r.SetupFee.IsNegative() {
		return generic.NewValidationError("setup_fee", "must not be negative")
	}
	return nil
}

type Summary struct {
	Frequency      generic.RecurrencePattern `json:"frequency"`
	DurationMonths int                       `json:"duration_months"`
	EntriesCount   int                       `json:"entries_count"`
	NextDueDate    *generic.Date             `json:"next_due_date,omitempty"`
}

type Result struct {
	Success        bool
	Message        string
	CreatedEntries []generic.BillingEntry
	SkippedCount   int
	TotalAmount    decimal.Decimal
	Summary        Summary
	Warnings       []string

	// Attempted echoes the entries of a failed write. Nothing in it was committed.
	Attempted []generic.BillingEntry
}

// =============================================================================
// GENERATOR
// =============================================================================

type Generator struct {
	store generic.EntryStore
	clock generic.Clock
	log   *zap.Logger
}

func NewGenerator(store generic.EntryStore, clock generic.Clock, log *zap.Logger) *Generator {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{store: store, clock: clock, log: log.Named("schedule")}
}

// Generate creates the missing entries of a schedule.
//
// Validation failures are returned as errors. A storage failure is reported
// in the result (Success=false, Message, Attempted) together with the error.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		metrics.ObserveOperation("generate", err)
		return nil, err
	}

	res := &Result{
		TotalAmount: decimal.Zero,
		Summary: Summary{
			Frequency:      req.Schedule,
			DurationMonths: DurationMonths(req.StartDate, req.EndDate),
		},
	}
	if !req.BaseAmount.IsPositive() {
		res.Warnings = append(res.Warnings, WarnFeeWaiver)
	}
	if req.EndDate.Before(req.StartDate) {
		res.Success = true
		res.Message = "end date before start date, nothing to generate"
		res.Warnings = append(res.Warnings, WarnEmptyRange)
		return res, nil
	}

	existing, err := g.store.ScheduleKeys(ctx, req.ContractID)
	if err != nil {
		err = generic.NewStorageError("load schedule keys", req, err)
		res.Message = err.Error()
		metrics.ObserveOperation("generate", err)
		return res, err
	}

	planned := Plan(req, g.clock.Now(ctx))
	fresh := lo.Filter(planned, func(e generic.BillingEntry, _ int) bool {
		_, ok := existing[e.ScheduleKey()]
		return !ok
	})
	res.SkippedCount = len(planned) - len(fresh)

	if len(fresh) > 0 {
		if err := g.store.InsertBatch(ctx, fresh); err != nil {
			err = generic.NewStorageError("insert schedule", req, err)
			res.Message = err.Error()
			res.Attempted = fresh
			g.log.Error("schedule generation failed",
				zap.String("contract_id", string(req.ContractID)),
				zap.Int("entries", len(fresh)),
				zap.Error(err))
			metrics.ObserveOperation("generate", err)
			return res, err
		}
	}

	today := generic.Today(ctx, g.clock)
	res.Success = true
	res.CreatedEntries = fresh
	res.TotalAmount = generic.SumAmounts(fresh, func(e generic.BillingEntry) decimal.Decimal { return e.Amount })
	res.Summary.EntriesCount = len(fresh)
	if next, ok := lo.Find(fresh, func(e generic.BillingEntry) bool { return e.DueDate.AfterOrEqual(today) }); ok {
		res.Summary.NextDueDate = lo.ToPtr(next.DueDate)
	}
	res.Message = fmt.Sprintf("%d entries created, %d already present", len(fresh), res.SkippedCount)

	metrics.ObserveEntriesGenerated(len(fresh))
	metrics.ObserveOperation("generate", nil)
	g.log.Info("schedule generated",
		zap.String("contract_id", string(req.ContractID)),
		zap.String("member_id", string(req.MemberID)),
		zap.Int("created", len(fresh)),
		zap.Int("skipped", res.SkippedCount),
		zap.String("total", res.TotalAmount.StringFixed(2)))
	return res, nil
}

// Extend generates an open-ended contract's schedule up to horizon months after today.
// Contracts with an end date are generated up to that end date.
func (g *Generator) Extend(ctx context.Context, c generic.Contract, horizonMonths int) (*Result, error) {
	if c.Status == generic.ContractCancelled {
		return &Result{Success: true, TotalAmount: decimal.Zero, Message: "contract cancelled"}, nil
	}
	end := generic.Today(ctx, g.clock).AddMonths(horizonMonths)
	if c.EndDate != nil {
		end = *c.EndDate
	}
	return g.Generate(ctx, RequestFromContract(c, end))
}

// =============================================================================
// PLANNING - Pure part of generation
// =============================================================================

// Plan returns every entry the request describes, in due date order, without
// consulting the store. createdAt stamps the entries.
func Plan(req Request, createdAt time.Time) []generic.BillingEntry {
	if req.EndDate.Before(req.StartDate) {
		return nil
	}
	group := lo.Ternary(req.GroupID == "", generic.DefaultPaymentGroup, req.GroupID)
	recurrence := &generic.Recurrence{Pattern: req.Schedule, EndDate: lo.ToPtr(req.EndDate)}
	createdBy := lo.Ternary(req.CreatedBy == "", string(generic.ActorSystem), req.CreatedBy)

	newEntry := func(due generic.Date, tt generic.TransactionType, amount decimal.Decimal) generic.BillingEntry {
		e := generic.BillingEntry{
			ID:              generic.NewEntryID(),
			MemberID:        req.MemberID,
			ContractID:      req.ContractID,
			PaymentGroupID:  group,
			Kind:            generic.KindCharge,
			DueDate:         due,
			ScheduledFor:    due,
			TransactionType: tt,
			Amount:          decimal.Max(decimal.Zero, amount),
			StoredStatus:    generic.StatusScheduled,
			AmountPaid:      decimal.Zero,
			AmountReturned:  decimal.Zero,
			Priority:        1,
			Description:     describe(req, tt, due),
			CreatedBy:       createdBy,
			CreatedAt:       createdAt.UTC(),
			UpdatedAt:       createdAt.UTC(),
		}
		if !tt.OneTime() {
			e.Recurrence = recurrence
		}
		return e
	}

	var entries []generic.BillingEntry
	if lo.Contains(req.TransactionTypes, generic.TypeSetupFee) {
		amount := req.BaseAmount
		if req.SetupFee != nil {
			amount = *req.SetupFee
		}
		entries = append(entries, newEntry(req.StartDate, generic.TypeSetupFee, amount))
	}

	recurring := lo.Uniq(lo.Reject(req.TransactionTypes, func(t generic.TransactionType, _ int) bool { return t.OneTime() }))
	for _, due := range req.Schedule.DueDates(req.StartDate, req.EndDate, req.PaymentDay) {
		for _, tt := range recurring {
			entries = append(entries, newEntry(due, tt, req.BaseAmount))
		}
	}
	return entries
}

// DurationMonths approximates the contract length from the day difference.
// It is used for reporting only.
func DurationMonths(start, end generic.Date) int {
	days := generic.DaysBetween(start, end)
	if days <= 0 {
		return 0
	}
	return int(math.Ceil(float64(days) / 30))
}

func describe(req Request, tt generic.TransactionType, due generic.Date) string {
	label := typeLabels[tt]
	if req.Description != "" {
		label = req.Description + " " + label
	}
	if tt.OneTime() {
		return label
	}
	return fmt.Sprintf("%s %02d/%d", label, due.Month(), due.Year())
}

var typeLabels = map[generic.TransactionType]string{
	generic.TypeMembershipFee: "Mitgliedsbeitrag",
	generic.TypeFlatFee:       "Pauschale",
	generic.TypeModule:        "Zusatzmodul",
	generic.TypeSetupFee:      "Aufnahmegebühr",
	generic.TypePenaltyFee:    "Gebühr",
}
