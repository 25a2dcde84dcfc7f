package schedule_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/generic"
	memstore "github.com/warp/billing-engine/generic/store"
	"github.com/warp/billing-engine/schedule"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newGenerator(today string) (*schedule.Generator, *memstore.Memory) {
	store := memstore.NewMemory()
	return schedule.NewGenerator(store, generic.FixedClockOn(generic.MustDate(today)), nil), store
}

func yearRequest() schedule.Request {
	return schedule.Request{
		MemberID:         "mem-1",
		ContractID:       "con-1",
		StartDate:        generic.MustDate("2025-01-01"),
		EndDate:          generic.MustDate("2025-12-31"),
		BaseAmount:       dec("89.90"),
		TransactionTypes: []generic.TransactionType{generic.TypeMembershipFee},
		Schedule:         generic.RecurMonthly,
	}
}

func allEntries(t *testing.T, store *memstore.Memory) []generic.BillingEntry {
	t.Helper()
	entries, err := store.ListEntries(context.Background(), generic.EntryFilter{})
	require.NoError(t, err)
	return entries
}

// =============================================================================
// GENERATE
// =============================================================================

func TestGenerate_MonthlyYear(t *testing.T) {
	// GIVEN: A one-year monthly contract at 89.90
	gen, store := newGenerator("2025-03-10")

	// WHEN: Generating
	res, err := gen.Generate(context.Background(), yearRequest())

	// THEN: Twelve scheduled charges on the first of each month
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.CreatedEntries, 12)
	assert.True(t, res.TotalAmount.Equal(dec("1078.80")))
	assert.Empty(t, res.Warnings)
	assert.Equal(t, generic.RecurMonthly, res.Summary.Frequency)
	assert.Equal(t, 12, res.Summary.EntriesCount)
	require.NotNil(t, res.Summary.NextDueDate)
	assert.Equal(t, "2025-04-01", res.Summary.NextDueDate.String())

	for i, e := range res.CreatedEntries {
		assert.Equal(t, i+1, int(e.DueDate.Month()))
		assert.Equal(t, 1, e.DueDate.Day())
		assert.Equal(t, generic.StatusScheduled, e.StoredStatus)
		assert.Equal(t, generic.KindCharge, e.Kind)
		assert.Equal(t, generic.DefaultPaymentGroup, e.PaymentGroupID)
		require.NotNil(t, e.Recurrence)
		assert.Equal(t, generic.RecurMonthly, e.Recurrence.Pattern)
	}
	assert.Equal(t, "Mitgliedsbeitrag 01/2025", res.CreatedEntries[0].Description)
	assert.Len(t, allEntries(t, store), 12)
}

func TestGenerate_IsIdempotent(t *testing.T) {
	gen, store := newGenerator("2025-03-10")
	ctx := context.Background()
	_, err := gen.Generate(ctx, yearRequest())
	require.NoError(t, err)

	// WHEN: Running again with a longer range
	req := yearRequest()
	req.EndDate = generic.MustDate("2026-03-31")
	res, err := gen.Generate(ctx, req)

	// THEN: Only the gap is filled
	require.NoError(t, err)
	assert.Equal(t, 12, res.SkippedCount)
	assert.Len(t, res.CreatedEntries, 3)
	assert.Len(t, allEntries(t, store), 15)
}

func TestGenerate_MovedDueDateDoesNotDuplicate(t *testing.T) {
	// GIVEN: June moved from the 1st to the 5th after generation
	gen, store := newGenerator("2025-03-10")
	ctx := context.Background()
	first, err := gen.Generate(ctx, yearRequest())
	require.NoError(t, err)
	june := first.CreatedEntries[5]
	require.Equal(t, "2025-06-01", june.ScheduledFor.String())
	june.DueDate = generic.MustDate("2025-06-05")
	require.NoError(t, store.UpdateEntry(ctx, june))

	// WHEN: Regenerating the same range
	res, err := gen.Generate(ctx, yearRequest())

	// THEN: June's slot is still taken
	require.NoError(t, err)
	assert.Empty(t, res.CreatedEntries)
	assert.Equal(t, 12, res.SkippedCount)
	juneEntries := lo.Filter(allEntries(t, store), func(e generic.BillingEntry, _ int) bool { return e.DueDate.Month() == 6 })
	require.Len(t, juneEntries, 1)
	assert.Equal(t, "2025-06-05", juneEntries[0].DueDate.String())
}

func TestGenerate_EndBeforeStartIsEmptySuccess(t *testing.T) {
	gen, store := newGenerator("2025-03-10")
	req := yearRequest()
	req.EndDate = generic.MustDate("2024-12-31")

	res, err := gen.Generate(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.CreatedEntries)
	assert.Contains(t, res.Warnings, schedule.WarnEmptyRange)
	assert.Empty(t, allEntries(t, store))
}

func TestGenerate_FeeWaiver(t *testing.T) {
	gen, _ := newGenerator("2025-03-10")
	req := yearRequest()
	req.BaseAmount = dec("-5")

	res, err := gen.Generate(context.Background(), req)

	require.NoError(t, err)
	assert.Contains(t, res.Warnings, schedule.WarnFeeWaiver)
	assert.True(t, res.TotalAmount.IsZero(), "negative amounts are floored at zero")
	assert.True(t, res.CreatedEntries[0].Amount.IsZero())
}

func TestGenerate_SetupFeeOnStartDate(t *testing.T) {
	gen, _ := newGenerator("2025-03-10")
	req := yearRequest()
	req.StartDate = generic.MustDate("2025-01-15")
	req.SetupFee = lo.ToPtr(dec("49"))
	req.TransactionTypes = []generic.TransactionType{generic.TypeSetupFee, generic.TypeMembershipFee}

	res, err := gen.Generate(context.Background(), req)

	require.NoError(t, err)
	setup := lo.Filter(res.CreatedEntries, func(e generic.BillingEntry, _ int) bool {
		return e.TransactionType == generic.TypeSetupFee
	})
	require.Len(t, setup, 1)
	assert.Equal(t, "2025-01-15", setup[0].DueDate.String())
	assert.True(t, setup[0].Amount.Equal(dec("49")))
	assert.Nil(t, setup[0].Recurrence, "one-time charges do not recur")
	assert.Equal(t, "Aufnahmegebühr", setup[0].Description)
}

func TestGenerate_PaymentDay(t *testing.T) {
	gen, _ := newGenerator("2025-03-10")
	req := yearRequest()
	req.PaymentDay = 31
	req.EndDate = generic.MustDate("2025-04-30")

	res, err := gen.Generate(context.Background(), req)

	require.NoError(t, err)
	dates := lo.Map(res.CreatedEntries, func(e generic.BillingEntry, _ int) string { return e.DueDate.String() })
	assert.Equal(t, []string{"2025-01-31", "2025-02-28", "2025-03-31", "2025-04-30"}, dates)
}

func TestGenerate_Validation(t *testing.T) {
	gen, _ := newGenerator("2025-03-10")
	cases := map[string]func(*schedule.Request){
		"no member":          func(r *schedule.Request) { r.MemberID = "" },
		"no types":           func(r *schedule.Request) { r.TransactionTypes = nil },
		"unknown type":       func(r *schedule.Request) { r.TransactionTypes = []generic.TransactionType{"coffee"} },
		"unknown schedule":   func(r *schedule.Request) { r.Schedule = "daily" },
		"payment day":        func(r *schedule.Request) { r.PaymentDay = 32 },
		"missing start date": func(r *schedule.Request) { r.StartDate = generic.Date{} },
		"negative setup fee": func(r *schedule.Request) { r.SetupFee = lo.ToPtr(dec("-1")) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := yearRequest()
			mutate(&req)

			res, err := gen.Generate(context.Background(), req)

			assert.Nil(t, res)
			assert.True(t, generic.IsValidation(err), "got %v", err)
		})
	}
}

func TestGenerate_StorageFailureWritesNothing(t *testing.T) {
	// GIVEN: A store that fails on the fifth insert
	gen, store := newGenerator("2025-03-10")
	inserts := 0
	store.FailOn = func(op string, _ generic.EntryID) error {
		if op != "insert" {
			return nil
		}
		inserts++
		if inserts == 5 {
			return errors.New("disk full")
		}
		return nil
	}

	// WHEN: Generating
	res, err := gen.Generate(context.Background(), yearRequest())

	// THEN: The failure is reported and the batch is rolled back
	require.Error(t, err)
	assert.True(t, generic.IsStorage(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "disk full")
	assert.Len(t, res.Attempted, 12)
	store.FailOn = nil
	assert.Empty(t, allEntries(t, store))
}

// =============================================================================
// EXTEND
// =============================================================================

func TestExtend(t *testing.T) {
	contract := generic.Contract{
		ID:               "con-1",
		MemberID:         "mem-1",
		StartDate:        generic.MustDate("2025-01-01"),
		BaseAmount:       dec("29.90"),
		TransactionTypes: []generic.TransactionType{generic.TypeMembershipFee},
		Schedule:         generic.RecurMonthly,
		Status:           generic.ContractActive,
	}

	t.Run("open-ended runs to the horizon", func(t *testing.T) {
		gen, _ := newGenerator("2025-03-10")

		res, err := gen.Extend(context.Background(), contract, 3)

		require.NoError(t, err)
		assert.Len(t, res.CreatedEntries, 6)
		assert.Equal(t, "2025-06-01", res.CreatedEntries[5].DueDate.String())
	})

	t.Run("fixed end date wins", func(t *testing.T) {
		gen, _ := newGenerator("2025-03-10")
		c := contract
		c.EndDate = lo.ToPtr(generic.MustDate("2025-02-28"))

		res, err := gen.Extend(context.Background(), c, 12)

		require.NoError(t, err)
		assert.Len(t, res.CreatedEntries, 2)
	})

	t.Run("cancelled contracts get nothing", func(t *testing.T) {
		gen, store := newGenerator("2025-03-10")
		c := contract
		c.Status = generic.ContractCancelled

		res, err := gen.Extend(context.Background(), c, 12)

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, allEntries(t, store))
	})
}

// =============================================================================
// PLAN
// =============================================================================

func TestPlan_QuarterlyWithModule(t *testing.T) {
	req := yearRequest()
	req.Schedule = generic.RecurQuarterly
	req.TransactionTypes = []generic.TransactionType{generic.TypeMembershipFee, generic.TypeModule, generic.TypeModule}

	entries := schedule.Plan(req, generic.MustDate("2025-01-01").Time())

	assert.Len(t, entries, 8, "duplicate types are planned once per due date")
	assert.Equal(t, generic.TypeModule, entries[1].TransactionType)
	assert.Equal(t, entries[0].DueDate, entries[1].DueDate)
}

func TestDurationMonths(t *testing.T) {
	assert.Equal(t, 0, schedule.DurationMonths(generic.MustDate("2025-01-01"), generic.MustDate("2025-01-01")))
	assert.Equal(t, 1, schedule.DurationMonths(generic.MustDate("2025-01-01"), generic.MustDate("2025-01-31")))
	assert.Equal(t, 2, schedule.DurationMonths(generic.MustDate("2025-06-01"), generic.MustDate("2025-07-31")))
	assert.Equal(t, 13, schedule.DurationMonths(generic.MustDate("2025-01-01"), generic.MustDate("2025-12-31")))
}

func TestGenerate_JulyToJune(t *testing.T) {
	gen, _ := newGenerator("2025-06-15")
	req := yearRequest()
	req.StartDate = generic.MustDate("2025-07-01")
	req.EndDate = generic.MustDate("2026-06-01")

	res, err := gen.Generate(context.Background(), req)

	require.NoError(t, err)
	require.Len(t, res.CreatedEntries, 12)
	assert.True(t, res.TotalAmount.Equal(dec("89.90").Mul(decimal.NewFromInt(12))))
	assert.Equal(t, "2026-06-01", res.CreatedEntries[11].DueDate.String())
	assert.Equal(t, "2025-07-01", res.Summary.NextDueDate.String())
}
