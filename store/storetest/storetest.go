// Package storetest runs the same behavioural checks against every
// generic.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/generic"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) generic.Store

var createdAt = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// Charge builds a scheduled membership fee of mem-1 / con-1.
func Charge(id, due, amount string) generic.BillingEntry {
	return generic.BillingEntry{
		ID:              generic.EntryID(id),
		MemberID:        "mem-1",
		ContractID:      "con-1",
		PaymentGroupID:  generic.DefaultPaymentGroup,
		Kind:            generic.KindCharge,
		DueDate:         generic.MustDate(due),
		ScheduledFor:    generic.MustDate(due),
		TransactionType: generic.TypeMembershipFee,
		Amount:          generic.MustParseDecimal(amount),
		StoredStatus:    generic.StatusScheduled,
		AmountPaid:      decimal.Zero,
		AmountReturned:  decimal.Zero,
		Priority:        1,
		Description:     "Mitgliedsbeitrag " + due,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

// Run executes every check against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("BatchIsAtomic", func(t *testing.T) { testBatchIsAtomic(t, newStore(t)) })
	t.Run("UpdateAndDelete", func(t *testing.T) { testUpdateAndDelete(t, newStore(t)) })
	t.Run("ListFilterAndSort", func(t *testing.T) { testListFilterAndSort(t, newStore(t)) })
	t.Run("ScheduleKeys", func(t *testing.T) { testScheduleKeys(t, newStore(t)) })
	t.Run("MovedDueDateKeepsSlot", func(t *testing.T) { testMovedDueDateKeepsSlot(t, newStore(t)) })
	t.Run("Contracts", func(t *testing.T) { testContracts(t, newStore(t)) })
	t.Run("Adjustments", func(t *testing.T) { testAdjustments(t, newStore(t)) })
}

func testInsertAndGet(t *testing.T, s generic.Store) {
	ctx := context.Background()
	e := Charge("e1", "2025-03-01", "89.90")
	e.Recurrence = &generic.Recurrence{Pattern: generic.RecurMonthly, EndDate: lo.ToPtr(generic.MustDate("2025-12-31"))}
	e.Tags = []string{"import"}
	e.Audit = []generic.CorrectionAudit{generic.NewAudit(generic.AuditEdit, "x", decimal.NewFromInt(1), generic.SystemActor, createdAt)}
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{e}))

	got, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, e.MemberID, got.MemberID)
	assert.True(t, got.DueDate.Equal(e.DueDate))
	assert.True(t, got.Amount.Equal(e.Amount), "amount %s", got.Amount)
	assert.Equal(t, generic.StatusScheduled, got.StoredStatus)
	require.NotNil(t, got.Recurrence)
	assert.Equal(t, "2025-12-31", got.Recurrence.EndDate.String())
	assert.Equal(t, []string{"import"}, got.Tags)
	require.Len(t, got.Audit, 1)
	assert.Equal(t, generic.ActorSystem, got.Audit[0].ActorType)
	assert.True(t, got.CreatedAt.Equal(createdAt))

	_, err = s.GetEntry(ctx, "missing")
	assert.True(t, generic.IsNotFound(err))
}

func testBatchIsAtomic(t *testing.T, s generic.Store) {
	// GIVEN: A batch whose last entry repeats the schedule key of the first
	ctx := context.Background()
	batch := []generic.BillingEntry{
		Charge("e1", "2025-03-01", "89.90"),
		Charge("e2", "2025-04-01", "89.90"),
		Charge("e3", "2025-03-01", "89.90"),
	}

	// WHEN: Inserting it
	err := s.InsertBatch(ctx, batch)

	// THEN: Nothing is stored
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrDuplicateSchedule), "got %v", err)
	entries, err := s.ListEntries(ctx, generic.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Corrections do not take part in the schedule key
	corr := Charge("c1", "2025-03-01", "-10")
	corr.Kind, corr.ParentEntryID = generic.KindCorrection, "e1"
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{Charge("e1", "2025-03-01", "89.90"), corr}))
}

func testUpdateAndDelete(t *testing.T, s generic.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{
		Charge("e1", "2025-03-01", "89.90"),
		Charge("e2", "2025-04-01", "89.90"),
	}))

	e, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	e.AmountPaid = decimal.RequireFromString("89.90")
	e.StoredStatus = generic.StatusProcessed
	require.NoError(t, s.UpdateEntry(ctx, *e))

	got, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, generic.StatusProcessed, got.StoredStatus)
	assert.True(t, got.AmountPaid.Equal(decimal.RequireFromString("89.90")))

	// moving e1 onto e2's slot collides
	e.ScheduledFor = generic.MustDate("2025-04-01")
	assert.True(t, errors.Is(s.UpdateEntry(ctx, *e), generic.ErrDuplicateSchedule))

	missing := Charge("nope", "2025-05-01", "1")
	assert.True(t, generic.IsNotFound(s.UpdateEntry(ctx, missing)))

	require.NoError(t, s.DeleteEntry(ctx, "e2"))
	assert.True(t, generic.IsNotFound(s.DeleteEntry(ctx, "e2")))

	// the freed key can be reused
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{Charge("e3", "2025-04-01", "89.90")}))
}

func testListFilterAndSort(t *testing.T, s generic.Store) {
	ctx := context.Background()
	other := Charge("x1", "2025-03-15", "10")
	other.MemberID, other.ContractID = "mem-2", "con-2"
	paid := Charge("e2", "2025-02-01", "50")
	paid.StoredStatus = generic.StatusProcessed
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{
		Charge("e1", "2025-01-01", "89.90"),
		paid,
		Charge("e3", "2025-03-01", "29.90"),
		other,
	}))

	ids := func(f generic.EntryFilter) []string {
		entries, err := s.ListEntries(ctx, f)
		require.NoError(t, err)
		return lo.Map(entries, func(e generic.BillingEntry, _ int) string { return string(e.ID) })
	}
	from, to := generic.MustDate("2025-02-01"), generic.MustDate("2025-03-01")
	lower := decimal.RequireFromString("30")

	assert.Equal(t, []string{"e1", "e2", "e3", "x1"}, ids(generic.EntryFilter{}))
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(generic.EntryFilter{MemberIDs: []generic.MemberID{"mem-1"}}))
	assert.Equal(t, []string{"x1"}, ids(generic.EntryFilter{ContractID: "con-2"}))
	assert.Equal(t, []string{"e2", "e3"}, ids(generic.EntryFilter{DueFrom: &from, DueTo: &to}))
	assert.Equal(t, []string{"e1", "e2"}, ids(generic.EntryFilter{AmountMin: &lower}))
	assert.Equal(t, []string{"e1", "e3", "x1"}, ids(generic.EntryFilter{Statuses: []generic.StoredStatus{generic.StatusScheduled}}))
	assert.Equal(t, []string{"e1", "x1"}, ids(generic.EntryFilter{IDs: []generic.EntryID{"x1", "e1"}}))
	assert.Equal(t, []string{"x1", "e3", "e2", "e1"}, ids(generic.EntryFilter{Sort: generic.Sort{Field: generic.SortByDueDate, Desc: true}}))
	assert.Equal(t, []string{"x1", "e3", "e2", "e1"}, ids(generic.EntryFilter{Sort: generic.Sort{Field: generic.SortByAmount}}))
}

func testScheduleKeys(t *testing.T, s generic.Store) {
	ctx := context.Background()
	corr := Charge("c1", "2025-01-01", "-5")
	corr.Kind, corr.ParentEntryID = generic.KindCorrection, "e1"
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{
		Charge("e1", "2025-01-01", "89.90"),
		Charge("e2", "2025-02-01", "89.90"),
		corr,
	}))

	keys, err := s.ScheduleKeys(ctx, "con-1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	key := generic.ScheduleKey{ContractID: "con-1", ScheduledFor: generic.MustDate("2025-02-01"), TransactionType: generic.TypeMembershipFee}
	assert.Equal(t, generic.EntryID("e2"), keys[key])

	none, err := s.ScheduleKeys(ctx, "con-9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testMovedDueDateKeepsSlot(t *testing.T, s generic.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertBatch(ctx, []generic.BillingEntry{Charge("jun", "2025-06-01", "89.90")}))

	e, err := s.GetEntry(ctx, "jun")
	require.NoError(t, err)
	e.DueDate = generic.MustDate("2025-06-05")
	require.NoError(t, s.UpdateEntry(ctx, *e))

	got, err := s.GetEntry(ctx, "jun")
	require.NoError(t, err)
	assert.Equal(t, "2025-06-05", got.DueDate.String())
	assert.Equal(t, "2025-06-01", got.ScheduledFor.String())

	keys, err := s.ScheduleKeys(ctx, "con-1")
	require.NoError(t, err)
	assert.Equal(t, map[generic.ScheduleKey]generic.EntryID{
		{ContractID: "con-1", ScheduledFor: generic.MustDate("2025-06-01"), TransactionType: generic.TypeMembershipFee}: "jun",
	}, keys)

	// the original slot stays taken
	err = s.InsertBatch(ctx, []generic.BillingEntry{Charge("jun-2", "2025-06-01", "89.90")})
	assert.True(t, errors.Is(err, generic.ErrDuplicateSchedule), "got %v", err)
}

func testContracts(t *testing.T, s generic.Store) {
	ctx := context.Background()
	c := generic.Contract{
		ID:               "con-1",
		MemberID:         "mem-1",
		TariffName:       "Premium",
		StartDate:        generic.MustDate("2025-01-01"),
		EndDate:          lo.ToPtr(generic.MustDate("2025-12-31")),
		BaseAmount:       decimal.RequireFromString("89.90"),
		SetupFee:         lo.ToPtr(decimal.RequireFromString("29")),
		TransactionTypes: []generic.TransactionType{generic.TypeSetupFee, generic.TypeMembershipFee},
		Schedule:         generic.RecurMonthly,
		PaymentGroupID:   generic.DefaultPaymentGroup,
		PaymentDay:       15,
		Status:           generic.ContractActive,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
	require.NoError(t, s.SaveContract(ctx, c))

	got, err := s.GetContract(ctx, "con-1")
	require.NoError(t, err)
	assert.Equal(t, "Premium", got.TariffName)
	assert.Equal(t, "2025-12-31", got.EndDate.String())
	require.NotNil(t, got.SetupFee)
	assert.True(t, got.SetupFee.Equal(decimal.NewFromInt(29)))
	assert.Equal(t, c.TransactionTypes, got.TransactionTypes)
	assert.Equal(t, 15, got.PaymentDay)
	assert.Nil(t, got.CancellationDate)

	// upsert
	c.Status = generic.ContractCancelled
	c.CancellationDate = lo.ToPtr(generic.MustDate("2025-06-01"))
	require.NoError(t, s.SaveContract(ctx, c))
	require.NoError(t, s.SaveContract(ctx, generic.Contract{
		ID: "con-2", MemberID: "mem-2", StartDate: generic.MustDate("2025-01-01"),
		BaseAmount: decimal.NewFromInt(10), TransactionTypes: []generic.TransactionType{generic.TypeFlatFee},
		Schedule: generic.RecurYearly, PaymentGroupID: "corporate", Status: generic.ContractActive,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}))

	got, err = s.GetContract(ctx, "con-1")
	require.NoError(t, err)
	assert.Equal(t, generic.ContractCancelled, got.Status)
	assert.Equal(t, "2025-06-01", got.CancellationDate.String())

	all, err := s.ListContracts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	mine, err := s.ListContracts(ctx, "mem-2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Nil(t, mine[0].EndDate)
	assert.Nil(t, mine[0].SetupFee)

	_, err = s.GetContract(ctx, "con-9")
	assert.True(t, generic.IsNotFound(err))
}

func testAdjustments(t *testing.T, s generic.Store) {
	ctx := context.Background()
	for i, amount := range []string{"7.50", "-10"} {
		require.NoError(t, s.AppendAdjustment(ctx, generic.AccountAdjustment{
			ID:        generic.AdjustmentID(lo.Ternary(i == 0, "adj-1", "adj-2")),
			MemberID:  "mem-1",
			Amount:    decimal.RequireFromString(amount),
			Reason:    "test",
			CreatedAt: createdAt.Add(time.Duration(i) * time.Minute),
		}))
	}

	adjustments, err := s.ListAdjustments(ctx, "mem-1")
	require.NoError(t, err)
	require.Len(t, adjustments, 2)
	assert.Equal(t, generic.AdjustmentID("adj-1"), adjustments[0].ID)
	total := generic.SumAmounts(adjustments, func(a generic.AccountAdjustment) decimal.Decimal { return a.Amount })
	assert.True(t, total.Equal(decimal.RequireFromString("-2.50")))

	none, err := s.ListAdjustments(ctx, "mem-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
