package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/generic"
	memstore "github.com/warp/billing-engine/generic/store"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/reconcile"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	created = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	staff   = generic.Actor{Type: generic.ActorStaff, ID: "anna"}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T, ids ...string) (*lifecycle.Manager, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	var batch []generic.BillingEntry
	for i, id := range ids {
		batch = append(batch, generic.BillingEntry{
			ID:              generic.EntryID(id),
			MemberID:        "mem-1",
			ContractID:      "con-1",
			Kind:            generic.KindCharge,
			DueDate:         generic.NewDate(2025, time.Month(i+1), 1),
			TransactionType: generic.TypeMembershipFee,
			Amount:          dec("89.90"),
			StoredStatus:    generic.StatusScheduled,
			AmountPaid:      decimal.Zero,
			AmountReturned:  decimal.Zero,
			Description:     "Mitgliedsbeitrag",
			CreatedAt:       created,
			UpdatedAt:       created,
		})
	}
	require.NoError(t, store.InsertBatch(context.Background(), batch))
	return lifecycle.NewManager(store, generic.FixedClockOn(generic.MustDate("2025-03-10")), nil), store
}

func get(t *testing.T, store *memstore.Memory, id string) generic.BillingEntry {
	t.Helper()
	e, err := store.GetEntry(context.Background(), generic.EntryID(id))
	require.NoError(t, err)
	return *e
}

// =============================================================================
// EDIT
// =============================================================================

func TestEdit(t *testing.T) {
	m, store := setup(t, "e1")
	ctx := context.Background()

	updated, err := m.Edit(ctx, lifecycle.EditRequest{
		EntryID:         "e1",
		DueDate:         generic.MustDate("2025-01-15"),
		Amount:          dec("59.90"),
		Description:     "Mitgliedsbeitrag Januar",
		TransactionType: generic.TypeFlatFee,
		Actor:           staff,
	})

	require.NoError(t, err)
	assert.Equal(t, "2025-01-15", updated.DueDate.String())
	assert.Equal(t, "2025-01-01", updated.ScheduledFor.String(), "the planned slot survives the move")
	assert.Equal(t, created, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created))
	stored := get(t, store, "e1")
	assert.True(t, stored.Amount.Equal(dec("59.90")))
	assert.Equal(t, generic.TypeFlatFee, stored.TransactionType)
	require.Len(t, stored.Audit, 1)
	assert.Equal(t, generic.AuditEdit, stored.Audit[0].Action)
	assert.Equal(t, "anna", stored.Audit[0].Actor)

	_, err = m.Edit(ctx, lifecycle.EditRequest{EntryID: "e1", DueDate: generic.MustDate("2025-01-15"), Amount: dec("-1"), TransactionType: generic.TypeFlatFee})
	assert.True(t, generic.IsValidation(err))

	_, err = m.Edit(ctx, lifecycle.EditRequest{EntryID: "e1", Amount: dec("1"), TransactionType: generic.TypeFlatFee})
	assert.True(t, generic.IsValidation(err), "due date is required")
}

func TestEdit_RaisingZeroAmountReopensEntry(t *testing.T) {
	m, store := setup(t, "e1")
	ctx := context.Background()
	today := generic.MustDate("2025-03-10")

	_, err := m.Edit(ctx, lifecycle.EditRequest{EntryID: "e1", DueDate: generic.MustDate("2025-01-01"), Amount: decimal.Zero, TransactionType: generic.TypeMembershipFee})
	require.NoError(t, err)
	assert.Equal(t, reconcile.EffectiveProcessed, reconcile.Resolve(get(t, store, "e1"), today))

	_, err = m.Edit(ctx, lifecycle.EditRequest{EntryID: "e1", DueDate: generic.MustDate("2025-01-01"), Amount: dec("10"), TransactionType: generic.TypeMembershipFee})
	require.NoError(t, err)
	assert.Equal(t, reconcile.EffectiveOverdue, reconcile.Resolve(get(t, store, "e1"), today))
}

// =============================================================================
// VOID
// =============================================================================

func TestVoid(t *testing.T) {
	m, store := setup(t, "e1")
	ctx := context.Background()

	// WHEN: Voiding without a reason
	_, err := m.Void(ctx, lifecycle.VoidRequest{EntryID: "e1", Reason: "  "})

	// THEN: Rejected with a hint
	require.True(t, generic.IsValidation(err))
	assert.NotEmpty(t, errors.GetAllHints(err))

	// WHEN: Voiding with a reason
	voided, err := m.Void(ctx, lifecycle.VoidRequest{EntryID: "e1", Reason: "Kulanz", Actor: staff})

	// THEN: Cancelled, nothing open, audit records the voided amount
	require.NoError(t, err)
	assert.Equal(t, generic.StatusCancelled, voided.StoredStatus)
	assert.True(t, reconcile.EntryOpenAmount(*voided).IsZero())
	audit, ok := voided.LastAudit(generic.AuditVoid)
	require.True(t, ok)
	assert.Equal(t, "Kulanz", audit.Reason)
	assert.True(t, audit.Amount.Equal(dec("89.90")))

	// THEN: No further mutation is possible
	_, err = m.Reduce(ctx, lifecycle.ReduceRequest{EntryID: "e1", Amount: dec("10"), Reason: "x"})
	assert.True(t, errors.Is(err, generic.ErrEntryVoided))
	_, err = m.Void(ctx, lifecycle.VoidRequest{EntryID: "e1", Reason: "again"})
	assert.True(t, errors.Is(err, generic.ErrEntryVoided))
	_, err = m.RecordPayment(ctx, lifecycle.PaymentRequest{EntryID: "e1", Amount: dec("10")})
	assert.True(t, generic.IsValidation(err))
	assert.Len(t, get(t, store, "e1").Audit, 1)
}

// =============================================================================
// REDUCE
// =============================================================================

func TestReduce_Bounds(t *testing.T) {
	m, _ := setup(t, "e1")
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "89.90", "100"} {
		_, err := m.Reduce(ctx, lifecycle.ReduceRequest{EntryID: "e1", Amount: dec(amount), Reason: "Kulanz"})
		assert.True(t, generic.IsValidation(err), "reduction %s", amount)
	}

	// the largest reduction below the amount leaves one cent
	m2, _ := setup(t, "e2")
	smallest, err := m2.Reduce(ctx, lifecycle.ReduceRequest{EntryID: "e2", Amount: dec("89.89"), Reason: "Kulanz"})
	require.NoError(t, err)
	assert.True(t, smallest.Amount.Equal(dec("0.01")), "amount %s", smallest.Amount)
	assert.True(t, reconcile.EntryOpenAmount(*smallest).Equal(dec("0.01")))

	_, err = m.Reduce(ctx, lifecycle.ReduceRequest{EntryID: "e1", Amount: dec("20")})
	assert.True(t, generic.IsValidation(err), "reason is required")

	reduced, err := m.Reduce(ctx, lifecycle.ReduceRequest{EntryID: "e1", Amount: dec("20"), Reason: "Kulanz"})

	require.NoError(t, err)
	assert.True(t, reduced.Amount.Equal(dec("69.90")))
	assert.True(t, reconcile.EntryOpenAmount(*reduced).Equal(dec("69.90")))
	audit, ok := reduced.LastAudit(generic.AuditReduce)
	require.True(t, ok)
	assert.True(t, audit.Amount.Equal(dec("20")))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPaymentsAndReturns(t *testing.T) {
	m, _ := setup(t, "e1")
	ctx := context.Background()

	partial, err := m.RecordPayment(ctx, lifecycle.PaymentRequest{EntryID: "e1", Amount: dec("40")})
	require.NoError(t, err)
	assert.Equal(t, generic.StatusScheduled, partial.StoredStatus)
	assert.Equal(t, reconcile.PaymentPartiallyPaid, reconcile.PaymentStateOf(*partial))

	settled, err := m.RecordPayment(ctx, lifecycle.PaymentRequest{EntryID: "e1", Amount: dec("49.90")})
	require.NoError(t, err)
	assert.Equal(t, generic.StatusProcessed, settled.StoredStatus)
	assert.True(t, reconcile.EntryOpenAmount(*settled).IsZero())

	_, err = m.RecordReturn(ctx, lifecycle.PaymentRequest{EntryID: "e1", Amount: dec("100")})
	assert.True(t, generic.IsValidation(err), "cannot return more than was paid")

	returned, err := m.RecordReturn(ctx, lifecycle.PaymentRequest{EntryID: "e1", Amount: dec("89.90"), Reason: "Rücklastschrift"})
	require.NoError(t, err)
	assert.Equal(t, generic.StatusFailed, returned.StoredStatus)
	assert.True(t, reconcile.EntryOpenAmount(*returned).Equal(dec("89.90")))
	assert.Equal(t, reconcile.PaymentReturned, reconcile.PaymentStateOf(*returned))

	_, err = m.RecordPayment(ctx, lifecycle.PaymentRequest{EntryID: "e1", Amount: decimal.Zero})
	assert.True(t, generic.IsValidation(err))
}

// =============================================================================
// DELETE / ERRORS
// =============================================================================

func TestDelete(t *testing.T) {
	m, store := setup(t, "e1")
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "e1"))
	_, err := store.GetEntry(ctx, "e1")
	assert.True(t, generic.IsNotFound(err))

	assert.True(t, generic.IsNotFound(m.Delete(ctx, "e1")))
}

func TestMutate_MissingEntryAndStorageFailure(t *testing.T) {
	m, store := setup(t, "e1")
	ctx := context.Background()

	_, err := m.Void(ctx, lifecycle.VoidRequest{EntryID: "nope", Reason: "x"})
	assert.True(t, generic.IsNotFound(err))

	store.FailOn = func(op string, _ generic.EntryID) error {
		if op == "update" {
			return errors.New("connection reset")
		}
		return nil
	}
	_, err = m.Void(ctx, lifecycle.VoidRequest{EntryID: "e1", Reason: "x"})
	assert.True(t, generic.IsStorage(err))
	store.FailOn = nil
	assert.Equal(t, generic.StatusScheduled, get(t, store, "e1").StoredStatus)
}

// =============================================================================
// BULK
// =============================================================================

func TestBulkSetStatus(t *testing.T) {
	m, store := setup(t, "e1", "e2", "e3")
	ctx := context.Background()
	_, err := m.Void(ctx, lifecycle.VoidRequest{EntryID: "e3", Reason: "Kulanz"})
	require.NoError(t, err)

	// WHEN: Setting processed on two good ids, a voided one and a missing one
	res, err := m.BulkSetStatus(ctx, []generic.EntryID{"e1", "e2", "e2", "e3", "missing", ""}, generic.StatusProcessed, staff)

	// THEN: Good ids succeed independently of the failures
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.ElementsMatch(t, []generic.EntryID{"e1", "e2"}, res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, generic.EntryID("e3"), res.Failed[0].EntryID)
	assert.Equal(t, generic.EntryID("missing"), res.Failed[1].EntryID)
	assert.Equal(t, generic.StatusProcessed, get(t, store, "e1").StoredStatus)

	_, err = m.BulkSetStatus(ctx, []generic.EntryID{"e1"}, "lost", staff)
	assert.True(t, generic.IsValidation(err))
	_, err = m.BulkSetStatus(ctx, nil, generic.StatusProcessed, staff)
	assert.True(t, generic.IsValidation(err))
}

func TestBulkSetStatus_CancelledIsRejected(t *testing.T) {
	m, store := setup(t, "e1", "e2")
	ctx := context.Background()

	// WHEN: Cancelling in bulk, which would skip the void reason
	res, err := m.BulkSetStatus(ctx, []generic.EntryID{"e1", "e2"}, generic.StatusCancelled, staff)

	// THEN: Rejected up front, nothing is touched
	require.True(t, generic.IsValidation(err))
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.Empty(t, res.Succeeded)
	assert.Equal(t, generic.StatusScheduled, get(t, store, "e1").StoredStatus)
	assert.Empty(t, get(t, store, "e2").Audit)
}
