/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Contract creation and idempotent regeneration
- Entry queries with statistics
- Void / reduce / payment error mapping
- Account snapshot, suspension and statement export
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
	memstore "github.com/warp/billing-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testAPI struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestAPI(t *testing.T, today string) *testAPI {
	t.Helper()
	h := NewHandler(memstore.NewMemory(), generic.FixedClockOn(generic.MustDate(today)), zap.NewNop())
	return &testAPI{t: t, handler: h, router: NewRouter(h, RouterOptions{Gatherer: prometheus.NewRegistry()})}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// createYearContract creates a 2025 monthly contract at 89.90 and returns it.
func (a *testAPI) createYearContract(memberID string) ContractResponse {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/contracts", map[string]any{
		"member_id":         memberID,
		"tariff_name":       "Premium",
		"start_date":        "2025-01-01",
		"end_date":          "2025-12-31",
		"base_amount":       "89.90",
		"transaction_types": []string{"membership_fee"},
		"schedule":          "monthly",
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ContractResponse](a.t, rec)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// CONTRACTS
// =============================================================================

func TestCreateContract_GeneratesTwelveMonthlyEntries(t *testing.T) {
	// GIVEN: An empty store
	a := newTestAPI(t, "2025-03-10")

	// WHEN: Creating a 12-month contract at 89.90
	resp := a.createYearContract("mem-1")

	// THEN: 12 entries are generated with the expected total
	gen := resp.Generation
	require.NotNil(t, gen)
	assert.True(t, gen.Success)
	assert.Len(t, gen.CreatedEntries, 12)
	assert.True(t, gen.TotalAmount.Equal(dec("1078.80")), "total %s", gen.TotalAmount)
	assert.Equal(t, "2025-01-01", gen.CreatedEntries[0].DueDate.String())
	assert.Equal(t, "2025-12-01", gen.CreatedEntries[11].DueDate.String())
	assert.Equal(t, "monatlich", resp.Contract.ScheduleLabel)
}

func TestGenerateSchedule_IsIdempotent(t *testing.T) {
	// GIVEN: A contract whose schedule was generated on creation
	a := newTestAPI(t, "2025-03-10")
	resp := a.createYearContract("mem-1")

	// WHEN: Generating again
	rec := a.do(http.MethodPost, "/api/contracts/"+resp.Contract.ID+"/generate", nil)

	// THEN: Nothing new is created
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decodeBody[GenerationResultDTO](t, rec)
	assert.Empty(t, gen.CreatedEntries)
	assert.Equal(t, 12, gen.SkippedCount)
}

func TestCreateContract_FromTariff(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")

	rec := a.do(http.MethodPost, "/api/contracts", map[string]any{
		"member_id":  "mem-2",
		"start_date": "2025-02-01",
		"tariff": map[string]any{
			"id":                "basic-6",
			"name":              "Basic 6",
			"base_amount":       "29.90",
			"setup_fee":         "19.00",
			"transaction_types": []string{"setup_fee", "membership_fee"},
			"duration_months":   6,
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[ContractResponse](t, rec)
	assert.Equal(t, "2025-07-31", resp.Contract.EndDate.String())
	// setup fee + 6 monthly fees
	assert.Len(t, resp.Generation.CreatedEntries, 7)
	assert.True(t, resp.Generation.TotalAmount.Equal(dec("198.40")), "total %s", resp.Generation.TotalAmount)
}

func TestCreateContract_ValidationError(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")

	rec := a.do(http.MethodPost, "/api/contracts", map[string]any{
		"member_id":         "mem-1",
		"start_date":        "2025-01-01",
		"base_amount":       "10",
		"transaction_types": []string{"coffee"},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "coffee")
}

func TestGetContract_NotFound(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	rec := a.do(http.MethodGet, "/api/contracts/con-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestListEntries_PagesAndComputesStatistics(t *testing.T) {
	// GIVEN: Twelve monthly entries, today is 2025-03-10
	a := newTestAPI(t, "2025-03-10")
	a.createYearContract("mem-1")

	// WHEN: Listing the first page of five
	rec := a.do(http.MethodGet, "/api/entries?member_id=mem-1&page_size=5", nil)

	// THEN: Statistics cover all twelve entries
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[EntryListResponse](t, rec)
	assert.Len(t, list.Items, 5)
	assert.Equal(t, 12, list.Total)
	assert.Equal(t, 3, list.TotalPages)
	assert.Equal(t, 3, list.Statistics.CountByStatus["overdue"])
	assert.Equal(t, 9, list.Statistics.CountByStatus["upcoming"])
	assert.True(t, list.Statistics.OverdueTotal.Equal(dec("269.70")))
	// 2025-04-01 is the only pending due date within 30 days
	assert.Equal(t, 1, list.Statistics.DueWithin30Days)
	assert.Equal(t, "overdue", list.Items[0].DisplayClass)
}

func TestListEntries_SortDescendingAndRejectBadFilter(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	a.createYearContract("mem-1")

	rec := a.do(http.MethodGet, "/api/entries?sort=-due_date&page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-12-01", decodeBody[EntryListResponse](t, rec).Items[0].DueDate.String())

	rec = a.do(http.MethodGet, "/api/entries?due_from=2025-06-01&due_to=2025-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodGet, "/api/entries?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoidEntry(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	entry := a.createYearContract("mem-1").Generation.CreatedEntries[3]
	path := "/api/entries/" + entry.ID + "/void"

	// WHEN: Voiding without a reason
	rec := a.do(http.MethodPost, path, map[string]any{"reason": " "})
	// THEN: Rejected with a hint
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Hints)

	// WHEN: Voiding with a reason
	rec = a.do(http.MethodPost, path, map[string]any{"reason": "Kulanz", "actor_id": "staff-7"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	voided := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, "cancelled", voided.Status)
	assert.True(t, voided.OpenAmount.IsZero())
	assert.Contains(t, voided.DisplayDescription, "(STORNIERT: Kulanz)")
	require.Len(t, voided.Audit, 1)
	assert.Equal(t, "staff-7", voided.Audit[0].Actor)

	// THEN: A voided entry cannot be changed any more
	rec = a.do(http.MethodPost, "/api/entries/"+entry.ID+"/reduce", map[string]any{"amount": "10", "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReduceEntry_Bounds(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	entry := a.createYearContract("mem-1").Generation.CreatedEntries[5]
	path := "/api/entries/" + entry.ID + "/reduce"

	for _, amount := range []string{"0", "89.90", "100"} {
		rec := a.do(http.MethodPost, path, map[string]any{"amount": amount, "reason": "Minderung"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %s", amount)
	}

	rec := a.do(http.MethodPost, path, map[string]any{"amount": "20", "reason": "Kursausfall"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[EntryDTO](t, rec).OpenAmount.Equal(dec("69.90")))
}

func TestPaymentsAndReturns(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	entry := a.createYearContract("mem-1").Generation.CreatedEntries[0]
	base := "/api/entries/" + entry.ID

	rec := a.do(http.MethodPost, base+"/payments", map[string]any{"amount": "89.90"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, "processed", paid.Status)
	assert.Equal(t, "settled", paid.PaymentState)

	rec = a.do(http.MethodPost, base+"/returns", map[string]any{"amount": "100"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, base+"/returns", map[string]any{"amount": "89.90", "reason": "Rücklastschrift"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	returned := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, "failed", returned.Status)
	assert.True(t, returned.OpenAmount.Equal(dec("89.90")))
}

func TestEditEntry(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	entry := a.createYearContract("mem-1").Generation.CreatedEntries[6]

	rec := a.do(http.MethodPut, "/api/entries/"+entry.ID, map[string]any{
		"due_date":         "2025-07-15",
		"amount":           "79.90",
		"description":      "Beitrag Juli (verschoben)",
		"transaction_type": "membership_fee",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decodeBody[EntryDTO](t, rec)
	assert.Equal(t, entry.ID, edited.ID)
	assert.Equal(t, "2025-07-15", edited.DueDate.String())
	assert.True(t, edited.Amount.Equal(dec("79.90")))
	assert.Equal(t, entry.CreatedAt, edited.CreatedAt)
	require.NotNil(t, edited.ScheduledFor)
	assert.Equal(t, "2025-07-01", edited.ScheduledFor.String())
}

func TestEditEntry_MissingFieldsAreRejected(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	entry := a.createYearContract("mem-1").Generation.CreatedEntries[6]
	path := "/api/entries/" + entry.ID

	// WHEN: Editing without an amount
	rec := a.do(http.MethodPut, path, map[string]any{
		"due_date":         "2025-07-15",
		"transaction_type": "membership_fee",
	})
	// THEN: Rejected instead of zeroing the charge
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "amount")

	// WHEN: Editing without a due date
	rec = a.do(http.MethodPut, path, map[string]any{
		"amount":           "79.90",
		"transaction_type": "membership_fee",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Details, "due_date")

	unchanged := decodeBody[EntryDTO](t, a.do(http.MethodGet, path, nil))
	assert.True(t, unchanged.Amount.Equal(dec("89.90")))
	assert.Equal(t, "2025-07-01", unchanged.DueDate.String())
}

func TestEditEntry_MovedDueDateSurvivesRegeneration(t *testing.T) {
	// GIVEN: June moved from the 1st to the 5th
	a := newTestAPI(t, "2025-03-10")
	resp := a.createYearContract("mem-1")
	june := resp.Generation.CreatedEntries[5]
	rec := a.do(http.MethodPut, "/api/entries/"+june.ID, map[string]any{
		"due_date":         "2025-06-05",
		"amount":           "89.90",
		"description":      june.Description,
		"transaction_type": "membership_fee",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Regenerating the schedule
	rec = a.do(http.MethodPost, "/api/contracts/"+resp.Contract.ID+"/generate", nil)

	// THEN: June is not generated a second time
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	gen := decodeBody[GenerationResultDTO](t, rec)
	assert.Empty(t, gen.CreatedEntries)
	assert.Equal(t, 12, gen.SkippedCount)

	list := decodeBody[EntryListResponse](t, a.do(http.MethodGet, "/api/entries?member_id=mem-1&due_from=2025-06-01&due_to=2025-06-30", nil))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "2025-06-05", list.Items[0].DueDate.String())
}

func TestDeleteAndBulkStatus(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	entries := a.createYearContract("mem-1").Generation.CreatedEntries

	rec := a.do(http.MethodDelete, "/api/entries/"+entries[11].ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/entries/"+entries[11].ID, nil).Code)

	rec = a.do(http.MethodPost, "/api/entries/bulk-status", map[string]any{
		"ids":    []string{entries[0].ID, entries[1].ID, "ent-missing"},
		"status": "processing",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bulk := decodeBody[BulkResultDTO](t, rec)
	assert.False(t, bulk.Success)
	assert.ElementsMatch(t, []string{entries[0].ID, entries[1].ID}, bulk.Succeeded)
	require.Len(t, bulk.Failed, 1)
	assert.Equal(t, generic.EntryID("ent-missing"), bulk.Failed[0].EntryID)

	// cancelling goes through void with a reason
	rec = a.do(http.MethodPost, "/api/entries/bulk-status", map[string]any{
		"ids":    []string{entries[2].ID},
		"status": "cancelled",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Hints)
}

// =============================================================================
// MEMBERS
// =============================================================================

func TestGetAccount(t *testing.T) {
	// GIVEN: Twelve entries, the first one paid, one adjustment
	a := newTestAPI(t, "2025-03-10")
	entries := a.createYearContract("mem-1").Generation.CreatedEntries
	a.do(http.MethodPost, "/api/entries/"+entries[0].ID+"/payments", map[string]any{"amount": "89.90"})
	rec := a.do(http.MethodPost, "/api/members/mem-1/adjustments", map[string]any{"amount": "-10", "reason": "Gutschein"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Reading the account
	rec = a.do(http.MethodGet, "/api/members/mem-1/account", nil)

	// THEN: Balance = 11 open entries - 10 adjustment
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acc := decodeBody[AccountDTO](t, rec)
	assert.True(t, acc.Balance.Equal(dec("978.90")), "balance %s", acc.Balance)
	assert.True(t, acc.OverdueAmount.Equal(dec("179.80")), "overdue %s", acc.OverdueAmount)
	assert.Equal(t, 1, acc.PaymentCount)
	require.NotNil(t, acc.NextDue)
	assert.Equal(t, "2025-04-01", acc.NextDue.DueDate.String())
}

func TestSuspend_ExtendsContract(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	resp := a.createYearContract("mem-1")

	rec := a.do(http.MethodPost, "/api/members/mem-1/suspensions", map[string]any{
		"contract_id": resp.Contract.ID,
		"start_date":  "2025-06-01",
		"end_date":    "2025-07-31",
		"reason":      "Verletzung",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ProcessResultDTO](t, rec)
	assert.Len(t, res.AffectedEntryIDs, 2)
	require.NotNil(t, res.NewContractEndDate)
	assert.Equal(t, "2026-03-01", res.NewContractEndDate.String())
}

func TestCancel_SpecialRightRefund(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	resp := a.createYearContract("mem-1")
	entries := resp.Generation.CreatedEntries
	// prepaid through May
	for _, e := range entries[:5] {
		a.do(http.MethodPost, "/api/entries/"+e.ID+"/payments", map[string]any{"amount": "89.90"})
	}

	rec := a.do(http.MethodPost, "/api/members/mem-1/cancellations", map[string]any{
		"contract_id":       resp.Contract.ID,
		"cancellation_date": "2025-03-10",
		"effective_date":    "2025-03-31",
		"cancellation_type": "special-right",
		"refund_policy":     "full",
		"reason":            "Umzug",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ProcessResultDTO](t, rec)
	// April and May were paid in advance
	assert.True(t, res.MonetaryEffect.Equal(dec("179.80")), "refund %s", res.MonetaryEffect)
	assert.Len(t, res.CorrectionEntryIDs, 1)
	// June to December were still scheduled
	assert.Len(t, res.AffectedEntryIDs, 7)
	assert.Equal(t, "2025-03-31", res.FinalBillingDate.String())

	contract := decodeBody[ContractDTO](t, a.do(http.MethodGet, "/api/contracts/"+resp.Contract.ID, nil))
	assert.Equal(t, "cancelled", contract.Status)
}

func TestOffsetCredit_OldestChargeFirst(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	a.createYearContract("mem-1")

	rec := a.do(http.MethodPost, "/api/members/mem-1/credit-offsets", map[string]any{
		"available_credit": "100",
		"reason":           "Guthaben",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ProcessResultDTO](t, rec)
	require.Len(t, res.Allocations, 2)
	assert.True(t, res.Allocations[0].Amount.Equal(dec("89.90")))
	assert.True(t, res.Allocations[1].Amount.Equal(dec("10.10")))
	assert.True(t, res.Allocations[1].Remaining.Equal(dec("79.80")))
	assert.True(t, res.RemainingCredit.IsZero())
}

func TestOffsetCredit_TwiceMovesToNextCharge(t *testing.T) {
	// GIVEN: January already offset by credit
	a := newTestAPI(t, "2025-03-10")
	entries := a.createYearContract("mem-1").Generation.CreatedEntries
	offset := map[string]any{"available_credit": "89.90", "reason": "Guthaben"}
	rec := a.do(http.MethodPost, "/api/members/mem-1/credit-offsets", offset)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[ProcessResultDTO](t, rec)
	require.Len(t, first.Allocations, 1)
	assert.Equal(t, entries[0].ID, first.Allocations[0].EntryID)

	// WHEN: Offsetting the same amount again
	rec = a.do(http.MethodPost, "/api/members/mem-1/credit-offsets", offset)

	// THEN: February is allocated, not January a second time
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeBody[ProcessResultDTO](t, rec)
	require.Len(t, second.Allocations, 1)
	assert.Equal(t, entries[1].ID, second.Allocations[0].EntryID)
	assert.True(t, second.Allocations[0].Remaining.IsZero())

	// THEN: Only March is still overdue and April is next
	acc := decodeBody[AccountDTO](t, a.do(http.MethodGet, "/api/members/mem-1/account", nil))
	assert.True(t, acc.OverdueAmount.Equal(dec("89.90")), "overdue %s", acc.OverdueAmount)
	assert.True(t, acc.Balance.Equal(dec("899.00")), "balance %s", acc.Balance)
	require.NotNil(t, acc.NextDue)
	assert.Equal(t, "2025-04-01", acc.NextDue.DueDate.String())

	jan := decodeBody[EntryDTO](t, a.do(http.MethodGet, "/api/entries/"+entries[0].ID, nil))
	assert.True(t, jan.OpenAmount.IsZero(), "open %s", jan.OpenAmount)
}

func TestExportStatement(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	a.createYearContract("mem-1")

	for _, tc := range []struct {
		format      string
		contentType string
	}{
		{"csv", "text/csv"},
		{"xlsx", "spreadsheetml"},
		{"pdf", "application/pdf"},
	} {
		t.Run(tc.format, func(t *testing.T) {
			rec := a.do(http.MethodGet, fmt.Sprintf("/api/members/mem-1/statement?format=%s", tc.format), nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), tc.contentType)
			assert.Contains(t, rec.Header().Get("Content-Disposition"), "kontoauszug-mem-1")
			assert.NotEmpty(t, rec.Body.Bytes())
		})
	}

	rec := a.do(http.MethodGet, "/api/members/mem-1/statement?format=csv", nil)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 13)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/members/mem-1/statement?format=doc", nil).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t, "2025-03-10")
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/metrics", nil).Code)
}
