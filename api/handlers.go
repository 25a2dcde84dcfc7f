/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes schedule generation, entry life-cycle operations, account views
  and the business processes via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the domain packages. No billing rule
  lives here.

ENDPOINTS:
  Contracts:
    POST   /api/contracts                    Create contract + generate schedule
    GET    /api/contracts/{id}               Contract details
    POST   /api/contracts/{id}/generate      (Re)generate missing entries

  Entries:
    GET    /api/entries                      Filter, sort, page + statistics
    GET    /api/entries/{id}                 Entry with effective status
    PUT    /api/entries/{id}                 Edit
    POST   /api/entries/{id}/void            Void (Storno)
    POST   /api/entries/{id}/reduce          Reduce (Minderung)
    POST   /api/entries/{id}/payments        Record payment
    POST   /api/entries/{id}/returns         Record returned debit
    DELETE /api/entries/{id}                 Delete (admin, unaudited)
    POST   /api/entries/bulk-status          Best-effort status update

  Members:
    GET    /api/members/{id}/account         Account snapshot
    POST   /api/members/{id}/adjustments     Direct account correction
    GET    /api/members/{id}/statement       Statement export (xlsx|pdf|csv)
    POST   /api/members/{id}/suspensions     Ruhezeit
    POST   /api/members/{id}/cancellations   Kündigung
    POST   /api/members/{id}/credit-offsets  Guthabenverrechnung

TARGET DISCOVERY:
  The process engine only touches the entries it is given. Handlers select
  the candidates (all entries of the member's contract, or all open charges
  for credit offsets) and pass their ids.

ERROR HANDLING:
  - 400: Validation errors (message + hints)
  - 404: Entry / contract not found
  - 409: Duplicate schedule key
  - 500: Storage errors

SECURITY NOTE:
  No authentication or authorization. Actor ids in request bodies are
  recorded in audit records as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/export"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/metrics"
	"github.com/warp/billing-engine/process"
	"github.com/warp/billing-engine/reconcile"
	"github.com/warp/billing-engine/schedule"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     generic.Store
	Generator *schedule.Generator
	Lifecycle *lifecycle.Manager
	Processes *process.Engine
	Query     *reconcile.Query
	Tariffs   *factory.TariffFactory
	Clock     generic.Clock
	Log       *zap.Logger

	// HorizonMonths bounds generation for open-ended contracts.
	HorizonMonths int
	DefaultGroup  string

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store generic.Store, clock generic.Clock, log *zap.Logger) *Handler {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:         store,
		Generator:     schedule.NewGenerator(store, clock, log),
		Lifecycle:     lifecycle.NewManager(store, clock, log),
		Processes:     process.NewEngine(store, clock, log),
		Query:         reconcile.NewQuery(store, clock),
		Tariffs:       factory.NewTariffFactory(),
		Clock:         clock,
		Log:           log.Named("api"),
		HorizonMonths: 12,
		DefaultGroup:  generic.DefaultPaymentGroup,
	}
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract stores a contract and generates its schedule.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if !h.decode(w, r, &req) {
		return
	}
	contract, result, err := h.createContract(r.Context(), req)
	if err != nil && result == nil {
		h.writeError(w, err)
		return
	}

	today := generic.Today(r.Context(), h.Clock)
	resp := ContractResponse{Contract: toContractDTO(contract), Generation: toGenerationResultDTO(result, today)}
	writeJSON(w, lo.Ternary(result.Success, http.StatusCreated, http.StatusInternalServerError), resp)
}

// createContract returns a nil result only when nothing was generated.
func (h *Handler) createContract(ctx context.Context, req CreateContractRequest) (generic.Contract, *schedule.Result, error) {
	if req.StartDate.IsZero() {
		return generic.Contract{}, nil, generic.NewValidationError("start_date", "is required")
	}
	contract, err := h.buildContract(ctx, req)
	if err != nil {
		return generic.Contract{}, nil, err
	}
	if err := contract.Validate(); err != nil {
		return generic.Contract{}, nil, err
	}
	if err := h.Store.SaveContract(ctx, contract); err != nil {
		return generic.Contract{}, nil, generic.NewStorageError("save contract", contract.ID, err)
	}

	gen := schedule.RequestFromContract(contract, h.generationEnd(ctx, contract, nil))
	gen.CreatedBy = req.CreatedBy
	result, err := h.Generator.Generate(ctx, gen)
	return contract, result, err
}

func (h *Handler) buildContract(ctx context.Context, req CreateContractRequest) (generic.Contract, error) {
	now := h.Clock.Now(ctx).UTC()
	if req.Tariff != nil {
		tariff, err := h.Tariffs.FromJSON(*req.Tariff)
		if err != nil {
			return generic.Contract{}, err
		}
		return tariff.NewContract(generic.MemberID(req.MemberID), req.StartDate, now), nil
	}

	types := make([]generic.TransactionType, 0, len(req.TransactionTypes))
	for _, s := range req.TransactionTypes {
		tt, err := generic.ParseTransactionType(s)
		if err != nil {
			return generic.Contract{}, err
		}
		types = append(types, tt)
	}
	if req.BaseAmount.IsNegative() {
		return generic.Contract{}, generic.NewValidationError("base_amount", "must not be negative")
	}
	return generic.Contract{
		ID:               generic.NewContractID(),
		MemberID:         generic.MemberID(req.MemberID),
		TariffName:       req.TariffName,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		BaseAmount:       generic.RoundCents(req.BaseAmount),
		SetupFee:         req.SetupFee,
		TransactionTypes: types,
		Schedule:         generic.RecurrencePattern(lo.Ternary(req.Schedule == "", string(generic.RecurMonthly), req.Schedule)),
		PaymentGroupID:   lo.Ternary(req.PaymentGroupID == "", h.DefaultGroup, req.PaymentGroupID),
		PaymentDay:       req.PaymentDay,
		Status:           generic.ContractActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// generationEnd picks the last date to generate for: the explicit end, capped
// at the contract end, or the configured horizon for open-ended contracts.
func (h *Handler) generationEnd(ctx context.Context, c generic.Contract, requested *generic.Date) generic.Date {
	end := generic.Today(ctx, h.Clock).AddMonths(h.HorizonMonths)
	if c.EndDate != nil {
		end = *c.EndDate
	}
	if requested != nil {
		end = *requested
		if c.EndDate != nil {
			end = generic.MinDate(end, *c.EndDate)
		}
	}
	return end
}

func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetContract(r.Context(), generic.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c))
}

// GenerateSchedule creates the entries of a contract that do not exist yet.
func (h *Handler) GenerateSchedule(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	c, err := h.Store.GetContract(r.Context(), generic.ContractID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if c.Status == generic.ContractCancelled && req.EndDate == nil {
		h.writeError(w, generic.NewValidationErrorWithHint("contract_id", "contract is cancelled",
			"Pass end_date to regenerate entries up to the final billing date."))
		return
	}

	result, err := h.Generator.Generate(r.Context(), schedule.RequestFromContract(*c, h.generationEnd(r.Context(), *c, req.EndDate)))
	if err != nil && result == nil {
		h.writeError(w, err)
		return
	}
	status := lo.Ternary(result.Success, http.StatusOK, http.StatusInternalServerError)
	writeJSON(w, status, toGenerationResultDTO(result, generic.Today(r.Context(), h.Clock)))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ListEntries returns a page of entry views plus statistics over all matches.
//
// Query parameters: member_id, contract_id, status, transaction_type, kind
// (all repeatable or comma-separated), due_from, due_to, amount_min,
// amount_max, sort (field, "-field" for descending), page, page_size.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	req, err := parseQueryRequest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.Query.Run(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntryListResponse{
		Items:      lo.Map(result.Items, func(v reconcile.EntryView, _ int) EntryDTO { return toEntryDTO(v) }),
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
		Statistics: toStatisticsDTO(result.Statistics),
	})
}

func parseQueryRequest(r *http.Request) (reconcile.QueryRequest, error) {
	q := r.URL.Query()
	list := func(key string) []string {
		var out []string
		for _, v := range q[key] {
			out = append(out, lo.Compact(strings.Split(v, ","))...)
		}
		return out
	}
	date := func(key string) (*generic.Date, error) {
		s := q.Get(key)
		if s == "" {
			return nil, nil
		}
		d, err := generic.ParseDate(s)
		if err != nil {
			return nil, generic.NewValidationError(key, "invalid date "+s+", expected YYYY-MM-DD")
		}
		return &d, nil
	}
	amount := func(key string) (*decimal.Decimal, error) {
		s := q.Get(key)
		if s == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, generic.NewValidationError(key, "invalid amount "+s)
		}
		return &d, nil
	}
	integer := func(key string) (int, error) {
		s := q.Get(key)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, generic.NewValidationError(key, "invalid number "+s)
		}
		return n, nil
	}

	var (
		req reconcile.QueryRequest
		err error
	)
	f := &req.Filter
	f.MemberIDs = toIDs[generic.MemberID](list("member_id"))
	f.ContractID = generic.ContractID(q.Get("contract_id"))
	f.Statuses = toIDs[generic.StoredStatus](list("status"))
	f.TransactionTypes = toIDs[generic.TransactionType](list("transaction_type"))
	f.Kinds = toIDs[generic.EntryKind](list("kind"))
	if f.DueFrom, err = date("due_from"); err != nil {
		return req, err
	}
	if f.DueTo, err = date("due_to"); err != nil {
		return req, err
	}
	if f.AmountMin, err = amount("amount_min"); err != nil {
		return req, err
	}
	if f.AmountMax, err = amount("amount_max"); err != nil {
		return req, err
	}
	if s := q.Get("sort"); s != "" {
		f.Sort = generic.Sort{Field: generic.SortField(strings.TrimPrefix(s, "-")), Desc: strings.HasPrefix(s, "-")}
	}
	if req.Page, err = integer("page"); err != nil {
		return req, err
	}
	if req.PageSize, err = integer("page_size"); err != nil {
		return req, err
	}
	return req, nil
}

func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEntry(r.Context(), generic.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntry(w, r, http.StatusOK, e)
}

func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	var req EditEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	tt, err := generic.ParseTransactionType(req.TransactionType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	e, err := h.Lifecycle.Edit(r.Context(), lifecycle.EditRequest{
		EntryID:         generic.EntryID(chi.URLParam(r, "id")),
		DueDate:         *req.DueDate,
		Amount:          *req.Amount,
		Description:     req.Description,
		TransactionType: tt,
		Actor:           staff(req.ActorID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntry(w, r, http.StatusOK, e)
}

func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	var req VoidEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.Lifecycle.Void(r.Context(), lifecycle.VoidRequest{
		EntryID: generic.EntryID(chi.URLParam(r, "id")),
		Reason:  req.Reason,
		Actor:   staff(req.ActorID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntry(w, r, http.StatusOK, e)
}

func (h *Handler) ReduceEntry(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := h.Lifecycle.Reduce(r.Context(), lifecycle.ReduceRequest{
		EntryID: generic.EntryID(chi.URLParam(r, "id")),
		Amount:  req.Amount,
		Reason:  req.Reason,
		Actor:   staff(req.ActorID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntry(w, r, http.StatusOK, e)
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	h.recordMoney(w, r, h.Lifecycle.RecordPayment)
}

func (h *Handler) RecordReturn(w http.ResponseWriter, r *http.Request) {
	h.recordMoney(w, r, h.Lifecycle.RecordReturn)
}

func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Lifecycle.Delete(r.Context(), generic.EntryID(chi.URLParam(r, "id"))); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BulkSetStatus(w http.ResponseWriter, r *http.Request) {
	var req BulkStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := generic.ParseStoredStatus(req.Status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.Lifecycle.BulkSetStatus(r.Context(), toIDs[generic.EntryID](req.IDs), status, staff(req.ActorID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BulkResultDTO{
		Success:   res.Success(),
		Succeeded: toIDStrings(res.Succeeded),
		Failed:    res.Failed,
	})
}

// =============================================================================
// MEMBER ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := reconcile.FetchSnapshot(r.Context(), h.Store, h.Clock, generic.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(snap))
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Amount.IsZero() {
		h.writeError(w, generic.NewValidationError("amount", "must not be zero"))
		return
	}
	adj := generic.AccountAdjustment{
		ID:        generic.NewAdjustmentID(),
		MemberID:  generic.MemberID(chi.URLParam(r, "id")),
		Amount:    generic.RoundCents(req.Amount),
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
		CreatedAt: h.Clock.Now(r.Context()).UTC(),
	}
	if err := h.Store.AppendAdjustment(r.Context(), adj); err != nil {
		metrics.ObserveOperation("adjustment", err)
		h.writeError(w, generic.NewStorageError("append adjustment", adj, err))
		return
	}
	metrics.ObserveOperation("adjustment", nil)
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(adj))
}

// ExportStatement renders the member's statement as xlsx (default), pdf or csv.
func (h *Handler) ExportStatement(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	memberID := generic.MemberID(chi.URLParam(r, "id"))
	snap, err := reconcile.FetchSnapshot(r.Context(), h.Store, h.Clock, memberID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.memberEntries(r.Context(), memberID, "")
	if err != nil {
		h.writeError(w, err)
		return
	}

	stmt := export.NewStatement(snap, entries, snap.AsOf)
	body, err := export.Render(format, stmt)
	metrics.ObserveStatementExport(string(format), err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.FileName(format, stmt)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// =============================================================================
// BUSINESS PROCESS HANDLERS
// =============================================================================

func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req SuspensionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.suspend(r.Context(), generic.MemberID(chi.URLParam(r, "id")), req)
	h.writeProcessResult(w, res, err)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancellationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.cancel(r.Context(), generic.MemberID(chi.URLParam(r, "id")), req)
	h.writeProcessResult(w, res, err)
}

// OffsetCredit applies a credit to the listed entries, or to every open
// pending charge of the member when no entries are listed.
func (h *Handler) OffsetCredit(w http.ResponseWriter, r *http.Request) {
	var req CreditOffsetRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.offsetCredit(r.Context(), generic.MemberID(chi.URLParam(r, "id")), req)
	h.writeProcessResult(w, res, err)
}

// suspend passes every entry of the contract (or of the member) as candidate.
func (h *Handler) suspend(ctx context.Context, memberID generic.MemberID, req SuspensionRequest) (*process.Result, error) {
	candidates, err := h.memberEntries(ctx, memberID, generic.ContractID(req.ContractID))
	if err != nil {
		return nil, err
	}
	return h.Processes.Suspend(ctx, process.SuspensionRequest{
		MemberID:               memberID,
		ContractID:             generic.ContractID(req.ContractID),
		Start:                  req.StartDate,
		End:                    req.EndDate,
		Reason:                 req.Reason,
		Retroactive:            req.Retroactive,
		AffectedTransactionIDs: toIDs[generic.EntryID](req.AffectedTransactionIDs),
		CandidateEntryIDs:      entryIDs(candidates),
		Actor:                  staff(req.ActorID),
	})
}

func (h *Handler) cancel(ctx context.Context, memberID generic.MemberID, req CancellationRequest) (*process.Result, error) {
	ctype, err := process.ParseCancellationType(req.Type)
	if err != nil {
		return nil, err
	}
	policy, err := process.ParseRefundPolicy(req.RefundPolicy)
	if err != nil {
		return nil, err
	}
	candidates, err := h.memberEntries(ctx, memberID, generic.ContractID(req.ContractID))
	if err != nil {
		return nil, err
	}
	return h.Processes.Cancel(ctx, process.CancellationRequest{
		MemberID:          memberID,
		ContractID:        generic.ContractID(req.ContractID),
		CancellationDate:  req.CancellationDate,
		EffectiveDate:     req.EffectiveDate,
		Type:              ctype,
		RefundPolicy:      policy,
		Reason:            req.Reason,
		CandidateEntryIDs: entryIDs(candidates),
		Actor:             staff(req.ActorID),
	})
}

func (h *Handler) offsetCredit(ctx context.Context, memberID generic.MemberID, req CreditOffsetRequest) (*process.Result, error) {
	entries, err := h.memberEntries(ctx, memberID, "")
	if err != nil {
		return nil, err
	}
	charges := openCharges(entries, generic.Today(ctx, h.Clock))
	if len(req.EntryIDs) > 0 {
		wanted := toIDs[generic.EntryID](req.EntryIDs)
		charges = lo.Filter(charges, func(c process.Charge, _ int) bool { return lo.Contains(wanted, c.EntryID) })
	}
	return h.Processes.OffsetCredit(ctx, process.CreditOffsetRequest{
		MemberID:        memberID,
		AvailableCredit: req.AvailableCredit,
		Charges:         charges,
		Reason:          req.Reason,
		Actor:           staff(req.ActorID),
	})
}

// openCharges returns the pending charges with a positive open amount after
// earlier corrections, so an offset charge is not offered twice.
func openCharges(entries []generic.BillingEntry, today generic.Date) []process.Charge {
	netting := reconcile.NewNetting(entries)
	var charges []process.Charge
	for _, e := range entries {
		open := netting.OpenAmount(e)
		if e.Kind != generic.KindCharge || !netting.Resolve(e, today).Pending() || !open.IsPositive() {
			continue
		}
		charges = append(charges, process.Charge{EntryID: e.ID, Amount: open, DueDate: e.DueDate})
	}
	return charges
}

// memberEntries lists a member's entries, optionally limited to one contract.
func (h *Handler) memberEntries(ctx context.Context, memberID generic.MemberID, contractID generic.ContractID) ([]generic.BillingEntry, error) {
	entries, err := h.Store.ListEntries(ctx, generic.EntryFilter{
		MemberIDs:  []generic.MemberID{memberID},
		ContractID: contractID,
		Sort:       generic.Sort{Field: generic.SortByDueDate},
	})
	if err != nil {
		return nil, generic.NewStorageError("list entries", memberID, err)
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) recordMoney(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, req lifecycle.PaymentRequest) (*generic.BillingEntry, error)) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	e, err := op(r.Context(), lifecycle.PaymentRequest{
		EntryID: generic.EntryID(chi.URLParam(r, "id")),
		Amount:  req.Amount,
		Reason:  req.Reason,
		Actor:   staff(req.ActorID),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeEntry(w, r, http.StatusOK, e)
}

// writeEntry views e against the rest of its member's account.
func (h *Handler) writeEntry(w http.ResponseWriter, r *http.Request, status int, e *generic.BillingEntry) {
	account, err := h.memberEntries(r.Context(), e.MemberID, "")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, toEntryDTO(reconcile.NewNetting(account).View(*e, generic.Today(r.Context(), h.Clock))))
}

// writeProcessResult reports partial failures with 207 Multi-Status.
func (h *Handler) writeProcessResult(w http.ResponseWriter, res *process.Result, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, lo.Ternary(res.Success, http.StatusOK, http.StatusMultiStatus), toProcessResultDTO(res))
}

// decode reads the JSON body and runs struct validation. It writes the error
// response itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, errors.Mark(errors.Wrap(err, "invalid request body"), generic.ErrValidation))
		return false
	}
	if err := generic.ValidateStruct(dst); err != nil {
		h.writeError(w, err)
		return false
	}
	return true
}

func staff(id string) generic.Actor {
	return generic.Actor{Type: generic.ActorStaff, ID: id}
}

func entryIDs(entries []generic.BillingEntry) []generic.EntryID {
	return lo.Map(entries, func(e generic.BillingEntry, _ int) generic.EntryID { return e.ID })
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// statusOf maps the error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case generic.IsValidation(err):
		return http.StatusBadRequest
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrDuplicateSchedule):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
	}
	resp := ErrorResponse{Error: http.StatusText(status), Details: err.Error(), Hints: errors.GetAllHints(err)}
	writeJSON(w, status, resp)
}
