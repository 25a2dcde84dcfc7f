/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  member accounts. Each scenario creates contracts from tariffs, generates
  their schedules, and then replays a list of actions (payments, returned
  debits, suspensions, cancellations, credit offsets) through the same code
  paths the API uses.

AVAILABLE SCENARIOS (scenarios/*.yaml, embedded):
  standard-member:      12-month premium tariff, first half-year paid
  returned-debit:       Open-ended tariff with a returned direct debit
  suspension:           Two-month suspension with retroactive credit
  special-cancellation: Special-right cancellation with partial refund
  credit-offset:        Reduction and credit applied to open charges

ACTIONS:
  pay_until      Pay every charge of a contract due on or before date
  return         Return the payment of the contract's charge due on date
  void / reduce  Void or reduce the contract's charge due on date
  adjust         Book a direct account adjustment
  suspend        Suspension of the contract for [start, end]
  cancel         Cancellation of the contract
  credit_offset  Apply a credit to the member's open charges

NOTE:
  Loading a scenario resets the database. Only use in development/demo
  environments.

SEE ALSO:
  - handlers.go: Process helpers shared with the scenario actions
  - factory/tariff.go: Tariff definitions
*/
package api

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/lifecycle"
	"github.com/warp/billing-engine/process"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioFile struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Contracts   []scenarioContract `yaml:"contracts"`
	Actions     []scenarioAction   `yaml:"actions"`
}

type scenarioContract struct {
	Key       string         `yaml:"key"`
	MemberID  string         `yaml:"member_id"`
	StartDate string         `yaml:"start_date"`
	Tariff    scenarioTariff `yaml:"tariff"`
}

type scenarioTariff struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	BaseAmount       string   `yaml:"base_amount"`
	SetupFee         string   `yaml:"setup_fee"`
	Schedule         string   `yaml:"schedule"`
	TransactionTypes []string `yaml:"transaction_types"`
	DurationMonths   int      `yaml:"duration_months"`
	PaymentDay       int      `yaml:"payment_day"`
}

type scenarioAction struct {
	Type             string `yaml:"type"`
	Contract         string `yaml:"contract"`
	MemberID         string `yaml:"member_id"`
	Date             string `yaml:"date"`
	TransactionType  string `yaml:"transaction_type"`
	Amount           string `yaml:"amount"`
	Reason           string `yaml:"reason"`
	Start            string `yaml:"start"`
	End              string `yaml:"end"`
	Retroactive      bool   `yaml:"retroactive"`
	CancellationDate string `yaml:"cancellation_date"`
	EffectiveDate    string `yaml:"effective_date"`
	CancellationType string `yaml:"cancellation_type"`
	RefundPolicy     string `yaml:"refund_policy"`
}

// loadScenarioFiles parses every embedded scenario, sorted by id.
func loadScenarioFiles() ([]scenarioFile, error) {
	paths, err := fs.Glob(scenarioFS, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}
	files := make([]scenarioFile, 0, len(paths))
	for _, p := range paths {
		raw, err := scenarioFS.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", p)
		}
		var f scenarioFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, errors.Wrapf(err, "parse %s", p)
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

func findScenario(id string) (scenarioFile, error) {
	files, err := loadScenarioFiles()
	if err != nil {
		return scenarioFile{}, err
	}
	for _, f := range files {
		if f.ID == id {
			return f, nil
		}
	}
	return scenarioFile{}, generic.NewValidationError("scenario_id", fmt.Sprintf("unknown scenario %q", id))
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	files, err := loadScenarioFiles()
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]ScenarioDTO, len(files))
	for i, f := range files {
		dtos[i] = ScenarioDTO{ID: f.ID, Name: f.Name, Description: f.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": req.ScenarioID,
	})
}

// =============================================================================
// LOADER
// =============================================================================

type resetter interface {
	Reset(ctx context.Context) error
}

// LoadScenarioByID resets the store and replays the scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	sc, err := findScenario(id)
	if err != nil {
		return err
	}
	rs, ok := h.Store.(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return generic.NewStorageError("reset store", id, err)
	}

	contracts := make(map[string]generic.Contract, len(sc.Contracts))
	for _, c := range sc.Contracts {
		contract, err := h.loadScenarioContract(ctx, c)
		if err != nil {
			return errors.Wrapf(err, "scenario %s: contract %s", id, c.Key)
		}
		contracts[c.Key] = contract
	}
	for i, a := range sc.Actions {
		if err := h.applyScenarioAction(ctx, a, contracts); err != nil {
			return errors.Wrapf(err, "scenario %s: action %d (%s)", id, i+1, a.Type)
		}
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Log.Info("scenario loaded", zap.String("scenario_id", id), zap.Int("contracts", len(contracts)))
	return nil
}

func (h *Handler) loadScenarioContract(ctx context.Context, c scenarioContract) (generic.Contract, error) {
	start, err := generic.ParseDate(c.StartDate)
	if err != nil {
		return generic.Contract{}, err
	}
	tj := factory.TariffJSON{
		ID:               c.Tariff.ID,
		Name:             c.Tariff.Name,
		Schedule:         c.Tariff.Schedule,
		TransactionTypes: c.Tariff.TransactionTypes,
		DurationMonths:   c.Tariff.DurationMonths,
		PaymentDay:       c.Tariff.PaymentDay,
	}
	if tj.BaseAmount, err = decimal.NewFromString(c.Tariff.BaseAmount); err != nil {
		return generic.Contract{}, generic.NewValidationError("base_amount", "invalid amount "+c.Tariff.BaseAmount)
	}
	if c.Tariff.SetupFee != "" {
		fee, err := decimal.NewFromString(c.Tariff.SetupFee)
		if err != nil {
			return generic.Contract{}, generic.NewValidationError("setup_fee", "invalid amount "+c.Tariff.SetupFee)
		}
		tj.SetupFee = &fee
	}

	contract, result, err := h.createContract(ctx, CreateContractRequest{
		MemberID:  c.MemberID,
		StartDate: start,
		Tariff:    &tj,
		CreatedBy: "scenario",
	})
	if err != nil {
		return generic.Contract{}, err
	}
	if !result.Success {
		return generic.Contract{}, errors.New(result.Message)
	}
	return contract, nil
}

func (h *Handler) applyScenarioAction(ctx context.Context, a scenarioAction, contracts map[string]generic.Contract) error {
	contract, hasContract := contracts[a.Contract]
	memberID := generic.MemberID(a.MemberID)
	if hasContract {
		memberID = contract.MemberID
	}
	actorID := "scenario"

	amount := decimal.Zero
	if a.Amount != "" {
		var err error
		if amount, err = decimal.NewFromString(a.Amount); err != nil {
			return generic.NewValidationError("amount", "invalid amount "+a.Amount)
		}
	}
	date := func(s string) generic.Date {
		if s == "" {
			return generic.Date{}
		}
		return generic.MustDate(s)
	}

	switch a.Type {
	case "pay_until":
		until := date(a.Date)
		entries, err := h.Store.ListEntries(ctx, generic.EntryFilter{
			ContractID: contract.ID,
			Kinds:      []generic.EntryKind{generic.KindCharge},
			Statuses:   []generic.StoredStatus{generic.StatusScheduled},
			DueTo:      &until,
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Amount.IsPositive() {
				continue
			}
			if _, err := h.Lifecycle.RecordPayment(ctx, lifecycle.PaymentRequest{
				EntryID: e.ID, Amount: e.Amount, Reason: "Lastschrift", Actor: staff(actorID),
			}); err != nil {
				return err
			}
		}
		return nil

	case "return", "void", "reduce":
		e, err := h.scenarioCharge(ctx, contract.ID, date(a.Date), a.TransactionType)
		if err != nil {
			return err
		}
		switch a.Type {
		case "return":
			_, err = h.Lifecycle.RecordReturn(ctx, lifecycle.PaymentRequest{EntryID: e.ID, Amount: amount, Reason: a.Reason, Actor: staff(actorID)})
		case "void":
			_, err = h.Lifecycle.Void(ctx, lifecycle.VoidRequest{EntryID: e.ID, Reason: a.Reason, Actor: staff(actorID)})
		default:
			_, err = h.Lifecycle.Reduce(ctx, lifecycle.ReduceRequest{EntryID: e.ID, Amount: amount, Reason: a.Reason, Actor: staff(actorID)})
		}
		return err

	case "adjust":
		now := h.Clock.Now(ctx).UTC()
		return h.Store.AppendAdjustment(ctx, generic.AccountAdjustment{
			ID: generic.NewAdjustmentID(), MemberID: memberID, Amount: amount,
			Reason: a.Reason, CreatedBy: actorID, CreatedAt: now,
		})

	case "suspend":
		req := SuspensionRequest{
			ContractID:  string(contract.ID),
			StartDate:   date(a.Start),
			EndDate:     date(a.End),
			Reason:      a.Reason,
			Retroactive: a.Retroactive,
			ActorID:     actorID,
		}
		if a.Retroactive {
			// credit what was already collected inside the window
			paid, err := h.Store.ListEntries(ctx, generic.EntryFilter{
				ContractID: contract.ID,
				Kinds:      []generic.EntryKind{generic.KindCharge},
				Statuses:   []generic.StoredStatus{generic.StatusProcessed},
				DueFrom:    &req.StartDate,
				DueTo:      &req.EndDate,
			})
			if err != nil {
				return err
			}
			req.AffectedTransactionIDs = toIDStrings(entryIDs(paid))
		}
		return checkProcess(h.suspend(ctx, memberID, req))

	case "cancel":
		return checkProcess(h.cancel(ctx, memberID, CancellationRequest{
			ContractID:       string(contract.ID),
			CancellationDate: date(a.CancellationDate),
			EffectiveDate:    date(a.EffectiveDate),
			Type:             a.CancellationType,
			RefundPolicy:     a.RefundPolicy,
			Reason:           a.Reason,
			ActorID:          actorID,
		}))

	case "credit_offset":
		return checkProcess(h.offsetCredit(ctx, memberID, CreditOffsetRequest{
			AvailableCredit: amount,
			Reason:          a.Reason,
			ActorID:         actorID,
		}))
	}
	return generic.NewValidationError("type", fmt.Sprintf("unknown scenario action %q", a.Type))
}

// scenarioCharge finds the contract's charge due on the date, optionally of one type.
func (h *Handler) scenarioCharge(ctx context.Context, contractID generic.ContractID, due generic.Date, txType string) (generic.BillingEntry, error) {
	filter := generic.EntryFilter{
		ContractID: contractID,
		Kinds:      []generic.EntryKind{generic.KindCharge},
		DueFrom:    &due,
		DueTo:      &due,
	}
	if txType != "" {
		filter.TransactionTypes = []generic.TransactionType{generic.TransactionType(txType)}
	}
	entries, err := h.Store.ListEntries(ctx, filter)
	if err != nil {
		return generic.BillingEntry{}, err
	}
	if len(entries) == 0 {
		return generic.BillingEntry{}, errors.Wrapf(generic.ErrEntryNotFound, "no charge of %s due %s", contractID, due)
	}
	return entries[0], nil
}

func checkProcess(res *process.Result, err error) error {
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.Newf("process failed: %s", res.Message)
	}
	return nil
}
