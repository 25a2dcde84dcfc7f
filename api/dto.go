package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/process"
	"github.com/warp/billing-engine/reconcile"
	"github.com/warp/billing-engine/schedule"
)

// =============================================================================
// REQUEST DTOs
// =============================================================================

// CreateContractRequest creates a contract from a tariff or from explicit
// billing parameters, then generates its schedule.
type CreateContractRequest struct {
	MemberID  string              `json:"member_id" validate:"required"`
	StartDate generic.Date        `json:"start_date"`
	Tariff    *factory.TariffJSON `json:"tariff,omitempty"`

	// Explicit parameters, used when Tariff is absent.
	TariffName       string           `json:"tariff_name,omitempty"`
	EndDate          *generic.Date    `json:"end_date,omitempty"`
	BaseAmount       decimal.Decimal  `json:"base_amount"`
	SetupFee         *decimal.Decimal `json:"setup_fee,omitempty"`
	TransactionTypes []string         `json:"transaction_types,omitempty"`
	Schedule         string           `json:"schedule,omitempty"`
	PaymentGroupID   string           `json:"payment_group_id,omitempty"`
	PaymentDay       int              `json:"payment_day,omitempty" validate:"min=0,max=31"`
	CreatedBy        string           `json:"created_by,omitempty"`
}

// GenerateRequest regenerates a contract's schedule. An empty end date means
// the contract end, or today plus the configured horizon for open-ended contracts.
type GenerateRequest struct {
	EndDate *generic.Date `json:"end_date,omitempty"`
}

// EditEntryRequest replaces the editable fields. Amount and due date are
// required so an omitted field never zeroes the charge.
type EditEntryRequest struct {
	DueDate         *generic.Date    `json:"due_date" validate:"required"`
	Amount          *decimal.Decimal `json:"amount" validate:"required"`
	Description     string           `json:"description"`
	TransactionType string           `json:"transaction_type" validate:"required"`
	ActorID         string           `json:"actor_id,omitempty"`
}

type VoidEntryRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id,omitempty"`
}

// AmountRequest is used by reduce, payment and return.
type AmountRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason,omitempty"`
	ActorID string          `json:"actor_id,omitempty"`
}

type BulkStatusRequest struct {
	IDs     []string `json:"ids" validate:"required,min=1"`
	Status  string   `json:"status" validate:"required"`
	ActorID string   `json:"actor_id,omitempty"`
}

type AdjustmentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason" validate:"required"`
	CreatedBy string          `json:"created_by,omitempty"`
}

type SuspensionRequest struct {
	ContractID             string       `json:"contract_id"`
	StartDate              generic.Date `json:"start_date"`
	EndDate                generic.Date `json:"end_date"`
	Reason                 string       `json:"reason"`
	Retroactive            bool         `json:"retroactive"`
	AffectedTransactionIDs []string     `json:"affected_transaction_ids,omitempty"`
	ActorID                string       `json:"actor_id,omitempty"`
}

type CancellationRequest struct {
	ContractID       string       `json:"contract_id" validate:"required"`
	CancellationDate generic.Date `json:"cancellation_date"`
	EffectiveDate    generic.Date `json:"effective_date"`
	Type             string       `json:"cancellation_type" validate:"required"`
	RefundPolicy     string       `json:"refund_policy,omitempty"`
	Reason           string       `json:"reason"`
	ActorID          string       `json:"actor_id,omitempty"`
}

// CreditOffsetRequest applies a credit to open charges. Without EntryIDs every
// pending charge of the member with an open amount is a candidate.
type CreditOffsetRequest struct {
	AvailableCredit decimal.Decimal `json:"available_credit"`
	EntryIDs        []string        `json:"entry_ids,omitempty"`
	Reason          string          `json:"reason"`
	ActorID         string          `json:"actor_id,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE DTOs
// =============================================================================

type EntryDTO struct {
	ID                 string                    `json:"id"`
	MemberID           string                    `json:"member_id"`
	ContractID         string                    `json:"contract_id,omitempty"`
	PaymentGroupID     string                    `json:"payment_group_id"`
	ParentEntryID      string                    `json:"parent_entry_id,omitempty"`
	Kind               string                    `json:"kind"`
	DueDate            generic.Date              `json:"due_date"`
	ScheduledFor       *generic.Date             `json:"scheduled_for,omitempty"`
	TransactionType    string                    `json:"transaction_type"`
	Amount             decimal.Decimal           `json:"amount"`
	AmountPaid         decimal.Decimal           `json:"amount_paid"`
	AmountReturned     decimal.Decimal           `json:"amount_returned"`
	OpenAmount         decimal.Decimal           `json:"open_amount"`
	StoredStatus       string                    `json:"stored_status"`
	Status             string                    `json:"status"`
	DisplayClass       string                    `json:"display_class"`
	PaymentState       string                    `json:"payment_state"`
	Recurrence         *generic.Recurrence       `json:"recurrence,omitempty"`
	Priority           int                       `json:"priority"`
	Description        string                    `json:"description"`
	DisplayDescription string                    `json:"display_description"`
	Notes              string                    `json:"notes,omitempty"`
	Tags               []string                  `json:"tags,omitempty"`
	Audit              []generic.CorrectionAudit `json:"audit,omitempty"`
	CreatedBy          string                    `json:"created_by,omitempty"`
	CreatedAt          string                    `json:"created_at"`
	UpdatedAt          string                    `json:"updated_at"`
}

type ContractDTO struct {
	ID               string           `json:"id"`
	MemberID         string           `json:"member_id"`
	TariffName       string           `json:"tariff_name,omitempty"`
	StartDate        generic.Date     `json:"start_date"`
	EndDate          *generic.Date    `json:"end_date,omitempty"`
	BaseAmount       decimal.Decimal  `json:"base_amount"`
	SetupFee         *decimal.Decimal `json:"setup_fee,omitempty"`
	TransactionTypes []string         `json:"transaction_types"`
	Schedule         string           `json:"schedule"`
	ScheduleLabel    string           `json:"schedule_label"`
	PaymentGroupID   string           `json:"payment_group_id"`
	PaymentDay       int              `json:"payment_day,omitempty"`
	Status           string           `json:"status"`
	CancellationDate *generic.Date    `json:"cancellation_date,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

type GenerationResultDTO struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	CreatedEntries []EntryDTO       `json:"created_entries"`
	SkippedCount   int              `json:"skipped_count"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	Summary        schedule.Summary `json:"summary"`
	Warnings       []string         `json:"warnings,omitempty"`
	Attempted      int              `json:"attempted_count,omitempty"`
}

type ContractResponse struct {
	Contract   ContractDTO          `json:"contract"`
	Generation *GenerationResultDTO `json:"generation,omitempty"`
}

type StatisticsDTO struct {
	Count           int                             `json:"count"`
	CountByStatus   map[string]int                  `json:"count_by_status"`
	TotalByStatus   map[string]decimal.Decimal      `json:"total_by_status"`
	OpenTotal       decimal.Decimal                 `json:"open_total"`
	OverdueTotal    decimal.Decimal                 `json:"overdue_total"`
	DueWithin7Days  int                             `json:"due_within_7_days"`
	DueWithin30Days int                             `json:"due_within_30_days"`
	Warnings        []generic.ReconciliationWarning `json:"warnings,omitempty"`
}

type EntryListResponse struct {
	Items      []EntryDTO    `json:"items"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
	Statistics StatisticsDTO `json:"statistics"`
}

type AccountDTO struct {
	MemberID        string          `json:"member_id"`
	AsOf            generic.Date    `json:"as_of"`
	Balance         decimal.Decimal `json:"balance"`
	OpenCharges     decimal.Decimal `json:"open_charges"`
	Credits         decimal.Decimal `json:"credits"`
	OverdueAmount   decimal.Decimal `json:"overdue_amount"`
	AdjustmentTotal decimal.Decimal `json:"adjustment_total"`
	CumulativePaid  decimal.Decimal `json:"cumulative_paid"`
	PaymentCount    int             `json:"payment_count"`
	EntryCount      int             `json:"entry_count"`
	NextDue         *EntryDTO       `json:"next_due,omitempty"`
}

type AdjustmentDTO struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"member_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type AllocationDTO struct {
	EntryID      string          `json:"entry_id"`
	Amount       decimal.Decimal `json:"amount"`
	Remaining    decimal.Decimal `json:"remaining"`
	CorrectionID string          `json:"correction_entry_id,omitempty"`
}

type ProcessResultDTO struct {
	Success            bool                  `json:"success"`
	Message            string                `json:"message"`
	CorrectionEntryIDs []string              `json:"correction_entry_ids"`
	AffectedEntryIDs   []string              `json:"affected_entry_ids"`
	MonetaryEffect     decimal.Decimal       `json:"monetary_effect"`
	NewContractEndDate *generic.Date         `json:"new_contract_end_date,omitempty"`
	FinalBillingDate   *generic.Date         `json:"final_billing_date,omitempty"`
	Allocations        []AllocationDTO       `json:"allocations,omitempty"`
	AppliedCredit      *decimal.Decimal      `json:"applied_credit,omitempty"`
	RemainingCredit    *decimal.Decimal      `json:"remaining_credit,omitempty"`
	Failures           []generic.ItemFailure `json:"failures,omitempty"`
}

type BulkResultDTO struct {
	Success   bool                  `json:"success"`
	Succeeded []string              `json:"succeeded"`
	Failed    []generic.ItemFailure `json:"failed,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details string   `json:"details,omitempty"`
	Hints   []string `json:"hints,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toEntryDTO(v reconcile.EntryView) EntryDTO {
	e := v.Entry
	return EntryDTO{
		ID:                 string(e.ID),
		MemberID:           string(e.MemberID),
		ContractID:         string(e.ContractID),
		PaymentGroupID:     e.PaymentGroupID,
		ParentEntryID:      string(e.ParentEntryID),
		Kind:               string(e.Kind),
		DueDate:            e.DueDate,
		ScheduledFor:       lo.Ternary[*generic.Date](e.ScheduledFor.IsZero(), nil, &e.ScheduledFor),
		TransactionType:    string(e.TransactionType),
		Amount:             e.Amount,
		AmountPaid:         e.AmountPaid,
		AmountReturned:     e.AmountReturned,
		OpenAmount:         v.OpenAmount,
		StoredStatus:       string(e.StoredStatus),
		Status:             string(v.Status),
		DisplayClass:       string(v.Class),
		PaymentState:       string(v.PaymentState),
		Recurrence:         e.Recurrence,
		Priority:           e.Priority,
		Description:        e.Description,
		DisplayDescription: e.DisplayDescription(),
		Notes:              e.Notes,
		Tags:               e.Tags,
		Audit:              e.Audit,
		CreatedBy:          e.CreatedBy,
		CreatedAt:          formatTimestamp(e.CreatedAt),
		UpdatedAt:          formatTimestamp(e.UpdatedAt),
	}
}

func toEntryDTOs(entries []generic.BillingEntry, today generic.Date) []EntryDTO {
	return lo.Map(entries, func(e generic.BillingEntry, _ int) EntryDTO {
		return toEntryDTO(reconcile.NewEntryView(e, today))
	})
}

func toContractDTO(c generic.Contract) ContractDTO {
	return ContractDTO{
		ID:               string(c.ID),
		MemberID:         string(c.MemberID),
		TariffName:       c.TariffName,
		StartDate:        c.StartDate,
		EndDate:          c.EndDate,
		BaseAmount:       c.BaseAmount,
		SetupFee:         c.SetupFee,
		TransactionTypes: lo.Map(c.TransactionTypes, func(t generic.TransactionType, _ int) string { return string(t) }),
		Schedule:         string(c.Schedule),
		ScheduleLabel:    c.Schedule.Label(),
		PaymentGroupID:   c.PaymentGroupID,
		PaymentDay:       c.PaymentDay,
		Status:           string(c.Status),
		CancellationDate: c.CancellationDate,
		CreatedAt:        formatTimestamp(c.CreatedAt),
		UpdatedAt:        formatTimestamp(c.UpdatedAt),
	}
}

func toGenerationResultDTO(r *schedule.Result, today generic.Date) *GenerationResultDTO {
	return &GenerationResultDTO{
		Success:        r.Success,
		Message:        r.Message,
		CreatedEntries: toEntryDTOs(r.CreatedEntries, today),
		SkippedCount:   r.SkippedCount,
		TotalAmount:    r.TotalAmount,
		Summary:        r.Summary,
		Warnings:       r.Warnings,
		Attempted:      len(r.Attempted),
	}
}

func toStatisticsDTO(s reconcile.Statistics) StatisticsDTO {
	dto := StatisticsDTO{
		Count:           s.Count,
		CountByStatus:   make(map[string]int, len(s.CountByStatus)),
		TotalByStatus:   make(map[string]decimal.Decimal, len(s.TotalByStatus)),
		OpenTotal:       s.OpenTotal,
		OverdueTotal:    s.OverdueTotal,
		DueWithin7Days:  s.DueWithin7Days,
		DueWithin30Days: s.DueWithin30Days,
		Warnings:        s.Warnings,
	}
	for k, v := range s.CountByStatus {
		dto.CountByStatus[string(k)] = v
	}
	for k, v := range s.TotalByStatus {
		dto.TotalByStatus[string(k)] = v
	}
	return dto
}

func toAccountDTO(s reconcile.AccountSnapshot) AccountDTO {
	dto := AccountDTO{
		MemberID:        string(s.MemberID),
		AsOf:            s.AsOf,
		Balance:         s.Balance,
		OpenCharges:     s.OpenCharges,
		Credits:         s.Credits,
		OverdueAmount:   s.OverdueAmount,
		AdjustmentTotal: s.AdjustmentTotal,
		CumulativePaid:  s.CumulativePaid,
		PaymentCount:    s.PaymentCount,
		EntryCount:      s.EntryCount,
	}
	if s.NextDue != nil {
		dto.NextDue = lo.ToPtr(toEntryDTO(*s.NextDue))
	}
	return dto
}

func toAdjustmentDTO(a generic.AccountAdjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:        string(a.ID),
		MemberID:  string(a.MemberID),
		Amount:    a.Amount,
		Reason:    a.Reason,
		CreatedBy: a.CreatedBy,
		CreatedAt: formatTimestamp(a.CreatedAt),
	}
}

func toProcessResultDTO(r *process.Result) ProcessResultDTO {
	dto := ProcessResultDTO{
		Success:            r.Success,
		Message:            r.Message,
		CorrectionEntryIDs: toIDStrings(r.CorrectionEntryIDs),
		AffectedEntryIDs:   toIDStrings(r.AffectedEntryIDs),
		MonetaryEffect:     r.MonetaryEffect,
		NewContractEndDate: r.NewContractEndDate,
		FinalBillingDate:   r.FinalBillingDate,
		Failures:           r.Failures,
	}
	if len(r.Allocations) > 0 || r.AppliedCredit.IsPositive() || r.RemainingCredit.IsPositive() {
		dto.AppliedCredit = lo.ToPtr(r.AppliedCredit)
		dto.RemainingCredit = lo.ToPtr(r.RemainingCredit)
		dto.Allocations = lo.Map(r.Allocations, func(a process.Allocation, _ int) AllocationDTO {
			return AllocationDTO{
				EntryID:      string(a.EntryID),
				Amount:       a.Amount,
				Remaining:    a.Remaining,
				CorrectionID: string(a.CorrectionID),
			}
		})
	}
	return dto
}

func toIDStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func toIDs[T ~string](ids []string) []T {
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = T(id)
	}
	return out
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
