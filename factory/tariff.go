/*
Package factory provides JSON to Go tariff conversion.

PURPOSE:
  Converts JSON tariff definitions into contract billing parameters. Studios
  define their price list in JSON (admin UI, config files, demo scenarios)
  and the factory turns one tariff plus a member and a start date into a
  generic.Contract ready for schedule generation.

JSON SCHEMA:
  {
    "id": "premium-12",
    "name": "Premium 12 Monate",
    "base_amount": "89.90",
    "setup_fee": "29.00",
    "schedule": "monthly",
    "transaction_types": ["membership_fee"],
    "duration_months": 12,
    "payment_day": 1,
    "payment_group": "default"
  }

DEFAULTS:
  - schedule:          monthly
  - transaction_types: ["membership_fee"]
  - duration_months:   0 (open-ended, extended by the schedule job)
  - payment_group:     "default"

A setup fee is billed by adding "setup_fee" to transaction_types; the amount
comes from setup_fee, or base_amount when setup_fee is absent.

USAGE:
  f := factory.NewTariffFactory()
  tariff, err := f.ParseTariff(factory.MonthlyTariffJSON("basic", "Basic", "29.90", 12))
  contract := tariff.NewContract("mem-1", generic.MustDate("2025-01-01"), time.Now())

SEE ALSO:
  - generic/types.go: Contract
  - schedule/generator.go: RequestFromContract
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// TariffJSON is the JSON representation of a tariff.
type TariffJSON struct {
	ID               string           `json:"id" validate:"required"`
	Name             string           `json:"name" validate:"required"`
	BaseAmount       decimal.Decimal  `json:"base_amount"`
	SetupFee         *decimal.Decimal `json:"setup_fee,omitempty"`
	Schedule         string           `json:"schedule,omitempty" validate:"omitempty,oneof=weekly monthly quarterly yearly"`
	TransactionTypes []string         `json:"transaction_types,omitempty"`
	DurationMonths   int              `json:"duration_months,omitempty" validate:"min=0,max=120"`
	PaymentDay       int              `json:"payment_day,omitempty" validate:"min=0,max=31"`
	PaymentGroup     string           `json:"payment_group,omitempty"`
}

// Tariff is a parsed, validated tariff.
type Tariff struct {
	ID               string
	Name             string
	BaseAmount       decimal.Decimal
	SetupFee         *decimal.Decimal
	Schedule         generic.RecurrencePattern
	TransactionTypes []generic.TransactionType
	DurationMonths   int // 0 = open-ended
	PaymentDay       int
	PaymentGroup     string
}

// =============================================================================
// TARIFF FACTORY
// =============================================================================

// TariffFactory converts JSON tariffs to Go structs.
type TariffFactory struct{}

func NewTariffFactory() *TariffFactory {
	return &TariffFactory{}
}

// ParseTariff parses a JSON tariff definition.
func (f *TariffFactory) ParseTariff(jsonStr string) (*Tariff, error) {
	var tj TariffJSON
	if err := json.Unmarshal([]byte(jsonStr), &tj); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid tariff JSON"), generic.ErrValidation)
	}
	return f.FromJSON(tj)
}

// FromJSON validates an already decoded tariff and applies defaults.
func (f *TariffFactory) FromJSON(tj TariffJSON) (*Tariff, error) {
	if err := generic.ValidateStruct(tj); err != nil {
		return nil, err
	}
	if tj.BaseAmount.IsNegative() {
		return nil, generic.NewValidationError("base_amount", "must not be negative")
	}
	if tj.SetupFee != nil && tj.SetupFee.IsNegative() {
		return nil, generic.NewValidationError("setup_fee", "must not be negative")
	}

	schedule := generic.RecurMonthly
	if tj.Schedule != "" {
		schedule = generic.RecurrencePattern(tj.Schedule)
	}

	types := []generic.TransactionType{generic.TypeMembershipFee}
	if len(tj.TransactionTypes) > 0 {
		types = make([]generic.TransactionType, 0, len(tj.TransactionTypes))
		for _, s := range lo.Uniq(tj.TransactionTypes) {
			tt, err := generic.ParseTransactionType(s)
			if err != nil {
				return nil, err
			}
			types = append(types, tt)
		}
	}

	return &Tariff{
		ID:               tj.ID,
		Name:             tj.Name,
		BaseAmount:       generic.RoundCents(tj.BaseAmount),
		SetupFee:         tj.SetupFee,
		Schedule:         schedule,
		TransactionTypes: types,
		DurationMonths:   tj.DurationMonths,
		PaymentDay:       tj.PaymentDay,
		PaymentGroup:     lo.Ternary(tj.PaymentGroup == "", generic.DefaultPaymentGroup, tj.PaymentGroup),
	}, nil
}

// NewContract builds an active contract for the member starting at start.
// A fixed-term tariff ends the day before the term's anniversary.
func (t *Tariff) NewContract(memberID generic.MemberID, start generic.Date, now time.Time) generic.Contract {
	c := generic.Contract{
		ID:               generic.NewContractID(),
		MemberID:         memberID,
		TariffName:       t.Name,
		StartDate:        start,
		BaseAmount:       t.BaseAmount,
		SetupFee:         t.SetupFee,
		TransactionTypes: append([]generic.TransactionType(nil), t.TransactionTypes...),
		Schedule:         t.Schedule,
		PaymentGroupID:   t.PaymentGroup,
		PaymentDay:       t.PaymentDay,
		Status:           generic.ContractActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.DurationMonths > 0 {
		c.EndDate = lo.ToPtr(start.AddMonths(t.DurationMonths).AddDays(-1))
	}
	return c
}

// =============================================================================
// PRESETS
// =============================================================================

// MonthlyTariffJSON returns a monthly membership tariff without setup fee.
func MonthlyTariffJSON(id, name, amount string, months int) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"base_amount": %q,
		"schedule": "monthly",
		"transaction_types": ["membership_fee"],
		"duration_months": %d
	}`, id, name, amount, months)
}

// TariffWithSetupFeeJSON returns a monthly tariff that also bills a one-time setup fee.
func TariffWithSetupFeeJSON(id, name, amount, setupFee string, months int) string {
	return fmt.Sprintf(`{
		"id": %q,
		"name": %q,
		"base_amount": %q,
		"setup_fee": %q,
		"schedule": "monthly",
		"transaction_types": ["setup_fee", "membership_fee"],
		"duration_months": %d
	}`, id, name, amount, setupFee, months)
}
