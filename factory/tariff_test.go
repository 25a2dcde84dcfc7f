package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/generic"
	"github.com/warp/billing-engine/schedule"
)

// =============================================================================
// PARSING
// =============================================================================

func TestParseTariff_Defaults(t *testing.T) {
	f := factory.NewTariffFactory()

	tariff, err := f.ParseTariff(`{"id": "basic", "name": "Basic", "base_amount": "29.899"}`)

	require.NoError(t, err)
	assert.Equal(t, generic.RecurMonthly, tariff.Schedule)
	assert.Equal(t, []generic.TransactionType{generic.TypeMembershipFee}, tariff.TransactionTypes)
	assert.Equal(t, generic.DefaultPaymentGroup, tariff.PaymentGroup)
	assert.Zero(t, tariff.DurationMonths)
	assert.True(t, tariff.BaseAmount.Equal(decimal.RequireFromString("29.90")))
}

func TestParseTariff_Rejects(t *testing.T) {
	f := factory.NewTariffFactory()
	cases := map[string]string{
		"malformed":        `{"id": "x"`,
		"missing name":     `{"id": "x", "base_amount": "10"}`,
		"unknown schedule": `{"id": "x", "name": "X", "base_amount": "10", "schedule": "daily"}`,
		"unknown type":     `{"id": "x", "name": "X", "base_amount": "10", "transaction_types": ["coffee"]}`,
		"negative amount":  `{"id": "x", "name": "X", "base_amount": "-10"}`,
		"negative setup":   `{"id": "x", "name": "X", "base_amount": "10", "setup_fee": "-1"}`,
		"payment day":      `{"id": "x", "name": "X", "base_amount": "10", "payment_day": 40}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseTariff(input)
			assert.True(t, generic.IsValidation(err), "got %v", err)
		})
	}
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestTariff_NewContract(t *testing.T) {
	f := factory.NewTariffFactory()
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	t.Run("fixed term ends the day before the anniversary", func(t *testing.T) {
		tariff, err := f.ParseTariff(factory.MonthlyTariffJSON("premium-12", "Premium", "89.90", 12))
		require.NoError(t, err)

		c := tariff.NewContract("mem-1", generic.MustDate("2025-07-01"), now)

		require.NoError(t, c.Validate())
		require.NotNil(t, c.EndDate)
		assert.Equal(t, "2026-06-30", c.EndDate.String())
		assert.Equal(t, generic.ContractActive, c.Status)
		assert.Equal(t, "Premium", c.TariffName)
		assert.Regexp(t, `^con_`, string(c.ID))
	})

	t.Run("zero duration is open-ended", func(t *testing.T) {
		tariff, err := f.ParseTariff(factory.MonthlyTariffJSON("flex", "Flex", "39.90", 0))
		require.NoError(t, err)

		assert.True(t, tariff.NewContract("mem-1", generic.MustDate("2025-07-01"), now).OpenEnded())
	})

	t.Run("setup fee feeds the generator", func(t *testing.T) {
		tariff, err := f.ParseTariff(factory.TariffWithSetupFeeJSON("starter", "Starter", "49.90", "19.90", 3))
		require.NoError(t, err)
		c := tariff.NewContract("mem-1", generic.MustDate("2025-07-01"), now)

		entries := schedule.Plan(schedule.RequestFromContract(c, *c.EndDate), now)

		require.Len(t, entries, 4)
		assert.Equal(t, generic.TypeSetupFee, entries[0].TransactionType)
		assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("19.90")))
		assert.Equal(t, "2025-09-01", entries[3].DueDate.String())
	})
}
