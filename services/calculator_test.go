package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func usd(s string) money.Money { return money.MustParse(s, "USD") }

func assertMoney(t *testing.T, want string, got money.Money) {
	t.Helper()
	assert.True(t, got.Amount.Equal(d(want)), "want %s, got %s", want, got)
}

func TestProcessingFeeAndNet(t *testing.T) {
	fee := ProcessingFee(usd("100.00"), d("2.9"), d("0.30"))
	net := NetAmount(usd("100.00"), d("2.9"), d("0.30"))
	assert.Equal(t, "3.20", fee.Round().StringFixed())
	assert.Equal(t, "96.80", net.Round().StringFixed())
}

func TestCorporateMatch(t *testing.T) {
	tests := []struct {
		name    string
		gross   string
		ratio   string
		limit   decimal.NullDecimal
		matched string
		want    string
	}{
		{"capped by remaining budget", "1000", "1.0", decimal.NewNullDecimal(d("500")), "450", "50"},
		{"under budget", "100", "0.5", decimal.NewNullDecimal(d("500")), "0", "50"},
		{"budget exhausted", "100", "1", decimal.NewNullDecimal(d("500")), "600", "0"},
		{"unbounded", "1000", "2", decimal.NullDecimal{}, "999999", "2000"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CorporateMatch(usd(tc.gross), d(tc.ratio), tc.limit, usd(tc.matched))
			require.NoError(t, err)
			assertMoney(t, tc.want, got)
		})
	}

	_, err := CorporateMatch(usd("10"), d("-1"), decimal.NullDecimal{}, usd("0"))
	assert.ErrorIs(t, err, models.ErrNegativeAmount)

	_, err = CorporateMatch(usd("10"), d("1"), decimal.NewNullDecimal(d("100")), money.MustParse("1", "EUR"))
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)
}

func TestTaxDeductible(t *testing.T) {
	got, ok, err := TaxDeductible(usd("50"), d("80"), usd("2"))
	require.NoError(t, err)
	assert.True(t, ok)
	assertMoney(t, "40", got)

	got, ok, err = TaxDeductible(usd("1.99"), d("100"), usd("2"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, got.IsZero())
}

func TestConvertAndSlippage(t *testing.T) {
	got, err := Convert(usd("100"), "EUR", d("0.9"), d("1"))
	require.NoError(t, err)
	assert.Equal(t, "EUR", got.Currency)
	assertMoney(t, "89.1", got)

	slip, err := Slippage(money.MustParse("90", "EUR"), got)
	require.NoError(t, err)
	assertMoney(t, "0.9", slip)

	_, err = Convert(usd("100"), "EUR", d("0"), d("1"))
	assert.Error(t, err)
}

func TestGrossUpForFees(t *testing.T) {
	charged, err := GrossUpForFees(usd("100"), d("2.9"), d("0.30"))
	require.NoError(t, err)
	net := NetAmount(charged, d("2.9"), d("0.30"))
	assert.Equal(t, "100.00", net.Round().StringFixed())
	assert.Equal(t, "103.30", charged.Round().StringFixed())

	_, err = GrossUpForFees(usd("100"), d("100"), d("0"))
	assert.Error(t, err)
}

func TestBreakdownRoundsOnlyAtTheEnd(t *testing.T) {
	calc := DonationAmountCalculator{
		Fees: FeeSchedule{PercentageRate: d("2.9"), FixedDefault: d("0.30")},
		Tax:  TaxPolicy{DeductiblePercentage: d("100"), MinimumAmount: d("2")},
	}
	campaign := &models.Campaign{
		Currency:         "USD",
		MatchRatio:       d("1"),
		AnnualMatchLimit: decimal.NewNullDecimal(d("500")),
		MatchedToDate:    d("450"),
	}

	b, err := calc.Breakdown(models.Donation{Amount: d("1000"), Currency: "USD"}, campaign)
	require.NoError(t, err)
	assert.Equal(t, "29.30", b.ProcessingFee.StringFixed())
	assert.Equal(t, "970.70", b.Net.StringFixed())
	assert.Equal(t, "50.00", b.CorporateMatch.StringFixed())
	assert.Equal(t, "1000.00", b.TaxDeductible.StringFixed())
	assert.True(t, b.ReceiptEligible)

	small, err := calc.Breakdown(models.Donation{Amount: d("0.10"), Currency: "USD"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.30", small.ProcessingFee.StringFixed())
	assert.Equal(t, "-0.20", small.Net.StringFixed())
	assert.False(t, small.ReceiptEligible)
}

func TestBreakdownCoverFees(t *testing.T) {
	calc := DonationAmountCalculator{
		Fees: FeeSchedule{PercentageRate: d("2.9"), FixedDefault: d("0.30"), Fixed: map[string]decimal.Decimal{"GBP": d("0.20")}},
		Tax:  TaxPolicy{DeductiblePercentage: d("100"), MinimumAmount: d("0")},
	}
	b, err := calc.Breakdown(models.Donation{Amount: d("100"), Currency: "GBP", CoverFees: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "100.00", b.Net.StringFixed())
	assert.Equal(t, "103.19", b.Charged.StringFixed())
	assert.Equal(t, "100.00", b.Gross.StringFixed())
}

func TestBreakdownRejectsCampaignCurrencyMismatch(t *testing.T) {
	calc := DonationAmountCalculator{Fees: FeeSchedule{PercentageRate: d("2.9")}}
	_, err := calc.Breakdown(models.Donation{Amount: d("10"), Currency: "USD"},
		&models.Campaign{Currency: "EUR", MatchRatio: d("1")})
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)
}
