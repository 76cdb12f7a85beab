package services

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zhifu/donation-pay/models"
	"github.com/zhifu/donation-pay/money"
)

var hundred = decimal.NewFromInt(100)

// ProcessingFee is gross*rate/100 + fixed, unrounded.
func ProcessingFee(gross money.Money, percentageRate decimal.Decimal, fixedFee decimal.Decimal) money.Money {
	return money.New(gross.Amount.Mul(percentageRate).Div(hundred).Add(fixedFee), gross.Currency)
}

// NetAmount is gross minus its processing fee, unrounded.
func NetAmount(gross money.Money, percentageRate, fixedFee decimal.Decimal) money.Money {
	fee := ProcessingFee(gross, percentageRate, fixedFee)
	return money.New(gross.Amount.Sub(fee.Amount), gross.Currency)
}

// GrossUpForFees returns the amount to charge so that, after fees, net is
// left: (net + fixed) / (1 - rate/100).
func GrossUpForFees(net money.Money, percentageRate, fixedFee decimal.Decimal) (money.Money, error) {
	keep := decimal.NewFromInt(1).Sub(percentageRate.Div(hundred))
	if !keep.IsPositive() {
		return money.Money{}, fmt.Errorf("fee rate %s%% leaves nothing to gross up", percentageRate)
	}
	return money.New(net.Amount.Add(fixedFee).Div(keep), net.Currency), nil
}

// CorporateMatch is min(gross*ratio, max(0, limit-alreadyMatched)). An
// invalid (unset) limit means matching is unbounded.
func CorporateMatch(gross money.Money, ratio decimal.Decimal, annualLimit decimal.NullDecimal, alreadyMatched money.Money) (money.Money, error) {
	if ratio.IsNegative() {
		return money.Money{}, fmt.Errorf("%w: match ratio %s", models.ErrNegativeAmount, ratio)
	}
	match := gross.Mul(ratio)
	if !annualLimit.Valid {
		return match, nil
	}
	left, err := money.New(annualLimit.Decimal, gross.Currency).Sub(alreadyMatched)
	if err != nil {
		return money.Money{}, err
	}
	if left.IsNegative() {
		left = money.Zero(gross.Currency)
	}
	return money.Min(match, left)
}

// TaxDeductible is gross*percentage/100. Below minimum the donation is not
// receipt-eligible and the deductible amount is zero.
func TaxDeductible(gross money.Money, deductiblePercentage decimal.Decimal, minimum money.Money) (money.Money, bool, error) {
	c, err := gross.Cmp(minimum)
	if err != nil {
		return money.Money{}, false, err
	}
	if c < 0 {
		return money.Zero(gross.Currency), false, nil
	}
	return gross.Mul(deductiblePercentage.Div(hundred)), true, nil
}

// Convert applies an exchange rate and then takes the conversion fee off
// the converted amount.
func Convert(gross money.Money, toCurrency string, exchangeRate, feePercentage decimal.Decimal) (money.Money, error) {
	if !exchangeRate.IsPositive() {
		return money.Money{}, fmt.Errorf("exchange rate must be positive, got %s", exchangeRate)
	}
	converted := gross.Amount.Mul(exchangeRate)
	fee := converted.Mul(feePercentage).Div(hundred)
	return money.New(converted.Sub(fee), toCurrency), nil
}

// Slippage is what the donor lost against the mid-market rate.
func Slippage(midMarket, actual money.Money) (money.Money, error) {
	return midMarket.Sub(actual)
}

// FeeSchedule is a percentage plus a per-currency fixed fee.
type FeeSchedule struct {
	PercentageRate decimal.Decimal
	FixedDefault   decimal.Decimal
	Fixed          map[string]decimal.Decimal
}

func (f FeeSchedule) fixedFor(currency string) decimal.Decimal {
	if v, ok := f.Fixed[strings.ToUpper(currency)]; ok {
		return v
	}
	return f.FixedDefault
}

// TaxPolicy gates receipts on a minimum amount per currency.
type TaxPolicy struct {
	DeductiblePercentage decimal.Decimal
	MinimumAmount        decimal.Decimal
}

// DonationAmountCalculator chains the calculations for one donation and
// rounds each output once, at the end.
type DonationAmountCalculator struct {
	Fees FeeSchedule
	Tax  TaxPolicy
}

// Breakdown is the rounded result of Breakdown.
type Breakdown struct {
	Gross           money.Money `json:"gross"`
	Charged         money.Money `json:"charged"`
	ProcessingFee   money.Money `json:"processing_fee"`
	Net             money.Money `json:"net"`
	CorporateMatch  money.Money `json:"corporate_match"`
	TaxDeductible   money.Money `json:"tax_deductible"`
	ReceiptEligible bool        `json:"receipt_eligible"`
}

// Breakdown computes what is charged, what the charity nets, what the
// campaign sponsor matches and what is tax deductible. When the donor covers
// fees, the charged amount is grossed up so net equals the donated amount.
func (c DonationAmountCalculator) Breakdown(d models.Donation, campaign *models.Campaign) (*Breakdown, error) {
	gross := money.New(d.Amount, d.Currency)
	if !gross.IsPositive() {
		return nil, fmt.Errorf("%w: donation %d amount %s", models.ErrNegativeAmount, d.ID, gross)
	}
	fixed := c.Fees.fixedFor(gross.Currency)

	charged := gross
	if d.CoverFees {
		var err error
		if charged, err = GrossUpForFees(gross, c.Fees.PercentageRate, fixed); err != nil {
			return nil, err
		}
	}
	fee := ProcessingFee(charged, c.Fees.PercentageRate, fixed)
	net := NetAmount(charged, c.Fees.PercentageRate, fixed)

	match := money.Zero(gross.Currency)
	if campaign != nil && campaign.MatchRatio.IsPositive() {
		if campaign.Currency != "" && !strings.EqualFold(campaign.Currency, gross.Currency) {
			return nil, fmt.Errorf("%w: campaign %d matches in %s, donation is %s",
				money.ErrCurrencyMismatch, campaign.ID, campaign.Currency, gross.Currency)
		}
		var err error
		match, err = CorporateMatch(gross, campaign.MatchRatio, campaign.AnnualMatchLimit,
			money.New(campaign.MatchedToDate, gross.Currency))
		if err != nil {
			return nil, err
		}
	}

	deductible, eligible, err := TaxDeductible(gross, c.Tax.DeductiblePercentage,
		money.New(c.Tax.MinimumAmount, gross.Currency))
	if err != nil {
		return nil, err
	}

	return &Breakdown{
		Gross:           gross.Round(),
		Charged:         charged.Round(),
		ProcessingFee:   fee.Round(),
		Net:             net.Round(),
		CorporateMatch:  match.Round(),
		TaxDeductible:   deductible.Round(),
		ReceiptEligible: eligible,
	}, nil
}
