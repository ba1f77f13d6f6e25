// Package settlement moves funds: a double-entry journal, per-request escrow
// accounts, data-sovereign balances and payout instructions. Monetary values
// are integer minor units with an explicit currency; mixing currencies is an
// error, never a silent conversion.
package settlement

import (
	"fmt"

	"github.com/datapact/core/pkg/errs"
)

// Money is a monetary value in minor units of a specific currency.
type Money struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	Scale       int    `json:"scale"`
}

// NewMoney builds a Money in the currency's conventional scale.
func NewMoney(amountMinor int64, currency string) Money {
	scale := 2
	switch currency {
	case "YC":
		scale = 0
	case "BTC", "ETH":
		scale = 8
	}
	return Money{AmountMinor: amountMinor, Currency: currency, Scale: scale}
}

// Add sums two amounts of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Sub subtracts other from m in the same currency.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// MulInt scales the amount by an integer factor.
func (m Money) MulInt(factor int64) Money {
	return Money{AmountMinor: m.AmountMinor * factor, Currency: m.Currency, Scale: m.Scale}
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return errs.Newf(errs.KindValidation, "SETTLE_001",
			"currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return errs.Newf(errs.KindValidation, "SETTLE_002",
			"scale mismatch for %s: %d vs %d", m.Currency, m.Scale, other.Scale)
	}
	return nil
}

// IsZero reports a zero amount.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive reports a strictly positive amount.
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative reports a strictly negative amount.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

func (m Money) String() string {
	if m.Scale <= 0 {
		return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
	}
	div := int64(1)
	for i := 0; i < m.Scale; i++ {
		div *= 10
	}
	sign, minor := "", m.AmountMinor
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%0*d %s", sign, minor/div, m.Scale, minor%div, m.Currency)
}

// requirePositive rejects zero and negative amounts. Every monetary
// operation in this package funnels through it.
func requirePositive(m Money) error {
	if m.Currency == "" {
		return errs.New(errs.KindValidation, "SETTLE_004", "amount has no currency")
	}
	if !m.IsPositive() {
		return errs.Newf(errs.KindValidation, "SETTLE_003",
			"amount must be positive, got %s", m)
	}
	return nil
}
