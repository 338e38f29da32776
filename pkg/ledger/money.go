package ledger

import (
	"fmt"
)

// Money is a monetary value in minor units. Integer math only; no floats
// anywhere near a balance.
type Money struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"` // ISO 4217 code
	Scale       int    `json:"scale"`    // 2 for USD/EUR, 0 for JPY
}

// NewMoney creates a Money value with the conventional scale for the
// currency.
func NewMoney(amount int64, currency string) Money {
	scale := 2
	if currency == "JPY" || currency == "KRW" {
		scale = 0
	}
	return Money{AmountMinor: amount, Currency: currency, Scale: scale}
}

// Add adds two amounts, rejecting currency or scale mismatches.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("ledger: currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	if m.Scale != other.Scale {
		return Money{}, fmt.Errorf("ledger: scale mismatch: %d vs %d", m.Scale, other.Scale)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// Sub subtracts other from m.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("ledger: currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor - other.AmountMinor, Currency: m.Currency, Scale: m.Scale}, nil
}

// IsZero reports whether the amount is 0.
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsNegative reports whether the amount is < 0.
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }
