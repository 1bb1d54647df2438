package model

import (
	"fmt"
	"math"
)

// Money is a fixed-point amount in the currency's minor units (cents for
// USD). Amounts are never represented as floats so that reconciliation's
// amount matching stays exact.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// SameCurrency reports whether both amounts are denominated in the same
// currency.
func (m Money) SameCurrency(other Money) bool {
	return m.Currency == other.Currency
}

// AbsDelta returns |m - other| in minor units. Callers must check
// SameCurrency first; mixing currencies is a programming error.
func (m Money) AbsDelta(other Money) int64 {
	d := m.Amount - other.Amount
	if d < 0 {
		return -d
	}
	return d
}

// Closeness returns 1 - |m - other| / m, clipped to [0,1]. It is the
// amount component of the reconciliation score. A zero base amount
// matches only an exactly-zero counterpart.
func (m Money) Closeness(other Money) float64 {
	if !m.SameCurrency(other) {
		return 0
	}
	if m.Amount == 0 {
		if other.Amount == 0 {
			return 1
		}
		return 0
	}
	c := 1 - float64(m.AbsDelta(other))/math.Abs(float64(m.Amount))
	if c < 0 {
		return 0
	}
	return c
}

// String renders the amount with two decimal places for logs and CLI
// output. Display only; arithmetic stays in minor units.
func (m Money) String() string {
	sign := ""
	amt := m.Amount
	if amt < 0 {
		sign = "-"
		amt = -amt
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amt/100, amt%100, m.Currency)
}
