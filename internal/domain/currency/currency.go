// Package currency provides monetary rounding to a currency's minor unit.
package currency

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned when an ISO code is not in the registry.
var ErrUnknownCurrency = errors.New("unknown currency")

// Currency describes an ISO 4217 currency and its minor unit precision.
type Currency struct {
	Code      string
	MinorUnit int32
}

// minorUnits lists currencies whose minor unit differs from the common 2.
// Everything not listed here rounds to 2 decimal places.
var minorUnits = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0,
	"KMF": 0, "KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0,
	"VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// ByISO resolves a currency by its ISO 4217 alphabetic code.
func ByISO(code string) (Currency, error) {
	iso := strings.ToUpper(code)
	if len(iso) != 3 {
		return Currency{}, errors.Wrapf(ErrUnknownCurrency, "bad ISO code %q", code)
	}
	unit := int32(2)
	if u, ok := minorUnits[iso]; ok {
		unit = u
	}
	return Currency{Code: iso, MinorUnit: unit}, nil
}

// Rounder rounds amounts in a configured primary payment currency, or in an
// explicitly supplied one.
type Rounder struct {
	primary Currency
}

// NewRounder creates a Rounder whose default currency is the given ISO code.
func NewRounder(primaryISO string) (*Rounder, error) {
	cur, err := ByISO(primaryISO)
	if err != nil {
		return nil, err
	}
	return &Rounder{primary: cur}, nil
}

// Primary returns the configured primary payment currency.
func (r *Rounder) Primary() Currency {
	return r.primary
}

// Round rounds the amount to the currency's minor unit. A nil currency means
// the primary payment currency. Rounding is half away from zero, matching
// decimal.Decimal.Round; this is the single rounding mode used across the
// engine.
func (r *Rounder) Round(amount decimal.Decimal, cur *Currency) decimal.Decimal {
	c := r.primary
	if cur != nil {
		c = *cur
	}
	return amount.Round(c.MinorUnit)
}
