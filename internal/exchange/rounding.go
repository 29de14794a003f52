// rounding.go normalises order quantities and prices to a symbol's lot
// filters. Everything is floor-rounded: never submit more size or a more
// aggressive price than the caller asked for.
package exchange

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// floorToStep floor-rounds v to an integer multiple of step. A zero or
// negative step returns v unchanged.
func floorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}

// formatQty renders a quantity as a decimal string with the precision
// implied by the step size.
func formatQty(v, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).Round(-s.Exponent()).String()
}
