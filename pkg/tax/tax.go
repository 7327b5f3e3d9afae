// Package tax computes the VAT breakdown of an invoice.
package tax

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rate is a VAT percentage.
type Rate int

const (
	RateExempt       Rate = 0
	RateSuperReduced Rate = 4
	RateReduced      Rate = 10
	RateGeneral      Rate = 21
)

var ErrInvalidRate = errors.New("invalid tax rate")

var (
	hundred = decimal.NewFromInt(100)
	rates   = []Rate{RateExempt, RateSuperReduced, RateReduced, RateGeneral}
)

// Breakdown is what gets persisted on the invoice. The rate itself is not.
type Breakdown struct {
	Base  decimal.Decimal `json:"taxable_base"`
	Tax   decimal.Decimal `json:"tax_amount"`
	Total decimal.Decimal `json:"total"`
}

// Rates returns the selectable rates in ascending order.
func Rates() []Rate {
	out := make([]Rate, len(rates))
	copy(out, rates)
	return out
}

func (r Rate) Valid() bool {
	for _, allowed := range rates {
		if r == allowed {
			return true
		}
	}
	return false
}

// ParseRate accepts only the enumerated rates.
func ParseRate(percent int) (Rate, error) {
	r := Rate(percent)
	if !r.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRate, percent)
	}
	return r, nil
}

// Compute returns base, tax = base*rate/100 and total = base+tax, all rounded
// to cents. Total is derived from the rounded parts so it always adds up.
func Compute(base decimal.Decimal, rate Rate) Breakdown {
	b := base.Round(2)
	t := b.Mul(decimal.NewFromInt(int64(rate))).Div(hundred).Round(2)
	return Breakdown{
		Base:  b,
		Tax:   t,
		Total: b.Add(t),
	}
}

// RateOf recovers the rate an already computed breakdown was built with: the
// rate whose Compute yields the stored tax. Small bases can match several
// rates once the tax is rounded to cents; the one closest to tax/base wins.
// A zero base yields the exempt rate.
func RateOf(base, taxAmount decimal.Decimal) (Rate, error) {
	b := base.Round(2)
	t := taxAmount.Round(2)
	if b.IsZero() && t.IsZero() {
		return RateExempt, nil
	}

	var ratio decimal.Decimal
	if !b.IsZero() {
		ratio = t.Div(b).Mul(hundred)
	}

	found := false
	var best Rate
	var bestDist decimal.Decimal
	for _, r := range rates {
		if !Compute(b, r).Tax.Equal(t) {
			continue
		}
		dist := ratio.Sub(decimal.NewFromInt(int64(r))).Abs()
		if !found || dist.LessThan(bestDist) {
			found, best, bestDist = true, r, dist
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: tax %s on base %s", ErrInvalidRate, t, b)
	}
	return best, nil
}

// Consistent reports whether total == base + tax.
func (b Breakdown) Consistent() bool {
	return b.Base.Add(b.Tax).Equal(b.Total)
}

// FormatAmount renders an amount the way invoices are displayed (es-ES):
// dot thousands separator, comma decimal separator, two decimals.
func FormatAmount(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	neg := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")

	intPart, frac, _ := strings.Cut(fixed, ".")
	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(c)
	}
	sb.WriteByte(',')
	sb.WriteString(frac)
	return sb.String()
}

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount reads an amount typed either as "1234.56" or in the es-ES form
// "1.234,56". A trailing euro sign is ignored.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "€"))
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}
