package rules

import (
	"sort"
	"strings"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/fieldparse"
	"github.com/shopspring/decimal"
)

// orderedGroups keeps per-key aggregates in first-seen key order so
// findings come out in a stable order for identical inputs.
type orderedGroups[V any] struct {
	keys []string
	vals map[string]*V
}

func newOrderedGroups[V any]() *orderedGroups[V] {
	return &orderedGroups[V]{vals: make(map[string]*V)}
}

func (g *orderedGroups[V]) slot(key string) *V {
	if v, ok := g.vals[key]; ok {
		return v
	}
	v := new(V)
	g.vals[key] = v
	g.keys = append(g.keys, key)
	return v
}

func (g *orderedGroups[V]) size() int {
	return len(g.keys)
}

// line is the parsed numeric view of one record.
type line struct {
	price   decimal.Decimal
	priceOK bool
	qty     decimal.Decimal
	qtyOK   bool
}

func parseLine(rec domain.Record) line {
	price, priceOK := fieldparse.TryCurrency(rec.TotalPrice)
	qty, qtyOK := fieldparse.TryQuantity(rec.Quantity)
	return line{price: price, priceOK: priceOK, qty: qty, qtyOK: qtyOK}
}

// unitPrice returns price/qty, or false when quantity is missing or zero.
func (l line) unitPrice() (decimal.Decimal, bool) {
	if !l.priceOK || !l.qtyOK || l.qty.IsZero() {
		return decimal.Zero, false
	}
	return l.price.Div(l.qty), true
}

// canonical renders a cell for signature building: parsed numbers compare
// by value ("$100" and "100.00" match), anything else by trimmed text.
func canonical(d decimal.Decimal, ok bool, raw string) string {
	if ok {
		return d.String()
	}
	return strings.TrimSpace(raw)
}

// signature identifies a line item by value. Cells are compared field by
// field, so text inside one cell can never spill into the next.
type signature struct {
	workRequest string
	unit        string
	pole        string
	qty         string
	price       string
}

func lineSignature(rec domain.Record, l line) signature {
	return signature{
		workRequest: strings.TrimSpace(rec.WorkRequestID),
		unit:        strings.TrimSpace(rec.UnitCode),
		qty:         canonical(l.qty, l.qtyOK, rec.Quantity),
		price:       canonical(l.price, l.priceOK, rec.TotalPrice),
	}
}

func money(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	whole, frac := s[:len(s)-3], s[len(s)-3:]

	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	b.WriteString(frac)
	return b.String()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func label(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(blank)"
	}
	return s
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100))
}
