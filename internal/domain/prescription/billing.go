package prescription

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultTaxRate is applied to the subtotal of every fulfillment round unless
// reconfigured.
var DefaultTaxRate = decimal.New(10, -2)

// Summary is the aggregated outcome of one set of line items.
type Summary struct {
	Status    Status          `json:"status"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Tax       decimal.Decimal `json:"tax"`
	Total     decimal.Decimal `json:"total"`
	Dispensed int             `json:"dispensed"`
}

// AggregateLines combines line items into a status and monetary totals.
//
// Any Pending line fails with ErrIncompleteDraft naming the first one. When
// every line is Filled the status is Filled; when at least one unit was
// dispensed it is PartiallyFilled; when nothing was dispensed it is NeedsReview.
// Arithmetic is exact; no rounding is applied.
func AggregateLines(lines []LineItem, taxRate decimal.Decimal) (Summary, error) {
	if len(lines) == 0 {
		return Summary{}, fmt.Errorf("%w: no line items", ErrIncompleteDraft)
	}
	if taxRate.IsNegative() {
		return Summary{}, fmt.Errorf("%w: negative tax rate", ErrOutOfRange)
	}

	subtotal := decimal.Zero
	allFilled := true
	dispensed := 0
	for _, l := range lines {
		st := l.Status()
		if st == LinePending {
			return Summary{}, lineErr(l.ID, "", ErrIncompleteDraft)
		}
		if st != LineFilled {
			allFilled = false
		}
		dispensed += l.QuantityDispensed
		subtotal = subtotal.Add(l.LineTotal())
	}

	tax := subtotal.Mul(taxRate)
	s := Summary{
		Subtotal:  subtotal,
		Tax:       tax,
		Total:     subtotal.Add(tax),
		Dispensed: dispensed,
	}
	switch {
	case allFilled:
		s.Status = StatusFilled
	case dispensed > 0:
		s.Status = StatusPartiallyFilled
	default:
		s.Status = StatusNeedsReview
	}
	return s, nil
}
