package prescription

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Round is one committed fulfillment pass. Rounds are append-only and never
// modified once committed.
type Round struct {
	Number      int             `json:"number"`
	Status      Status          `json:"status"`
	Lines       []LineItem      `json:"lines"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	CommittedBy string          `json:"committed_by,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Draft is the set of pending lines for the next fulfillment round. It is
// built fresh from the prescription on every request and never stored.
type Draft struct {
	PrescriptionID string     `json:"prescription_id"`
	Round          int        `json:"round"`
	Version        int        `json:"version"`
	Lines          []LineItem `json:"lines"`
}

// Line returns a pointer to the draft line with the given id.
func (d *Draft) Line(id string) (*LineItem, bool) {
	for i := range d.Lines {
		if d.Lines[i].ID == id {
			return &d.Lines[i], true
		}
	}
	return nil, false
}

// LineID names the line for item itemID in round n.
func LineID(itemID string, n int) string {
	return fmt.Sprintf("%s/r%d", itemID, n)
}
