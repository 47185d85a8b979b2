package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// csvColumns are the recognised header names. id and name are required.
var csvColumns = []string{"id", "name", "generic_name", "quantity_on_hand", "unit_price", "unit", "category"}

// ParseCSV reads catalog entries from CSV with a header row. Columns may
// appear in any order; unknown columns are ignored.
func ParseCSV(r io.Reader) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range csvColumns[:2] {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("catalog header is missing %q", required)
		}
	}

	get := func(record []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var entries []Entry
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", line, err)
		}

		e := Entry{
			ID:          get(record, "id"),
			Name:        get(record, "name"),
			GenericName: get(record, "generic_name"),
			Unit:        get(record, "unit"),
			Category:    get(record, "category"),
			UnitPrice:   decimal.Zero,
		}
		if e.ID == "" || e.Name == "" {
			continue
		}
		if q := get(record, "quantity_on_hand"); q != "" {
			if e.QuantityOnHand, err = strconv.Atoi(q); err != nil || e.QuantityOnHand < 0 {
				return nil, fmt.Errorf("catalog line %d: invalid quantity_on_hand %q", line, q)
			}
		}
		if p := get(record, "unit_price"); p != "" {
			if e.UnitPrice, err = decimal.NewFromString(p); err != nil || e.UnitPrice.IsNegative() {
				return nil, fmt.Errorf("catalog line %d: invalid unit_price %q", line, p)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
