package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

// Catalog reads the inventory table. It never writes stock levels.
type Catalog struct {
	db *sqlx.DB
}

// NewCatalog creates a catalog reader.
func NewCatalog(db *sqlx.DB) *Catalog {
	return &Catalog{db: db}
}

var _ inventory.Catalog = (*Catalog)(nil)

type entryRow struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	GenericName    string `db:"generic_name"`
	QuantityOnHand int    `db:"quantity_on_hand"`
	UnitPrice      string `db:"unit_price"`
	Unit           string `db:"unit"`
	Category       string `db:"category"`
}

const entryColumns = `id, name, generic_name, quantity_on_hand, unit_price, unit, category`

// List implements inventory.Catalog, returning entries in insertion order.
// Text filters are applied in Go: SQLite's lower() folds ASCII only, so an
// SQL pre-filter would miss accented names that Filter.Matches accepts.
func (c *Catalog) List(ctx context.Context, f inventory.Filter) ([]inventory.Entry, error) {
	if f.Empty() {
		return []inventory.Entry{}, nil
	}

	query := `SELECT ` + entryColumns + ` FROM inventory ORDER BY seq`
	var args []any
	if len(f.IDs) > 0 {
		q, a, err := sqlx.In(`SELECT `+entryColumns+` FROM inventory WHERE id IN (?) ORDER BY seq`, f.IDs)
		if err != nil {
			return nil, fmt.Errorf("sqlite: build id query: %w", err)
		}
		query, args = c.db.Rebind(q), a
	}

	rows, err := c.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list inventory: %w", err)
	}
	defer rows.Close()

	entries := make([]inventory.Entry, 0)
	for rows.Next() {
		if f.Limit > 0 && len(entries) >= f.Limit {
			break
		}
		var r entryRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("sqlite: scan inventory: %w", err)
		}
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		if f.Matches(e) {
			entries = append(entries, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list inventory: %w", err)
	}
	return entries, nil
}

// Upsert inserts or replaces catalog entries by ID, keeping their original
// position in catalog order.
func (c *Catalog) Upsert(ctx context.Context, entries []inventory.Entry) (int, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO inventory (id, name, generic_name, quantity_on_hand, unit_price, unit, category)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			generic_name = excluded.generic_name,
			quantity_on_hand = excluded.quantity_on_hand,
			unit_price = excluded.unit_price,
			unit = excluded.unit,
			category = excluded.category`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Name, e.GenericName, e.QuantityOnHand,
			e.UnitPrice.String(), e.Unit, e.Category); err != nil {
			return 0, fmt.Errorf("sqlite: upsert %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return len(entries), nil
}

func (r entryRow) toEntry() (inventory.Entry, error) {
	price, err := decimal.NewFromString(r.UnitPrice)
	if err != nil {
		return inventory.Entry{}, fmt.Errorf("sqlite: inventory %s unit price: %w", r.ID, err)
	}
	return inventory.Entry{
		ID:             r.ID,
		Name:           r.Name,
		GenericName:    r.GenericName,
		QuantityOnHand: r.QuantityOnHand,
		UnitPrice:      price,
		Unit:           r.Unit,
		Category:       r.Category,
	}, nil
}
