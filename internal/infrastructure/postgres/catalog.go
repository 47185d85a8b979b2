package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-rxfill/internal/inventory"
)

// Catalog reads the inventory table. Stock is never decremented here.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog creates a catalog reader
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

var _ inventory.Catalog = (*Catalog)(nil)

const catalogColumns = `id, name, generic_name, quantity_on_hand, unit_price::text, unit, category`

// List implements inventory.Catalog in insertion order.
func (c *Catalog) List(ctx context.Context, f inventory.Filter) ([]inventory.Entry, error) {
	if f.Empty() {
		return []inventory.Entry{}, nil
	}

	var (
		where string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = "id = ANY($1)"
		args = append(args, f.IDs)
	} else {
		var clauses []string
		param := func(v string) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}
		if term := strings.ToLower(strings.TrimSpace(f.Term)); term != "" {
			p := param(term)
			clauses = append(clauses,
				"strpos(lower(name), "+p+") > 0",
				"strpos(lower(generic_name), "+p+") > 0")
		}
		for _, n := range f.NormalizedNames() {
			p := param(n)
			clauses = append(clauses,
				"strpos(lower(name), "+p+") > 0",
				"(generic_name <> '' AND strpos(lower(generic_name), "+p+") > 0)",
				"(name <> '' AND strpos("+p+", lower(name)) > 0)",
				"(generic_name <> '' AND strpos("+p+", lower(generic_name)) > 0)")
		}
		where = strings.Join(clauses, " OR ")
	}

	query := `SELECT ` + catalogColumns + ` FROM inventory WHERE ` + where + ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	entries := []inventory.Entry{}
	for rows.Next() {
		var e inventory.Entry
		var price string
		if err := rows.Scan(&e.ID, &e.Name, &e.GenericName, &e.QuantityOnHand, &price, &e.Unit, &e.Category); err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		if e.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("inventory %s unit price: %w", e.ID, err)
		}
		if f.Matches(e) {
			entries = append(entries, e)
		}
	}
	return entries, rows.Err()
}

// Upsert inserts or replaces catalog entries by ID in one batch.
func (c *Catalog) Upsert(ctx context.Context, entries []inventory.Entry) (int, error) {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO inventory (id, name, generic_name, quantity_on_hand, unit_price, unit, category)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				generic_name = EXCLUDED.generic_name,
				quantity_on_hand = EXCLUDED.quantity_on_hand,
				unit_price = EXCLUDED.unit_price,
				unit = EXCLUDED.unit,
				category = EXCLUDED.category`,
			e.ID, e.Name, e.GenericName, e.QuantityOnHand, e.UnitPrice.String(), e.Unit, e.Category)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("upsert inventory: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(entries), nil
}
