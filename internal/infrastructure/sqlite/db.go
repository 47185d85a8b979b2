// Package sqlite provides the embedded SQLite implementation of the
// prescription store and the inventory catalog, used for local development
// and tests.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// pure-Go driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so TEXT timestamps compare chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS prescriptions (
    id                TEXT    PRIMARY KEY,
    patient_ref       TEXT    NOT NULL DEFAULT '',
    prescriber_ref    TEXT    NOT NULL DEFAULT '',
    issued_date       TEXT    NOT NULL,
    valid_until       TEXT    NOT NULL,
    delivery_required INTEGER NOT NULL DEFAULT 0,
    delivery_address  TEXT    NOT NULL DEFAULT '',
    delivery_ref      TEXT    NOT NULL DEFAULT '',
    status            TEXT    NOT NULL,
    total_amount      TEXT    NOT NULL DEFAULT '0',
    cancel_reason     TEXT    NOT NULL DEFAULT '',
    round_count       INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL,
    created_at        TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prescriptions_expiry ON prescriptions(status, valid_until);

CREATE TABLE IF NOT EXISTS prescribed_items (
    prescription_id      TEXT    NOT NULL REFERENCES prescriptions(id),
    id                   TEXT    NOT NULL,
    position             INTEGER NOT NULL,
    medication_name      TEXT    NOT NULL,
    generic_name         TEXT    NOT NULL DEFAULT '',
    strength             TEXT    NOT NULL DEFAULT '',
    dosage               TEXT    NOT NULL,
    frequency            TEXT    NOT NULL DEFAULT '',
    duration             TEXT    NOT NULL DEFAULT '',
    quantity_prescribed  INTEGER NOT NULL CHECK (quantity_prescribed > 0),
    instructions         TEXT    NOT NULL DEFAULT '',
    substitution_allowed INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (prescription_id, id)
);

CREATE TABLE IF NOT EXISTS fulfillment_rounds (
    prescription_id TEXT    NOT NULL REFERENCES prescriptions(id),
    number          INTEGER NOT NULL,
    status          TEXT    NOT NULL,
    subtotal        TEXT    NOT NULL,
    tax             TEXT    NOT NULL,
    total           TEXT    NOT NULL,
    tax_rate        TEXT    NOT NULL,
    committed_by    TEXT    NOT NULL DEFAULT '',
    committed_at    TEXT    NOT NULL,
    PRIMARY KEY (prescription_id, number)
);

CREATE TABLE IF NOT EXISTS fulfillment_lines (
    prescription_id     TEXT    NOT NULL,
    id                  TEXT    NOT NULL,
    round_number        INTEGER NOT NULL,
    position            INTEGER NOT NULL,
    item_id             TEXT    NOT NULL,
    medication_name     TEXT    NOT NULL DEFAULT '',
    quantity_prescribed INTEGER NOT NULL,
    source_kind         TEXT    NOT NULL,
    inventory_ref       TEXT    NOT NULL DEFAULT '',
    available_stock     INTEGER NOT NULL DEFAULT 0,
    quantity_dispensed  INTEGER NOT NULL CHECK (quantity_dispensed >= 0 AND quantity_dispensed <= quantity_prescribed),
    unit_price          TEXT    NOT NULL,
    line_total          TEXT    NOT NULL,
    status              TEXT    NOT NULL,
    PRIMARY KEY (prescription_id, id),
    FOREIGN KEY (prescription_id, round_number) REFERENCES fulfillment_rounds(prescription_id, number)
);

CREATE TABLE IF NOT EXISTS prescription_events (
    id             TEXT    PRIMARY KEY,
    aggregate_id   TEXT    NOT NULL,
    aggregate_type TEXT    NOT NULL,
    event_type     TEXT    NOT NULL,
    event_data     TEXT    NOT NULL,
    version        INTEGER NOT NULL,
    timestamp      TEXT    NOT NULL,
    actor          TEXT    NOT NULL DEFAULT '',
    correlation_id TEXT    NOT NULL DEFAULT '',
    UNIQUE (aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS inventory (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    id               TEXT    NOT NULL UNIQUE,
    name             TEXT    NOT NULL,
    generic_name     TEXT    NOT NULL DEFAULT '',
    quantity_on_hand INTEGER NOT NULL DEFAULT 0,
    unit_price       TEXT    NOT NULL DEFAULT '0',
    unit             TEXT    NOT NULL DEFAULT '',
    category         TEXT    NOT NULL DEFAULT ''
);
`

// Open opens (or creates) the database file at path with WAL journaling and
// foreign keys enabled, and applies the schema.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	return OpenDSN(ctx, dsn)
}

// OpenDSN is Open for a caller-built DSN, e.g. a shared in-memory database.
func OpenDSN(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// single writer; also serializes fulfillment commits
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}
