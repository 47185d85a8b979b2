// Package postgres provides the PostgreSQL prescription store, inventory
// catalog reader, schema migrations and the transactional outbox relay.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Store is the PostgreSQL implementation of prescription.Repository. Every
// saved event is also written to the outbox in the same transaction.
type Store struct {
	pool        *pgxpool.Pool
	eventsTopic string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewStore creates a store publishing events to eventsTopic via the outbox.
func NewStore(pool *pgxpool.Pool, eventsTopic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:        pool,
		eventsTopic: eventsTopic,
		logger:      logger,
		tracer:      otel.Tracer("prescription-store"),
	}
}

var _ prescription.Repository = (*Store)(nil)

// Save persists pending changes atomically, guarded by the loaded version.
func (s *Store) Save(ctx context.Context, agg *prescription.Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}
	p := agg.View()

	ctx, span := s.tracer.Start(ctx, "store_save",
		trace.WithAttributes(
			attribute.String("prescription_id", p.ID),
			attribute.Int("base_version", agg.BaseVersion()),
			attribute.Int("events", len(changes)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if agg.BaseVersion() == 0 {
		err = insertPrescription(ctx, tx, &p)
	} else {
		err = updatePrescription(ctx, tx, &p, agg.BaseVersion())
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	for _, r := range agg.NewRounds() {
		if err := insertRound(ctx, tx, p.ID, r); err != nil {
			span.RecordError(err)
			return err
		}
	}

	for _, e := range changes {
		if err := insertEvent(ctx, tx, e); err != nil {
			span.RecordError(err)
			return err
		}
		entry, err := EntryFromEvent(e, s.eventsTopic)
		if err != nil {
			return err
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("prescription saved",
		zap.String("prescription_id", p.ID),
		zap.Int("version", p.Version),
		zap.Int("events", len(changes)))
	agg.MarkPersisted()
	return nil
}

func insertPrescription(ctx context.Context, tx pgx.Tx, p *prescription.Prescription) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO prescriptions
			(id, patient_ref, prescriber_ref, issued_date, valid_until, delivery_required,
			 delivery_address, delivery_ref, status, total_amount, cancel_reason,
			 round_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::text::numeric, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.PatientRef, p.PrescriberRef, p.IssuedDate, p.ValidUntil, p.DeliveryRequired,
		p.DeliveryAddress, p.DeliveryRef, string(p.Status), p.TotalAmount.String(), p.CancelReason,
		len(p.Rounds), p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prescription %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prescription %s already exists", prescription.ErrConcurrentModification, p.ID)
	}

	for i, item := range p.Items {
		_, err := tx.Exec(ctx, `
			INSERT INTO prescribed_items
				(prescription_id, id, position, medication_name, generic_name, strength, dosage,
				 frequency, duration, quantity_prescribed, instructions, substitution_allowed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			p.ID, item.ID, i, item.MedicationName, item.GenericName, item.Strength, item.Dosage,
			item.Frequency, item.Duration, item.QuantityPrescribed, item.Instructions, item.SubstitutionAllowed,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}
	return nil
}

func updatePrescription(ctx context.Context, tx pgx.Tx, p *prescription.Prescription, baseVersion int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE prescriptions
		SET status = $1, total_amount = $2::text::numeric, round_count = $3, version = $4,
		    delivery_ref = $5, cancel_reason = $6, updated_at = $7
		WHERE id = $8 AND version = $9`,
		string(p.Status), p.TotalAmount.String(), len(p.Rounds), p.Version,
		p.DeliveryRef, p.CancelReason, p.UpdatedAt,
		p.ID, baseVersion,
	)
	if err != nil {
		return fmt.Errorf("update prescription %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prescription %s is no longer at version %d",
			prescription.ErrConcurrentModification, p.ID, baseVersion)
	}
	return nil
}

func insertRound(ctx context.Context, tx pgx.Tx, prescriptionID string, r prescription.Round) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO fulfillment_rounds
			(prescription_id, number, status, subtotal, tax, total, tax_rate, committed_by, committed_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9)`,
		prescriptionID, r.Number, string(r.Status), r.Subtotal.String(), r.Tax.String(),
		r.Total.String(), r.TaxRate.String(), r.CommittedBy, r.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", r.Number, err)
	}

	batch := &pgx.Batch{}
	for i, l := range r.Lines {
		batch.Queue(`
			INSERT INTO fulfillment_lines
				(prescription_id, id, round_number, position, item_id, medication_name,
				 quantity_prescribed, source_kind, inventory_ref, available_stock,
				 quantity_dispensed, unit_price, line_total, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::text::numeric, $13::text::numeric, $14)`,
			prescriptionID, l.ID, r.Number, i, l.ItemID, l.MedicationName,
			l.QuantityPrescribed, string(l.SourceKind), l.InventoryRef, l.AvailableStock,
			l.QuantityDispensed, l.UnitPrice.String(), l.LineTotal().String(), string(l.Status()),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert lines for round %d: %w", r.Number, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *prescription.Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO prescription_events
			(id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp, actor, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AggregateID, e.AggregateType, string(e.EventType), e.EventData,
		e.Version, e.Timestamp, e.Actor, e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.EventType, err)
	}
	return nil
}

// Load reads a prescription with its items and committed rounds.
func (s *Store) Load(ctx context.Context, id string) (*prescription.Aggregate, error) {
	ctx, span := s.tracer.Start(ctx, "store_load", trace.WithAttributes(attribute.String("prescription_id", id)))
	defer span.End()

	// one snapshot, so a commit landing mid-read cannot mix versions
	tx, err := s.pool.BeginTx(ctx, snapshotTxOptions)
	if err != nil {
		return nil, fmt.Errorf("begin load %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	p := prescription.Prescription{}
	var status, total string
	err = tx.QueryRow(ctx, `
		SELECT id, patient_ref, prescriber_ref, issued_date, valid_until, delivery_required,
		       delivery_address, delivery_ref, status, total_amount::text, cancel_reason,
		       version, created_at, updated_at
		FROM prescriptions WHERE id = $1`, id).Scan(
		&p.ID, &p.PatientRef, &p.PrescriberRef, &p.IssuedDate, &p.ValidUntil, &p.DeliveryRequired,
		&p.DeliveryAddress, &p.DeliveryRef, &status, &total, &p.CancelReason,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", prescription.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load prescription %s: %w", id, err)
	}
	p.Status = prescription.Status(status)
	if p.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("prescription %s total: %w", id, err)
	}

	if p.Items, err = loadItems(ctx, tx, id); err != nil {
		return nil, err
	}
	if p.Rounds, err = loadRounds(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("end load %s: %w", id, err)
	}
	return prescription.Rehydrate(p), nil
}

// snapshotTxOptions reads a prescription and its children as of one instant.
var snapshotTxOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func loadItems(ctx context.Context, tx pgx.Tx, id string) ([]prescription.PrescribedItem, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, medication_name, generic_name, strength, dosage, frequency, duration,
		       quantity_prescribed, instructions, substitution_allowed
		FROM prescribed_items WHERE prescription_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load items for %s: %w", id, err)
	}
	defer rows.Close()

	var items []prescription.PrescribedItem
	for rows.Next() {
		var it prescription.PrescribedItem
		if err := rows.Scan(&it.ID, &it.MedicationName, &it.GenericName, &it.Strength, &it.Dosage,
			&it.Frequency, &it.Duration, &it.QuantityPrescribed, &it.Instructions, &it.SubstitutionAllowed); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func loadRounds(ctx context.Context, tx pgx.Tx, id string) ([]prescription.Round, error) {
	rows, err := tx.Query(ctx, `
		SELECT number, status, subtotal::text, tax::text, total::text, tax_rate::text, committed_by, committed_at
		FROM fulfillment_rounds WHERE prescription_id = $1 ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("load rounds for %s: %w", id, err)
	}
	var rounds []prescription.Round
	for rows.Next() {
		var r prescription.Round
		var status, subtotal, tax, total, taxRate string
		if err := rows.Scan(&r.Number, &status, &subtotal, &tax, &total, &taxRate, &r.CommittedBy, &r.CommittedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan round: %w", err)
		}
		r.Status = prescription.Status(status)
		amounts, err := parseDecimals(subtotal, tax, total, taxRate)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("round %d amounts: %w", r.Number, err)
		}
		r.Subtotal, r.Tax, r.Total, r.TaxRate = amounts[0], amounts[1], amounts[2], amounts[3]
		rounds = append(rounds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lines, err := tx.Query(ctx, `
		SELECT id, round_number, item_id, medication_name, quantity_prescribed, source_kind,
		       inventory_ref, available_stock, quantity_dispensed, unit_price::text
		FROM fulfillment_lines WHERE prescription_id = $1 ORDER BY round_number, position`, id)
	if err != nil {
		return nil, fmt.Errorf("load lines for %s: %w", id, err)
	}
	defer lines.Close()

	byNumber := make(map[int]int, len(rounds))
	for i, r := range rounds {
		byNumber[r.Number] = i
	}
	for lines.Next() {
		var l prescription.LineItem
		var round int
		var kind, unitPrice string
		if err := lines.Scan(&l.ID, &round, &l.ItemID, &l.MedicationName, &l.QuantityPrescribed, &kind,
			&l.InventoryRef, &l.AvailableStock, &l.QuantityDispensed, &unitPrice); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		l.SourceKind = prescription.SourceKind(kind)
		if l.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, fmt.Errorf("line %s unit price: %w", l.ID, err)
		}
		if i, ok := byNumber[round]; ok {
			rounds[i].Lines = append(rounds[i].Lines, l)
		}
	}
	return rounds, lines.Err()
}

// Events returns the audit trail of a prescription in version order.
func (s *Store) Events(ctx context.Context, id string) ([]*prescription.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp, actor, correlation_id
		FROM prescription_events WHERE aggregate_id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", id, err)
	}
	defer rows.Close()

	var events []*prescription.Event
	for rows.Next() {
		e := &prescription.Event{}
		var eventType string
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &eventType, &e.EventData,
			&e.Version, &e.Timestamp, &e.Actor, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = prescription.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListExpirable returns fillable prescriptions whose validity ended before cutoff.
func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM prescriptions
		WHERE status IN ('pending', 'partially_filled', 'needs_review') AND valid_until < $1
		ORDER BY valid_until
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
