package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// Store is the SQLite implementation of prescription.Repository.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore creates a store over an opened database.
func NewStore(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

var _ prescription.Repository = (*Store)(nil)

type prescriptionRow struct {
	ID               string `db:"id"`
	PatientRef       string `db:"patient_ref"`
	PrescriberRef    string `db:"prescriber_ref"`
	IssuedDate       string `db:"issued_date"`
	ValidUntil       string `db:"valid_until"`
	DeliveryRequired bool   `db:"delivery_required"`
	DeliveryAddress  string `db:"delivery_address"`
	DeliveryRef      string `db:"delivery_ref"`
	Status           string `db:"status"`
	TotalAmount      string `db:"total_amount"`
	CancelReason     string `db:"cancel_reason"`
	RoundCount       int    `db:"round_count"`
	Version          int    `db:"version"`
	CreatedAt        string `db:"created_at"`
	UpdatedAt        string `db:"updated_at"`
}

type itemRow struct {
	ID                  string `db:"id"`
	MedicationName      string `db:"medication_name"`
	GenericName         string `db:"generic_name"`
	Strength            string `db:"strength"`
	Dosage              string `db:"dosage"`
	Frequency           string `db:"frequency"`
	Duration            string `db:"duration"`
	QuantityPrescribed  int    `db:"quantity_prescribed"`
	Instructions        string `db:"instructions"`
	SubstitutionAllowed bool   `db:"substitution_allowed"`
}

type roundRow struct {
	Number      int    `db:"number"`
	Status      string `db:"status"`
	Subtotal    string `db:"subtotal"`
	Tax         string `db:"tax"`
	Total       string `db:"total"`
	TaxRate     string `db:"tax_rate"`
	CommittedBy string `db:"committed_by"`
	CommittedAt string `db:"committed_at"`
}

type lineRow struct {
	ID                 string `db:"id"`
	RoundNumber        int    `db:"round_number"`
	ItemID             string `db:"item_id"`
	MedicationName     string `db:"medication_name"`
	QuantityPrescribed int    `db:"quantity_prescribed"`
	SourceKind         string `db:"source_kind"`
	InventoryRef       string `db:"inventory_ref"`
	AvailableStock     int    `db:"available_stock"`
	QuantityDispensed  int    `db:"quantity_dispensed"`
	UnitPrice          string `db:"unit_price"`
}

type eventRow struct {
	ID            string `db:"id"`
	AggregateID   string `db:"aggregate_id"`
	AggregateType string `db:"aggregate_type"`
	EventType     string `db:"event_type"`
	EventData     string `db:"event_data"`
	Version       int    `db:"version"`
	Timestamp     string `db:"timestamp"`
	Actor         string `db:"actor"`
	CorrelationID string `db:"correlation_id"`
}

// Save writes the aggregate's pending changes in one transaction.
func (s *Store) Save(ctx context.Context, agg *prescription.Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}
	p := agg.View()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if agg.BaseVersion() == 0 {
		if err := s.insertPrescription(ctx, tx, &p); err != nil {
			return err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE prescriptions
			SET status = ?, total_amount = ?, round_count = ?, version = ?,
			    delivery_ref = ?, cancel_reason = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(p.Status), p.TotalAmount.String(), len(p.Rounds), p.Version,
			p.DeliveryRef, p.CancelReason, formatTime(p.UpdatedAt),
			p.ID, agg.BaseVersion(),
		)
		if err != nil {
			return fmt.Errorf("sqlite: update prescription %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("sqlite: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: prescription %s is no longer at version %d",
				prescription.ErrConcurrentModification, p.ID, agg.BaseVersion())
		}
	}

	for _, r := range agg.NewRounds() {
		if err := insertRound(ctx, tx, p.ID, r); err != nil {
			return err
		}
	}
	for _, e := range changes {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}

	s.logger.Debug("prescription saved",
		zap.String("prescription_id", p.ID),
		zap.Int("version", p.Version),
		zap.Int("events", len(changes)))
	agg.MarkPersisted()
	return nil
}

func (s *Store) insertPrescription(ctx context.Context, tx *sqlx.Tx, p *prescription.Prescription) error {
	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM prescriptions WHERE id = ?`, p.ID); err != nil {
		return fmt.Errorf("sqlite: check prescription %s: %w", p.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: prescription %s already exists", prescription.ErrConcurrentModification, p.ID)
	}

	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO prescriptions
			(id, patient_ref, prescriber_ref, issued_date, valid_until, delivery_required,
			 delivery_address, delivery_ref, status, total_amount, cancel_reason,
			 round_count, version, created_at, updated_at)
		VALUES
			(:id, :patient_ref, :prescriber_ref, :issued_date, :valid_until, :delivery_required,
			 :delivery_address, :delivery_ref, :status, :total_amount, :cancel_reason,
			 :round_count, :version, :created_at, :updated_at)`,
		prescriptionRow{
			ID:               p.ID,
			PatientRef:       p.PatientRef,
			PrescriberRef:    p.PrescriberRef,
			IssuedDate:       formatTime(p.IssuedDate),
			ValidUntil:       formatTime(p.ValidUntil),
			DeliveryRequired: p.DeliveryRequired,
			DeliveryAddress:  p.DeliveryAddress,
			DeliveryRef:      p.DeliveryRef,
			Status:           string(p.Status),
			TotalAmount:      p.TotalAmount.String(),
			CancelReason:     p.CancelReason,
			RoundCount:       len(p.Rounds),
			Version:          p.Version,
			CreatedAt:        formatTime(p.CreatedAt),
			UpdatedAt:        formatTime(p.UpdatedAt),
		})
	if err != nil {
		return fmt.Errorf("sqlite: insert prescription %s: %w", p.ID, err)
	}

	for i, item := range p.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prescribed_items
				(prescription_id, id, position, medication_name, generic_name, strength, dosage,
				 frequency, duration, quantity_prescribed, instructions, substitution_allowed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, item.ID, i, item.MedicationName, item.GenericName, item.Strength, item.Dosage,
			item.Frequency, item.Duration, item.QuantityPrescribed, item.Instructions, item.SubstitutionAllowed,
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert item %s: %w", item.ID, err)
		}
	}
	return nil
}

func insertRound(ctx context.Context, tx *sqlx.Tx, prescriptionID string, r prescription.Round) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fulfillment_rounds
			(prescription_id, number, status, subtotal, tax, total, tax_rate, committed_by, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		prescriptionID, r.Number, string(r.Status), r.Subtotal.String(), r.Tax.String(),
		r.Total.String(), r.TaxRate.String(), r.CommittedBy, formatTime(r.CommittedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert round %d: %w", r.Number, err)
	}

	for i, l := range r.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fulfillment_lines
				(prescription_id, id, round_number, position, item_id, medication_name,
				 quantity_prescribed, source_kind, inventory_ref, available_stock,
				 quantity_dispensed, unit_price, line_total, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			prescriptionID, l.ID, r.Number, i, l.ItemID, l.MedicationName,
			l.QuantityPrescribed, string(l.SourceKind), l.InventoryRef, l.AvailableStock,
			l.QuantityDispensed, l.UnitPrice.String(), l.LineTotal().String(), string(l.Status()),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert line %s: %w", l.ID, err)
		}
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, e *prescription.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO prescription_events
			(id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp, actor, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AggregateID, e.AggregateType, string(e.EventType), string(e.EventData),
		e.Version, formatTime(e.Timestamp), e.Actor, e.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert event %s: %w", e.EventType, err)
	}
	return nil
}

// Load reads a prescription with its items and committed rounds.
func (s *Store) Load(ctx context.Context, id string) (*prescription.Aggregate, error) {
	var row prescriptionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM prescriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", prescription.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load prescription %s: %w", id, err)
	}

	p, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	var items []itemRow
	if err := s.db.SelectContext(ctx, &items, `
		SELECT id, medication_name, generic_name, strength, dosage, frequency, duration,
		       quantity_prescribed, instructions, substitution_allowed
		FROM prescribed_items WHERE prescription_id = ? ORDER BY position`, id); err != nil {
		return nil, fmt.Errorf("sqlite: load items for %s: %w", id, err)
	}
	for _, it := range items {
		p.Items = append(p.Items, prescription.PrescribedItem(it))
	}

	var rounds []roundRow
	if err := s.db.SelectContext(ctx, &rounds, `
		SELECT number, status, subtotal, tax, total, tax_rate, committed_by, committed_at
		FROM fulfillment_rounds WHERE prescription_id = ? ORDER BY number`, id); err != nil {
		return nil, fmt.Errorf("sqlite: load rounds for %s: %w", id, err)
	}
	var lines []lineRow
	if err := s.db.SelectContext(ctx, &lines, `
		SELECT id, round_number, item_id, medication_name, quantity_prescribed, source_kind,
		       inventory_ref, available_stock, quantity_dispensed, unit_price
		FROM fulfillment_lines WHERE prescription_id = ? ORDER BY round_number, position`, id); err != nil {
		return nil, fmt.Errorf("sqlite: load lines for %s: %w", id, err)
	}

	byRound := make(map[int][]prescription.LineItem, len(rounds))
	for _, l := range lines {
		price, err := decimal.NewFromString(l.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("sqlite: line %s unit price: %w", l.ID, err)
		}
		byRound[l.RoundNumber] = append(byRound[l.RoundNumber], prescription.LineItem{
			ID:                 l.ID,
			ItemID:             l.ItemID,
			MedicationName:     l.MedicationName,
			QuantityPrescribed: l.QuantityPrescribed,
			SourceKind:         prescription.SourceKind(l.SourceKind),
			InventoryRef:       l.InventoryRef,
			AvailableStock:     l.AvailableStock,
			QuantityDispensed:  l.QuantityDispensed,
			UnitPrice:          price,
		})
	}
	for _, r := range rounds {
		round, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		round.Lines = byRound[r.Number]
		p.Rounds = append(p.Rounds, round)
	}

	return prescription.Rehydrate(*p), nil
}

// Events returns the audit trail of a prescription in version order.
func (s *Store) Events(ctx context.Context, id string) ([]*prescription.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp, actor, correlation_id
		FROM prescription_events WHERE aggregate_id = ? ORDER BY version`, id); err != nil {
		return nil, fmt.Errorf("sqlite: load events for %s: %w", id, err)
	}
	events := make([]*prescription.Event, 0, len(rows))
	for _, r := range rows {
		ts, err := parseTime(r.Timestamp)
		if err != nil {
			return nil, err
		}
		events = append(events, &prescription.Event{
			ID:            r.ID,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			EventType:     prescription.EventType(r.EventType),
			EventData:     json.RawMessage(r.EventData),
			Version:       r.Version,
			Timestamp:     ts,
			Actor:         r.Actor,
			CorrelationID: r.CorrelationID,
		})
	}
	return events, nil
}

// ListExpirable returns fillable prescriptions whose validity ended before cutoff.
func (s *Store) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM prescriptions
		WHERE status IN (?, ?, ?) AND valid_until < ?
		ORDER BY valid_until
		LIMIT ?`,
		string(prescription.StatusPending), string(prescription.StatusPartiallyFilled),
		string(prescription.StatusNeedsReview), formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expirable: %w", err)
	}
	return ids, nil
}

func (r prescriptionRow) toDomain() (*prescription.Prescription, error) {
	var err error
	p := &prescription.Prescription{
		ID:               r.ID,
		PatientRef:       r.PatientRef,
		PrescriberRef:    r.PrescriberRef,
		DeliveryRequired: r.DeliveryRequired,
		DeliveryAddress:  r.DeliveryAddress,
		DeliveryRef:      r.DeliveryRef,
		Status:           prescription.Status(r.Status),
		CancelReason:     r.CancelReason,
		Version:          r.Version,
	}
	if p.TotalAmount, err = decimal.NewFromString(r.TotalAmount); err != nil {
		return nil, fmt.Errorf("sqlite: prescription %s total: %w", r.ID, err)
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&p.IssuedDate, r.IssuedDate},
		{&p.ValidUntil, r.ValidUntil},
		{&p.CreatedAt, r.CreatedAt},
		{&p.UpdatedAt, r.UpdatedAt},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r roundRow) toDomain() (prescription.Round, error) {
	round := prescription.Round{
		Number:      r.Number,
		Status:      prescription.Status(r.Status),
		CommittedBy: r.CommittedBy,
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&round.Subtotal, r.Subtotal},
		{&round.Tax, r.Tax},
		{&round.Total, r.Total},
		{&round.TaxRate, r.TaxRate},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return round, fmt.Errorf("sqlite: round %d amounts: %w", r.Number, err)
		}
	}
	if round.CommittedAt, err = parseTime(r.CommittedAt); err != nil {
		return round, err
	}
	return round, nil
}
