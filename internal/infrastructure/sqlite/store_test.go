package sqlite

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/inventory"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	db, err := OpenDSN(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func issue(t *testing.T, id string) *prescription.Aggregate {
	t.Helper()
	agg, err := prescription.Issue(prescription.IssueCommand{
		ID:               id,
		PatientRef:       "pat-1",
		Items:            []prescription.PrescribedItem{{ID: "a", MedicationName: "Paracetamol", Dosage: "500mg", QuantityPrescribed: 10, SubstitutionAllowed: true}, {ID: "b", MedicationName: "Ibuprofen", Dosage: "200mg", QuantityPrescribed: 20}},
		ValidUntil:       now.Add(72 * time.Hour),
		DeliveryRequired: true,
		DeliveryAddress:  "12 Harbour Rd",
	}, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return agg
}

func fill(t *testing.T, agg *prescription.Aggregate) {
	t.Helper()
	d, err := agg.OpenDraft()
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	d.Lines[0].SelectInventory(inventory.Entry{ID: "inv-a", QuantityOnHand: 15, UnitPrice: decimal.RequireFromString("5.00")})
	d.Lines[1].MarkUnavailable()
	if _, err := agg.CommitFulfillment(d.Lines, prescription.DefaultTaxRate, "ph-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t), zaptest.NewLogger(t))

	agg := issue(t, "rx-1")
	if err := store.Save(ctx, agg); err != nil {
		t.Fatalf("save issued: %v", err)
	}
	if len(agg.Changes()) != 0 {
		t.Fatal("expected changes cleared after save")
	}

	loaded, err := store.Load(ctx, "rx-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fill(t, loaded)
	if err := store.Save(ctx, loaded); err != nil {
		t.Fatalf("save fill: %v", err)
	}

	got, err := store.Load(ctx, "rx-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p := got.View()
	if p.Status != prescription.StatusPartiallyFilled || p.Version != 2 {
		t.Errorf("expected partially_filled v2, got %s v%d", p.Status, p.Version)
	}
	if !p.TotalAmount.Equal(decimal.RequireFromString("55")) {
		t.Errorf("expected total 55, got %s", p.TotalAmount)
	}
	if !p.DeliveryRequired || p.DeliveryAddress != "12 Harbour Rd" || !p.Items[0].SubstitutionAllowed {
		t.Errorf("prescription fields not preserved: %+v", p)
	}
	if len(p.Rounds) != 1 || len(p.Rounds[0].Lines) != 2 {
		t.Fatalf("expected 1 round with 2 lines, got %+v", p.Rounds)
	}
	la := p.Rounds[0].Lines[0]
	if la.ID != "a/r1" || la.Status() != prescription.LineFilled || !la.LineTotal().Equal(decimal.RequireFromString("50")) {
		t.Errorf("unexpected line a: %+v", la)
	}
	if !p.Rounds[0].Tax.Equal(decimal.RequireFromString("5")) || !p.ValidUntil.Equal(now.Add(72*time.Hour)) {
		t.Errorf("round tax or validity not preserved")
	}

	events, err := store.Events(ctx, "rx-1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[0].EventType != prescription.EventPrescriptionIssued || events[1].Version != 2 {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestStore_NotFound(t *testing.T) {
	store := NewStore(openTestDB(t), nil)
	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, prescription.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DuplicateIssue(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t), nil)
	if err := store.Save(ctx, issue(t, "rx-dup")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, issue(t, "rx-dup")); !errors.Is(err, prescription.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestStore_ConcurrentFills(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t), nil)
	if err := store.Save(ctx, issue(t, "rx-race")); err != nil {
		t.Fatalf("save: %v", err)
	}

	first, _ := store.Load(ctx, "rx-race")
	second, _ := store.Load(ctx, "rx-race")
	fill(t, first)
	fill(t, second)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, agg := range []*prescription.Aggregate{first, second} {
		wg.Add(1)
		go func(i int, agg *prescription.Aggregate) {
			defer wg.Done()
			errs[i] = store.Save(ctx, agg)
		}(i, agg)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, prescription.ErrConcurrentModification):
			conflict++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflict)
	}

	p, _ := store.Load(ctx, "rx-race")
	if n := len(p.View().Rounds); n != 1 {
		t.Errorf("expected exactly one committed round, got %d", n)
	}
}

func TestStore_ListExpirable(t *testing.T) {
	ctx := context.Background()
	store := NewStore(openTestDB(t), nil)

	for _, id := range []string{"rx-old", "rx-cancelled"} {
		if err := store.Save(ctx, issue(t, id)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	c, _ := store.Load(ctx, "rx-cancelled")
	if err := c.Cancel("duplicate", "ph", now); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("save cancel: %v", err)
	}

	ids, err := store.ListExpirable(ctx, now.Add(24*time.Hour), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected nothing expirable yet, got %v %v", ids, err)
	}
	ids, err = store.ListExpirable(ctx, now.Add(96*time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "rx-old" {
		t.Errorf("expected [rx-old], got %v", ids)
	}
}

func TestCatalog_ListAndUpsert(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(openTestDB(t))

	entries, err := inventory.ParseCSV(strings.NewReader(
		"id,name,generic_name,quantity_on_hand,unit_price,unit,category\n" +
			"inv-1,Paracetamol 500mg,Acetaminophen,120,0.25,tablet,analgesic\n" +
			"inv-2,Ibuprofen 200mg,Ibuprofen,0,0.40,tablet,nsaid\n" +
			"inv-3,Panadol,paracetamol,30,0.30,tablet,analgesic\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n, err := cat.Upsert(ctx, entries); err != nil || n != 3 {
		t.Fatalf("upsert: %d %v", n, err)
	}

	got, err := cat.List(ctx, inventory.Filter{Term: "PARA", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "inv-1" || got[1].ID != "inv-3" {
		t.Errorf("expected inv-1, inv-3 in catalog order, got %+v", got)
	}
	if !got[0].UnitPrice.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("expected price 0.25, got %s", got[0].UnitPrice)
	}

	byName, err := cat.List(ctx, inventory.Filter{Names: []string{"Ibuprofen 200mg Tablets"}})
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(byName) != 1 || byName[0].ID != "inv-2" {
		t.Errorf("expected inv-2, got %+v", byName)
	}

	entries[1].QuantityOnHand = 50
	if _, err := cat.Upsert(ctx, entries[1:2]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	e, err := inventory.Get(ctx, cat, "inv-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.QuantityOnHand != 50 {
		t.Errorf("expected updated stock 50, got %d", e.QuantityOnHand)
	}

	empty, err := cat.List(ctx, inventory.Filter{})
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty filter to return nothing, got %v %v", empty, err)
	}
}

func TestCatalog_ListFoldsNonASCIICase(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(openTestDB(t))

	entries := []inventory.Entry{
		{ID: "inv-1", Name: "Ácido Fólico 5mg", UnitPrice: decimal.RequireFromString("0.10")},
		{ID: "inv-2", Name: "Aspirin", UnitPrice: decimal.RequireFromString("0.05")},
		{ID: "inv-3", Name: "ÁCIDO ASCÓRBICO", UnitPrice: decimal.RequireFromString("0.20")},
		{ID: "inv-4", Name: "ácido valproico", UnitPrice: decimal.RequireFromString("0.30")},
	}
	if _, err := cat.Upsert(ctx, entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := cat.List(ctx, inventory.Filter{Term: "ácido", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ID != "inv-1" || got[1].ID != "inv-3" || got[2].ID != "inv-4" {
		t.Errorf("expected inv-1, inv-3, inv-4, got %+v", got)
	}

	// the limit counts matches, not scanned rows
	capped, err := cat.List(ctx, inventory.Filter{Term: "ÁCIDO", Limit: 2})
	if err != nil {
		t.Fatalf("list capped: %v", err)
	}
	if len(capped) != 2 || capped[1].ID != "inv-3" {
		t.Errorf("expected the first two matches, got %+v", capped)
	}

	byName, err := cat.List(ctx, inventory.Filter{Names: []string{"ácido fólico 5mg tabletas"}})
	if err != nil {
		t.Fatalf("list by name: %v", err)
	}
	if len(byName) != 1 || byName[0].ID != "inv-1" {
		t.Errorf("expected inv-1, got %+v", byName)
	}
}
