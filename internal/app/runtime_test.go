package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/inventory"
)

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		DatabaseDriver: config.DriverSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "rx.db"),
		TaxRate:        "0.10",
		StockCheck:     true,
	}

	rt, err := Open(ctx, cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if rt.Pool != nil || rt.DB == nil {
		t.Fatal("expected the sqlite store")
	}
	if err := rt.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	n, err := rt.Writer.Upsert(ctx, []inventory.Entry{
		{ID: "inv-1", Name: "Amoxicillin", QuantityOnHand: 5, UnitPrice: decimal.RequireFromString("2.40")},
	})
	if err != nil || n != 1 {
		t.Fatalf("upsert: %d %v", n, err)
	}

	svc, err := rt.Service(rt.Inbox(nil))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	entries, err := svc.Search(ctx, "amox")
	if err != nil || len(entries) != 1 {
		t.Fatalf("search through the guarded catalog: %v %v", entries, err)
	}

	families, err := rt.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "inventory_searches_total" {
			found = true
		}
	}
	if !found {
		t.Error("search was not counted on the runtime registry")
	}
}

func TestService_RejectsBadTaxRate(t *testing.T) {
	cfg := &config.Config{
		DatabaseDriver: config.DriverSQLite,
		SQLitePath:     filepath.Join(t.TempDir(), "rx.db"),
		TaxRate:        "1.5",
	}
	rt, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if _, err := rt.Service(nil); err == nil {
		t.Error("expected tax rate outside [0,1) to be rejected")
	}
}
