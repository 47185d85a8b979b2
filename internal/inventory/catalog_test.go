package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

type fakeCatalog struct {
	entries []Entry
	err     error
	calls   int
}

func (f *fakeCatalog) List(_ context.Context, filter Filter) ([]Entry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Entry
	for _, e := range f.entries {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestFilterMatches(t *testing.T) {
	e := Entry{ID: "inv-1", Name: "Paracetamol 500mg", GenericName: "Acetaminophen"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"term in name", Filter{Term: "PARA"}, true},
		{"term in generic", Filter{Term: "amino"}, true},
		{"term absent", Filter{Term: "ibu"}, false},
		{"prescribed name contains entry generic", Filter{Names: []string{"acetaminophen extra"}}, true},
		{"entry name contains prescribed name", Filter{Names: []string{"paracetamol"}}, true},
		{"blank names ignored", Filter{Names: []string{"", "  "}}, false},
		{"id match", Filter{IDs: []string{"x", "inv-1"}}, true},
		{"ids override term", Filter{IDs: []string{"x"}, Term: "para"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(e); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFilterEmpty(t *testing.T) {
	if !(Filter{Term: " ", Names: []string{""}}).Empty() {
		t.Error("expected blank filter to be empty")
	}
	if (Filter{IDs: []string{"a"}}).Empty() {
		t.Error("expected id filter to be non-empty")
	}
}

func TestGet(t *testing.T) {
	cat := &fakeCatalog{entries: []Entry{{ID: "a", Name: "A", UnitPrice: decimal.NewFromInt(2)}}}

	e, err := Get(context.Background(), cat, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Name != "A" {
		t.Errorf("expected A, got %s", e.Name)
	}
	if _, err := Get(context.Background(), cat, "missing"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestGuardedCatalog_OpensOnFailures(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("catalog-test")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	var transitions []circuitbreaker.State
	cfg.OnStateChange = func(_ string, to circuitbreaker.State) { transitions = append(transitions, to) }

	cb, err := circuitbreaker.New(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}
	boom := errors.New("db down")
	next := &fakeCatalog{err: boom}
	g := NewGuardedCatalog(next, cb)

	for i := 0; i < 2; i++ {
		if _, err := g.List(context.Background(), Filter{Term: "x"}); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}
	if _, err := g.List(context.Background(), Filter{Term: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once open, got %v", err)
	}
	if next.calls != 2 {
		t.Errorf("expected the open breaker to short-circuit, got %d calls", next.calls)
	}
	if g.Breaker().State() != circuitbreaker.StateOpen {
		t.Errorf("expected open, got %s", g.Breaker().State())
	}
	if len(transitions) != 1 || transitions[0] != circuitbreaker.StateOpen {
		t.Errorf("expected one transition to open, got %v", transitions)
	}
}

func TestCachedCatalog_BypassAndDegrade(t *testing.T) {
	next := &fakeCatalog{entries: []Entry{{ID: "a", Name: "Amoxicillin"}}}
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewCachedCatalog(next, client, time.Minute, zaptest.NewLogger(t))

	got, err := c.List(context.Background(), Filter{Term: "amox"})
	if err != nil {
		t.Fatalf("unreachable cache must not fail the query: %v", err)
	}
	if len(got) != 1 || next.calls != 1 {
		t.Errorf("expected fall-through to catalog, got %d entries after %d calls", len(got), next.calls)
	}

	if _, err := c.List(context.Background(), Filter{IDs: []string{"a"}}); err != nil {
		t.Fatalf("id lookup: %v", err)
	}
	if next.calls != 2 {
		t.Errorf("expected id lookup to go straight to the catalog, got %d calls", next.calls)
	}
}

func TestFilterKey(t *testing.T) {
	a := filterKey(Filter{Term: "Para ", Names: []string{"B", "a"}, Limit: 10})
	b := filterKey(Filter{Term: "para", Names: []string{"A", "b", ""}, Limit: 10})
	if a != b {
		t.Errorf("expected equivalent filters to share a key: %s vs %s", a, b)
	}
	if a == filterKey(Filter{Term: "para", Names: []string{"a", "b"}, Limit: 5}) {
		t.Error("limit must be part of the key")
	}
}
