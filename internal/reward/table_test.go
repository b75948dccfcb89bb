package reward

import (
	"errors"
	"math"
	"testing"
)

// ── helpers ───────────────────────────────────────────────────────────────────

// fixedSource always returns the same value.
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func wheel() []Segment {
	return []Segment{
		{ID: 2, Label: "500 XP", PayoutBase: 500, Weight: 20},
		{ID: 0, Label: "100 XP", PayoutBase: 100, Weight: 30},
		{ID: 1, Label: "250 XP", PayoutBase: 250, Weight: 25},
		{ID: 3, Label: "JACKPOT", PayoutBase: 50000, Weight: 0.5, IsJackpot: true},
	}
}

func mustTable(t *testing.T, segs []Segment) *Table {
	t.Helper()
	tbl, err := NewTable(segs)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

// ── NewTable ──────────────────────────────────────────────────────────────────

func TestNewTable_SortsByID(t *testing.T) {
	tbl := mustTable(t, wheel())
	segs := tbl.Segments()
	for i, s := range segs {
		if s.ID != i {
			t.Fatalf("segment %d: got id %d, want %d", i, s.ID, i)
		}
	}
	if tbl.TotalWeight() != 75.5 {
		t.Errorf("TotalWeight: got %v want 75.5", tbl.TotalWeight())
	}
}

func TestNewTable_Faults(t *testing.T) {
	cases := map[string][]Segment{
		"empty":        nil,
		"zero weight":  {{ID: 0, Weight: 0}},
		"negative":     {{ID: 0, Weight: 1}, {ID: 1, Weight: -2}},
		"nan":          {{ID: 0, Weight: math.NaN()}},
		"inf":          {{ID: 0, Weight: math.Inf(1)}},
		"duplicate id": {{ID: 4, Weight: 1}, {ID: 4, Weight: 2}},
		"neg payout":   {{ID: 0, Weight: 1, PayoutBase: -1}},
	}
	for name, segs := range cases {
		if _, err := NewTable(segs); !errors.Is(err, ErrSelectorFault) {
			t.Errorf("%s: expected ErrSelectorFault, got %v", name, err)
		}
	}
}

func TestNewTable_DoesNotAliasInput(t *testing.T) {
	in := wheel()
	tbl := mustTable(t, in)
	in[0].Weight = 1000
	if s, _ := tbl.Lookup(2); s.Weight != 20 {
		t.Errorf("table mutated through input slice: weight=%v", s.Weight)
	}
}

// ── Pick ─────────────────────────────────────────────────────────────────────

func TestPick_Boundaries(t *testing.T) {
	tbl := mustTable(t, wheel()) // cumulative: 30, 55, 75, 75.5
	cases := []struct {
		r    float64
		want int
	}{
		{0, 0},
		{29.999, 0},
		{30, 1},
		{54.9, 1},
		{55, 2},
		{74.99, 2},
		{75, 3},
		{75.49, 3},
		{75.5, 3},  // r == W falls back to last
		{1e9, 3},   // drift far past the end
		{-1, 0},    // below range
	}
	for _, tc := range cases {
		if got := tbl.Pick(tc.r).ID; got != tc.want {
			t.Errorf("Pick(%v) = %d, want %d", tc.r, got, tc.want)
		}
	}
}

func TestPick_Deterministic(t *testing.T) {
	a := mustTable(t, wheel())
	b := mustTable(t, wheel())
	for r := 0.0; r < a.TotalWeight(); r += 0.25 {
		if a.Pick(r) != b.Pick(r) {
			t.Fatalf("Pick(%v) differs between equal tables", r)
		}
		if a.Pick(r) != a.Pick(r) {
			t.Fatalf("Pick(%v) not stable", r)
		}
	}
}

func TestLookupAndProbability(t *testing.T) {
	tbl := mustTable(t, []Segment{{ID: 0, Weight: 30}, {ID: 1, Weight: 1, IsJackpot: true}})
	if _, ok := tbl.Lookup(7); ok {
		t.Error("Lookup(7) should miss")
	}
	if p := tbl.Probability(1); math.Abs(p-1.0/31) > 1e-12 {
		t.Errorf("Probability(1): got %v want %v", p, 1.0/31)
	}
	if p := tbl.Probability(9); p != 0 {
		t.Errorf("Probability(9): got %v want 0", p)
	}
}
