package selection

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/ruslano69/dsonboard/pkg/datasource"
)

func sheets(names ...string) []datasource.Sheet {
	out := make([]datasource.Sheet, len(names))
	for i, n := range names {
		out[i] = datasource.Sheet{TableName: n, TableComment: "comment " + n}
	}
	return out
}

func TestSetFilter(t *testing.T) {
	r := New(sheets("orders", "Order_Items", "customers", "audit_log"))

	tests := []struct {
		keyword string
		want    []string
	}{
		{"", []string{"orders", "Order_Items", "customers", "audit_log"}},
		{"ORDER", []string{"orders", "Order_Items"}},
		{"log", []string{"audit_log"}},
		{"  log ", nil},
		{" ", nil},
		{"zzz", nil},
	}
	for _, tt := range tests {
		v := r.SetFilter(tt.keyword)
		var got []string
		for _, s := range v.Visible {
			got = append(got, s.TableName)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SetFilter(%q) visible = %v, want %v", tt.keyword, got, tt.want)
		}
	}
}

func TestSelectionSurvivesFilter(t *testing.T) {
	r := New(sheets("A1", "B12", "C2"), "A1", "C2")

	v := r.SetFilter("1") // visible = {A1, B12}
	if len(v.Visible) != 2 || !reflect.DeepEqual(v.Checked, []string{"A1"}) {
		t.Fatalf("SetFilter(1) = %+v", v)
	}
	r.ToggleMany([]string{"A1"})
	if got := r.Selected(); !reflect.DeepEqual(got, []string{"A1", "C2"}) {
		t.Fatalf("after ToggleMany([A1]) selected = %v, want [A1 C2]", got)
	}

	r.SetFilter("2") // visible = {B12, C2}
	r.ToggleAll(false)
	if got := r.Selected(); !reflect.DeepEqual(got, []string{"A1"}) {
		t.Fatalf("after ToggleAll(false) selected = %v, want [A1]", got)
	}
}

func TestSelectionSurvivesKeywordFilter(t *testing.T) {
	r := New(sheets("sales_2023", "sales_2024", "stock"), "stock")

	r.SetFilter("sales")
	r.ToggleAll(true)
	if got := r.Selected(); !reflect.DeepEqual(got, []string{"sales_2023", "sales_2024", "stock"}) {
		t.Fatalf("selected = %v", got)
	}

	r.SetFilter("2024")
	r.ToggleMany(nil)
	if got := r.Selected(); !reflect.DeepEqual(got, []string{"sales_2023", "stock"}) {
		t.Fatalf("selected = %v", got)
	}

	v := r.SetFilter("")
	if !reflect.DeepEqual(v.Checked, []string{"sales_2023", "stock"}) {
		t.Errorf("checked = %v", v.Checked)
	}
}

func TestCheckAllIndeterminate(t *testing.T) {
	names := []string{"t1", "t2", "t3", "t4", "t5"}

	r := New(sheets(names...), names...)
	v := r.View()
	if !v.CheckAll || v.Indeterminate {
		t.Errorf("5/5: CheckAll = %v, Indeterminate = %v", v.CheckAll, v.Indeterminate)
	}

	r = New(sheets(names...), "t2", "t4")
	v = r.View()
	if v.CheckAll || !v.Indeterminate {
		t.Errorf("2/5: CheckAll = %v, Indeterminate = %v", v.CheckAll, v.Indeterminate)
	}

	v = r.ToggleAll(true)
	if !v.CheckAll || v.Indeterminate {
		t.Errorf("after ToggleAll(true): CheckAll = %v, Indeterminate = %v", v.CheckAll, v.Indeterminate)
	}

	v = r.ToggleAll(false)
	if v.CheckAll || v.Indeterminate || r.Count() != 0 {
		t.Errorf("after ToggleAll(false): %+v, count %d", v, r.Count())
	}
}

func TestToggleManyIgnoresHiddenNames(t *testing.T) {
	r := New(sheets("a", "b", "c"))
	r.SetFilter("a")
	r.ToggleMany([]string{"a", "b"})
	if got := r.Selected(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("selected = %v, want [a]", got)
	}
}

func TestToggle(t *testing.T) {
	r := New(sheets("a", "b"))
	r.Toggle("a", true)
	r.SetFilter("b")
	r.Toggle("a", false) // hidden, no effect
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestSelections(t *testing.T) {
	r := New(sheets("x", "y", "z"), "z", "x", "gone")
	got := r.Selections()
	want := []datasource.TableSelection{
		{TableName: "x", TableComment: "comment x"},
		{TableName: "z", TableComment: "comment z"},
		{TableName: "gone"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Selections() = %+v, want %+v", got, want)
	}
}

func TestSetTablesKeepsFilterAndSelection(t *testing.T) {
	r := New(sheets("a1", "b1"), "a1")
	r.SetFilter("a")
	v := r.SetTables(sheets("a1", "a2", "b1"))
	if len(v.Visible) != 2 || !v.Indeterminate {
		t.Errorf("SetTables() view = %+v", v)
	}
	if r.Keyword() != "a" {
		t.Errorf("Keyword() = %q", r.Keyword())
	}
}

// A name that stays hidden for a whole random sequence keeps its membership.
func TestHiddenNamesUntouched(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	all := []string{"alpha", "beta", "gamma", "delta", "hidden_kept", "hidden_free"}
	// none of these match the hidden_* names
	keywords := []string{"a", "et", "mm", "delta", "alp", "lt"}

	for round := 0; round < 200; round++ {
		r := New(sheets(all...), "hidden_kept", "beta")
		r.SetFilter("a")

		for step := 0; step < 30; step++ {
			kw := keywords[rng.Intn(len(keywords))]
			r.SetFilter(kw)
			switch rng.Intn(3) {
			case 0:
				r.ToggleAll(rng.Intn(2) == 0)
			case 1:
				var pick []string
				for _, s := range r.View().Visible {
					if rng.Intn(2) == 0 {
						pick = append(pick, s.TableName)
					}
				}
				pick = append(pick, "hidden_free")
				r.ToggleMany(pick)
			case 2:
				r.Toggle("hidden_kept", false)
			}
		}

		sel := map[string]bool{}
		for _, n := range r.Selected() {
			sel[n] = true
		}
		if !sel["hidden_kept"] {
			t.Fatalf("round %d: hidden_kept was dropped", round)
		}
		if sel["hidden_free"] {
			t.Fatalf("round %d: hidden_free was added", round)
		}
	}
}
