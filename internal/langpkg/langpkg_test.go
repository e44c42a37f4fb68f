package langpkg

import (
	"errors"
	"strings"
	"testing"
)

func row(fields ...string) string {
	return strings.Join(fields, Delim)
}

func TestParseDependencyField(t *testing.T) {
	got := parseDependencyField("R (>= 3.0.0), sys, htmltools (>= 0.5)")
	want := []string{"sys", "htmltools"}
	if len(got) != len(want) {
		t.Fatalf("parseDependencyField = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseDependencyField = %v, want %v", got, want)
		}
	}
	if got := parseDependencyField("NA"); got != nil {
		t.Fatalf("parseDependencyField(NA) = %v, want nil", got)
	}
}

func TestLoadFromReaderAndLookup(t *testing.T) {
	dump := strings.Join([]string{
		row("htmltools", "/usr/lib/R/library", "0.5.1", "NA", "NA", "NA"),
		row("shiny", "/usr/lib/R/library", "1.6.0", "R (>= 3.0.0)", "htmltools", "NA"),
	}, "\n") + "\n"

	db, err := LoadFromReader(strings.NewReader(dump), nil)
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", db.Len())
	}
	pkg, ok := db.LookupByPath("/usr/lib/R/library/shiny/R/shiny.rdb")
	if !ok || pkg.Name != "shiny" {
		t.Fatalf("LookupByPath(nested file) = %v, %v; want shiny", pkg, ok)
	}
}

func TestTopoOrder(t *testing.T) {
	db := &DB{byName: map[string]*Package{
		"A": {Name: "A", Hard: []string{"B"}},
		"B": {Name: "B", Hard: []string{"C"}},
		"C": {Name: "C"},
		"D": {Name: "D"},
	}}

	order, err := db.TopoOrder([]string{"A"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"C", "B", "A"}
	if len(order) != len(want) {
		t.Fatalf("TopoOrder(A) = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("TopoOrder(A) = %v, want %v", order, want)
		}
	}

	order, err = db.TopoOrder([]string{"A", "D"})
	if err != nil {
		t.Fatal(err)
	}
	idx := map[string]int{}
	for i, n := range order {
		idx[n] = i
	}
	if !(idx["C"] < idx["B"] && idx["B"] < idx["A"]) {
		t.Fatalf("TopoOrder(A,D) = %v; want C<B<A", order)
	}
	if _, ok := idx["D"]; !ok {
		t.Fatalf("TopoOrder(A,D) = %v; want D present", order)
	}
}

func TestTopoOrderCycleDetected(t *testing.T) {
	db := &DB{byName: map[string]*Package{
		"A": {Name: "A", Hard: []string{"B"}},
		"B": {Name: "B", Hard: []string{"A"}},
	}}
	_, err := db.TopoOrder([]string{"A"})
	if err == nil {
		t.Fatalf("expected CycleDetectedError")
	}
	var cycleErr *CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleDetectedError, got %T: %v", err, err)
	}
}
