package langinstall

import (
	"bytes"
	"strings"
	"testing"

	"github.com/r-tooling/r4r/internal/langpkg"
)

func dbWith(pkgs ...*langpkg.Package) *langpkg.DB {
	var sb strings.Builder
	for _, p := range pkgs {
		sb.WriteString(p.Name)
		sb.WriteString(langpkg.Delim)
		sb.WriteString("/lib")
		sb.WriteString(langpkg.Delim)
		sb.WriteString(p.Version)
		sb.WriteString(langpkg.Delim)
		sb.WriteString(strings.Join(p.Hard, ", "))
		sb.WriteString(langpkg.Delim)
		sb.WriteString("NA")
		sb.WriteString(langpkg.Delim)
		sb.WriteString("NA\n")
	}
	db, err := langpkg.LoadFromReader(strings.NewReader(sb.String()), nil)
	if err != nil {
		panic(err)
	}
	return db
}

func TestPlanOrdersDependenciesBeforeDependents(t *testing.T) {
	db := dbWith(
		&langpkg.Package{Name: "base", Version: "1.0"},
		&langpkg.Package{Name: "mid", Version: "1.0", Hard: []string{"base"}},
		&langpkg.Package{Name: "top", Version: "1.0", Hard: []string{"mid"}},
	)

	plan, err := Plan(db, []string{"top"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 {
		t.Fatalf("got %d batches, want 3: %v", len(plan), plan)
	}
	if plan[0][0].Name != "base" || plan[1][0].Name != "mid" || plan[2][0].Name != "top" {
		t.Errorf("unexpected batch order: %+v", plan)
	}
}

func TestPlanGroupsIndependentPackages(t *testing.T) {
	db := dbWith(
		&langpkg.Package{Name: "a", Version: "1.0"},
		&langpkg.Package{Name: "b", Version: "1.0"},
		&langpkg.Package{Name: "top", Version: "1.0", Hard: []string{"a", "b"}},
	)

	plan, err := Plan(db, []string{"top"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("got %d batches, want 2", len(plan))
	}
	if len(plan[0]) != 2 {
		t.Errorf("expected a and b in the same batch, got %v", plan[0])
	}
}

func TestPlanDetectsCycle(t *testing.T) {
	db := dbWith(
		&langpkg.Package{Name: "a", Version: "1.0", Hard: []string{"b"}},
		&langpkg.Package{Name: "b", Version: "1.0", Hard: []string{"a"}},
	)

	_, err := Plan(db, []string{"a"})
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if _, ok := err.(*CycleDetectedError); !ok {
		t.Errorf("got %T, want *CycleDetectedError", err)
	}
}

func TestPlanSkipsSeedsNotInDatabase(t *testing.T) {
	db := dbWith(&langpkg.Package{Name: "a", Version: "1.0"})
	plan, err := Plan(db, []string{"missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 0 {
		t.Errorf("expected empty plan, got %v", plan)
	}
}

func TestRenderScriptProducesRscriptHeader(t *testing.T) {
	db := dbWith(&langpkg.Package{Name: "a", Version: "1.0"})
	plan, err := Plan(db, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := RenderScript(&buf, plan, ScriptOptions{}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "#!/usr/bin/env Rscript") {
		t.Errorf("missing shebang: %q", out[:40])
	}
	if !strings.Contains(out, "install_version('a', '1.0'") {
		t.Errorf("expected install_version call for package a, got:\n%s", out)
	}
}

func TestExpandPlanSubChunksOversizedBatches(t *testing.T) {
	batch := InstallBatch{
		{Name: "a", Version: "1.0"},
		{Name: "b", Version: "1.0"},
		{Name: "c", Version: "1.0"},
	}
	expanded := expandPlan([]InstallBatch{batch}, 2)
	if len(expanded) != 2 {
		t.Fatalf("got %d chunks, want 2", len(expanded))
	}
	if len(expanded[0]) != 2 || len(expanded[1]) != 1 {
		t.Errorf("unexpected chunk sizes: %v", expanded)
	}
}
