package trie

import "testing"

func TestExactAndLongestPrefix(t *testing.T) {
	tr := New[int]()
	tr.Insert("/a/b", 1)
	tr.Insert("/a", 2)

	if v, ok := tr.FindLongestPrefix("/a/b/c"); !ok || v != 1 {
		t.Fatalf("FindLongestPrefix(/a/b/c) = %v, %v; want 1, true", v, ok)
	}
	if v, ok := tr.FindLongestPrefix("/a/x"); !ok || v != 2 {
		t.Fatalf("FindLongestPrefix(/a/x) = %v, %v; want 2, true", v, ok)
	}
	if _, ok := tr.FindLongestPrefix("/z"); ok {
		t.Fatalf("FindLongestPrefix(/z) should find nothing")
	}
	if v, ok := tr.Find("/a/b"); !ok || v != 1 {
		t.Fatalf("Find(/a/b) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := tr.Find("/a/b/c"); ok {
		t.Fatalf("Find(/a/b/c) should not match: no value set there")
	}
}

func TestInsertOverwriteWarns(t *testing.T) {
	tr := New[string]()
	tr.Insert("/x", "first")
	tr.Insert("/x", "second")
	if v, ok := tr.Find("/x"); !ok || v != "second" {
		t.Fatalf("Find(/x) = %v, %v; want second, true", v, ok)
	}
}

func TestEmptyPathTargetsRoot(t *testing.T) {
	tr := New[int]()
	tr.Insert("", 42)
	if v, ok := tr.Find("/"); !ok || v != 42 {
		t.Fatalf("Find(/) = %v, %v; want 42, true", v, ok)
	}
	if v, ok := tr.FindLongestPrefix("/any/deep/path"); !ok || v != 42 {
		t.Fatalf("FindLongestPrefix should fall back to root value, got %v, %v", v, ok)
	}
}

func TestCloneIndependence(t *testing.T) {
	tr := New[int]()
	tr.Insert("/a/b", 1)
	clone := tr.Clone()
	clone.Insert("/a/c", 2)
	tr.Insert("/a/d", 3)

	if _, ok := tr.Find("/a/c"); ok {
		t.Fatalf("mutation on clone leaked into original")
	}
	if _, ok := clone.Find("/a/d"); ok {
		t.Fatalf("mutation on original leaked into clone")
	}
}

func TestIterYieldsAllSetValues(t *testing.T) {
	tr := New[int]()
	tr.Insert("/a", 1)
	tr.Insert("/a/b", 2)
	tr.Insert("/c", 3)

	entries := tr.Iter()
	seen := map[string]int{}
	for _, e := range entries {
		seen[e.Path] = e.Value
	}
	want := map[string]int{"/a": 1, "/a/b": 2, "/c": 3}
	if len(seen) != len(want) {
		t.Fatalf("Iter() = %v; want %v", seen, want)
	}
	for k, v := range want {
		if seen[k] != v {
			t.Fatalf("Iter()[%q] = %v; want %v", k, seen[k], v)
		}
	}
}
