package dpkg

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDpkgList = `Desired=Unknown/Install/Remove/Purge/Hold
| Status=Not/Inst/Conf-files/Unpacked/halF-conf/Half-inst/trig-aWait/Trig-pend
|/ Err?=(none)/Reinst-required (Status,Err: uppercase=bad)
||/ Name           Version      Architecture Description
+++-==============-============-============-=================
ii  bash           5.1-6ubuntu1 amd64        GNU Bourne Again SHell
rc  old-package    1.0          amd64        removed but config remains
ii  coreutils      8.32-4.1     amd64        GNU core utilities
garbage line that does not parse
`

func TestParseDpkgListOutput(t *testing.T) {
	packages, err := ParseDpkgListOutput(strings.NewReader(sampleDpkgList), log.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := packages["bash"]; !ok {
		t.Errorf("expected bash to be kept")
	}
	if _, ok := packages["coreutils"]; !ok {
		t.Errorf("expected coreutils to be kept")
	}
	if _, ok := packages["old-package"]; ok {
		t.Errorf("rc (removed) package should be dropped")
	}
	if len(packages) != 2 {
		t.Errorf("got %d packages, want 2: %v", len(packages), packages)
	}
}

func TestLookupByNameArchSuffix(t *testing.T) {
	db := &DB{byName: map[string]*Package{
		"libfoo:amd64": {Name: "libfoo", Arch: "amd64", Version: "1.0"},
	}}
	pkg, ok := db.LookupByName("libfoo", "amd64")
	if !ok || pkg.Version != "1.0" {
		t.Fatalf("LookupByName(libfoo) = %v, %v; want qualified match", pkg, ok)
	}
	if _, ok := db.LookupByName("libbar", "amd64"); ok {
		t.Fatalf("LookupByName(libbar) should not match")
	}
}

func TestLoadBuildsPathTrie(t *testing.T) {
	dir := t.TempDir()
	listDir := filepath.Join(dir, "info")
	if err := os.MkdirAll(listDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(listDir, "bash.list"), []byte("/bin/bash\n/usr/share/doc/bash\n"), 0644); err != nil {
		t.Fatal(err)
	}

	opts := Options{
		ListFilesDir: listDir,
		listPackages: func() ([]byte, error) { return []byte(sampleDpkgList), nil },
	}
	db, err := Load(opts)
	if err != nil {
		t.Fatal(err)
	}
	pkg, ok := db.LookupByPath("/bin/bash")
	if !ok || pkg.Name != "bash" {
		t.Fatalf("LookupByPath(/bin/bash) = %v, %v; want bash", pkg, ok)
	}
	if _, ok := db.LookupByPath("/bin/not-owned"); ok {
		t.Fatalf("LookupByPath should not match unowned paths")
	}
}

func TestMarkInSourceListVersionMismatchDrops(t *testing.T) {
	packages := map[string]*Package{
		"bash": {Name: "bash", Version: "5.1-6ubuntu1"},
		"gone": {Name: "gone", Version: "9.9.9"},
	}
	index := "Package: bash\nVersion: 5.1-6ubuntu1\nArchitecture: amd64\n\n" +
		"Package: gone\nVersion: 1.0.0\nArchitecture: amd64\n\n"
	if err := markInSourceList(packages, strings.NewReader(index)); err != nil {
		t.Fatal(err)
	}
	if !packages["bash"].InSourceList {
		t.Errorf("bash should be marked in-source-list (version matches)")
	}
	if packages["gone"].InSourceList {
		t.Errorf("gone should stay unmarked (version mismatch)")
	}
}
