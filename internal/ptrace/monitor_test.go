package ptrace

import "testing"

func TestResultKindString(t *testing.T) {
	cases := map[ResultKind]string{
		Exit:            "exit",
		Signal:          "signal",
		Failure:         "failure",
		ResultKind(100): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}

func TestIndexByte(t *testing.T) {
	if got := indexByte([]byte("abc\x00def")); got != 3 {
		t.Errorf("indexByte = %d, want 3", got)
	}
	if got := indexByte([]byte("abc")); got != -1 {
		t.Errorf("indexByte = %d, want -1", got)
	}
}

func TestMonitorTracksEntryExitAlternation(t *testing.T) {
	m := &Monitor{entryArgs: make(map[int]pendingSyscall)}
	const pid = 42
	if _, awaiting := m.entryArgs[pid]; awaiting {
		t.Fatalf("fresh monitor should not be awaiting an exit for pid %d", pid)
	}
	m.entryArgs[pid] = pendingSyscall{nr: 257, args: Args{1, 2, 3}}
	if _, awaiting := m.entryArgs[pid]; !awaiting {
		t.Fatalf("after recording entry, monitor should be awaiting an exit for pid %d", pid)
	}
	delete(m.entryArgs, pid)
	if _, awaiting := m.entryArgs[pid]; awaiting {
		t.Fatalf("after exit, monitor should no longer be awaiting an exit for pid %d", pid)
	}
}
