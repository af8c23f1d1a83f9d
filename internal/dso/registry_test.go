package dso

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMappingEvictionScenario(t *testing.T) {
	r := New()

	r.InsertEvicting(DSO{PID: 1, Start: 0x1000, End: 0x2000, Path: "/a", Kind: KindStandard})
	r.InsertEvicting(DSO{PID: 1, Start: 0x1800, End: 0x2800, Path: "/b", Kind: KindStandard})

	_, ok := r.Find(1, 0x1500)
	require.False(t, ok, "the intersecting /a mapping must have been evicted")

	d, ok := r.Find(1, 0x2000)
	require.True(t, ok)
	require.Equal(t, "/b", d.Path)
}

func TestInsertEvictingExtendsIdenticalMapping(t *testing.T) {
	r := New()
	r.InsertEvicting(DSO{PID: 1, Start: 0x1000, End: 0x2000, Path: "/a", Kind: KindStandard})
	// perf delivers a larger region than /proc/maps already told us about:
	// byte-identical in every field except a larger End.
	r.InsertEvicting(DSO{PID: 1, Start: 0x1000, End: 0x3000, Path: "/a", Kind: KindStandard})

	dsos := r.byPID[1]
	require.Len(t, dsos, 1, "identical mapping must be extended in place, not duplicated")
	require.Equal(t, uint64(0x3000), dsos[0].End)
}

func TestDSOsNeverOverlapForAPID(t *testing.T) {
	r := New()
	r.InsertEvicting(DSO{PID: 1, Start: 0, End: 0x1000, Path: "/a", Kind: KindStandard})
	r.InsertEvicting(DSO{PID: 1, Start: 0x1000, End: 0x2000, Path: "/b", Kind: KindStandard})
	r.InsertEvicting(DSO{PID: 1, Start: 0x500, End: 0x1800, Path: "/c", Kind: KindStandard})

	dsos := r.byPID[1]
	for i := 1; i < len(dsos); i++ {
		require.LessOrEqual(t, dsos[i-1].End, dsos[i].Start, "DSOs must be pairwise non-intersecting")
	}
	require.True(t, dsos[0].Start <= dsos[len(dsos)-1].Start)
}

func TestErasePID(t *testing.T) {
	r := New()
	r.InsertEvicting(DSO{PID: 1, Start: 0, End: 0x1000, Kind: KindStandard})
	r.ErasePID(1)
	_, ok := r.Find(1, 0x10)
	require.False(t, ok)
}

func TestParseMapsLineClassification(t *testing.T) {
	cases := []struct {
		line string
		kind Kind
		path string
	}{
		{"7f0000000000-7f0000001000 r-xp 00000000 00:00 0 [vdso]", KindVDSO, "[vdso]"},
		{"7f0000001000-7f0000002000 r--p 00000000 00:00 0 [vsyscall]", KindVsyscall, "[vsyscall]"},
		{"7f0000002000-7f0000003000 rw-p 00000000 00:00 0 [stack]", KindStack, "[stack]"},
		{"7f0000003000-7f0000004000 rw-p 00000000 00:00 0 [heap]", KindHeap, "[heap]"},
		{"7f0000004000-7f0000005000 rw-p 00000000 00:00 0 ", KindAnon, ""},
		{"7f0000005000-7f0000006000 rw-p 00000000 00:00 12345 socket:[99]", KindSocket, "socket:[99]"},
		{"7f0000006000-7f0000007000 rw-p 00000000 00:00 0 [anon:weird]", KindUndef, "[anon:weird]"},
		{"7f0000007000-7f0000008000 r-xp 00000000 fd:01 9876 /usr/lib/libc.so", KindStandard, "/usr/lib/libc.so"},
	}
	for _, tc := range cases {
		d, ok, err := parseMapsLine(1, tc.line)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, tc.kind, d.Kind, tc.line)
		require.Equal(t, tc.path, d.Path, tc.line)
	}
}

func TestParseMapsSkipsUnreadable(t *testing.T) {
	_, ok, err := parseMapsLine(1, "7f0000000000-7f0000001000 ---p 00000000 00:00 0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackpopulateFromFixture(t *testing.T) {
	r := New()
	r.procMapsPath = func(pid int) string { return "" }

	fixture := strings.Join([]string{
		"00400000-00401000 r-xp 00000000 fd:01 1 /bin/true",
		"00601000-00602000 rw-p 00001000 fd:01 1 /bin/true",
		"7ffe00000000-7ffe00021000 rw-p 00000000 00:00 0 [stack]",
	}, "\n")

	err := r.parseMaps(7, strings.NewReader(fixture))
	require.NoError(t, err)

	d, ok := r.Find(7, 0x400500)
	require.True(t, ok)
	require.Equal(t, "/bin/true", d.Path)
	require.True(t, d.Executable)

	d2, ok := r.Find(7, 0x7ffe00010000)
	require.True(t, ok)
	require.Equal(t, KindStack, d2.Kind)
}
