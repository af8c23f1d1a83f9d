package symbolcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	calls  int
	frames map[uint64][]BackendFrame
}

func (b *fakeBackend) Symbolize(fileID int64, path string, elfAddr uint64) ([]BackendFrame, bool) {
	b.calls++
	f, ok := b.frames[elfAddr]
	return f, ok
}

func TestSymbolizeCachesAcrossRepeatedCalls(t *testing.T) {
	backend := &fakeBackend{frames: map[uint64][]BackendFrame{
		0x1000: {{Name: "_Z3fooi", File: "foo.cc", Line: 10, Size: 0x20}},
	}}
	c := New(backend)

	idx1, _ := c.Symbolize(1, "/bin/a", 0x1000)
	idx2, _ := c.Symbolize(1, "/bin/a", 0x1000)

	require.Equal(t, idx1, idx2, "symbolize must be idempotent within a cycle")
	require.Equal(t, 1, backend.calls, "a cache hit must not reissue the backend query")
	require.Equal(t, "foo(int)", c.Symbol(idx1).DemangledName)
}

func TestSymbolizeWithinSymbolRangeHitsCache(t *testing.T) {
	backend := &fakeBackend{frames: map[uint64][]BackendFrame{
		0x1000: {{Name: "_Z3fooi", File: "foo.cc", Line: 10, Size: 0x20}},
	}}
	c := New(backend)

	c.Symbolize(1, "/bin/a", 0x1000)
	idx, _ := c.Symbolize(1, "/bin/a", 0x1010) // still inside [0x1000, 0x1020)

	require.Equal(t, 1, backend.calls)
	require.Equal(t, "foo(int)", c.Symbol(idx).DemangledName)
}

func TestSymbolizeInlineFramesOrderedInnermostFirst(t *testing.T) {
	backend := &fakeBackend{frames: map[uint64][]BackendFrame{
		0x2000: {
			{Name: "_Z6inlinev", File: "a.cc", Line: 1},
			{Name: "_Z5outerv", File: "a.cc", Line: 2, Size: 0x10},
		},
	}}
	c := New(backend)

	concrete, inlines := c.Symbolize(2, "/bin/b", 0x2000)
	require.Len(t, inlines, 1)
	require.Equal(t, "inline()", c.Symbol(inlines[0]).DemangledName)
	require.Equal(t, "outer()", c.Symbol(concrete).DemangledName)
}

func TestSymbolizeFallsBackToSyntheticName(t *testing.T) {
	backend := &fakeBackend{frames: map[uint64][]BackendFrame{}}
	c := New(backend)

	idx, inlines := c.Symbolize(3, "/bin/c", 0x3000)
	require.Nil(t, inlines)
	require.Equal(t, "/bin/c+0x3000", c.Symbol(idx).DemangledName)
}

func TestFileMapInsertEvictingKeepsLargerEnd(t *testing.T) {
	m := &fileMap{}
	m.insertEvicting(0x100, 0x110, 5, nil)
	m.insertEvicting(0x100, 0x200, 5, nil)

	e, ok := m.findClosest(0x180)
	require.True(t, ok)
	require.Equal(t, 5, e.symbolIdx)
}

func TestFileMapFindClosestRejectsPastEnd(t *testing.T) {
	m := &fileMap{}
	m.insertEvicting(0x100, 0x110, 1, nil)
	_, ok := m.findClosest(0x200)
	require.False(t, ok)
}

func TestSymbolizeInlineFramesSurviveRepeatedCacheHits(t *testing.T) {
	backend := &fakeBackend{frames: map[uint64][]BackendFrame{
		0x2000: {
			{Name: "_Z6inlinev", File: "a.cc", Line: 1},
			{Name: "_Z5outerv", File: "a.cc", Line: 2, Size: 0x10},
		},
	}}
	c := New(backend)

	c.Symbolize(2, "/bin/b", 0x2000)

	concrete, inlines := c.Symbolize(2, "/bin/b", 0x2004) // second call, within the cached range
	require.Equal(t, 1, backend.calls, "second lookup within range must be a cache hit")
	require.Len(t, inlines, 1, "inline frames must survive a cache hit, not just the first query")
	require.Equal(t, "inline()", c.Symbol(inlines[0]).DemangledName)
	require.Equal(t, "outer()", c.Symbol(concrete).DemangledName)
}
