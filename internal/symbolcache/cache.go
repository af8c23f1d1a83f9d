// Package symbolcache turns an ELF address into a symbol name, source file,
// and line, caching results in a per-file interval map so that repeated
// samples inside the same hot function cost one comparison instead of a
// fresh backend query.
package symbolcache

import (
	"fmt"
	"os"
	"sort"
)

// min/max symbol size bound a symbol map entry's extent when the ELF symbol
// table doesn't carry a usable size, per the data model's symbol map
// contract.
const (
	minSymbolSize = 7
	maxSymbolSize = 80
)

// validateEnvVar, when set to a non-empty value, puts the cache in
// validation mode: every hit is reissued to the backend and compared, with
// mismatches counted rather than changing the returned result.
const validateEnvVar = "TRIPWIRE_SYMBOL_CACHE_VALIDATE"

// Symbol is one entry of the process-wide, append-only symbol table.
// Indices into it are stable for the life of a profile cycle.
type Symbol struct {
	MangledName   string
	DemangledName string
	SourcePath    string
	Line          int
}

// BackendFrame is one frame returned by a backend symbolizer query for a
// single ELF address: the concrete frame, plus any inline frames it was
// expanded from (innermost first).
type BackendFrame struct {
	Name string
	File string
	Line int
	Size uint64 // 0 if the backend could not determine a symbol size
}

// Backend resolves one ELF address in one file to a chain of frames
// (inline frames followed by the concrete enclosing frame), equivalent to
// querying with "inline frames: on, demangle: on, debug syms: on".
type Backend interface {
	Symbolize(fileID int64, path string, elfAddr uint64) ([]BackendFrame, bool)
}

// symbolEntry is one row of a per-file interval map: [start, end) -> symbol,
// plus the inline chain (if any) that was expanded at insertion time, so a
// cache hit returns exactly what a cache miss would have.
type symbolEntry struct {
	start, end uint64
	symbolIdx  int
	inlineIdxs []int
}

// fileMap is the per-FileInfo sorted interval map described in the data
// model's "Symbol map" section.
type fileMap struct {
	entries []symbolEntry
}

// findClosest returns the entry with the greatest start <= pc, verifying pc
// also falls within that entry's end, per the documented find_closest
// contract.
func (m *fileMap) findClosest(pc uint64) (symbolEntry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].start > pc })
	if i == 0 {
		return symbolEntry{}, false
	}
	e := m.entries[i-1]
	if pc < e.end {
		return e, true
	}
	return symbolEntry{}, false
}

// insertEvicting inserts [start,end)->idx. Per the fine print: conflicting
// ranges are not merged — a later insertion at the same start only replaces
// the stored end if its end is larger, and the stored symbol index is left
// intact when the two calls name the same symbol.
func (m *fileMap) insertEvicting(start, end uint64, idx int, inlineIdxs []int) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].start >= start })
	if i < len(m.entries) && m.entries[i].start == start {
		if end > m.entries[i].end {
			m.entries[i].end = end
		}
		return
	}
	m.entries = append(m.entries, symbolEntry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = symbolEntry{start: start, end: end, symbolIdx: idx, inlineIdxs: inlineIdxs}
}

// Cache is the process-wide symbolizer: one append-only Symbol table shared
// across every file, plus one interval map per FileInfo id.
type Cache struct {
	backend Backend
	symbols []Symbol
	files   map[int64]*fileMap
	names   map[string]string // interns demangled names to avoid duplicate allocations on repeat hits

	validate      bool
	mismatchCount int
}

// New returns an empty Cache backed by the given symbolizer.
func New(backend Backend) *Cache {
	return &Cache{
		backend:  backend,
		files:    make(map[int64]*fileMap),
		names:    make(map[string]string),
		validate: os.Getenv(validateEnvVar) != "",
	}
}

// Symbolize resolves elfAddr in the file identified by fileID/path, returning
// the index of the concrete frame's Symbol plus the indices of any inline
// frames enclosing it (innermost first, concrete frame last — matching the
// call-order convention the data model specifies for Symbol entries).
//
// On a cache miss with no backend match, a DSO-level synthetic symbol
// "<filename>+0x<elf_addr>" is interned and returned alone so aggregation
// always has something to hash.
func (c *Cache) Symbolize(fileID int64, path string, elfAddr uint64) (symbolIdx int, inlineIdxs []int) {
	fm := c.fileMapFor(fileID)

	if e, ok := fm.findClosest(elfAddr); ok {
		if c.validate {
			c.revalidate(fileID, path, elfAddr, e.symbolIdx)
		}
		return e.symbolIdx, e.inlineIdxs
	}

	frames, ok := c.backend.Symbolize(fileID, path, elfAddr)
	if !ok || len(frames) == 0 {
		idx := c.internSynthetic(path, elfAddr)
		fm.insertEvicting(elfAddr, elfAddr+minSymbolSize, idx, nil)
		return idx, nil
	}

	concrete := frames[len(frames)-1]
	for _, inline := range frames[:len(frames)-1] {
		inlineIdxs = append(inlineIdxs, c.intern(inline))
	}
	symbolIdx = c.intern(concrete)

	end := elfAddr + minSymbolSize
	if concrete.Size > 0 {
		if sz := elfAddr + concrete.Size; sz > end {
			end = sz
		}
	}
	if end-elfAddr > maxSymbolSize {
		end = elfAddr + maxSymbolSize
	}
	fm.insertEvicting(elfAddr, end, symbolIdx, inlineIdxs)

	return symbolIdx, inlineIdxs
}

func (c *Cache) fileMapFor(fileID int64) *fileMap {
	fm, ok := c.files[fileID]
	if !ok {
		fm = &fileMap{}
		c.files[fileID] = fm
	}
	return fm
}

func (c *Cache) intern(f BackendFrame) int {
	name := c.internedName(f.Name)
	c.symbols = append(c.symbols, Symbol{
		MangledName:   f.Name,
		DemangledName: name,
		SourcePath:    f.File,
		Line:          f.Line,
	})
	return len(c.symbols) - 1
}

func (c *Cache) internSynthetic(path string, elfAddr uint64) int {
	name := fmt.Sprintf("%s+0x%x", path, elfAddr)
	c.symbols = append(c.symbols, Symbol{MangledName: name, DemangledName: name, SourcePath: path})
	return len(c.symbols) - 1
}

func (c *Cache) internedName(mangled string) string {
	if cached, ok := c.names[mangled]; ok {
		return cached
	}
	demangled := Demangle(mangled)
	c.names[mangled] = demangled
	return demangled
}

// revalidate reissues a cache hit to the backend and compares names, per
// the validation mode's contract: mismatches are counted, but the cached
// result is always what's returned.
func (c *Cache) revalidate(fileID int64, path string, elfAddr uint64, cachedIdx int) {
	frames, ok := c.backend.Symbolize(fileID, path, elfAddr)
	if !ok || len(frames) == 0 {
		return
	}
	got := Demangle(frames[len(frames)-1].Name)
	if got != c.symbols[cachedIdx].DemangledName {
		c.mismatchCount++
	}
}

// MismatchCount reports how many validation-mode re-checks disagreed with
// the cached result.
func (c *Cache) MismatchCount() int { return c.mismatchCount }

// Symbol returns the interned Symbol at idx.
func (c *Cache) Symbol(idx int) Symbol { return c.symbols[idx] }
