// Package symbolize implements symbolcache.Backend by reading the ELF
// symbol table and DWARF line program of each mapped file directly.
package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"sync"

	"github.com/tripwire/profiler/internal/symbolcache"
)

// elfSymbol is one function-sized symbol table entry, sorted by address for
// binary search.
type elfSymbol struct {
	name       string
	value, size uint64
}

// fileEntry holds everything resolved lazily for one mapped file.
type fileEntry struct {
	err     error
	symbols []elfSymbol
	dw      *dwarf.Data
	lines   *lineTable
	inlines *inlineTable
}

// DWARFBackend resolves addresses using the target file's own ELF symbol
// table and DWARF debug_line program, without shelling out to an external
// symbolizer. It is safe for concurrent use, though the event pump's
// single-consumer discipline means it is only ever called from one
// goroutine at a time in practice.
type DWARFBackend struct {
	mu    sync.Mutex
	files map[int64]*fileEntry
}

// NewDWARFBackend returns an empty backend.
func NewDWARFBackend() *DWARFBackend {
	return &DWARFBackend{files: make(map[int64]*fileEntry)}
}

// Symbolize implements symbolcache.Backend.
func (b *DWARFBackend) Symbolize(fileID int64, path string, elfAddr uint64) ([]symbolcache.BackendFrame, bool) {
	b.mu.Lock()
	fe, ok := b.files[fileID]
	if !ok {
		fe = b.load(path)
		b.files[fileID] = fe
	}
	b.mu.Unlock()

	if fe.err != nil {
		return nil, false
	}

	name, size, ok := lookupSymbol(fe.symbols, elfAddr)
	if !ok {
		return nil, false
	}

	if fe.inlines != nil {
		if scopes := fe.inlines.framesAt(elfAddr); len(scopes) > 0 {
			return framesFromScopes(scopes, fe.lines, elfAddr, name, size), true
		}
	}

	frame := symbolcache.BackendFrame{Name: name, Size: size}
	if fe.lines != nil {
		if file, line, ok := fe.lines.lookup(elfAddr); ok {
			frame.File = file
			frame.Line = line
		}
	}
	return []symbolcache.BackendFrame{frame}, true
}

// framesFromScopes expands addr's enclosing DWARF scopes (innermost first,
// as returned by inlineTable.framesAt) into the inline-frame chain
// symbolcache.Backend promises: each scope's reported line is where
// execution actually is inside it, which for every scope but the innermost
// is the call site recorded on the next-more-nested scope's DW_AT_call_line.
// elfName/elfSize are the enclosing ELF symbol table entry, used as a
// fallback name and as the concrete frame's size.
//
// File is reported from the line table lookup at addr for every frame in
// the chain rather than resolved per call site; nearly all inlining happens
// within a single translation unit, so this is a fine approximation without
// plumbing each compile unit's DW_AT_call_file table through.
func framesFromScopes(scopes []inlineScope, lines *lineTable, elfAddr uint64, elfName string, elfSize uint64) []symbolcache.BackendFrame {
	file, line := "", 0
	if lines != nil {
		file, line, _ = lines.lookup(elfAddr)
	}

	frames := make([]symbolcache.BackendFrame, len(scopes))
	for i, s := range scopes {
		name := s.name
		if name == "" {
			name = elfName
		}
		frames[i] = symbolcache.BackendFrame{Name: name, File: file, Line: line}
		if !s.inlined {
			frames[i].Size = elfSize
		}
		if s.callLine != 0 {
			line = s.callLine
		}
	}
	return frames
}

// load opens path once and extracts the symbol table and (if present) DWARF
// line program. Failures are cached so a missing or stripped file is not
// reopened on every subsequent sample.
func (b *DWARFBackend) load(path string) *fileEntry {
	f, err := elf.Open(path)
	if err != nil {
		return &fileEntry{err: fmt.Errorf("symbolize: open %s: %w", path, err)}
	}
	defer f.Close()

	fe := &fileEntry{}

	syms, err := f.Symbols()
	if err != nil {
		syms, err = f.DynamicSymbols()
	}
	if err == nil {
		fe.symbols = make([]elfSymbol, 0, len(syms))
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
				continue
			}
			fe.symbols = append(fe.symbols, elfSymbol{name: s.Name, value: s.Value, size: s.Size})
		}
		sort.Slice(fe.symbols, func(i, j int) bool { return fe.symbols[i].value < fe.symbols[j].value })
	}

	if dw, err := f.DWARF(); err == nil {
		if lt, err := newLineTable(dw); err == nil {
			fe.lines = lt
		}
		if it, err := newInlineTable(dw); err == nil {
			fe.inlines = it
		}
	}

	if len(fe.symbols) == 0 && fe.lines == nil {
		fe.err = fmt.Errorf("symbolize: %s: no symbol table or debug info", path)
	}
	return fe
}

// lookupSymbol binary-searches for the nearest symbol at or below addr and
// rejects it when addr lies at or past value+size. A symbol with no recorded
// size (0) matches every address above it up to the next symbol; no minimum
// or maximum extent is applied here.
func lookupSymbol(syms []elfSymbol, addr uint64) (string, uint64, bool) {
	i := sort.Search(len(syms), func(i int) bool { return syms[i].value > addr }) - 1
	if i < 0 {
		return "", 0, false
	}
	s := syms[i]
	if s.size != 0 && addr >= s.value+s.size {
		return "", 0, false
	}
	return s.name, s.size, true
}
