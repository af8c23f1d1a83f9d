package symbolize

import (
	"debug/dwarf"
	"sort"
)

// inlineScope is one DW_TAG_subprogram or DW_TAG_inlined_subroutine's pc
// range, flattened across every compile unit the way lineTable flattens
// debug_line rows. depth counts DWARF tree nesting, not call-chain nesting
// directly, but the two coincide for any chain of scopes that all cover the
// same pc: the deepest depth is always the innermost enclosing scope.
type inlineScope struct {
	lowpc, highpc uint64
	depth         int
	inlined       bool // false for the concrete DW_TAG_subprogram, true for DW_TAG_inlined_subroutine
	name          string
	callLine      int // DW_AT_call_line: where this scope itself was called from in its parent
}

// inlineTable answers "what DWARF scopes cover this pc" for one file's
// compile units, built once on first use the same way lineTable is.
type inlineTable struct {
	scopes []inlineScope
}

// newInlineTable walks every DIE in dw and records the pc range of every
// DW_TAG_subprogram and DW_TAG_inlined_subroutine that carries one. Entries
// without DW_AT_low_pc/DW_AT_high_pc (e.g. functions described by
// DW_AT_ranges instead) are skipped; addresses inside them fall back to the
// plain ELF-symbol frame, same as a file with no DWARF info at all.
func newInlineTable(dw *dwarf.Data) (*inlineTable, error) {
	it := &inlineTable{}

	reader := dw.Reader()
	depth := 0
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}

		if entry.Tag == dwarf.TagSubprogram || entry.Tag == dwarf.TagInlinedSubroutine {
			if low, high, ok := entryPCRange(entry); ok {
				scope := inlineScope{
					lowpc:   low,
					highpc:  high,
					depth:   depth,
					inlined: entry.Tag == dwarf.TagInlinedSubroutine,
					name:    resolveName(dw, entry),
				}
				if cl, ok := entry.Val(dwarf.AttrCallLine).(int64); ok {
					scope.callLine = int(cl)
				}
				it.scopes = append(it.scopes, scope)
			}
		}

		if entry.Children {
			depth++
		}
	}

	sort.Slice(it.scopes, func(i, j int) bool { return it.scopes[i].lowpc < it.scopes[j].lowpc })
	return it, nil
}

// framesAt returns every scope covering addr, deepest first. When the
// concrete enclosing DW_TAG_subprogram covers addr (the usual case), it is
// the last element; any DW_TAG_inlined_subroutine scopes nested inside it
// precede it, innermost first.
func (it *inlineTable) framesAt(addr uint64) []inlineScope {
	var matches []inlineScope
	for _, s := range it.scopes {
		if addr >= s.lowpc && addr < s.highpc {
			matches = append(matches, s)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].depth > matches[j].depth })
	return matches
}

// entryPCRange reads DW_AT_low_pc/DW_AT_high_pc, handling both the
// DWARF2-4 "high_pc is an absolute address" encoding and the DWARF4+
// "high_pc is an offset from low_pc" encoding.
func entryPCRange(entry *dwarf.Entry) (lowpc, highpc uint64, ok bool) {
	low, isLow := entry.Val(dwarf.AttrLowpc).(uint64)
	if !isLow {
		return 0, 0, false
	}

	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return 0, 0, false
	}
	switch v := field.Val.(type) {
	case uint64:
		if field.Class == dwarf.ClassAddress {
			return low, v, true
		}
		return low, low + v, true
	case int64:
		return low, low + uint64(v), true
	default:
		return 0, 0, false
	}
}

// resolveName returns entry's own DW_AT_name, following DW_AT_abstract_origin
// or DW_AT_specification when the entry (as is typical for an inlined
// subroutine) carries its name only on the abstract instance it was inlined
// from.
func resolveName(dw *dwarf.Data, entry *dwarf.Entry) string {
	if name, ok := entry.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}

	off, ok := entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	if !ok {
		off, ok = entry.Val(dwarf.AttrSpecification).(dwarf.Offset)
	}
	if !ok {
		return ""
	}

	r := dw.Reader()
	r.Seek(off)
	origin, err := r.Next()
	if err != nil || origin == nil {
		return ""
	}
	return resolveName(dw, origin)
}
