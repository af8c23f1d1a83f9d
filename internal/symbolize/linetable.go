package symbolize

import (
	"debug/dwarf"
	"sort"
)

// lineRow is one flattened debug_line program row: the address it applies
// from, up to (but not including) the next row's address.
type lineRow struct {
	pc   uint64
	file string
	line int
}

// lineTable is a flattened, address-sorted view over every compile unit's
// debug_line program, built once per file on first use.
type lineTable struct {
	rows []lineRow
}

// newLineTable walks every compile unit's line program and flattens it into
// a single sorted slice, so lookup is a binary search regardless of how many
// compile units the file contains.
func newLineTable(dw *dwarf.Data) (*lineTable, error) {
	lt := &lineTable{}

	reader := dw.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := dw.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}

		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break
			}
			if !le.EndSequence {
				lt.rows = append(lt.rows, lineRow{pc: le.Address, file: le.File.Name, line: le.Line})
			}
		}
	}

	sort.Slice(lt.rows, func(i, j int) bool { return lt.rows[i].pc < lt.rows[j].pc })
	return lt, nil
}

// lookup returns the file and line of the row covering addr, if any.
func (lt *lineTable) lookup(addr uint64) (string, int, bool) {
	i := sort.Search(len(lt.rows), func(i int) bool { return lt.rows[i].pc > addr }) - 1
	if i < 0 {
		return "", 0, false
	}
	r := lt.rows[i]
	return r.file, r.line, true
}
