// Package dso maintains, for every profiled PID, a sorted index of the
// memory regions mapped into that process's address space: what file (if
// any) backs each region, at what page offset, and whether it is
// executable. The module loader and unwinder consult this registry to turn
// a process address into a specific on-disk ELF file and offset.
package dso

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a mapped region by what backs it.
type Kind int

const (
	KindStandard Kind = iota
	KindVDSO
	KindVsyscall
	KindStack
	KindHeap
	KindAnon
	KindSocket
	KindUndef
)

// Unwindable reports whether frames may legitimately point into a region of
// this kind.
func (k Kind) Unwindable() bool {
	return k == KindStandard || k == KindVDSO || k == KindVsyscall
}

// DSO is one contiguously mapped region in a target process's address
// space.
type DSO struct {
	PID        int
	Start      uint64
	End        uint64
	PageOffset uint64
	Path       string
	Kind       Kind
	Executable bool

	// FileInfoID is set once the file-info table has interned this DSO's
	// backing file; zero until then (callers treat 0 as "unset" locally —
	// the file-info table's own sentinel values are assigned on lookup).
	FileInfoID int64
}

// Contains reports whether pc falls within [Start, End).
func (d DSO) Contains(pc uint64) bool { return pc >= d.Start && pc < d.End }

// intersects reports whether d and o, treated as closed intervals, overlap.
func (d DSO) intersects(o DSO) bool {
	return d.Start <= o.End && o.Start <= d.End
}

// sameIdentity reports whether d and o describe the same underlying mapping
// (start, page offset, kind, path when standard, and executable bit all
// match), differing only in extent — the "perf delivered a larger region
// than /proc/maps already told us about" case that extends rather than
// replaces.
func (d DSO) sameIdentity(o DSO) bool {
	if d.Start != o.Start || d.PageOffset != o.PageOffset || d.Kind != o.Kind || d.Executable != o.Executable {
		return false
	}
	if d.Kind == KindStandard && d.Path != o.Path {
		return false
	}
	return true
}

// maxRetriesPerPID bounds backpopulate cost on pathological /proc/maps
// churn: a PID that keeps invalidating the registry between the read and
// the insert only gets this many retries per call.
const maxRetriesPerPID = 10

// Registry is a per-PID ordered index of DSOs. It is not safe for concurrent
// use — the profiler's single-consumer event loop is the only caller.
type Registry struct {
	byPID map[int][]DSO
	// procMapsPath lets tests substitute a fixture path for /proc/<pid>/maps.
	procMapsPath func(pid int) string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byPID:        make(map[int][]DSO),
		procMapsPath: func(pid int) string { return fmt.Sprintf("/proc/%d/maps", pid) },
	}
}

// Find returns the DSO containing pc for pid, if any.
func (r *Registry) Find(pid int, pc uint64) (DSO, bool) {
	dsos := r.byPID[pid]
	i := sort.Search(len(dsos), func(i int) bool { return dsos[i].Start > pc })
	if i == 0 {
		return DSO{}, false
	}
	d := dsos[i-1]
	if d.Contains(pc) {
		return d, true
	}
	return DSO{}, false
}

// FindOrBackpopulate calls Find, and on a miss re-reads /proc/<pid>/maps
// once before trying again.
func (r *Registry) FindOrBackpopulate(pid int, pc uint64) (DSO, bool) {
	if d, ok := r.Find(pid, pc); ok {
		return d, true
	}
	_ = r.Backpopulate(pid)
	return r.Find(pid, pc)
}

// InsertEvicting removes every existing DSO for new.PID whose interval
// intersects new, then inserts new — unless an intersecting DSO shares new's
// identity, in which case that DSO's End is extended to the larger of the
// two and no replacement occurs.
func (r *Registry) InsertEvicting(new DSO) {
	dsos := r.byPID[new.PID]

	kept := dsos[:0]
	inserted := false
	for _, existing := range dsos {
		if !existing.intersects(new) {
			kept = append(kept, existing)
			continue
		}
		if existing.sameIdentity(new) {
			if new.End > existing.End {
				existing.End = new.End
			}
			kept = append(kept, existing)
			inserted = true
		}
		// Otherwise: evicted (not kept).
	}

	if !inserted {
		kept = append(kept, new)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	r.byPID[new.PID] = kept
}

// FirstExecutable returns the lowest-addressed standard executable DSO
// recorded for pid, used to pick the mapping behind the unwinder's synthetic
// per-PID base frame.
func (r *Registry) FirstExecutable(pid int) (DSO, bool) {
	for _, d := range r.byPID[pid] {
		if d.Kind == KindStandard && d.Executable {
			return d, true
		}
	}
	return DSO{}, false
}

// ErasePID drops every DSO recorded for pid, e.g. on process exit.
func (r *Registry) ErasePID(pid int) {
	delete(r.byPID, pid)
}

// Backpopulate reads /proc/<pid>/maps and inserts every readable line,
// bounded to maxRetriesPerPID attempts to cap cost on pathological churn
// (the file changing under us between open and full read).
func (r *Registry) Backpopulate(pid int) error {
	var lastErr error
	for attempt := 0; attempt < maxRetriesPerPID; attempt++ {
		f, err := os.Open(r.procMapsPath(pid))
		if err != nil {
			return fmt.Errorf("dso: open maps for pid %d: %w", pid, err)
		}
		err = r.parseMaps(pid, f)
		f.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("dso: backpopulate pid %d: exhausted %d retries: %w", pid, maxRetriesPerPID, lastErr)
}

func (r *Registry) parseMaps(pid int, rd io.Reader) error {
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		d, ok, err := parseMapsLine(pid, sc.Text())
		if err != nil {
			return err
		}
		if ok {
			r.InsertEvicting(d)
		}
	}
	return sc.Err()
}

// parseMapsLine parses one "/proc/<pid>/maps" line:
//
//	start-end perm offset dev inode [path]
//
// Non-readable mappings ("r" not in perm) are skipped (ok=false).
func parseMapsLine(pid int, line string) (DSO, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return DSO{}, false, fmt.Errorf("dso: malformed maps line %q", line)
	}

	addrRange := fields[0]
	perm := fields[1]
	offsetHex := fields[2]

	if len(perm) < 4 || perm[0] != 'r' {
		return DSO{}, false, nil
	}

	se := strings.SplitN(addrRange, "-", 2)
	if len(se) != 2 {
		return DSO{}, false, fmt.Errorf("dso: malformed address range %q", addrRange)
	}
	start, err := strconv.ParseUint(se[0], 16, 64)
	if err != nil {
		return DSO{}, false, fmt.Errorf("dso: bad start address %q: %w", se[0], err)
	}
	end, err := strconv.ParseUint(se[1], 16, 64)
	if err != nil {
		return DSO{}, false, fmt.Errorf("dso: bad end address %q: %w", se[1], err)
	}
	pageOffset, err := strconv.ParseUint(offsetHex, 16, 64)
	if err != nil {
		return DSO{}, false, fmt.Errorf("dso: bad offset %q: %w", offsetHex, err)
	}

	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return DSO{
		PID:        pid,
		Start:      start,
		End:        end,
		PageOffset: pageOffset,
		Path:       path,
		Kind:       classify(path),
		Executable: perm[2] == 'x',
	}, true, nil
}

// classify maps a /proc/<pid>/maps path field to a Kind per the table in the
// DSO registry's component design: bracketed pseudo-paths first, then the
// various flavors of "not really a file", then "other [...]" falls to
// undef, and anything left standing is a standard file-backed mapping.
func classify(path string) Kind {
	switch {
	case strings.HasPrefix(path, "[vdso]"):
		return KindVDSO
	case strings.HasPrefix(path, "[vsyscall]"):
		return KindVsyscall
	case strings.HasPrefix(path, "[stack]"):
		return KindStack
	case strings.HasPrefix(path, "[heap]"):
		return KindHeap
	case path == "", path == "//anon", strings.HasPrefix(path, "anon_inode:"),
		strings.HasPrefix(path, "/dev/zero"), strings.HasPrefix(path, "/dev/null"),
		strings.HasSuffix(path, ".jsa"):
		return KindAnon
	case strings.HasPrefix(path, "socket:"):
		return KindSocket
	case strings.HasPrefix(path, "[") && strings.HasSuffix(path, "]"):
		return KindUndef
	default:
		return KindStandard
	}
}
