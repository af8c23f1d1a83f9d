// Package fileinfo interns ELF files by (inode, file offset, size) so that
// two DSOs backed by the same region of the same file share one open file
// descriptor and one id.
package fileinfo

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sentinel ids, fixed by the external interface: 0 means "error", 1 means
// "the injected profiling library", -1 means "unset". Valid interned ids
// begin at 2.
const (
	IDUnset    int64 = -1
	IDError    int64 = 0
	IDInjected int64 = 1
	firstID    int64 = 2
)

// Key identifies a unique (inode, offset, size) triple.
type Key struct {
	Inode  uint64
	Offset uint64
	Size   uint64
}

// Info describes one interned file.
type Info struct {
	ID      int64
	Path    string
	Size    uint64
	Inode   uint64
	Errored bool

	file *os.File // owned for the life of the run; nil if Errored
}

// File returns the open *os.File backing this entry, or nil if opening it
// previously failed.
func (i *Info) File() *os.File { return i.file }

// Table is the process-wide interning table. It owns every file descriptor
// it opens for the lifetime of the profiler run; entries are never evicted.
type Table struct {
	byKey  map[Key]*Info
	nextID int64
}

// New returns an empty Table.
func New() *Table {
	return &Table{byKey: make(map[Key]*Info), nextID: firstID}
}

// Lookup returns the Info for key, opening the backing file on first use.
// pid is consulted only on a cache miss, to try the container-mounted path
// /proc/<pid>/root/<path> before the bare path. A failure to open sets
// Errored permanently and returns the sentinel id 0 to every caller from
// then on; the id is never reissued.
func (t *Table) Lookup(pid int, path string, key Key) *Info {
	if info, ok := t.byKey[key]; ok {
		return info
	}

	info := &Info{ID: t.nextID, Path: path, Size: key.Size, Inode: key.Inode}
	t.nextID++

	f, err := openUnderProcRoot(pid, path)
	if err != nil {
		info.Errored = true
		info.ID = IDError
	} else {
		info.file = f
	}

	t.byKey[key] = info
	return info
}

// openUnderProcRoot tries /proc/<pid>/root/<path> first (so files inside a
// container's mount namespace are reachable from the profiler's own
// namespace), then falls back to the bare path.
func openUnderProcRoot(pid int, path string) (*os.File, error) {
	viaRoot := filepath.Join(fmt.Sprintf("/proc/%d/root", pid), path)
	if f, err := os.Open(viaRoot); err == nil {
		return f, nil
	}
	return os.Open(path)
}

// Close releases every open file descriptor owned by the table.
func (t *Table) Close() error {
	var firstErr error
	for _, info := range t.byKey {
		if info.file == nil {
			continue
		}
		if err := info.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Len returns the number of distinct files interned so far.
func (t *Table) Len() int { return len(t.byKey) }

// ByID returns the Info previously returned with the given id, or nil if no
// such id has been interned. Used by components that only carry a DSO's
// FileInfoID (the DSO registry) and need the backing file back.
func (t *Table) ByID(id int64) *Info {
	for _, info := range t.byKey {
		if info.ID == id {
			return info
		}
	}
	return nil
}
