// Package elfmodule resolves a (PID, PC) pair to a loaded ELF module: it
// opens the backing file, picks the executable LOAD segment covering the
// sampled address, computes the process-address-to-ELF-address bias, and
// reads the build ID. It is grounded on the same debug/elf-based approach
// parca-agent's objectfile package uses to compute a binary's relocation
// base, adapted to this profiler's DSO/FileInfo tables.
package elfmodule

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/tripwire/profiler/internal/dso"
	"github.com/tripwire/profiler/internal/fileinfo"
)

// Status classifies whether a Module may still be trusted for symbolization.
type Status int

const (
	StatusUnknown Status = iota
	StatusInconsistent
)

// Module is a loaded view of one ELF file as mapped into one PID.
type Module struct {
	FileInfoID int64
	LowAddr    uint64
	HighAddr   uint64
	Bias       uint64
	Status     Status
	BuildID    string
}

// Contains reports whether pc falls within this module's mapped range.
func (m Module) Contains(pc uint64) bool { return pc >= m.LowAddr && pc < m.HighAddr }

// ToELFAddr converts a process address known to fall within this module into
// an ELF address, per the bias relation in the data model: pc - bias.
func (m Module) ToELFAddr(pc uint64) uint64 { return pc - m.Bias }

// Context owns the modules loaded so far for one PID, keyed by FileInfoID.
// One Context exists per actively profiled PID and is dropped along with
// that PID's DSO list when the PID has not been seen for a full cycle.
type Context struct {
	byFileInfoID map[int64]*Module
}

// NewContext returns an empty per-PID module context.
func NewContext() *Context {
	return &Context{byFileInfoID: make(map[int64]*Module)}
}

// Resolve returns the Module for d's backing file within this PID's context,
// loading it from disk on first use. If a module already exists for
// d.FileInfoID but disagrees with d.Start, it is marked StatusInconsistent
// and an error is returned for this and all future lookups against it.
func (c *Context) Resolve(d dso.DSO, info *fileinfo.Info) (*Module, error) {
	if info.Errored {
		return nil, fmt.Errorf("elfmodule: file info %d is errored, cannot load", info.ID)
	}

	if m, ok := c.byFileInfoID[info.ID]; ok {
		if m.Status == StatusInconsistent {
			return nil, fmt.Errorf("elfmodule: module for file %d is inconsistent", info.ID)
		}
		if m.LowAddr != d.Start {
			m.Status = StatusInconsistent
			return nil, fmt.Errorf("elfmodule: module for file %d now mapped at %#x, previously %#x",
				info.ID, d.Start, m.LowAddr)
		}
		return m, nil
	}

	m, err := loadFromELF(info.File(), d)
	if err != nil {
		return nil, fmt.Errorf("elfmodule: load file %d: %w", info.ID, err)
	}
	m.FileInfoID = info.ID
	c.byFileInfoID[info.ID] = m
	return m, nil
}

// BuildID returns the build id recorded for fileInfoID, or "" if no module
// has been resolved for it yet (or it carried no .note.gnu.build-id).
func (c *Context) BuildID(fileInfoID int64) string {
	if m, ok := c.byFileInfoID[fileInfoID]; ok {
		return m.BuildID
	}
	return ""
}

// loadFromELF parses f's program headers, selects the executable LOAD
// segment whose file offset covers d's page offset, and computes the
// resulting Module. Multiple executable LOAD segments are tolerated (the
// first match wins); no matching segment is a hard error.
func loadFromELF(f *os.File, d dso.DSO) (*Module, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("parse ELF: %w", err)
	}
	defer ef.Close()

	seg, err := selectExecutableLoad(ef, d.PageOffset)
	if err != nil {
		return nil, err
	}

	bias := d.Start - (seg.Vaddr - seg.Off) + d.PageOffset

	buildID, _ := readBuildID(ef)

	return &Module{
		LowAddr:  d.Start,
		HighAddr: d.End,
		Bias:     bias,
		BuildID:  buildID,
	}, nil
}

// selectExecutableLoad returns the first PT_LOAD segment with PF_X|PF_R
// whose file-offset range covers pageOffset.
func selectExecutableLoad(ef *elf.File, pageOffset uint64) (*elf.ProgHeader, error) {
	for i := range ef.Progs {
		p := &ef.Progs[i].ProgHeader
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Flags&(elf.PF_X|elf.PF_R) != (elf.PF_X | elf.PF_R) {
			continue
		}
		if pageOffset >= p.Off && pageOffset < p.Off+p.Filesz {
			return p, nil
		}
	}
	return nil, fmt.Errorf("elfmodule: no executable LOAD segment covers offset %#x", pageOffset)
}

// readBuildID extracts and hex-formats the .note.gnu.build-id contents:
// a GNU-type (3) note named "GNU" whose descriptor is the raw build-id
// bytes.
func readBuildID(ef *elf.File) (string, error) {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return "", fmt.Errorf("no .note.gnu.build-id section")
	}
	data, err := sec.Data()
	if err != nil {
		return "", err
	}
	return parseBuildIDNote(data)
}

// parseBuildIDNote decodes the note format: 4-byte name size, 4-byte desc
// size, 4-byte type (must be 3), the name ("GNU\0", padded to a 4-byte
// boundary), then desc_size bytes of the build id.
func parseBuildIDNote(data []byte) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("note too short")
	}
	nameSize := binary.LittleEndian.Uint32(data[0:4])
	descSize := binary.LittleEndian.Uint32(data[4:8])
	noteType := binary.LittleEndian.Uint32(data[8:12])
	if noteType != 3 {
		return "", fmt.Errorf("unexpected note type %d, want 3 (NT_GNU_BUILD_ID)", noteType)
	}

	off := 12
	nameEnd := off + int(nameSize)
	if nameEnd > len(data) {
		return "", fmt.Errorf("note name overruns section")
	}
	name := string(data[off:nameEnd])
	for len(name) > 0 && name[len(name)-1] == 0 {
		name = name[:len(name)-1]
	}
	if name != "GNU" {
		return "", fmt.Errorf("unexpected note name %q, want GNU", name)
	}

	descOff := alignUp4(nameEnd)
	descEnd := descOff + int(descSize)
	if descEnd > len(data) {
		return "", fmt.Errorf("note descriptor overruns section")
	}
	return hex.EncodeToString(data[descOff:descEnd]), nil
}

func alignUp4(n int) int { return (n + 3) &^ 3 }
