// Package unwind reconstructs a call stack from a sampled register file and
// a raw stack-memory snapshot by interpreting the DWARF Call Frame
// Information (.eh_frame/.debug_frame) of whichever module contains each
// return address, one frame at a time.
//
// It is grounded on the CFI-walking approach in go-delve/delve's stack
// unwinder (pkg/proc/stack.go's stackIterator.advanceRegs and
// executeFrameRegRule), adapted from delve's live-ptrace memory source to a
// single captured byte buffer, and from its register/binary-info model to
// this profiler's dso/fileinfo/elfmodule tables.
package unwind

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/op"

	"github.com/tripwire/profiler/internal/dso"
	"github.com/tripwire/profiler/internal/elfmodule"
	"github.com/tripwire/profiler/internal/fileinfo"
	"github.com/tripwire/profiler/internal/perrs"
)

// maxUserFrames is the budget for naturally unwound frames; kMaxStackDepth
// in the data model reserves 2 additional slots (a truncation marker and the
// synthetic per-PID base frame) beyond this.
const maxUserFrames = 254

// Frame is one entry of a reconstructed call stack. Err is set instead of PC
// data for the synthetic frames emitted on an unwind failure; Symbol is set
// only for the synthetic per-PID base frame appended to every stack.
type Frame struct {
	PC         uint64
	FileInfoID int64
	ELFAddr    uint64
	Symbol     string
	Err        *perrs.Error
}

// StackMemory is the raw stack-bytes buffer handed to the unwinder for one
// sample, addressed by the process address it was captured at (sp at sample
// time). Reads outside the captured window are rejected rather than
// silently zero-filled, matching the "memory read fails" stop condition.
type StackMemory struct {
	base uint64
	data []byte
}

// NewStackMemory wraps a captured stack snapshot. base is the process
// address of data[0] (sp at sample time).
func NewStackMemory(base uint64, data []byte) *StackMemory {
	return &StackMemory{base: base, data: data}
}

// ReadMemory implements the delve-shaped (buf []byte, addr uint64) (int,
// error) memory reader signature expected by op.ExecuteStackProgram.
func (m *StackMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr+uint64(len(buf)) > m.base+uint64(len(m.data)) {
		return 0, fmt.Errorf("unwind: address %#x outside captured stack window [%#x, %#x)",
			addr, m.base, m.base+uint64(len(m.data)))
	}
	off := addr - m.base
	return copy(buf, m.data[off:]), nil
}

func (m *StackMemory) readUint64(addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := m.ReadMemory(buf[:], addr)
	if err != nil || n != 8 {
		return 0, fmt.Errorf("unwind: read 8 bytes at %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Unwinder resolves sampled PCs to modules and walks the CFI chain. One
// Unwinder is shared across all profiled PIDs for the life of the run.
type Unwinder struct {
	registry *dso.Registry
	files    *fileinfo.Table
	modules  map[int]*elfmodule.Context
	frames   map[int64]frame.FrameDescriptionEntries
}

// New returns an Unwinder backed by the given DSO registry and file-info
// table, which must already be populated by the event pump as MMAP2/COMM
// records arrive.
func New(registry *dso.Registry, files *fileinfo.Table) *Unwinder {
	return &Unwinder{
		registry: registry,
		files:    files,
		modules:  make(map[int]*elfmodule.Context),
		frames:   make(map[int64]frame.FrameDescriptionEntries),
	}
}

func (u *Unwinder) moduleContext(pid int) *elfmodule.Context {
	c, ok := u.modules[pid]
	if !ok {
		c = elfmodule.NewContext()
		u.modules[pid] = c
	}
	return c
}

// DropPID releases the per-PID module cache, e.g. on process exit.
func (u *Unwinder) DropPID(pid int) { delete(u.modules, pid) }

// frameEntries returns the parsed CFI table for info's backing file,
// preferring .eh_frame (present in nearly every Linux binary) and falling
// back to .debug_frame for binaries built without it.
func (u *Unwinder) frameEntries(info *fileinfo.Info) (frame.FrameDescriptionEntries, error) {
	if fdes, ok := u.frames[info.ID]; ok {
		return fdes, nil
	}

	f := info.File()
	if f == nil {
		return nil, fmt.Errorf("unwind: no open file for file-info %d", info.ID)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("unwind: parse ELF for frame data: %w", err)
	}
	defer ef.Close()

	sec := ef.Section(".eh_frame")
	ehFrame := true
	if sec == nil {
		sec = ef.Section(".debug_frame")
		ehFrame = false
	}
	if sec == nil {
		return nil, fmt.Errorf("unwind: no .eh_frame or .debug_frame section")
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("unwind: read frame section: %w", err)
	}

	ehFrameAddr := uint64(0)
	if ehFrame {
		ehFrameAddr = sec.Addr
	}
	fdes, err := frame.Parse(data, binary.LittleEndian, 0, ptrSizeOf(ef), ehFrameAddr)
	if err != nil {
		return nil, fmt.Errorf("unwind: parse frame data: %w", err)
	}

	u.frames[info.ID] = fdes
	return fdes, nil
}

func ptrSizeOf(ef *elf.File) int {
	if ef.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// Unwind reconstructs the call stack for pid given the register snapshot
// and raw stack bytes captured at sample time, per the algorithm in the
// unwinder's component design: resolve the current PC's module, look up the
// CFI row, apply its register rules against the stack buffer, record a
// frame, and repeat from the resolved return address.
func (u *Unwinder) Unwind(pid int, regs Registers, stack *StackMemory) []Frame {
	var out []Frame

	pc := maskPC(regs.PC(), regs.Arch())
	cfa := regs.SP()
	innermost := true
	dwregs := regs.dwarf(0)

	for len(out) < maxUserFrames {
		if pc == 0 {
			break
		}

		d, ok := u.registry.FindOrBackpopulate(pid, pc)
		if !ok || !d.Kind.Unwindable() {
			out = append(out, errorFrame(perrs.KindUnknownDSO, fmt.Errorf("no module maps pc %#x", pc)))
			return u.finish(pid, out)
		}

		info := u.files.ByID(d.FileInfoID)
		if info == nil || info.Errored {
			out = append(out, errorFrame(perrs.KindUnknownDSO, fmt.Errorf("file-info %d unavailable", d.FileInfoID)))
			return u.finish(pid, out)
		}

		mod, err := u.moduleContext(pid).Resolve(d, info)
		if err != nil {
			out = append(out, errorFrame(perrs.KindInconsistent, err))
			return u.finish(pid, out)
		}

		fdes, err := u.frameEntries(info)
		if err != nil {
			out = append(out, errorFrame(perrs.KindDwflFrame, err))
			return u.finish(pid, out)
		}

		lookupPC := pc
		if !innermost {
			lookupPC = pc - 1
		}
		fde, err := fdes.FDEForPC(lookupPC)
		if err != nil {
			out = append(out, errorFrame(perrs.KindDwflFrame, err))
			return u.finish(pid, out)
		}
		fctx, err := fde.EstablishFrame(lookupPC)
		if err != nil {
			out = append(out, errorFrame(perrs.KindDwflFrame, err))
			return u.finish(pid, out)
		}

		dwregs.StaticBase = mod.Bias

		cfaReg, err := executeRule(fctx.CFA, cfa, stack, &dwregs)
		if err != nil || cfaReg == nil {
			out = append(out, errorFrame(perrs.KindDwflFrame, err))
			return u.finish(pid, out)
		}
		cfa = cfaReg.Uint64Val
		dwregs.AddReg(dwregs.SPRegNum, op.DwarfRegisterFromUint64(cfa))

		out = append(out, Frame{PC: pc, FileInfoID: info.ID, ELFAddr: mod.ToELFAddr(pc)})

		var retReg *op.DwarfRegister
		for num, rule := range fctx.Regs {
			reg, err := executeRule(rule, cfa, stack, &dwregs)
			if err != nil {
				out = append(out, errorFrame(perrs.KindDwflFrame, err))
				return u.finish(pid, out)
			}
			if reg == nil {
				continue
			}
			dwregs.AddReg(num, reg)
			if num == fctx.RetAddrReg {
				retReg = reg
			}
		}

		if retReg == nil || retReg.Uint64Val == 0 {
			// CFI row marks the return address undefined, or it resolved to
			// 0: natural end of the stack.
			break
		}

		pc = maskPC(retReg.Uint64Val, regs.Arch())
		dwregs.AddReg(dwregs.PCRegNum, op.DwarfRegisterFromUint64(pc))
		innermost = false
	}

	if len(out) >= maxUserFrames {
		out = append(out, Frame{Err: perrs.Noticef(perrs.KindTruncatedStack,
			"stack truncated at %d frames", maxUserFrames)})
	}
	return u.finish(pid, out)
}

// ResolveFrames maps each address in an already-known PC chain to a Frame,
// without walking CFI rules for each one. It exists for stack sources that
// hand over a complete chain of return addresses up front (the allocation
// tracker's runtime.Callers-based snapshot) rather than a single sampled PC
// that Unwind must reconstruct the rest of the chain for.
func (u *Unwinder) ResolveFrames(pid int, pcs []uint64) []Frame {
	var out []Frame
	for _, pc := range pcs {
		d, ok := u.registry.FindOrBackpopulate(pid, pc)
		if !ok || !d.Kind.Unwindable() {
			out = append(out, errorFrame(perrs.KindUnknownDSO, fmt.Errorf("no module maps pc %#x", pc)))
			continue
		}
		info := u.files.ByID(d.FileInfoID)
		if info == nil || info.Errored {
			out = append(out, errorFrame(perrs.KindUnknownDSO, fmt.Errorf("file-info %d unavailable", d.FileInfoID)))
			continue
		}
		mod, err := u.moduleContext(pid).Resolve(d, info)
		if err != nil {
			out = append(out, errorFrame(perrs.KindInconsistent, err))
			continue
		}
		out = append(out, Frame{PC: pc, FileInfoID: info.ID, ELFAddr: mod.ToELFAddr(pc)})
	}
	return u.finish(pid, out)
}

// BuildID returns the build id of fileInfoID's module within pid's context,
// if a module has already been resolved for it.
func (u *Unwinder) BuildID(pid int, fileInfoID int64) string {
	c, ok := u.modules[pid]
	if !ok {
		return ""
	}
	return c.BuildID(fileInfoID)
}

// finish appends the synthetic per-PID base frame so that downstream
// aggregation always has a process-identifying root, regardless of why or
// where the natural unwind stopped.
func (u *Unwinder) finish(pid int, frames []Frame) []Frame {
	base := Frame{Symbol: fmt.Sprintf("pid_%d", pid)}
	if d, ok := u.registry.FirstExecutable(pid); ok {
		base.FileInfoID = d.FileInfoID
	}
	return append(frames, base)
}

func errorFrame(kind perrs.Kind, cause error) Frame {
	return Frame{Err: perrs.New(perrs.Warn, kind, cause)}
}

// executeRule resolves one CFI register rule against the stack buffer,
// transforming delve's executeFrameRegRule to this profiler's single
// static-buffer memory source in place of live process memory. Only the
// rule kinds that real-world eh_frame output actually emits for CFA and
// callee-saved registers are handled; the rest return an error so the frame
// is abandoned rather than silently misreported.
func executeRule(rule frame.DWRule, cfa uint64, mem *StackMemory, regs *op.DwarfRegisters) (*op.DwarfRegister, error) {
	switch rule.Rule {
	case frame.RuleUndefined:
		return nil, nil
	case frame.RuleSameVal:
		return regs.Reg(rule.Reg), nil
	case frame.RuleOffset:
		v, err := mem.readUint64(uint64(int64(cfa) + rule.Offset))
		if err != nil {
			return nil, err
		}
		return op.DwarfRegisterFromUint64(v), nil
	case frame.RuleValOffset:
		return op.DwarfRegisterFromUint64(uint64(int64(cfa) + rule.Offset)), nil
	case frame.RuleRegister:
		return regs.Reg(rule.Reg), nil
	case frame.RuleExpression:
		v, _, err := op.ExecuteStackProgram(*regs, rule.Expression, 8, mem.ReadMemory)
		if err != nil {
			return nil, err
		}
		val, err := mem.readUint64(uint64(v))
		if err != nil {
			return nil, err
		}
		return op.DwarfRegisterFromUint64(val), nil
	case frame.RuleValExpression:
		v, _, err := op.ExecuteStackProgram(*regs, rule.Expression, 8, mem.ReadMemory)
		if err != nil {
			return nil, err
		}
		return op.DwarfRegisterFromUint64(uint64(v)), nil
	case frame.RuleCFA:
		// The CFA row itself is usually expressed as "register + offset"
		// (e.g. rbp+16); it is resolved against the *current* frame's
		// registers, not the CFA being computed.
		if regs.Reg(rule.Reg) == nil {
			return nil, nil
		}
		return op.DwarfRegisterFromUint64(uint64(int64(regs.Uint64Val(rule.Reg)) + rule.Offset)), nil
	default:
		return nil, fmt.Errorf("unwind: unsupported CFI rule %v", rule.Rule)
	}
}
