package unwind

import (
	"encoding/binary"

	"github.com/go-delve/delve/pkg/dwarf/op"
	"github.com/go-delve/delve/pkg/dwarf/regnum"
)

// Arch identifies the architecture a captured Registers snapshot was taken
// on. The unwinder needs this to know which DWARF register numbering to
// build and whether the aarch64 TBI/MTE address mask applies.
type Arch int

const (
	ArchAMD64 Arch = iota
	ArchARM64
)

// Registers is the architecture-specific register snapshot captured at
// sample time, as described in the input contract: on x86-64 the set
// {rax,rbx,rcx,rdx,rsi,rdi,rbp,rsp,rip,flags,cs,ss,r8..r15}, on aarch64
// {x0..x30, sp, pc}.
type Registers interface {
	Arch() Arch
	PC() uint64
	SP() uint64
	// dwarf builds the op.DwarfRegisters view the CFI interpreter operates
	// on, with the module's load bias as the expression static base.
	dwarf(staticBase uint64) op.DwarfRegisters
}

// AMD64Registers is the x86-64 register file captured in a PERF_RECORD_SAMPLE.
type AMD64Registers struct {
	Rax, Rbx, Rcx, Rdx, Rsi, Rdi, Rbp, Rsp, Rip uint64
	Eflags, Cs, Ss                              uint64
	R8, R9, R10, R11, R12, R13, R14, R15        uint64
}

func (AMD64Registers) Arch() Arch   { return ArchAMD64 }
func (r AMD64Registers) PC() uint64 { return r.Rip }
func (r AMD64Registers) SP() uint64 { return r.Rsp }

func (r AMD64Registers) dwarf(staticBase uint64) op.DwarfRegisters {
	regs := op.DwarfRegisters{
		StaticBase: staticBase,
		ByteOrder:  binary.LittleEndian,
		PCRegNum:   regnum.AMD64_Rip,
		SPRegNum:   regnum.AMD64_Rsp,
		BPRegNum:   regnum.AMD64_Rbp,
	}
	add := func(n uint64, v uint64) { regs.AddReg(n, op.DwarfRegisterFromUint64(v)) }
	add(regnum.AMD64_Rax, r.Rax)
	add(regnum.AMD64_Rdx, r.Rdx)
	add(regnum.AMD64_Rcx, r.Rcx)
	add(regnum.AMD64_Rbx, r.Rbx)
	add(regnum.AMD64_Rsi, r.Rsi)
	add(regnum.AMD64_Rdi, r.Rdi)
	add(regnum.AMD64_Rbp, r.Rbp)
	add(regnum.AMD64_Rsp, r.Rsp)
	add(regnum.AMD64_R8, r.R8)
	add(regnum.AMD64_R9, r.R9)
	add(regnum.AMD64_R10, r.R10)
	add(regnum.AMD64_R11, r.R11)
	add(regnum.AMD64_R12, r.R12)
	add(regnum.AMD64_R13, r.R13)
	add(regnum.AMD64_R14, r.R14)
	add(regnum.AMD64_R15, r.R15)
	add(regnum.AMD64_Rip, r.Rip)
	return regs
}

// ARM64Registers is the aarch64 register file captured in a PERF_RECORD_SAMPLE.
// Fields are named Sp/Pc rather than SP/PC to leave room for the Registers
// interface's PC()/SP() accessor methods.
type ARM64Registers struct {
	X  [31]uint64 // x0..x30; x30 is the link register
	Sp uint64
	Pc uint64
}

func (ARM64Registers) Arch() Arch   { return ArchARM64 }
func (r ARM64Registers) PC() uint64 { return r.Pc }
func (r ARM64Registers) SP() uint64 { return r.Sp }

func (r ARM64Registers) dwarf(staticBase uint64) op.DwarfRegisters {
	regs := op.DwarfRegisters{
		StaticBase: staticBase,
		ByteOrder:  binary.LittleEndian,
		PCRegNum:   regnum.ARM64_PC,
		SPRegNum:   regnum.ARM64_SP,
		BPRegNum:   regnum.ARM64_X29,
		LRRegNum:   regnum.ARM64_X30,
	}
	for i, v := range r.X {
		regs.AddReg(regnum.ARM64_X0+uint64(i), op.DwarfRegisterFromUint64(v))
	}
	regs.AddReg(regnum.ARM64_SP, op.DwarfRegisterFromUint64(r.Sp))
	regs.AddReg(regnum.ARM64_PC, op.DwarfRegisterFromUint64(r.Pc))
	return regs
}

// AMD64RegsSize and ARM64RegsSize are the register counts a PERF_RECORD_SAMPLE's
// REGS_USER block carries for each architecture, matching the field order
// DecodeAMD64Registers/DecodeARM64Registers expect.
const (
	AMD64RegsSize = 20
	ARM64RegsSize = 33
)

// DecodeAMD64Registers parses a REGS_USER block laid out in the same order
// AMD64Registers declares its fields.
func DecodeAMD64Registers(buf []byte) AMD64Registers {
	v := make([]uint64, AMD64RegsSize)
	for i := range v {
		v[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	return AMD64Registers{
		Rax: v[0], Rbx: v[1], Rcx: v[2], Rdx: v[3], Rsi: v[4], Rdi: v[5],
		Rbp: v[6], Rsp: v[7], Rip: v[8], Eflags: v[9], Cs: v[10], Ss: v[11],
		R8: v[12], R9: v[13], R10: v[14], R11: v[15], R12: v[16], R13: v[17], R14: v[18], R15: v[19],
	}
}

// DecodeARM64Registers parses a REGS_USER block laid out as x0..x30 followed
// by sp, pc.
func DecodeARM64Registers(buf []byte) ARM64Registers {
	var r ARM64Registers
	for i := range r.X {
		r.X[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
	}
	r.Sp = binary.LittleEndian.Uint64(buf[31*8 : 31*8+8])
	r.Pc = binary.LittleEndian.Uint64(buf[32*8 : 32*8+8])
	return r
}

// tbiMTEMask strips the aarch64 top-byte tag (TBI/MTE) from a user address,
// per the architecture detail in the unwinder's input contract: mask with
// (1<<56)-1, then further mask to 48 bits if that is the canonical address
// width. Every target this profiler supports runs with a 48-bit canonical
// virtual address space, so the second mask is applied unconditionally.
func tbiMTEMask(addr uint64) uint64 {
	addr &= (1 << 56) - 1
	addr &= (1 << 48) - 1
	return addr
}

// maskPC applies the architecture-appropriate address mask to a sampled
// program counter before it is used for mapping lookup. Only aarch64 carries
// tag bits; x86-64 addresses pass through unchanged.
func maskPC(pc uint64, arch Arch) uint64 {
	if arch == ArchARM64 {
		return tbiMTEMask(pc)
	}
	return pc
}
