// Package perfrecord decodes the kernel perf_event_open ring-buffer records
// the event pump consumes: the common perf_event_header prefix, and the
// MMAP2/COMM/EXIT/FORK/LOST/SAMPLE bodies that follow it. Field layouts
// mirror the kernel's struct definitions in include/uapi/linux/perf_event.h;
// the sample body additionally follows the fixed field order the kernel
// emits for a given sample_type mask (PID/TID, TIME, ADDR, CPU, PERIOD,
// REGS_USER, STACK_USER, in that order), matching this profiler's
// perf_event_open configuration of {TID | TIME | ADDR | CPU | PERIOD |
// REGS_USER | STACK_USER}.
package perfrecord

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Record type values from the perf_event_header type field.
const (
	RecordMmap   = 1
	RecordLost   = 2
	RecordComm   = 3
	RecordExit   = 4
	RecordFork   = 7
	RecordSample = 9
	RecordMmap2  = 10
)

const headerSize = 8

// Header reads the type and declared size out of record's leading
// perf_event_header.
func Header(record []byte) (typ uint32, size uint16, err error) {
	if len(record) < headerSize {
		return 0, 0, fmt.Errorf("perfrecord: record of %d bytes too short for a header", len(record))
	}
	typ = binary.LittleEndian.Uint32(record[0:4])
	size = binary.LittleEndian.Uint16(record[6:8])
	return typ, size, nil
}

// Mmap2 is a decoded PERF_RECORD_MMAP2: a DSO entering a process's address
// space, carrying enough of struct stat to intern the backing file.
type Mmap2 struct {
	PID, TID      uint32
	Addr, Len     uint64
	PgOff         uint64
	Maj, Min      uint32
	Ino, InoGen   uint64
	Prot, Flags   uint32
	Filename      string
}

// DecodeMmap2 parses a PERF_RECORD_MMAP2 record (header included).
func DecodeMmap2(record []byte) (Mmap2, error) {
	r := bytes.NewReader(record[headerSize:])
	var m Mmap2
	fields := []any{&m.PID, &m.TID, &m.Addr, &m.Len, &m.PgOff, &m.Maj, &m.Min, &m.Ino, &m.InoGen, &m.Prot, &m.Flags}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Mmap2{}, fmt.Errorf("perfrecord: decode mmap2: %w", err)
		}
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return Mmap2{}, fmt.Errorf("perfrecord: decode mmap2 filename: %w", err)
	}
	m.Filename = cString(rest)
	return m, nil
}

// Comm is a decoded PERF_RECORD_COMM: a process or thread's name.
type Comm struct {
	PID, TID uint32
	Name     string
}

// DecodeComm parses a PERF_RECORD_COMM record (header included).
func DecodeComm(record []byte) (Comm, error) {
	r := bytes.NewReader(record[headerSize:])
	var c Comm
	if err := binary.Read(r, binary.LittleEndian, &c.PID); err != nil {
		return Comm{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &c.TID); err != nil {
		return Comm{}, err
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return Comm{}, err
	}
	c.Name = cString(rest)
	return c, nil
}

// ForkExit is the shared shape of PERF_RECORD_FORK and PERF_RECORD_EXIT.
type ForkExit struct {
	PID, PPID uint32
	TID, PTID uint32
	Time      uint64
}

// DecodeFork parses a PERF_RECORD_FORK record (header included).
func DecodeFork(record []byte) (ForkExit, error) { return decodeForkExit(record) }

// DecodeExit parses a PERF_RECORD_EXIT record (header included).
func DecodeExit(record []byte) (ForkExit, error) { return decodeForkExit(record) }

func decodeForkExit(record []byte) (ForkExit, error) {
	r := bytes.NewReader(record[headerSize:])
	var fe ForkExit
	fields := []any{&fe.PID, &fe.PPID, &fe.TID, &fe.PTID, &fe.Time}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return ForkExit{}, fmt.Errorf("perfrecord: decode fork/exit: %w", err)
		}
	}
	return fe, nil
}

// Lost is a decoded PERF_RECORD_LOST.
type Lost struct {
	ID   uint64
	Lost uint64
}

// DecodeLost parses a PERF_RECORD_LOST record (header included).
func DecodeLost(record []byte) (Lost, error) {
	r := bytes.NewReader(record[headerSize:])
	var l Lost
	if err := binary.Read(r, binary.LittleEndian, &l.ID); err != nil {
		return Lost{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &l.Lost); err != nil {
		return Lost{}, err
	}
	return l, nil
}

// Sample is a decoded PERF_RECORD_SAMPLE, for the minimal sample_type mask
// {TID | TIME | ADDR | CPU | PERIOD | REGS_USER | STACK_USER}. RegsRaw is
// the raw REGS_USER block, still architecture-typed bytes for the unwind
// package's DecodeAMD64Registers/DecodeARM64Registers to parse.
type Sample struct {
	PID, TID uint32
	Time     uint64
	Addr     uint64
	CPU      uint32
	Period   uint64
	RegsRaw  []byte
	Stack    []byte
}

// DecodeSample parses a PERF_RECORD_SAMPLE record (header included).
// regsSize is the number of 8-byte registers the REGS_USER block carries,
// which depends on the sampled process's architecture
// (unwind.AMD64RegsSize or unwind.ARM64RegsSize).
func DecodeSample(record []byte, regsSize int) (Sample, error) {
	r := bytes.NewReader(record[headerSize:])
	var s Sample
	var reserved uint32
	var abiMask uint64

	head := []any{&s.PID, &s.TID, &s.Time, &s.Addr, &s.CPU, &reserved, &s.Period, &abiMask}
	for _, f := range head {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Sample{}, fmt.Errorf("perfrecord: decode sample header: %w", err)
		}
	}

	s.RegsRaw = make([]byte, regsSize*8)
	if _, err := io.ReadFull(r, s.RegsRaw); err != nil {
		return Sample{}, fmt.Errorf("perfrecord: decode sample regs: %w", err)
	}

	var stackSize uint64
	if err := binary.Read(r, binary.LittleEndian, &stackSize); err != nil {
		return Sample{}, fmt.Errorf("perfrecord: decode sample stack size: %w", err)
	}
	s.Stack = make([]byte, stackSize)
	if _, err := io.ReadFull(r, s.Stack); err != nil {
		return Sample{}, fmt.Errorf("perfrecord: decode sample stack: %w", err)
	}
	if stackSize > 0 {
		var dynSize uint64
		// dyn_size is only present when the full stack_size was requested but
		// less was actually captured; absence (EOF) is not an error.
		_ = binary.Read(r, binary.LittleEndian, &dynSize)
	}

	return s, nil
}

// cString trims a byte slice at its first NUL, for the kernel's
// fixed-but-padded or variable-length string fields.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
