//go:build linux

// Package eventpump is the profiler's single-threaded consumer loop: it
// polls every registered ring buffer via one epoll instance, decodes
// whatever record each one yields, and dispatches it to the DSO registry,
// the unwinder, the symbol cache, and the aggregator in the dependency
// order those packages were built in. It owns no locks, per the
// single-consumer discipline the rest of the pipeline relies on.
package eventpump

import (
	"context"
	"fmt"
	"strconv"

	"github.com/tripwire/profiler/internal/aggregator"
	"github.com/tripwire/profiler/internal/alloctracker"
	"github.com/tripwire/profiler/internal/dso"
	"github.com/tripwire/profiler/internal/fileinfo"
	"github.com/tripwire/profiler/internal/perfrecord"
	"github.com/tripwire/profiler/internal/ringbuf"
	"github.com/tripwire/profiler/internal/symbolcache"
	"github.com/tripwire/profiler/internal/unwind"
)

// kernelSource is one CPU's kernel-mapped perf ring buffer.
type kernelSource struct {
	eventFD int32
	reader  *ringbuf.KernelReader
}

// allocSource is the MPSC ring buffer shared by every thread of one traced
// process's in-process allocation tracker.
type allocSource struct {
	eventFD int32
	reader  *ringbuf.MPSCReader
	pid     int
}

// Pump drains every ring buffer feeding a single watcher's cycle and folds
// the resulting samples into one Aggregator.
type Pump struct {
	notifier *ringbuf.Notifier
	arch     unwind.Arch

	kernel map[int32]*kernelSource
	alloc  map[int32]*allocSource

	registry *dso.Registry
	files    *fileinfo.Table
	unwinder *unwind.Unwinder
	symbols  *symbolcache.Cache
	agg      *aggregator.Aggregator

	comm      map[int]string
	liveHeaps map[int]*aggregator.LiveHeap

	lostKernel uint64
	lostAlloc  uint64
}

// New returns a Pump with a fresh epoll notifier, ready to have ring-buffer
// sources registered via AddKernelSource/AddAllocSource.
func New(arch unwind.Arch, registry *dso.Registry, files *fileinfo.Table, unwinder *unwind.Unwinder, symbols *symbolcache.Cache, agg *aggregator.Aggregator) (*Pump, error) {
	n, err := ringbuf.NewNotifier()
	if err != nil {
		return nil, fmt.Errorf("eventpump: new notifier: %w", err)
	}
	return &Pump{
		notifier:  n,
		arch:      arch,
		kernel:    make(map[int32]*kernelSource),
		alloc:     make(map[int32]*allocSource),
		registry:  registry,
		files:     files,
		unwinder:  unwinder,
		symbols:   symbols,
		agg:       agg,
		comm:      make(map[int]string),
		liveHeaps: make(map[int]*aggregator.LiveHeap),
	}, nil
}

// AddKernelSource registers one CPU's perf ring buffer for polling.
func (p *Pump) AddKernelSource(eventFD int, reader *ringbuf.KernelReader) error {
	if err := p.notifier.AddEventFD(eventFD); err != nil {
		return err
	}
	p.kernel[int32(eventFD)] = &kernelSource{eventFD: int32(eventFD), reader: reader}
	return nil
}

// AddAllocSource registers one traced process's in-process allocation
// tracker ring buffer for polling. pid is supplied by the handshake
// described in the external-interfaces contract — the profiler already
// knows which process it handed this ring buffer to.
func (p *Pump) AddAllocSource(eventFD int, reader *ringbuf.MPSCReader, pid int) error {
	if err := p.notifier.AddEventFD(eventFD); err != nil {
		return err
	}
	p.alloc[int32(eventFD)] = &allocSource{eventFD: int32(eventFD), reader: reader, pid: pid}
	return nil
}

// Close releases the notifier and every in-process tracking state the pump
// owns, without touching the ring buffers themselves (the caller owns
// their mmaps).
func (p *Pump) Close() error { return p.notifier.Close() }

// Run polls and dispatches until ctx is cancelled, draining any
// already-ready records before returning. It is the event loop the
// concurrency model describes as blocking only in epoll_wait.
func (p *Pump) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = p.notifier.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		ready, closed, err := p.notifier.Wait(-1)
		if closed {
			return p.drainAll()
		}
		if err != nil {
			return fmt.Errorf("eventpump: wait: %w", err)
		}
		for _, fd := range ready {
			p.drainOne(fd)
		}
		select {
		case <-ctx.Done():
			return p.drainAll()
		default:
		}
	}
}

// drainAll drains every registered source once, used on shutdown so no
// already-committed record is lost.
func (p *Pump) drainAll() error {
	for fd := range p.kernel {
		p.drainOne(fd)
	}
	for fd := range p.alloc {
		p.drainOne(fd)
	}
	return nil
}

func (p *Pump) drainOne(fd int32) {
	if k, ok := p.kernel[fd]; ok {
		if err := k.reader.ReadRecordHeaders(p.handleKernelRecord); err != nil {
			p.lostKernel++
		}
		return
	}
	if a, ok := p.alloc[fd]; ok {
		for {
			rec, ok := a.reader.Next()
			if !ok {
				return
			}
			p.handleAllocRecord(a.pid, rec)
		}
	}
}

func (p *Pump) handleKernelRecord(record []byte) error {
	typ, _, err := perfrecord.Header(record)
	if err != nil {
		return err
	}
	switch typ {
	case perfrecord.RecordMmap2:
		p.handleMmap2(record)
	case perfrecord.RecordComm:
		p.handleComm(record)
	case perfrecord.RecordFork:
		// Bookkeeping only; the registry and unwinder contexts are created
		// lazily on first sample for a new PID.
	case perfrecord.RecordExit:
		p.handleExit(record)
	case perfrecord.RecordLost:
		if l, err := perfrecord.DecodeLost(record); err == nil {
			p.lostKernel += l.Lost
		}
	case perfrecord.RecordSample:
		p.handleKernelSample(record)
	}
	return nil
}

func (p *Pump) handleMmap2(record []byte) {
	m, err := perfrecord.DecodeMmap2(record)
	if err != nil {
		return
	}
	key := fileinfo.Key{Inode: m.Ino, Offset: m.PgOff, Size: m.Len}
	info := p.files.Lookup(int(m.PID), m.Filename, key)
	p.registry.InsertEvicting(dso.DSO{
		PID:        int(m.PID),
		Start:      m.Addr,
		End:        m.Addr + m.Len,
		PageOffset: m.PgOff,
		Path:       m.Filename,
		Kind:       dso.KindStandard,
		Executable: m.Prot&0x4 != 0, // PROT_EXEC
		FileInfoID: info.ID,
	})
}

func (p *Pump) handleComm(record []byte) {
	c, err := perfrecord.DecodeComm(record)
	if err != nil {
		return
	}
	p.comm[int(c.PID)] = c.Name
}

func (p *Pump) handleExit(record []byte) {
	fe, err := perfrecord.DecodeExit(record)
	if err != nil {
		return
	}
	pid := int(fe.PID)
	p.registry.ErasePID(pid)
	p.unwinder.DropPID(pid)
	delete(p.comm, pid)
	delete(p.liveHeaps, pid)
}

func (p *Pump) regsSize() int {
	if p.arch == unwind.ArchARM64 {
		return unwind.ARM64RegsSize
	}
	return unwind.AMD64RegsSize
}

func (p *Pump) handleKernelSample(record []byte) {
	s, err := perfrecord.DecodeSample(record, p.regsSize())
	if err != nil {
		return
	}

	var regs unwind.Registers
	switch p.arch {
	case unwind.ArchARM64:
		regs = unwind.DecodeARM64Registers(s.RegsRaw)
	default:
		regs = unwind.DecodeAMD64Registers(s.RegsRaw)
	}

	stack := unwind.NewStackMemory(regs.SP(), s.Stack)
	frames := p.unwinder.Unwind(int(s.PID), regs, stack)
	stackFrames, _ := p.symbolize(int(s.PID), frames)

	p.agg.Add(stackFrames, int64(s.Period), map[string]string{
		"pid":  strconv.Itoa(int(s.PID)),
		"tid":  strconv.Itoa(int(s.TID)),
		"comm": p.comm[int(s.PID)],
	})
}

func (p *Pump) handleAllocRecord(pid int, rec []byte) {
	typ, err := alloctracker.DecodeRecordType(rec)
	if err != nil {
		return
	}
	switch typ {
	case alloctracker.RecordSample:
		p.handleAllocSample(pid, rec)
	case alloctracker.RecordDeallocation:
		if addr, err := alloctracker.DecodeDeallocation(rec); err == nil {
			p.liveHeapFor(pid).Deallocate(addr)
		}
	case alloctracker.RecordClearLiveAllocation:
		p.liveHeapFor(pid).Clear()
	case alloctracker.RecordLost:
		if count, err := alloctracker.DecodeLost(rec); err == nil {
			p.lostAlloc += count
		}
	}
}

func (p *Pump) handleAllocSample(pid int, rec []byte) {
	s, err := alloctracker.DecodeSample(rec)
	if err != nil || len(s.Stack) == 0 {
		// Allocation events with empty or invalid stacks are silently
		// dropped rather than recorded.
		return
	}

	pcs := make([]uint64, len(s.Stack))
	for i, pc := range s.Stack {
		pcs[i] = uint64(pc)
	}
	frames := p.unwinder.ResolveFrames(pid, pcs)
	stackFrames, stackHash := p.symbolize(pid, frames)

	p.liveHeapFor(pid).Allocate(s.Addr, stackHash, s.Bytes)
	p.agg.Add(stackFrames, s.Bytes, map[string]string{
		"pid": strconv.Itoa(pid),
		"tid": strconv.Itoa(int(s.TID)),
	})
}

func (p *Pump) liveHeapFor(pid int) *aggregator.LiveHeap {
	lh, ok := p.liveHeaps[pid]
	if !ok {
		lh = aggregator.NewLiveHeap()
		p.liveHeaps[pid] = lh
	}
	return lh
}

// symbolize resolves every non-synthetic frame through the symbol cache,
// expanding inline frames innermost-first, and reports the aggregator's
// stack hash for the resulting frame slice for callers that need to key
// other state (the live-heap submode) by the same stack identity.
func (p *Pump) symbolize(pid int, frames []unwind.Frame) ([]aggregator.StackFrame, uint64) {
	out := make([]aggregator.StackFrame, 0, len(frames))
	for _, f := range frames {
		switch {
		case f.Err != nil:
			out = append(out, aggregator.StackFrame{
				FileInfoID: f.FileInfoID,
				ELFAddr:    f.ELFAddr,
				Function:   string(f.Err.Kind),
			})
		case f.Symbol != "":
			out = append(out, aggregator.StackFrame{
				FileInfoID: f.FileInfoID,
				Function:   f.Symbol,
			})
		default:
			info := p.files.ByID(f.FileInfoID)
			path := ""
			if info != nil {
				path = info.Path
			}
			buildID := p.unwinder.BuildID(pid, f.FileInfoID)

			idx, inlineIdxs := p.symbols.Symbolize(f.FileInfoID, path, f.ELFAddr)
			for _, ii := range inlineIdxs {
				out = append(out, frameFromSymbol(f, path, buildID, p.symbols.Symbol(ii)))
			}
			out = append(out, frameFromSymbol(f, path, buildID, p.symbols.Symbol(idx)))
		}
	}
	return out, aggregator.HashFrames(out)
}

func frameFromSymbol(f unwind.Frame, path, buildID string, sym symbolcache.Symbol) aggregator.StackFrame {
	return aggregator.StackFrame{
		FileInfoID: f.FileInfoID,
		Path:       path,
		BuildID:    buildID,
		ELFAddr:    f.ELFAddr,
		Function:   sym.DemangledName,
		File:       sym.SourcePath,
		Line:       sym.Line,
	}
}

// LostKernel reports the accumulated PERF_RECORD_LOST count observed on the
// kernel ring buffers this pump drains.
func (p *Pump) LostKernel() uint64 { return p.lostKernel }

// LostAlloc reports the accumulated lost-event count reported by in-process
// allocation trackers this pump drains.
func (p *Pump) LostAlloc() uint64 { return p.lostAlloc }
