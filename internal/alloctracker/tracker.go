package alloctracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/tripwire/profiler/internal/ringbuf"
)

// Record type values, matching the kernel's PERF_RECORD_* numbering where
// this tracker reuses it, and the custom range (starting at 1000, chosen
// above PERF_RECORD_MAX) for tracker-specific records.
const (
	RecordSample                  = 9
	RecordLost                    = 2
	RecordDeallocation            = 1000
	RecordClearLiveAllocation     = 1001
	RecordAllocationTrackerState  = 1002
)

// maxTrackedAllocations bounds the tracker's own view of live allocations,
// independent of (but numerically identical to) the consumer-side
// aggregator's live-heap cap.
const maxTrackedAllocations = 1 << 19

// Sample is one sampled allocation event. Stack is a best-effort, pure-Go
// stand-in for the native register+raw-stack-bytes snapshot the component
// design specifies: a slice of return-address program counters captured
// via runtime.Callers at the point of interception. See the package doc
// comment for why the raw memmove capture isn't implemented.
type Sample struct {
	PID, TID int32
	Addr     uint64
	Bytes    int64
	Stack    []uintptr
}

// Tracker owns one thread's sampling state, the shared MPSC ring buffer
// connection, the liveness address set, and lost-event accounting. The
// allocator-hook glue constructs one per OS thread.
type Tracker struct {
	pid, tid int32
	state    *ThreadState
	writer   *ringbuf.MPSCWriter

	deallocTracking bool
	live            map[uint64]struct{}

	lostCount uint64
}

// New returns a Tracker sampling at the given mean byte interval and
// writing records to writer.
func New(pid, tid int32, intervalBytes int64, deterministic bool, seed int64, writer *ringbuf.MPSCWriter, trackDeallocations bool) *Tracker {
	return &Tracker{
		pid:             pid,
		tid:             tid,
		state:           NewThreadState(intervalBytes, deterministic, seed),
		writer:          writer,
		deallocTracking: trackDeallocations,
		live:            make(map[uint64]struct{}),
	}
}

// OnAllocate is called by the interposed allocator entry point. addr is the
// address returned to the caller; size is the requested allocation size.
func (t *Tracker) OnAllocate(addr uint64, size int64) {
	reportBytes, sampled := t.state.OnAllocate(size)
	if !sampled {
		return
	}

	if t.deallocTracking {
		if len(t.live) >= maxTrackedAllocations {
			t.emit(encodeClearLiveAllocation())
			t.live = make(map[uint64]struct{})
		}
		t.live[addr] = struct{}{}
	}

	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	sample := Sample{PID: t.pid, TID: t.tid, Addr: addr, Bytes: reportBytes, Stack: pcs[:n]}
	t.emit(encodeSample(sample))
}

// OnDeallocate is called by the interposed free-family entry point. It is a
// no-op unless deallocation tracking is enabled.
func (t *Tracker) OnDeallocate(addr uint64) {
	if !t.deallocTracking {
		return
	}
	if _, ok := t.live[addr]; !ok {
		return
	}
	delete(t.live, addr)
	t.emit(encodeDeallocation(addr))
}

// emit writes rec to the ring buffer, counting a lost event and deferring
// a PERF_RECORD_LOST announcement on failure rather than blocking or
// retrying (the tracker never sleeps).
func (t *Tracker) emit(rec []byte) {
	if t.writer.Disabled() {
		return
	}
	if t.writer.Write(rec) {
		return
	}
	t.lostCount++
}

// FlushLost writes (and clears) the accumulated lost-event count as a
// PERF_RECORD_LOST record, if any events have been lost since the last
// flush. Called by the glue code when ring-buffer space next permits.
func (t *Tracker) FlushLost() {
	if t.lostCount == 0 {
		return
	}
	if t.writer.Write(encodeLost(t.lostCount)) {
		t.lostCount = 0
	}
}

// LostCount reports the currently accumulated (not yet flushed) lost-event
// count.
func (t *Tracker) LostCount() uint64 { return t.lostCount }

func encodeSample(s Sample) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(RecordSample))
	binary.Write(&buf, binary.LittleEndian, s.PID)
	binary.Write(&buf, binary.LittleEndian, s.TID)
	binary.Write(&buf, binary.LittleEndian, s.Addr)
	binary.Write(&buf, binary.LittleEndian, s.Bytes)
	binary.Write(&buf, binary.LittleEndian, uint32(len(s.Stack)))
	for _, pc := range s.Stack {
		binary.Write(&buf, binary.LittleEndian, uint64(pc))
	}
	return buf.Bytes()
}

// DecodeSample reverses encodeSample, for tests and for the event pump.
func DecodeSample(rec []byte) (Sample, error) {
	r := bytes.NewReader(rec)
	var recType uint32
	if err := binary.Read(r, binary.LittleEndian, &recType); err != nil {
		return Sample{}, err
	}
	if recType != RecordSample {
		return Sample{}, fmt.Errorf("alloctracker: record type %d is not a sample", recType)
	}
	var s Sample
	binary.Read(r, binary.LittleEndian, &s.PID)
	binary.Read(r, binary.LittleEndian, &s.TID)
	binary.Read(r, binary.LittleEndian, &s.Addr)
	binary.Read(r, binary.LittleEndian, &s.Bytes)
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return Sample{}, err
	}
	s.Stack = make([]uintptr, n)
	for i := range s.Stack {
		var pc uint64
		if err := binary.Read(r, binary.LittleEndian, &pc); err != nil {
			return Sample{}, err
		}
		s.Stack[i] = uintptr(pc)
	}
	return s, nil
}

func encodeDeallocation(addr uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(RecordDeallocation))
	binary.Write(&buf, binary.LittleEndian, addr)
	return buf.Bytes()
}

func encodeClearLiveAllocation() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(RecordClearLiveAllocation))
	return buf.Bytes()
}

func encodeLost(count uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(RecordLost))
	binary.Write(&buf, binary.LittleEndian, count)
	return buf.Bytes()
}

// DecodeDeallocation reverses encodeDeallocation.
func DecodeDeallocation(rec []byte) (addr uint64, err error) {
	r := bytes.NewReader(rec)
	var recType uint32
	if err := binary.Read(r, binary.LittleEndian, &recType); err != nil {
		return 0, err
	}
	if recType != RecordDeallocation {
		return 0, fmt.Errorf("alloctracker: record type %d is not a deallocation", recType)
	}
	if err := binary.Read(r, binary.LittleEndian, &addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// DecodeLost reverses encodeLost.
func DecodeLost(rec []byte) (count uint64, err error) {
	r := bytes.NewReader(rec)
	var recType uint32
	if err := binary.Read(r, binary.LittleEndian, &recType); err != nil {
		return 0, err
	}
	if recType != RecordLost {
		return 0, fmt.Errorf("alloctracker: record type %d is not a lost-count", recType)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// DecodeRecordType reads just the leading record-type tag common to every
// record this tracker emits, without consuming the rest of the buffer.
func DecodeRecordType(rec []byte) (uint32, error) {
	if len(rec) < 4 {
		return 0, fmt.Errorf("alloctracker: record too short")
	}
	return binary.LittleEndian.Uint32(rec[:4]), nil
}
