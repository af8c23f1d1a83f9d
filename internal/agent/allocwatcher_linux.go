//go:build linux

package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"unsafe"

	"github.com/google/pprof/profile"
	"golang.org/x/sys/unix"

	"github.com/tripwire/profiler/internal/aggregator"
	"github.com/tripwire/profiler/internal/config"
	"github.com/tripwire/profiler/internal/dso"
	"github.com/tripwire/profiler/internal/eventpump"
	"github.com/tripwire/profiler/internal/fileinfo"
	"github.com/tripwire/profiler/internal/ringbuf"
	"github.com/tripwire/profiler/internal/symbolcache"
	"github.com/tripwire/profiler/internal/symbolize"
	"github.com/tripwire/profiler/internal/unwind"
)

// controlPageSize is the single page at the front of every MPSC ring's
// shared memory holding {head, tail, spinlock, ring_buffer_type, mask}, per
// the ring-buffer layout's fixed header.
const controlPageSize = 4096

// AllocWatcher is a pumpWatcher whose ring-buffer sources are attached
// lazily, as in-process allocation trackers complete the handshake over the
// agent's Unix datagram socket rather than being known up front the way a
// CPU watcher's targets are.
type AllocWatcher struct {
	*pumpWatcher
	cfg       config.WatcherConfig
	ringBytes int64
}

// NewAllocWatcher builds the aggregation pipeline for an allocation watcher.
// It registers no ring-buffer sources; call Attach (normally driven by
// AllocHandshakeServer) once per target process as it connects.
func NewAllocWatcher(cfg config.WatcherConfig, rb config.RingBufferConfig) (*AllocWatcher, error) {
	registry := dso.New()
	files := fileinfo.New()
	unwinder := unwind.New(registry, files)
	symbols := symbolcache.New(symbolize.NewDWARFBackend())

	periodType := &profile.ValueType{Type: "space", Unit: "bytes"}
	sampleType := []*profile.ValueType{{Type: "allocations", Unit: "count"}, {Type: "space", Unit: "bytes"}}
	agg := aggregator.New(periodType, sampleType, cfg.SampleBytesInterval, map[string]string{"watcher": cfg.Name})

	pump, err := eventpump.New(hostArch(), registry, files, unwinder, symbols, agg)
	if err != nil {
		return nil, fmt.Errorf("alloc watcher %s: %w", cfg.Name, err)
	}

	return &AllocWatcher{
		pumpWatcher: &pumpWatcher{name: cfg.Name, pump: pump, agg: agg},
		cfg:         cfg,
		ringBytes:   rb.MPSCBytes,
	}, nil
}

// Matches reports whether pid falls within this watcher's target set: an
// explicit pid list, or current membership of its configured cgroup.
func (w *AllocWatcher) Matches(pid int) bool {
	for _, p := range w.cfg.PIDs {
		if p == pid {
			return true
		}
	}
	if w.cfg.Cgroup == "" {
		return false
	}
	members, err := resolveCgroupPIDs(w.cfg.Cgroup)
	if err != nil {
		return false
	}
	for _, p := range members {
		if p == pid {
			return true
		}
	}
	return false
}

// Attach creates a fresh MPSC ring buffer for pid, registers it with the
// watcher's event pump, and returns the memfd and eventfd to hand to the
// connecting in-process agent via SCM_RIGHTS.
func (w *AllocWatcher) Attach(pid int) (memFD, eventFD int, ringSize uint64, err error) {
	ring, err := newAllocRing(w.ringBytes)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := w.pump.AddAllocSource(ring.eventFD, ring.reader, pid); err != nil {
		ring.Close()
		return 0, 0, 0, fmt.Errorf("alloc watcher %s: add alloc source: %w", w.cfg.Name, err)
	}
	w.closers = append(w.closers, ring)
	return ring.memFD, ring.eventFD, ring.dataSize, nil
}

// allocRing owns the memfd-backed, mmap'd shared memory region and eventfd
// for one target process's MPSC ring buffer.
type allocRing struct {
	mem      []byte
	memFD    int
	eventFD  int
	dataSize uint64
	reader   *ringbuf.MPSCReader
}

// newAllocRing allocates a memfd large enough for the control page plus a
// power-of-two data region of at least minBytes, maps it, and wraps it in an
// MPSCBuffer/MPSCReader pair over the mapped memory.
func newAllocRing(minBytes int64) (*allocRing, error) {
	dataSize := nextPowerOfTwo(uint64(minBytes))
	total := controlPageSize + int(dataSize)

	memFD, err := unix.MemfdCreate("profiler-alloc-ring", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(memFD, int64(total)); err != nil {
		unix.Close(memFD)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	mem, err := unix.Mmap(memFD, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(memFD)
		return nil, fmt.Errorf("mmap: %w", err)
	}

	headPtr := (*uint64)(unsafe.Pointer(&mem[0]))
	tailPtr := (*uint64)(unsafe.Pointer(&mem[8]))
	spinlockPtr := (*uint32)(unsafe.Pointer(&mem[16]))

	buf, err := ringbuf.NewMPSCBuffer(mem[controlPageSize:], dataSize, headPtr, tailPtr, spinlockPtr)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(memFD)
		return nil, err
	}

	eventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(memFD)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &allocRing{
		mem:      mem,
		memFD:    memFD,
		eventFD:  eventFD,
		dataSize: dataSize,
		reader:   ringbuf.NewMPSCReader(buf),
	}, nil
}

func (r *allocRing) Close() error {
	var errs []error
	if err := unix.Munmap(r.mem); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(r.memFD); err != nil {
		errs = append(errs, err)
	}
	if err := unix.Close(r.eventFD); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// nextPowerOfTwo rounds n up to the next power of two, with a floor of 4096
// so a misconfigured tiny MPSCBytes still yields a usable ring.
func nextPowerOfTwo(n uint64) uint64 {
	if n < 4096 {
		n = 4096
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// resolveCgroupPIDs reads the member pids of a cgroup's cgroup.procs file.
func resolveCgroupPIDs(cgroupPath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			if i > start {
				if pid, err := strconv.Atoi(string(data[start:i])); err == nil {
					pids = append(pids, pid)
				}
			}
			start = i + 1
		}
	}
	return pids, nil
}
