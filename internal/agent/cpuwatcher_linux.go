//go:build linux

package agent

import (
	"fmt"
	"runtime"
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

// hostArch maps the running binary's GOARCH to the unwinder's register
// layout. The profiler only ships amd64 and arm64 builds.
func hostArch() unwind.Arch {
	if runtime.GOARCH == "arm64" {
		return unwind.ArchARM64
	}
	return unwind.ArchAMD64
}

// cpuSampleMask is the sample_type mask perfrecord.DecodeSample expects:
// TID | TIME | ADDR | CPU | PERIOD | REGS_USER | STACK_USER.
const cpuSampleMask = unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ADDR |
	unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER

// perfAttrBits packs the perf_event_attr bitfield: freq | mmap | comm |
// mmap2 | task, so the pump's handleMmap2/handleComm/handleExit callbacks
// see the DSO bookkeeping events they need alongside samples.
const perfAttrBits = 1<<10 /* freq */ | 1<<8 /* mmap */ | 1<<9 /* comm */ | 1<<13 /* task */ | 1<<23 /* mmap2 */

// userStackSize is the number of bytes of user stack PERF_SAMPLE_STACK_USER
// captures per sample, bounding how deep the unwinder can walk.
const userStackSize = 8192

// amd64RegsUserMask and arm64RegsUserMask select the registers captured in
// PERF_SAMPLE_REGS_USER, matching the field counts
// unwind.AMD64RegsSize/ARM64RegsSize expect back from the kernel.
const (
	amd64RegsUserMask = 1<<unwind.AMD64RegsSize - 1
	arm64RegsUserMask = 1<<unwind.ARM64RegsSize - 1
)

// NewCPUWatcher builds a Watcher that samples on-CPU stacks for the targets
// named by cfg (either an explicit PID list or a cgroup), at cfg.SampleRateHz.
func NewCPUWatcher(cfg config.WatcherConfig, rb config.RingBufferConfig) (Watcher, error) {
	targets, err := resolveCPUTargets(cfg)
	if err != nil {
		return nil, fmt.Errorf("cpu watcher %s: %w", cfg.Name, err)
	}

	registry := dso.New()
	files := fileinfo.New()
	unwinder := unwind.New(registry, files)
	symbols := symbolcache.New(symbolize.NewDWARFBackend())

	periodType := &profile.ValueType{Type: "cpu", Unit: "nanoseconds"}
	sampleType := []*profile.ValueType{{Type: "samples", Unit: "count"}}
	agg := aggregator.New(periodType, sampleType, int64(1e9/cfg.SampleRateHz), map[string]string{"watcher": cfg.Name})

	pump, err := eventpump.New(hostArch(), registry, files, unwinder, symbols, agg)
	if err != nil {
		return nil, fmt.Errorf("cpu watcher %s: %w", cfg.Name, err)
	}

	w := &pumpWatcher{name: cfg.Name, pump: pump, agg: agg}
	if cfg.Cgroup != "" && len(targets) > 0 {
		w.closers = append(w.closers, fdCloser(targets[0].cgroupFD))
	}
	for _, t := range targets {
		fd, err := openCPUPerfEvent(t.pid, t.cpu, t.cgroupFD, cfg.SampleRateHz)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("cpu watcher %s: perf_event_open(pid=%d,cpu=%d): %w", cfg.Name, t.pid, t.cpu, err)
		}
		reader, err := ringbuf.OpenKernelReader(fd, rb.PerfPagesPerCPU)
		if err != nil {
			unix.Close(fd)
			w.Close()
			return nil, fmt.Errorf("cpu watcher %s: open kernel reader: %w", cfg.Name, err)
		}
		if err := pump.AddKernelSource(fd, reader); err != nil {
			reader.Close()
			w.Close()
			return nil, fmt.Errorf("cpu watcher %s: add kernel source: %w", cfg.Name, err)
		}
		w.closers = append(w.closers, reader)
	}

	return w, nil
}

// cpuTarget is one perf_event_open call to make: either a specific pid with
// cpu=-1 (follow the task across CPUs), or cpu with a cgroup fd as "pid"
// (PERF_FLAG_PID_CGROUP, one call per online CPU).
type cpuTarget struct {
	pid, cpu, cgroupFD int
}

// resolveCPUTargets expands cfg's PIDs or Cgroup selector into the concrete
// perf_event_open calls to make.
func resolveCPUTargets(cfg config.WatcherConfig) ([]cpuTarget, error) {
	if cfg.Cgroup != "" {
		fd, err := unix.Open(cfg.Cgroup, unix.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open cgroup %s: %w", cfg.Cgroup, err)
		}
		targets := make([]cpuTarget, runtime.NumCPU())
		for cpu := range targets {
			targets[cpu] = cpuTarget{pid: fd, cpu: cpu, cgroupFD: fd}
		}
		return targets, nil
	}

	targets := make([]cpuTarget, len(cfg.PIDs))
	for i, pid := range cfg.PIDs {
		targets[i] = cpuTarget{pid: pid, cpu: -1}
	}
	return targets, nil
}

// openCPUPerfEvent opens one PERF_TYPE_SOFTWARE/PERF_COUNT_SW_CPU_CLOCK
// counter in sampling mode. cgroupFD is non-zero when this call targets a
// cgroup rather than a single pid.
func openCPUPerfEvent(pid, cpu, cgroupFD, rateHz int) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:             unix.PERF_TYPE_SOFTWARE,
		Config:           unix.PERF_COUNT_SW_CPU_CLOCK,
		Size:             uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Sample:           uint64(rateHz),
		Sample_type:      cpuSampleMask,
		Bits:             perfAttrBits,
		Sample_regs_user: amd64RegsUserMask,
		Sample_stack_user: userStackSize,
	}
	if hostArch() == unwind.ArchARM64 {
		attr.Sample_regs_user = arm64RegsUserMask
	}

	flags := unix.PERF_FLAG_FD_CLOEXEC
	if cgroupFD != 0 {
		flags |= unix.PERF_FLAG_PID_CGROUP
	}

	fd, err := unix.PerfEventOpen(attr, pid, cpu, -1, flags)
	if err != nil {
		return 0, err
	}
	return fd, nil
}
