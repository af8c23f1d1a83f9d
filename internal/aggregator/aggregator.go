// Package aggregator hashes symbolized stacks into a pprof-format profile:
// one string/function/location/sample table per cycle, plus a live-heap
// submode for allocation/deallocation tracking.
package aggregator

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/google/pprof/profile"
)

// StackFrame is one symbolized frame as the aggregator consumes it — the
// unwinder's (file_info_id, elf_addr) pair plus the symbol cache's
// resolved name, file, and line.
type StackFrame struct {
	FileInfoID int64
	Path       string
	BuildID    string
	ELFAddr    uint64
	Function   string
	File       string
	Line       int
}

type funcKey struct {
	name, file string
}

type locKey struct {
	fileInfoID int64
	elfAddr    uint64
}

type stackKey struct {
	hash   uint64
	labels string
}

// Aggregator accumulates one pprof profile's worth of samples for a single
// watcher. It is not safe for concurrent use; the event pump's
// single-consumer loop is the only caller, per the concurrency model.
type Aggregator struct {
	periodType *profile.ValueType
	sampleType []*profile.ValueType
	period     int64

	baseLabels map[string][]string

	mappings  map[int64]*profile.Mapping
	functions map[funcKey]*profile.Function
	locations map[locKey]*profile.Location
	samples   map[stackKey]*profile.Sample

	nextMappingID, nextFunctionID, nextLocationID uint64
}

// New returns an empty Aggregator for one watcher cycle. baseLabels is
// attached to every sample, matching the pprof output contract that every
// profile carries {service, environment, service_version, runtime, pid}.
func New(periodType *profile.ValueType, sampleType []*profile.ValueType, period int64, baseLabels map[string]string) *Aggregator {
	a := &Aggregator{
		periodType: periodType,
		sampleType: sampleType,
		period:     period,
		mappings:   make(map[int64]*profile.Mapping),
		functions:  make(map[funcKey]*profile.Function),
		locations:  make(map[locKey]*profile.Location),
		samples:    make(map[stackKey]*profile.Sample),
	}
	a.baseLabels = make(map[string][]string, len(baseLabels))
	for k, v := range baseLabels {
		a.baseLabels[k] = []string{v}
	}
	return a
}

// Add records one occurrence of value against the given symbolized stack
// and label set, accumulating into an existing sample if the same
// (stack, labels) pair has already been seen this cycle. Insert cost is
// O(stack depth) hash lookups plus at most one allocation per newly seen
// string/function/location, per the component's cost contract.
func (a *Aggregator) Add(frames []StackFrame, value int64, labels map[string]string) {
	locs := make([]*profile.Location, len(frames))
	for i, f := range frames {
		m := a.ensureMapping(f.FileInfoID, f.Path, f.BuildID)
		fn := a.ensureFunction(f.Function, f.File)
		locs[i] = a.ensureLocation(f.FileInfoID, f.ELFAddr, m, fn, f.Line)
	}

	key := stackKey{hash: hashStack(frames), labels: encodeLabels(labels)}
	if s, ok := a.samples[key]; ok {
		s.Value[0] += value
		return
	}

	lbl := make(map[string][]string, len(a.baseLabels)+len(labels))
	for k, v := range a.baseLabels {
		lbl[k] = v
	}
	for k, v := range labels {
		lbl[k] = []string{v}
	}

	a.samples[key] = &profile.Sample{
		Location: locs,
		Value:    []int64{value},
		Label:    lbl,
	}
}

func (a *Aggregator) ensureMapping(fileInfoID int64, path, buildID string) *profile.Mapping {
	if m, ok := a.mappings[fileInfoID]; ok {
		return m
	}
	a.nextMappingID++
	m := &profile.Mapping{
		ID:              a.nextMappingID,
		File:            path,
		BuildID:         buildID,
		HasFunctions:    true,
		HasFilenames:    true,
		HasLineNumbers:  true,
		HasInlineFrames: true,
	}
	a.mappings[fileInfoID] = m
	return m
}

func (a *Aggregator) ensureFunction(name, file string) *profile.Function {
	key := funcKey{name: name, file: file}
	if fn, ok := a.functions[key]; ok {
		return fn
	}
	a.nextFunctionID++
	fn := &profile.Function{
		ID:         a.nextFunctionID,
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	a.functions[key] = fn
	return fn
}

func (a *Aggregator) ensureLocation(fileInfoID int64, elfAddr uint64, m *profile.Mapping, fn *profile.Function, line int) *profile.Location {
	key := locKey{fileInfoID: fileInfoID, elfAddr: elfAddr}
	if l, ok := a.locations[key]; ok {
		return l
	}
	a.nextLocationID++
	l := &profile.Location{
		ID:      a.nextLocationID,
		Mapping: m,
		Address: elfAddr,
		Line:    []profile.Line{{Function: fn, Line: int64(line)}},
	}
	a.locations[key] = l
	return l
}

// HashFrames exposes the same stack hash Add uses internally, so callers
// that need to key external state (the allocation tracker's live-heap
// submode) by the same notion of "this stack" as the sample table stay
// consistent with it.
func HashFrames(frames []StackFrame) uint64 { return hashStack(frames) }

// hashStack hashes the ordered (file_info_id, elf_addr) pairs of a stack;
// order-sensitive, per the data model's call-stack hash contract.
func hashStack(frames []StackFrame) uint64 {
	h := fnv.New64a()
	for _, f := range frames {
		fmt.Fprintf(h, "%d:%x;", f.FileInfoID, f.ELFAddr)
	}
	return h.Sum64()
}

// encodeLabels produces a stable string key for a label set so two samples
// with the same labels (regardless of map iteration order) collapse into
// one bucket.
func encodeLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + "=" + labels[k] + ";"
	}
	return out
}

// Flush serializes the accumulated samples into a pprof Profile and resets
// the aggregator for the next cycle.
func (a *Aggregator) Flush(timeNanos, durationNanos int64) *profile.Profile {
	p := &profile.Profile{
		SampleType:    a.sampleType,
		PeriodType:    a.periodType,
		Period:        a.period,
		TimeNanos:     timeNanos,
		DurationNanos: durationNanos,
	}
	for _, m := range a.mappings {
		p.Mapping = append(p.Mapping, m)
	}
	for _, fn := range a.functions {
		p.Function = append(p.Function, fn)
	}
	for _, l := range a.locations {
		p.Location = append(p.Location, l)
	}
	for _, s := range a.samples {
		p.Sample = append(p.Sample, s)
	}

	a.mappings = make(map[int64]*profile.Mapping)
	a.functions = make(map[funcKey]*profile.Function)
	a.locations = make(map[locKey]*profile.Location)
	a.samples = make(map[stackKey]*profile.Sample)

	return p
}

// SampleCount reports how many distinct (stack, label) samples are pending
// in the current cycle, mainly useful to tests.
func (a *Aggregator) SampleCount() int { return len(a.samples) }
