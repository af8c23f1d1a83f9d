// Package alloctracker implements the in-process allocation sampler: the
// Poisson-thinned sampling decision, the reentrancy guard, and the wire
// encoding of the records it writes to the shared MPSC ring buffer.
//
// The actual interception of allocator entry points and the raw
// register+stack memmove described in the allocation tracker's component
// design are out of reach for a safe, idiomatic Go program — Go exposes
// neither arbitrary stack-memory reads nor a stable register snapshot at an
// arbitrary call site without cgo/asm. This package implements the part of
// the contract that is both fully specified and safely expressible in Go
// (the sampling math, the reentrancy guard, the MPSC write path, the
// liveness cap, and lost-event accounting) and substitutes a
// runtime.Callers program-counter snapshot for the native stack memmove;
// see the design ledger for the reasoning.
package alloctracker

import "math/rand"

// Sampler implements the exponential-distribution byte-interval sampling
// decision described in the allocation tracker's component design.
type Sampler struct {
	intervalBytes  int64
	deterministic  bool
	rng            *rand.Rand
	remainingBytes int64
	initialized    bool
}

// NewSampler returns a Sampler with the given mean byte interval. When
// deterministic is true, every "next sample interval" draw returns
// intervalBytes exactly instead of an exponential deviate, for repeatable
// tests.
func NewSampler(intervalBytes int64, deterministic bool, seed int64) *Sampler {
	return &Sampler{
		intervalBytes: intervalBytes,
		deterministic: deterministic,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

func (s *Sampler) nextInterval() int64 {
	if s.deterministic || s.intervalBytes <= 1 {
		return s.intervalBytes
	}
	n := int64(s.rng.ExpFloat64() * float64(s.intervalBytes))
	if n < 1 {
		n = 1
	}
	return n
}

// Observe records one allocation of size bytes and reports whether it
// crossed one or more sample boundaries. On a hit, nSamples is the number
// of boundaries crossed and reportBytes = nSamples * intervalBytes is the
// value to attribute to the current stack, per the component design's
// remaining_bytes algorithm.
func (s *Sampler) Observe(size int64) (nSamples int64, reportBytes int64, sampled bool) {
	if !s.initialized {
		s.remainingBytes = -s.nextInterval()
		s.initialized = true
	}

	s.remainingBytes += size
	if s.remainingBytes < 0 {
		return 0, 0, false
	}

	nSamples = 1 + s.remainingBytes/s.intervalBytes
	reportBytes = nSamples * s.intervalBytes
	s.remainingBytes -= nSamples*s.intervalBytes + s.nextInterval()
	return nSamples, reportBytes, true
}

// ThreadState is the per-thread sampling state described in the design
// notes' "thread-local state" discussion: a Sampler plus the reentrancy
// guard. One ThreadState is meant to be cached per OS thread by the
// allocator-hook glue (realistically via a cgo TLS slot); this package only
// implements its logic, not the TLS plumbing itself.
type ThreadState struct {
	sampler   *Sampler
	inTracker bool
}

// NewThreadState returns a fresh per-thread sampling state.
func NewThreadState(intervalBytes int64, deterministic bool, seed int64) *ThreadState {
	return &ThreadState{sampler: NewSampler(intervalBytes, deterministic, seed)}
}

// OnAllocate runs the sampling decision for one allocation of size bytes.
// If the tracker is already running on this thread (a reentrant
// allocation, e.g. from within the tracker's own bookkeeping), the
// allocation is excluded from reporting but its bytes are still folded
// into remaining_bytes so the next genuine user allocation isn't
// over-attributed, per the reentrancy rule.
func (t *ThreadState) OnAllocate(size int64) (reportBytes int64, sampled bool) {
	if t.inTracker {
		t.sampler.Observe(size)
		return 0, false
	}
	t.inTracker = true
	defer func() { t.inTracker = false }()

	_, reportBytes, sampled = t.sampler.Observe(size)
	return reportBytes, sampled
}
