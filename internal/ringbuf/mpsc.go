package ringbuf

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// MPSCDeadline is the default time a producer spends spinning for the
// reservation spinlock before giving up. It is long enough to rule out
// ordinary contention between producer threads but short enough to detect a
// producer that died while holding the lock.
const MPSCDeadline = 200 * time.Microsecond

// MaxConsecutiveLockFailures is the number of back-to-back spinlock timeouts
// after which an MPSC producer must permanently disable itself.
const MaxConsecutiveLockFailures = 16

// mpscLenHdrSize is the size in bytes of the little-endian u32 length prefix
// on every MPSC record; length == 0 marks the end of the committed region.
const mpscLenHdrSize = 4

// MPSCBuffer is the multi-producer single-consumer ring buffer used by the
// in-process allocation tracker. Many threads in the target process reserve
// space under a shared spinlock; the consumer reads without locking, relying
// on the length-prefixed record layout to discover how much has been
// committed.
type MPSCBuffer struct {
	*Buffer
	spinlock *uint32 // 0 = unlocked, 1 = locked
}

// NewMPSCBuffer constructs an MPSCBuffer over data (length size) using head,
// tail, and spinlock as the shared state.
func NewMPSCBuffer(data []byte, size uint64, head, tail *uint64, spinlock *uint32) (*MPSCBuffer, error) {
	b, err := NewBuffer(data, size, head, tail)
	if err != nil {
		return nil, err
	}
	return &MPSCBuffer{Buffer: b, spinlock: spinlock}, nil
}

// MPSCWriter is one producer's handle onto an MPSCBuffer. A producer that
// accumulates MaxConsecutiveLockFailures consecutive spinlock timeouts
// disables itself irrevocably: subsequent Reserve calls return immediately
// without attempting to acquire the lock.
type MPSCWriter struct {
	buf              *MPSCBuffer
	staleLockCount   uint64
	consecutiveFails int
	disabled         bool
}

// NewMPSCWriter returns a producer handle onto buf.
func NewMPSCWriter(buf *MPSCBuffer) *MPSCWriter { return &MPSCWriter{buf: buf} }

// Disabled reports whether this writer has permanently stopped attempting to
// write, having exceeded MaxConsecutiveLockFailures.
func (w *MPSCWriter) Disabled() bool { return w.disabled }

// StaleLockCount returns the number of spinlock acquisition timeouts observed
// by this writer.
func (w *MPSCWriter) StaleLockCount() uint64 { return w.staleLockCount }

// tryLock attempts to acquire the spinlock until deadline elapses, returning
// true on success.
func (w *MPSCWriter) tryLock(deadline time.Duration) bool {
	start := time.Now()
	for {
		if atomic.CompareAndSwapUint32(w.buf.spinlock, 0, 1) {
			return true
		}
		if time.Since(start) >= deadline {
			return false
		}
	}
}

func (w *MPSCWriter) unlock() {
	atomic.StoreUint32(w.buf.spinlock, 0)
}

// Write reserves space for an n-byte payload under the spinlock (deadline
// MPSCDeadline), copies p into it, and commits. It returns false if the lock
// timed out or the buffer lacked room; a timeout counts towards the
// consecutive-failure limit that permanently disables the writer.
func (w *MPSCWriter) Write(p []byte) bool {
	if w.disabled {
		return false
	}

	n := uint64(len(p))
	total := alignUp8(mpscLenHdrSize + n)

	if !w.tryLock(MPSCDeadline) {
		w.staleLockCount++
		w.consecutiveFails++
		if w.consecutiveFails >= MaxConsecutiveLockFailures {
			w.disabled = true
		}
		return false
	}
	defer w.unlock()
	w.consecutiveFails = 0

	head := *w.buf.head
	tail := atomic.LoadUint64(w.buf.tail) // acquire: don't overrun unread data
	if head-tail+total > w.buf.size {
		return false
	}

	lenPrefix := make([]byte, mpscLenHdrSize)
	binary.LittleEndian.PutUint32(lenPrefix, uint32(n))
	w.buf.copyAt(head, lenPrefix)
	w.buf.copyAt(head+mpscLenHdrSize, p)

	atomic.StoreUint64(w.buf.head, head+total) // release: publish to the consumer
	return true
}

// MPSCReader is the single consumer of an MPSCBuffer.
type MPSCReader struct {
	buf *MPSCBuffer
}

// NewMPSCReader wraps buf for consumption.
func NewMPSCReader(buf *MPSCBuffer) *MPSCReader { return &MPSCReader{buf: buf} }

// Next returns the next committed record's payload and true, or nil, false
// if there is nothing committed yet (a zero length word, or the consumer has
// caught up to head). It advances tail past the returned record.
func (r *MPSCReader) Next() ([]byte, bool) {
	tail := *r.buf.tail
	head := atomic.LoadUint64(r.buf.head) // acquire: see producer commits
	if tail == head {
		return nil, false
	}

	lenPrefix := r.buf.readAt(tail, mpscLenHdrSize)
	length := binary.LittleEndian.Uint32(lenPrefix)
	if length == 0 {
		return nil, false
	}

	total := alignUp8(mpscLenHdrSize + uint64(length))
	payload := r.buf.readAt(tail+mpscLenHdrSize, uint64(length))

	atomic.StoreUint64(r.buf.tail, tail+total)
	return payload, true
}
