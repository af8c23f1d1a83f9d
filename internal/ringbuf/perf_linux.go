//go:build linux

package ringbuf

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// perfEventMmapPageDataHeadOffset is the byte offset of data_head within the
// kernel's struct perf_event_mmap_page. The control page layout up to that
// point (version through the time_* fields, padded to 1024 bytes) is fixed
// kernel ABI; we only need the two data pointers, so we read them directly
// at their known offsets rather than overlaying the whole struct.
const perfEventMmapPageDataHeadOffset = 1024

// KernelReader reads PERF_RECORD_* records out of the kernel-mapped ring
// buffer for one perf_event_open file descriptor. One KernelReader exists per
// (watcher, CPU) pair; the event pump polls all of them via epoll.
type KernelReader struct {
	fd       int
	ctrl     []byte // header page, r/w (we write data_tail back)
	data     []byte // data pages, read-only
	dataSize uint64 // power of two
	mask     uint64
}

// OpenKernelReader mmaps the ring buffer associated with a perf_event_open
// file descriptor. dataPages is the number of data pages requested (must be a
// power of two); one additional page is mapped ahead of it for the kernel's
// control header.
func OpenKernelReader(fd int, dataPages int) (*KernelReader, error) {
	pageSize := unix.Getpagesize()
	if dataPages <= 0 || dataPages&(dataPages-1) != 0 {
		return nil, fmt.Errorf("ringbuf: dataPages %d is not a power of two", dataPages)
	}
	dataSize := uint64(dataPages * pageSize)

	total, err := unix.Mmap(fd, 0, pageSize+int(dataSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: mmap perf buffer: %w", err)
	}

	return &KernelReader{
		fd:       fd,
		ctrl:     total[:pageSize],
		data:     total[pageSize:],
		dataSize: dataSize,
		mask:     dataSize - 1,
	}, nil
}

func (k *KernelReader) dataHeadPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&k.ctrl[perfEventMmapPageDataHeadOffset]))
}

func (k *KernelReader) dataTailPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&k.ctrl[perfEventMmapPageDataHeadOffset+8]))
}

// AvailableSize returns the number of unconsumed bytes currently published by
// the kernel.
func (k *KernelReader) AvailableSize() uint64 {
	head := atomic.LoadUint64(k.dataHeadPtr()) // acquire: pairs with the kernel's data_head store
	tail := *k.dataTailPtr()                   // we are the sole writer of data_tail
	return head - tail
}

// ReadRecordHeaders drains every complete perf_event_header-prefixed record
// currently available and invokes fn with each record's raw bytes (header
// included). It stops and returns an error if a record's declared size would
// exceed the bytes actually available, which the kernel never produces and
// which therefore indicates buffer corruption.
func (k *KernelReader) ReadRecordHeaders(fn func(record []byte) error) error {
	tail := *k.dataTailPtr()
	avail := k.AvailableSize()
	consumed := uint64(0)

	for consumed+8 <= avail {
		hdr := k.readAt(tail+consumed, 8)
		size := uint64(binary.LittleEndian.Uint16(hdr[6:8]))
		if size < 8 || consumed+size > avail {
			return fmt.Errorf("ringbuf: corrupt record (size=%d, available=%d)", size, avail-consumed)
		}
		record := k.readAt(tail+consumed, size)
		if err := fn(record); err != nil {
			return err
		}
		consumed += size
	}

	atomic.StoreUint64(k.dataTailPtr(), tail+consumed) // release: returns the space to the kernel
	return nil
}

func (k *KernelReader) readAt(off, n uint64) []byte {
	start := off & k.mask
	out := make([]byte, n)
	if start+n <= k.dataSize {
		copy(out, k.data[start:start+n])
		return out
	}
	first := k.dataSize - start
	copy(out, k.data[start:])
	copy(out[first:], k.data[:n-first])
	return out
}

// Close unmaps the ring buffer. It does not close fd.
func (k *KernelReader) Close() error {
	return unix.Munmap(append(k.ctrl, k.data...)[:len(k.ctrl)+len(k.data)])
}

// PollPage waits, via poll(2) on the ring buffer's fd, until the fd becomes
// readable or timeout elapses; if ctx has an earlier deadline, the wait is
// shortened to it. Cancelling a ctx without a deadline does not interrupt
// the wait. The event pump does not use this method (it polls through its
// own epoll Notifier); it gives KernelReader a standalone blocking read path
// for tests and single-reader tools.
func (k *KernelReader) PollPage(ctx context.Context, timeout time.Duration) error {
	pfds := []unix.PollFd{{Fd: int32(k.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	if dl, ok := ctx.Deadline(); ok {
		if remain := int(time.Until(dl) / time.Millisecond); remain < ms {
			ms = remain
		}
	}
	_, err := unix.Poll(pfds, ms)
	return err
}
