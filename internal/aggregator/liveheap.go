package aggregator

// MaxTracked bounds the live-heap submode's allocation table, per the data
// model's 2^19-entry cap.
const MaxTracked = 1 << 19

type liveEntry struct {
	stackHash uint64
	size      int64
}

// LiveHeap tracks, for one (watcher, pid) pair, every live allocation's
// address and the stack that produced it, plus a running live-byte total
// per stack hash. It is the "address -> (stack_hash, size)" map the
// aggregator's live-heap submode describes.
type LiveHeap struct {
	tracked   map[uint64]liveEntry
	liveBytes map[uint64]int64
}

// NewLiveHeap returns an empty live-heap tracker.
func NewLiveHeap() *LiveHeap {
	return &LiveHeap{
		tracked:   make(map[uint64]liveEntry),
		liveBytes: make(map[uint64]int64),
	}
}

// Allocate records a live allocation at addr attributed to stackHash.
// Returns cleared=true if the tracked-allocation cap was hit, in which case
// every prior entry was dropped (the caller is responsible for emitting the
// matching clear_live_allocation record) before addr was recorded.
func (h *LiveHeap) Allocate(addr, stackHash uint64, size int64) (cleared bool) {
	if len(h.tracked) >= MaxTracked {
		h.Clear()
		cleared = true
	}
	h.tracked[addr] = liveEntry{stackHash: stackHash, size: size}
	h.liveBytes[stackHash] += size
	return cleared
}

// Deallocate looks up addr, decrements the owning stack's live-byte total,
// and removes the entry. A deallocation for an address never tracked (e.g.
// allocated before sampling began, or already cleared by an overflow) is a
// silent no-op.
func (h *LiveHeap) Deallocate(addr uint64) {
	e, ok := h.tracked[addr]
	if !ok {
		return
	}
	delete(h.tracked, addr)
	h.liveBytes[e.stackHash] -= e.size
	if h.liveBytes[e.stackHash] == 0 {
		delete(h.liveBytes, e.stackHash)
	}
}

// Clear drops every tracked allocation and live-byte total, as performed
// both on cap overflow and on an explicit clear_live_allocation record.
func (h *LiveHeap) Clear() {
	h.tracked = make(map[uint64]liveEntry)
	h.liveBytes = make(map[uint64]int64)
}

// Len returns the number of currently tracked live allocations.
func (h *LiveHeap) Len() int { return len(h.tracked) }

// LiveBytes returns the summed live bytes attributed to stackHash.
func (h *LiveHeap) LiveBytes(stackHash uint64) int64 { return h.liveBytes[stackHash] }
