package ringbuf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// perfTestRecord mirrors the literal record shape in the end-to-end
// round-trip scenario: a perf_event_header followed by three int64 fields.
type perfTestRecord struct {
	hdrType uint32
	hdrMisc uint32
	x, y, z int64
}

func encodeTestRecord(r perfTestRecord) []byte {
	buf := make([]byte, 8+24)
	binary.LittleEndian.PutUint32(buf[0:4], r.hdrType)
	binary.LittleEndian.PutUint32(buf[4:8], r.hdrMisc)
	// hdrMisc fills bytes 4:8, covering both the misc and size fields of the
	// real perf_event_header; this fixture leaves the size field unset and
	// its reader steps a fixed 32 bytes per record. Decode mirrors encode.
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.x))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.y))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(r.z))
	return buf
}

func decodeTestRecord(b []byte) perfTestRecord {
	return perfTestRecord{
		hdrType: binary.LittleEndian.Uint32(b[0:4]),
		hdrMisc: binary.LittleEndian.Uint32(b[4:8]),
		x:       int64(binary.LittleEndian.Uint64(b[8:16])),
		y:       int64(binary.LittleEndian.Uint64(b[16:24])),
		z:       int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}

func newTestBuffer(t *testing.T, size uint64) *Buffer {
	t.Helper()
	data := make([]byte, size)
	var head, tail uint64
	buf, err := NewBuffer(data, size, &head, &tail)
	require.NoError(t, err)
	return buf
}

func TestPerfRoundTrip1000Records(t *testing.T) {
	buf := newTestBuffer(t, 1<<16)
	w := NewWriter(buf)
	r := NewReader(buf)

	const n = 1000
	var got []perfTestRecord

	for i := 0; i < n; i++ {
		rec := perfTestRecord{hdrType: 3, hdrMisc: 24, x: int64(i), y: int64(2 * i), z: int64(3 * i)}
		require.True(t, w.Write(encodeTestRecord(rec)), "write %d should succeed", i)

		span := r.ReadAll()
		for len(span) > 0 {
			rt := decodeTestRecord(span[:32])
			got = append(got, rt)
			r.Advance(32)
			span = span[32:]
		}
	}

	require.Len(t, got, n)
	for i, rt := range got {
		require.Equal(t, uint32(3), rt.hdrType)
		require.Equal(t, uint32(24), rt.hdrMisc)
		require.Equal(t, int64(i), rt.x)
		require.Equal(t, int64(2*i), rt.y)
		require.Equal(t, int64(3*i), rt.z)
	}
}

func TestReserveFailsWhenFull(t *testing.T) {
	buf := newTestBuffer(t, 64)
	w := NewWriter(buf)
	r := NewReader(buf)

	// Fill the buffer exactly, then confirm the next reservation that would
	// overrun available space fails rather than overwriting unread data.
	for {
		if _, ok := w.Reserve(32); !ok {
			break
		}
		w.Commit(32)
	}
	require.Equal(t, uint64(64), r.AvailableSize())

	_, ok := w.Reserve(8)
	require.False(t, ok, "reserve must fail: available_size < record_size")

	// Draining makes room again (available_size() >= record_size implies
	// reserve succeeds).
	r.Advance(r.AvailableSize())
	_, ok = w.Reserve(8)
	require.True(t, ok)
}

func TestDoubleMappedWrapIsContiguous(t *testing.T) {
	buf := newTestBuffer(t, 32)
	w := NewWriter(buf)
	r := NewReader(buf)

	// Advance head/tail close to the wrap boundary, then write a record that
	// straddles it; the reader must see it as one contiguous span.
	require.True(t, w.Write(make([]byte, 24)))
	r.Advance(24)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.True(t, w.Write(payload))
	span := r.ReadAll()
	require.Equal(t, payload, span[:len(payload)])
}
