package cluster

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/edsrzf/mmap-go"
)

// snapshotWriter writes little-endian primitives and keeps the first error.
type snapshotWriter struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (w *snapshotWriter) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *snapshotWriter) WriteUint8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *snapshotWriter) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *snapshotWriter) WriteInt32(v int) {
	w.WriteUint32(uint32(int32(v)))
}

func (w *snapshotWriter) WriteFloat64(v float64) {
	binary.LittleEndian.PutUint64(w.buf[:8], math.Float64bits(v))
	w.write(w.buf[:8])
}

// WriteBytes writes a length-prefixed byte string.
func (w *snapshotWriter) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.write(b)
}

func (w *snapshotWriter) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteMetrics writes a metric map with keys in sorted order.
func (w *snapshotWriter) WriteMetrics(m map[string]float64) {
	w.WriteUint32(uint32(len(m)))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		w.WriteString(k)
		w.WriteFloat64(m[k])
	}
}

// snapshotReader decodes a snapshot held in memory, mapped or not. Every
// length is checked against the remaining bytes; the first failure sticks.
type snapshotReader struct {
	data []byte
	off  int
	err  error
}

func (r *snapshotReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrCorruptSnapshot, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *snapshotReader) ReadUint8() uint8 {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *snapshotReader) ReadUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *snapshotReader) ReadInt32() int {
	return int(int32(r.ReadUint32()))
}

func (r *snapshotReader) ReadFloat64() float64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// ReadCount reads an element count and rejects counts that cannot fit in
// the remaining data given the minimum encoded size of one element.
func (r *snapshotReader) ReadCount(minElemSize int) int {
	n := int(r.ReadUint32())
	if r.err == nil && n*minElemSize > len(r.data)-r.off {
		r.err = fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrCorruptSnapshot, n, len(r.data)-r.off)
		return 0
	}
	return n
}

// ReadBytes reads a length-prefixed byte string into a fresh slice.
func (r *snapshotReader) ReadBytes() []byte {
	n := r.ReadCount(1)
	b := r.next(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *snapshotReader) ReadString() string {
	return string(r.ReadBytes())
}

func (r *snapshotReader) ReadMetrics() map[string]float64 {
	n := r.ReadCount(12)
	if n == 0 {
		return nil
	}
	m := make(map[string]float64, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ReadString()
		m[k] = r.ReadFloat64()
	}
	return m
}

// openMMap decodes an uncompressed snapshot through a read-only mapping.
// Decode copies everything it keeps, so the mapping is released on return.
func openMMap(path string) (*Supercluster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorruptSnapshot)
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap snapshot: %w", err)
	}
	defer data.Unmap()

	return Decode(data)
}
