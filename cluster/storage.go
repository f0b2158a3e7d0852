package cluster

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"web/mapcluster/logging"
)

const (
	snapshotMagic   uint32 = 0x534c434d // "MCLS"
	snapshotVersion uint32 = 1
)

var (
	// ErrCorruptSnapshot is returned when a snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrNotLoaded is returned when saving an engine that has no levels.
	ErrNotLoaded = errors.New("cluster not loaded")
)

// Codec is the compression applied to a snapshot file.
type Codec int

const (
	CodecRaw Codec = iota
	CodecZstd
	CodecLZ4
)

// CodecFor picks the codec from the file extension: .zst, .lz4 or raw.
func CodecFor(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return CodecZstd
	case ".lz4":
		return CodecLZ4
	default:
		return CodecRaw
	}
}

// Extension is the canonical file extension for the codec.
func (c Codec) Extension() string {
	switch c {
	case CodecZstd:
		return ".zst"
	case CodecLZ4:
		return ".lz4"
	default:
		return ".snap"
	}
}

// Encode writes the loaded engine: options, markers, then every level's
// points and tree arrays.
func (sc *Supercluster) Encode(w io.Writer) error {
	if !sc.Loaded() {
		return ErrNotLoaded
	}
	if err := sc.Options.Validate(); err != nil {
		return err
	}

	sw := &snapshotWriter{w: w}
	sw.WriteUint32(snapshotMagic)
	sw.WriteUint32(snapshotVersion)

	o := sc.Options
	sw.WriteInt32(o.MinZoom)
	sw.WriteInt32(o.MaxZoom)
	sw.WriteFloat64(o.Radius)
	sw.WriteFloat64(o.Extent)
	sw.WriteUint32(uint32(o.NodeSize))

	sw.WriteUint32(uint32(len(sc.Markers)))
	for i := range sc.Markers {
		m := &sc.Markers[i]
		sw.WriteFloat64(m.Lng)
		sw.WriteFloat64(m.Lat)
		sw.WriteString(m.Class)

		var opts []byte
		if len(m.Options) > 0 {
			b, err := json.Marshal(m.Options)
			if err != nil {
				return fmt.Errorf("failed to marshal options of marker %d: %w", i, err)
			}
			opts = b
		}
		sw.WriteBytes(opts)
		sw.WriteMetrics(m.Metrics)
	}

	sw.WriteUint32(uint32(len(sc.levels)))
	for _, lvl := range sc.levels {
		sw.WriteUint32(uint32(len(lvl.points)))
		for i := range lvl.points {
			p := &lvl.points[i]
			sw.WriteUint8(uint8(p.Kind))
			sw.WriteFloat64(p.X)
			sw.WriteFloat64(p.Y)
			sw.WriteInt32(p.ID)
			sw.WriteInt32(p.ParentID)
			sw.WriteUint32(uint32(p.NumPoints))
			sw.WriteInt32(p.Zoom)
			sw.WriteInt32(p.OriginZoom)
			sw.WriteMetrics(p.Metrics)
		}
		for _, id := range lvl.tree.IDs {
			sw.WriteUint32(id)
		}
		for _, c := range lvl.tree.Coords {
			sw.WriteFloat64(c)
		}
	}

	return sw.err
}

// Decode rebuilds an engine from Encode output without re-clustering.
func Decode(data []byte) (*Supercluster, error) {
	r := &snapshotReader{data: data}

	if magic := r.ReadUint32(); r.err == nil && magic != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorruptSnapshot, magic)
	}
	if version := r.ReadUint32(); r.err == nil && version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, version)
	}

	options := SuperclusterOptions{
		MinZoom:  r.ReadInt32(),
		MaxZoom:  r.ReadInt32(),
		Radius:   r.ReadFloat64(),
		Extent:   r.ReadFloat64(),
		NodeSize: int(r.ReadUint32()),
	}
	if r.err != nil {
		return nil, r.err
	}
	sc, err := NewSupercluster(options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	// lng, lat, class length, options length, metrics count
	markers := make([]Marker, r.ReadCount(28))
	for i := range markers {
		m := &markers[i]
		m.ID = i
		m.Lng = r.ReadFloat64()
		m.Lat = r.ReadFloat64()
		m.Class = r.ReadString()
		if opts := r.ReadBytes(); len(opts) > 0 && r.err == nil {
			if err := json.Unmarshal(opts, &m.Options); err != nil {
				return nil, fmt.Errorf("%w: options of marker %d: %v", ErrCorruptSnapshot, i, err)
			}
		}
		m.Metrics = r.ReadMetrics()
	}
	if r.err != nil {
		return nil, r.err
	}

	numLevels := int(r.ReadUint32())
	if r.err == nil && numLevels != options.NumLevels() {
		return nil, fmt.Errorf("%w: %d levels for zoom range [%d, %d]", ErrCorruptSnapshot, numLevels, options.MinZoom, options.MaxZoom)
	}

	levels := make([]*level, numLevels)
	for l := range levels {
		// kind, x, y, id, parent, count, zoom, origin, metrics count, tree id, tree coords
		points := make(Points, r.ReadCount(1+8+8+4+4+4+4+4+4+4+16))
		for i := range points {
			p := &points[i]
			p.Kind = Kind(r.ReadUint8())
			p.X = r.ReadFloat64()
			p.Y = r.ReadFloat64()
			p.ID = r.ReadInt32()
			p.ParentID = r.ReadInt32()
			p.NumPoints = int(r.ReadUint32())
			p.Zoom = r.ReadInt32()
			p.OriginZoom = r.ReadInt32()
			p.Metrics = r.ReadMetrics()
			if r.err != nil {
				return nil, r.err
			}
			if p.Kind > KindCluster || p.ID < 0 || (p.Kind == KindMarker && p.ID >= len(markers)) {
				return nil, fmt.Errorf("%w: level %d point %d", ErrCorruptSnapshot, l, i)
			}
		}

		ids := make([]uint32, len(points))
		for i := range ids {
			ids[i] = r.ReadUint32()
			if r.err == nil && int(ids[i]) >= len(points) {
				return nil, fmt.Errorf("%w: level %d tree id %d out of range", ErrCorruptSnapshot, l, ids[i])
			}
		}
		coords := make([]float64, 2*len(points))
		for i := range coords {
			coords[i] = r.ReadFloat64()
		}
		if r.err != nil {
			return nil, r.err
		}

		levels[l] = &level{
			points: points,
			tree:   newKDTreeFromArrays(ids, coords, options.NodeSize),
		}
	}

	if r.off != len(r.data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptSnapshot, len(r.data)-r.off)
	}

	sc.Markers = markers
	sc.levels = levels
	return sc, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newCompressor(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return enc, nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// Save writes a snapshot to path, compressed according to its extension.
// The file is written next to path and renamed into place.
func (sc *Supercluster) Save(path string) (err error) {
	if !sc.Loaded() {
		return ErrNotLoaded
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriterSize(tmp, 1024*1024)
	cw, err := newCompressor(buf, CodecFor(path))
	if err != nil {
		return err
	}
	if err = sc.Encode(cw); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err = cw.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}
	if err = buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Open loads a snapshot written by Save. Raw snapshots are memory mapped;
// compressed ones are streamed through their decoder.
func Open(path string, logger *logging.Logger) (*Supercluster, error) {
	codec := CodecFor(path)
	if codec == CodecRaw {
		sc, err := openMMap(path)
		if err != nil {
			return nil, err
		}
		return sc.WithLogger(logger), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	var src io.Reader = bufio.NewReaderSize(file, 1024*1024)
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		src = dec
	case CodecLZ4:
		src = lz4.NewReader(src)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	sc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return sc.WithLogger(logger), nil
}
