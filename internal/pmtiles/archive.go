package pmtiles

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Tile is the encoded content of one tile.
type Tile struct {
	Z    uint8
	X, Y uint32
	Data []byte
}

// ArchiveOptions describes what Write puts in the header and metadata.
type ArchiveOptions struct {
	Name            string
	TileType        TileType
	TileCompression Compression
	MinZoom         uint8
	MaxZoom         uint8
	Metadata        map[string]any
}

// ErrNoTiles is returned when writing an archive without tiles.
var ErrNoTiles = errors.New("pmtiles: no tiles to write")

// Write encodes tiles as a clustered archive with a single root directory.
// Identical tile contents are stored once.
func Write(w io.Writer, tiles []Tile, opts ArchiveOptions) error {
	if len(tiles) == 0 {
		return ErrNoTiles
	}
	sorted := make([]Tile, len(tiles))
	copy(sorted, tiles)
	sort.Slice(sorted, func(i, j int) bool {
		return ZxyToID(sorted[i].Z, sorted[i].X, sorted[i].Y) < ZxyToID(sorted[j].Z, sorted[j].X, sorted[j].Y)
	})

	var (
		data    bytes.Buffer
		entries []EntryV3
		offsets = map[string]uint64{}
	)
	for _, t := range sorted {
		id := ZxyToID(t.Z, t.X, t.Y)
		off, seen := offsets[string(t.Data)]
		if !seen {
			off = uint64(data.Len())
			offsets[string(t.Data)] = off
			data.Write(t.Data)
		}
		if n := len(entries); n > 0 {
			prev := &entries[n-1]
			if prev.Offset == off && prev.TileID+uint64(prev.RunLength) == id {
				prev.RunLength++
				continue
			}
		}
		entries = append(entries, EntryV3{TileID: id, Offset: off, Length: uint32(len(t.Data)), RunLength: 1})
	}

	root, err := SerializeEntries(entries, Gzip)
	if err != nil {
		return err
	}
	meta := map[string]any{
		"name":    opts.Name,
		"minzoom": opts.MinZoom,
		"maxzoom": opts.MaxZoom,
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("pmtiles: metadata: %w", err)
	}
	metaBytes, err := compress(metaJSON, Gzip)
	if err != nil {
		return err
	}

	h := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3LenBytes,
		RootLength:          uint64(len(root)),
		AddressedTilesCount: uint64(len(sorted)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(offsets)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     opts.TileCompression,
		TileType:            opts.TileType,
		MinZoom:             opts.MinZoom,
		MaxZoom:             opts.MaxZoom,
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(metaBytes))
	h.TileDataOffset = h.MetadataOffset + h.MetadataLength
	h.TileDataLength = uint64(data.Len())

	for _, part := range [][]byte{SerializeHeader(h), root, metaBytes, data.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("pmtiles: writing archive: %w", err)
		}
	}
	return nil
}

// WriteFile writes an archive to path.
func WriteFile(path string, tiles []Tile, opts ArchiveOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, tiles, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Reader serves tiles from an archive. It is safe for concurrent use.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	header HeaderV3
	root   []EntryV3
}

// NewReader reads the header and root directory of an archive.
func NewReader(r io.ReaderAt) (*Reader, error) {
	buf := make([]byte, HeaderV3LenBytes)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("pmtiles: reading header: %w", err)
	}
	h, err := DeserializeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.LeafDirectoryLength > 0 {
		return nil, errors.New("pmtiles: leaf directories are not supported")
	}
	rootBytes := make([]byte, h.RootLength)
	if _, err := r.ReadAt(rootBytes, int64(h.RootOffset)); err != nil {
		return nil, fmt.Errorf("pmtiles: reading root directory: %w", err)
	}
	root, err := DeserializeEntries(rootBytes, h.InternalCompression)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, header: h, root: root}, nil
}

// Open opens an archive file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rd, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rd.closer = f
	return rd, nil
}

// Close releases the underlying file, if any.
func (rd *Reader) Close() error {
	if rd.closer == nil {
		return nil
	}
	return rd.closer.Close()
}

// Header returns the archive header.
func (rd *Reader) Header() HeaderV3 { return rd.header }

// Tile returns the stored bytes of z/x/y, still in the archive's tile
// compression. ok is false when the archive has no such tile.
func (rd *Reader) Tile(z uint8, x, y uint32) (data []byte, ok bool, err error) {
	e, found := FindTile(rd.root, ZxyToID(z, x, y))
	if !found {
		return nil, false, nil
	}
	data = make([]byte, e.Length)
	if _, err := rd.r.ReadAt(data, int64(rd.header.TileDataOffset+e.Offset)); err != nil {
		return nil, false, fmt.Errorf("pmtiles: reading tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, true, nil
}

// Metadata decodes the archive's JSON metadata.
func (rd *Reader) Metadata() (map[string]any, error) {
	raw := make([]byte, rd.header.MetadataLength)
	if _, err := rd.r.ReadAt(raw, int64(rd.header.MetadataOffset)); err != nil {
		return nil, fmt.Errorf("pmtiles: reading metadata: %w", err)
	}
	js, err := decompress(raw, rd.header.InternalCompression)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(js, &m); err != nil {
		return nil, fmt.Errorf("pmtiles: metadata: %w", err)
	}
	return m, nil
}
