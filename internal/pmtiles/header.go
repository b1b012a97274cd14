// Package pmtiles reads and writes PMTiles v3 archives holding the
// cadastral vector tiles.
//
// Only the parts the tile service needs are implemented: a single root
// directory (no leaf directories), gzip or uncompressed internal
// compression, and Hilbert tile ids.
//
// Format: https://github.com/protomaps/PMTiles/blob/main/spec/v3/spec.md
package pmtiles

import (
	"encoding/binary"
	"errors"
)

// Compression is the compression applied to directories, metadata or tiles.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

// TileType is the format of the tile contents.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

// HeaderV3LenBytes is the size of the fixed header.
const HeaderV3LenBytes = 127

var magic = []byte("PMTiles")

var (
	ErrShortHeader = errors.New("pmtiles: buffer too small for header")
	ErrBadMagic    = errors.New("pmtiles: magic number not detected")
)

// HeaderV3 is the fixed archive header.
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// u64Fields lists the eleven little-endian uint64 fields stored from byte 8.
func (h *HeaderV3) u64Fields() []*uint64 {
	return []*uint64{
		&h.RootOffset, &h.RootLength,
		&h.MetadataOffset, &h.MetadataLength,
		&h.LeafDirectoryOffset, &h.LeafDirectoryLength,
		&h.TileDataOffset, &h.TileDataLength,
		&h.AddressedTilesCount, &h.TileEntriesCount, &h.TileContentsCount,
	}
}

// SerializeHeader encodes h. The format version is always written as 3.
func SerializeHeader(h HeaderV3) []byte {
	b := make([]byte, HeaderV3LenBytes)
	copy(b, magic)
	b[7] = 3
	for i, f := range h.u64Fields() {
		binary.LittleEndian.PutUint64(b[8+8*i:], *f)
	}
	if h.Clustered {
		b[96] = 1
	}
	b[97] = byte(h.InternalCompression)
	b[98] = byte(h.TileCompression)
	b[99] = byte(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	putI32(b[102:], h.MinLonE7)
	putI32(b[106:], h.MinLatE7)
	putI32(b[110:], h.MaxLonE7)
	putI32(b[114:], h.MaxLatE7)
	b[118] = h.CenterZoom
	putI32(b[119:], h.CenterLonE7)
	putI32(b[123:], h.CenterLatE7)
	return b
}

// DeserializeHeader decodes the fixed header at the start of d.
func DeserializeHeader(d []byte) (HeaderV3, error) {
	var h HeaderV3
	if len(d) < HeaderV3LenBytes {
		return h, ErrShortHeader
	}
	if string(d[:7]) != string(magic) {
		return h, ErrBadMagic
	}
	h.SpecVersion = d[7]
	for i, f := range h.u64Fields() {
		*f = binary.LittleEndian.Uint64(d[8+8*i:])
	}
	h.Clustered = d[96] == 1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = i32(d[102:])
	h.MinLatE7 = i32(d[106:])
	h.MaxLonE7 = i32(d[110:])
	h.MaxLatE7 = i32(d[114:])
	h.CenterZoom = d[118]
	h.CenterLonE7 = i32(d[119:])
	h.CenterLatE7 = i32(d[123:])
	return h, nil
}

func putI32(b []byte, v int32) { binary.LittleEndian.PutUint32(b, uint32(v)) }
func i32(b []byte) int32       { return int32(binary.LittleEndian.Uint32(b)) }
