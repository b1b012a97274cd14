package pmtiles

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// EntryV3 is one directory entry. RunLength > 1 means the same data serves
// that many consecutive tile ids.
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// ZxyToID converts tile coordinates to a Hilbert tile id.
func ZxyToID(z uint8, x, y uint32) uint64 {
	acc := (uint64(1)<<(2*uint64(z)) - 1) / 3
	for s := uint32(1) << z >> 1; s > 0; s >>= 1 {
		rx := s & x
		ry := s & y
		acc += uint64(s) * uint64(s) * uint64((3*boolU32(rx > 0))^boolU32(ry > 0))
		x, y = rotate(s, x, y, rx, ry)
	}
	return acc
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func rotate(n, x, y, rx, ry uint32) (uint32, uint32) {
	if ry != 0 {
		return x, y
	}
	if rx != 0 {
		x = n - 1 - x
		y = n - 1 - y
	}
	return y, x
}

// SerializeEntries encodes a sorted directory.
func SerializeEntries(entries []EntryV3, c Compression) ([]byte, error) {
	var raw bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)
	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		raw.Write(tmp[:n])
	}

	put(uint64(len(entries)))
	last := uint64(0)
	for _, e := range entries {
		put(e.TileID - last)
		last = e.TileID
	}
	for _, e := range entries {
		put(uint64(e.RunLength))
	}
	for _, e := range entries {
		put(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(e.Offset + 1)
		}
	}
	return compress(raw.Bytes(), c)
}

// DeserializeEntries decodes a directory written by SerializeEntries.
func DeserializeEntries(data []byte, c Compression) ([]EntryV3, error) {
	raw, err := decompress(data, c)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(bytes.NewReader(raw))
	next := func() (uint64, error) { return binary.ReadUvarint(r) }

	n, err := next()
	if err != nil {
		return nil, fmt.Errorf("pmtiles: directory size: %w", err)
	}
	if n > uint64(len(raw)) {
		return nil, fmt.Errorf("pmtiles: directory claims %d entries in %d bytes", n, len(raw))
	}
	entries := make([]EntryV3, n)

	last := uint64(0)
	for i := range entries {
		d, err := next()
		if err != nil {
			return nil, fmt.Errorf("pmtiles: tile id %d: %w", i, err)
		}
		last += d
		entries[i].TileID = last
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, fmt.Errorf("pmtiles: run length %d: %w", i, err)
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, fmt.Errorf("pmtiles: length %d: %w", i, err)
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := next()
		if err != nil {
			return nil, fmt.Errorf("pmtiles: offset %d: %w", i, err)
		}
		if v == 0 && i > 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}
	return entries, nil
}

// FindTile looks up id in a sorted directory.
func FindTile(entries []EntryV3, id uint64) (EntryV3, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].TileID > id })
	if i == 0 {
		return EntryV3{}, false
	}
	e := entries[i-1]
	if e.TileID == id {
		return e, true
	}
	if e.RunLength > 1 && id < e.TileID+uint64(e.RunLength) {
		return e, true
	}
	return EntryV3{}, false
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case Gzip:
		var b bytes.Buffer
		w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	}
	return nil, fmt.Errorf("pmtiles: compression %d not supported", c)
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case NoCompression:
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("pmtiles: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, fmt.Errorf("pmtiles: compression %d not supported", c)
}
