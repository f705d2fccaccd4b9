package tiff

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"framestore/internal/codec"
)

// PageData describes one page for the encoder. Optional string tags are
// omitted when empty.
type PageData struct {
	Plane        codec.Plane
	Description  string
	MicroManager string // raw JSON for TagMicroManagerMetadata
}

// Encode writes a little-endian baseline TIFF with one IFD per page,
// uncompressed, one strip per page. Primarily used to build test fixtures
// and small derived files.
func Encode(pages []PageData) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("tiff: no pages to encode")
	}
	le := binary.LittleEndian

	type ifdEntry struct {
		tag   uint16
		typ   uint16
		count uint32
		value uint32 // inline value or offset, patched later for strings
		str   []byte // extra-area payload when non-nil
	}

	var buf []byte
	put16 := func(v uint16) { buf = le.AppendUint16(buf, v) }
	put32 := func(v uint32) { buf = le.AppendUint32(buf, v) }

	// Header; first IFD offset patched at the end.
	buf = append(buf, 'I', 'I')
	put16(42)
	put32(0)

	// Pixel strips first, IFDs after.
	stripOffsets := make([]uint32, len(pages))
	stripCounts := make([]uint32, len(pages))
	for i, pg := range pages {
		if err := pg.Plane.Validate(); err != nil {
			return nil, fmt.Errorf("tiff: page %d: %w", i, err)
		}
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}
		stripOffsets[i] = uint32(len(buf))
		stripCounts[i] = uint32(len(pg.Plane.Pix))
		if pg.Plane.DType == codec.DTypeUint16 {
			// Plane samples are big-endian; the file is little-endian.
			for j := 0; j < len(pg.Plane.Pix); j += 2 {
				buf = append(buf, pg.Plane.Pix[j+1], pg.Plane.Pix[j])
			}
		} else {
			buf = append(buf, pg.Plane.Pix...)
		}
	}

	ifdOffsets := make([]uint32, len(pages))
	for i, pg := range pages {
		bps, _ := codec.BytesPerSample(pg.Plane.DType)
		entries := []ifdEntry{
			{tag: TagImageWidth, typ: typeLong, count: 1, value: uint32(pg.Plane.Width)},
			{tag: TagImageLength, typ: typeLong, count: 1, value: uint32(pg.Plane.Height)},
			{tag: TagBitsPerSample, typ: typeShort, count: 1, value: uint32(bps * 8)},
			{tag: TagCompression, typ: typeShort, count: 1, value: 1},
			{tag: TagStripOffsets, typ: typeLong, count: 1, value: stripOffsets[i]},
			{tag: TagSamplesPerPixel, typ: typeShort, count: 1, value: 1},
			{tag: TagRowsPerStrip, typ: typeLong, count: 1, value: uint32(pg.Plane.Height)},
			{tag: TagStripByteCounts, typ: typeLong, count: 1, value: stripCounts[i]},
		}
		for _, s := range []struct {
			tag uint16
			val string
		}{
			{TagImageDescription, pg.Description},
			{TagMicroManagerMetadata, pg.MicroManager},
		} {
			if s.val == "" {
				continue
			}
			payload := append([]byte(s.val), 0)
			e := ifdEntry{tag: s.tag, typ: typeASCII, count: uint32(len(payload))}
			if len(payload) <= 4 {
				var inline [4]byte
				copy(inline[:], payload)
				e.value = le.Uint32(inline[:])
			} else {
				e.str = payload
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(a, b int) bool { return entries[a].tag < entries[b].tag })

		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}
		ifdOffsets[i] = uint32(len(buf))
		// String payloads land right after this IFD's next pointer.
		extraOff := ifdOffsets[i] + 2 + uint32(len(entries))*12 + 4
		for j := range entries {
			if entries[j].str != nil {
				entries[j].value = extraOff
				extraOff += uint32(len(entries[j].str))
			}
		}
		put16(uint16(len(entries)))
		for _, e := range entries {
			put16(e.tag)
			put16(e.typ)
			put32(e.count)
			if e.typ == typeShort && e.str == nil && e.count == 1 {
				put16(uint16(e.value))
				put16(0)
			} else {
				put32(e.value)
			}
		}
		put32(0) // next IFD pointer, patched below for all but the last page
		for _, e := range entries {
			if e.str != nil {
				buf = append(buf, e.str...)
			}
		}
	}

	le.PutUint32(buf[4:8], ifdOffsets[0])
	for i := 0; i < len(pages)-1; i++ {
		nextPtr := ifdOffsets[i] + 2 + uint32(ifdEntryCount(buf, ifdOffsets[i]))*12
		le.PutUint32(buf[nextPtr:nextPtr+4], ifdOffsets[i+1])
	}
	return buf, nil
}

func ifdEntryCount(buf []byte, off uint32) uint16 {
	return binary.LittleEndian.Uint16(buf[off : off+2])
}

// WriteFile encodes pages and writes them to path.
func WriteFile(path string, pages []PageData) error {
	data, err := Encode(pages)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
