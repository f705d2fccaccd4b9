// Package tiff implements a minimal reader for baseline multi-page TIFF
// files as produced by microscopy acquisition software: both byte orders,
// uncompressed strips, 8- or 16-bit grayscale samples. It exposes exactly
// the two capabilities the splitters need (read a metadata tag for page i,
// read the raw pixel plane for page i) plus an encoder used to build
// fixtures in tests. IFDs and tag values are parsed up front; pixel
// strips stay on disk and are read on demand, so a multi-gigabyte file
// costs one decoded plane of memory at a time.
package tiff

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"framestore/internal/codec"
)

// Baseline tags understood by the reader.
const (
	TagImageWidth       = 256
	TagImageLength      = 257
	TagBitsPerSample    = 258
	TagCompression      = 259
	TagImageDescription = 270
	TagStripOffsets     = 273
	TagSamplesPerPixel  = 277
	TagRowsPerStrip     = 278
	TagStripByteCounts  = 279
	// TagMicroManagerMetadata carries the per-page acquisition metadata
	// dict serialized as JSON (MicroManager private tag).
	TagMicroManagerMetadata = 51123
)

const (
	typeByte  = 1
	typeASCII = 2
	typeShort = 3
	typeLong  = 4
)

var typeSize = map[uint16]int64{typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4}

type entry struct {
	typ   uint16
	count uint32
	raw   []byte // resolved value bytes, in file byte order
}

// Page is one image file directory plus its pixel strips.
type Page struct {
	file *File
	tags map[uint16]entry
}

// File is a parsed multi-page TIFF backed by a random-access reader.
type File struct {
	order  binary.ByteOrder
	r      io.ReaderAt
	size   int64
	closer io.Closer
	pages  []Page
}

// Open parses a TIFF file, keeping the handle open for on-demand strip
// reads. The caller must Close the file when done with its pages.
func Open(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tiff: %w", err)
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("open tiff: %w", err)
	}
	f, err := parse(fh, st.Size())
	if err != nil {
		_ = fh.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.closer = fh
	return f, nil
}

// Decode parses an in-memory TIFF.
func Decode(data []byte) (*File, error) {
	return parse(bytes.NewReader(data), int64(len(data)))
}

// Close releases the underlying file handle, if any. Planes cannot be
// decoded afterwards; parsed tags stay readable.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	c := f.closer
	f.closer = nil
	return c.Close()
}

func parse(r io.ReaderAt, size int64) (*File, error) {
	f := &File{r: r, size: size}
	hdr, err := f.readAt(0, 8)
	if err != nil {
		return nil, fmt.Errorf("tiff: truncated header")
	}
	switch string(hdr[0:2]) {
	case "II":
		f.order = binary.LittleEndian
	case "MM":
		f.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("tiff: bad byte order mark %q", hdr[0:2])
	}
	if f.order.Uint16(hdr[2:4]) != 42 {
		return nil, fmt.Errorf("tiff: bad magic")
	}
	next := int64(f.order.Uint32(hdr[4:8]))
	for next != 0 {
		if len(f.pages) > 1<<20 {
			return nil, fmt.Errorf("tiff: IFD chain loop")
		}
		page, n, err := f.parseIFD(next)
		if err != nil {
			return nil, err
		}
		f.pages = append(f.pages, page)
		next = n
	}
	if len(f.pages) == 0 {
		return nil, fmt.Errorf("tiff: no pages")
	}
	return f, nil
}

// readAt reads [off, off+n). The range check runs in int64, so corrupt
// offsets near the uint32 limit cannot wrap past it.
func (f *File) readAt(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > f.size-n {
		return nil, fmt.Errorf("tiff: range [%d, %d) outside file of %d bytes", off, off+n, f.size)
	}
	buf := make([]byte, n)
	if m, err := f.r.ReadAt(buf, off); err != nil && !(err == io.EOF && int64(m) == n) {
		return nil, fmt.Errorf("tiff: read at %d: %w", off, err)
	}
	return buf, nil
}

func (f *File) parseIFD(off int64) (Page, int64, error) {
	hdr, err := f.readAt(off, 2)
	if err != nil {
		return Page{}, 0, fmt.Errorf("tiff: IFD offset %d out of range", off)
	}
	n := int64(f.order.Uint16(hdr))
	body, err := f.readAt(off+2, n*12+4)
	if err != nil {
		return Page{}, 0, fmt.Errorf("tiff: truncated IFD at %d", off)
	}
	page := Page{file: f, tags: make(map[uint16]entry, n)}
	for i := int64(0); i < n; i++ {
		e := body[i*12 : (i+1)*12]
		tag := f.order.Uint16(e[0:2])
		typ := f.order.Uint16(e[2:4])
		count := f.order.Uint32(e[4:8])
		size, ok := typeSize[typ]
		if !ok {
			// Unknown value types are skipped, not fatal.
			continue
		}
		total := size * int64(count)
		var raw []byte
		if total <= 4 {
			raw = e[8 : 8+total]
		} else {
			voff := int64(f.order.Uint32(e[8:12]))
			if raw, err = f.readAt(voff, total); err != nil {
				return Page{}, 0, fmt.Errorf("tiff: tag %d value out of range", tag)
			}
		}
		page.tags[tag] = entry{typ: typ, count: count, raw: raw}
	}
	next := int64(f.order.Uint32(body[n*12 : n*12+4]))
	return page, next, nil
}

// NumPages returns the page count.
func (f *File) NumPages() int { return len(f.pages) }

// Page returns page i.
func (f *File) Page(i int) *Page { return &f.pages[i] }

// Uint returns the first integer value of a SHORT/LONG/BYTE tag.
func (p *Page) Uint(tag uint16) (uint32, bool) {
	vs, ok := p.Uints(tag)
	if !ok || len(vs) == 0 {
		return 0, false
	}
	return vs[0], true
}

// Uints returns all integer values of a SHORT/LONG/BYTE tag.
func (p *Page) Uints(tag uint16) ([]uint32, bool) {
	e, ok := p.tags[tag]
	if !ok {
		return nil, false
	}
	vs := make([]uint32, 0, e.count)
	for i := uint32(0); i < e.count; i++ {
		switch e.typ {
		case typeByte:
			vs = append(vs, uint32(e.raw[i]))
		case typeShort:
			vs = append(vs, uint32(p.file.order.Uint16(e.raw[i*2:])))
		case typeLong:
			vs = append(vs, p.file.order.Uint32(e.raw[i*4:]))
		default:
			return nil, false
		}
	}
	return vs, true
}

// ASCII returns the string value of an ASCII tag, NUL terminator trimmed.
func (p *Page) ASCII(tag uint16) (string, bool) {
	e, ok := p.tags[tag]
	if !ok || e.typ != typeASCII {
		return "", false
	}
	return strings.TrimRight(string(e.raw), "\x00"), true
}

// Description returns the ImageDescription tag.
func (p *Page) Description() (string, bool) {
	return p.ASCII(TagImageDescription)
}

// MicroManagerMetadata decodes the per-page acquisition metadata JSON.
// The second return is false when the tag is absent.
func (p *Page) MicroManagerMetadata() (map[string]any, bool, error) {
	s, ok := p.ASCII(TagMicroManagerMetadata)
	if !ok {
		return nil, false, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, true, fmt.Errorf("tiff: malformed MicroManagerMetadata: %w", err)
	}
	return m, true, nil
}

// Shape returns width, height and dtype of the page without decoding
// pixel data.
func (p *Page) Shape() (width, height int, dtype string, err error) {
	w, ok := p.Uint(TagImageWidth)
	if !ok {
		return 0, 0, "", fmt.Errorf("tiff: missing ImageWidth")
	}
	h, ok := p.Uint(TagImageLength)
	if !ok {
		return 0, 0, "", fmt.Errorf("tiff: missing ImageLength")
	}
	bits, ok := p.Uint(TagBitsPerSample)
	if !ok {
		bits = 8
	}
	switch bits {
	case 8:
		dtype = codec.DTypeUint8
	case 16:
		dtype = codec.DTypeUint16
	default:
		return 0, 0, "", fmt.Errorf("tiff: bit depth must be 16 or 8, not %d", bits)
	}
	return int(w), int(h), dtype, nil
}

// Plane decodes the page's pixel strips into a grayscale plane, reading
// them from the backing file. Only uncompressed single-sample pages are
// supported; 16-bit samples are normalized to big-endian.
func (p *Page) Plane() (codec.Plane, error) {
	w, h, dtype, err := p.Shape()
	if err != nil {
		return codec.Plane{}, err
	}
	if c, ok := p.Uint(TagCompression); ok && c != 1 {
		return codec.Plane{}, fmt.Errorf("tiff: unsupported compression %d", c)
	}
	if s, ok := p.Uint(TagSamplesPerPixel); ok && s != 1 {
		return codec.Plane{}, fmt.Errorf("tiff: %d samples per pixel, only grayscale supported", s)
	}
	offsets, ok := p.Uints(TagStripOffsets)
	if !ok {
		return codec.Plane{}, fmt.Errorf("tiff: missing StripOffsets")
	}
	counts, ok := p.Uints(TagStripByteCounts)
	if !ok || len(counts) != len(offsets) {
		return codec.Plane{}, fmt.Errorf("tiff: missing or mismatched StripByteCounts")
	}
	bps, _ := codec.BytesPerSample(dtype)
	pix := make([]byte, 0, w*h*bps)
	for i, off := range offsets {
		strip, err := p.file.readAt(int64(off), int64(counts[i]))
		if err != nil {
			return codec.Plane{}, fmt.Errorf("tiff: strip %d: %w", i, err)
		}
		pix = append(pix, strip...)
	}
	if len(pix) != w*h*bps {
		return codec.Plane{}, fmt.Errorf("tiff: have %d pixel bytes, want %d", len(pix), w*h*bps)
	}
	if dtype == codec.DTypeUint16 && p.file.order == binary.LittleEndian {
		for i := 0; i < len(pix); i += 2 {
			pix[i], pix[i+1] = pix[i+1], pix[i]
		}
	}
	return codec.Plane{Width: w, Height: h, DType: dtype, Pix: pix}, nil
}
