package btree

import (
	"encoding/binary"
	"hash/crc32"
)

// PageSize is the fixed on-disk page size. It matches the common OS
// page size and is validated against the stored header page on open.
const PageSize = 4096

// Page kinds. A page's kind is set at allocation and never
// changes except through explicit free/reuse.
const (
	KindHeader byte = iota
	KindInternal
	KindLeaf
	KindFree
)

// Generic per-page header layout for all kinds except KindHeader
// (page 0 uses the literal wire layout in header.go instead):
//
//	[kind(1)][flags(1)][crc32(4)][lsn(8)][reserved(10)] = 24 bytes
const (
	genericHeaderSize     = 24
	offKind               = 0
	offFlags              = 1
	offChecksum           = 2
	offLSN                = 6
	offReserved           = 14
)

// flag bits stored in the page header's flags byte.
const (
	flagNone byte = 0
)

// Page is a single fixed-size unit of storage. It owns its raw bytes;
// callers never see a shorter or longer slice.
type Page struct {
	id   uint32
	data [PageSize]byte
}

// NewPage allocates a fresh page of the given kind, zero elsewhere.
func NewPage(id uint32, kind byte) *Page {
	p := &Page{id: id}
	if kind != KindHeader {
		p.data[offKind] = kind
	}
	return p
}

// LoadPage wraps an existing on-disk page buffer (exactly PageSize bytes).
func LoadPage(id uint32, raw []byte) *Page {
	p := &Page{id: id}
	copy(p.data[:], raw)
	return p
}

func (p *Page) ID() uint32 { return p.id }

// Kind returns the page's kind. Page 0 is always KindHeader by
// convention of its id, independent of any byte stored in it.
func (p *Page) Kind() byte {
	if p.id == 0 {
		return KindHeader
	}
	return p.data[offKind]
}

func (p *Page) IsLeaf() bool     { return p.Kind() == KindLeaf }
func (p *Page) IsInternal() bool { return p.Kind() == KindInternal }

func (p *Page) Flags() byte      { return p.data[offFlags] }
func (p *Page) SetFlags(f byte)  { p.data[offFlags] = f }

// LSN returns the log sequence number stored in this page's header
// by SetLSN. The WAL does not stamp pages, so it is 0 unless a caller
// sets it.
func (p *Page) LSN() uint64 {
	return binary.BigEndian.Uint64(p.data[offLSN:])
}

func (p *Page) SetLSN(lsn uint64) {
	binary.BigEndian.PutUint64(p.data[offLSN:], lsn)
}

// Checksum computes the CRC32 over the full page with the stored
// checksum field treated as zero.
func (p *Page) Checksum() uint32 {
	var buf [PageSize]byte
	copy(buf[:], p.data[:])
	binary.BigEndian.PutUint32(buf[offChecksum:], 0)
	return crc32.ChecksumIEEE(buf[:])
}

// UpdateChecksum recomputes and stores the checksum. Call before a
// page is flushed to disk.
func (p *Page) UpdateChecksum() {
	if p.id == 0 {
		LoadHeaderPage(p).updateChecksum()
		return
	}
	binary.BigEndian.PutUint32(p.data[offChecksum:], p.Checksum())
}

// ValidateChecksum reports whether the stored checksum matches the
// page contents. Page 0 validates via its own magic/version fields
// (header.go) instead, since its wire layout differs.
func (p *Page) ValidateChecksum() bool {
	stored := binary.BigEndian.Uint32(p.data[offChecksum:])
	return stored == p.Checksum()
}

// Data returns the raw page bytes (owned by the page; callers must
// not retain a reference past the page's lifetime in the buffer pool).
func (p *Page) Data() []byte { return p.data[:] }

// Payload returns the kind-specific region following the generic
// header, for non-header pages.
func (p *Page) Payload() []byte { return p.data[genericHeaderSize:] }

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	c := &Page{id: p.id}
	copy(c.data[:], p.data[:])
	return c
}
