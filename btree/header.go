package btree

import (
	"encoding/binary"
	"hash/crc32"
)

// HeaderPage (page 0) wire layout (literal, stable format):
//
//	[magic(8)][version(4)][pageSize(4)][root(4)][freeList(4)]
//	[pageCount(4)][keyCount(8)][checksum(4)][reserved...]
const (
	Magic          = "LOWKYDB\x00"
	FormatVersion  = 1

	hdrOffMagic     = 0
	hdrOffVersion   = 8
	hdrOffPageSize  = 12
	hdrOffRoot      = 16
	hdrOffFreeList  = 20
	hdrOffPageCount = 24
	hdrOffKeyCount  = 28
	hdrOffChecksum  = 36
)

// HeaderValidationError enumerates why a header page failed validate().
type HeaderValidationError int

const (
	ErrInvalidMagic HeaderValidationError = iota
	ErrUnsupportedVersion
	ErrInvalidPageSize
)

func (e HeaderValidationError) Error() string {
	switch e {
	case ErrInvalidMagic:
		return "INVALID_MAGIC"
	case ErrUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ErrInvalidPageSize:
		return "INVALID_PAGE_SIZE"
	default:
		return "UNKNOWN_HEADER_ERROR"
	}
}

// HeaderPage is a typed view over page 0.
type HeaderPage struct {
	page *Page
}

// NewHeaderPage initializes a brand-new page 0: empty tree (root=0),
// no free pages, one page allocated (itself), zero keys.
func NewHeaderPage() *HeaderPage {
	p := &Page{id: 0}
	copy(p.data[hdrOffMagic:], Magic)
	binary.LittleEndian.PutUint32(p.data[hdrOffVersion:], FormatVersion)
	binary.LittleEndian.PutUint32(p.data[hdrOffPageSize:], PageSize)
	binary.LittleEndian.PutUint32(p.data[hdrOffRoot:], 0)
	binary.LittleEndian.PutUint32(p.data[hdrOffFreeList:], 0)
	binary.LittleEndian.PutUint32(p.data[hdrOffPageCount:], 1)
	binary.LittleEndian.PutUint64(p.data[hdrOffKeyCount:], 0)
	h := &HeaderPage{page: p}
	h.updateChecksum()
	return h
}

// LoadHeaderPage wraps an on-disk page 0.
func LoadHeaderPage(p *Page) *HeaderPage { return &HeaderPage{page: p} }

func (h *HeaderPage) Page() *Page { return h.page }

func (h *HeaderPage) checksum() uint32 {
	var buf [PageSize]byte
	copy(buf[:], h.page.data[:])
	binary.LittleEndian.PutUint32(buf[hdrOffChecksum:], 0)
	return crc32.ChecksumIEEE(buf[:])
}

func (h *HeaderPage) updateChecksum() {
	binary.LittleEndian.PutUint32(h.page.data[hdrOffChecksum:], h.checksum())
}

// Validate checks magic, version, and page size. It does
// not validate the checksum — callers that care about torn-write
// detection call ValidateChecksum separately, since a brand-new header
// page written mid-bootstrap may legitimately not have one yet.
func (h *HeaderPage) Validate() error {
	if string(h.page.data[hdrOffMagic:hdrOffMagic+8]) != Magic {
		return ErrInvalidMagic
	}
	if binary.LittleEndian.Uint32(h.page.data[hdrOffVersion:]) != FormatVersion {
		return ErrUnsupportedVersion
	}
	if binary.LittleEndian.Uint32(h.page.data[hdrOffPageSize:]) != PageSize {
		return ErrInvalidPageSize
	}
	return nil
}

func (h *HeaderPage) ValidateChecksum() bool {
	stored := binary.LittleEndian.Uint32(h.page.data[hdrOffChecksum:])
	return stored == h.checksum()
}

func (h *HeaderPage) RootPage() uint32 {
	return binary.LittleEndian.Uint32(h.page.data[hdrOffRoot:])
}

func (h *HeaderPage) SetRootPage(id uint32) {
	binary.LittleEndian.PutUint32(h.page.data[hdrOffRoot:], id)
	h.updateChecksum()
}

func (h *HeaderPage) FreeListHead() uint32 {
	return binary.LittleEndian.Uint32(h.page.data[hdrOffFreeList:])
}

func (h *HeaderPage) SetFreeListHead(id uint32) {
	binary.LittleEndian.PutUint32(h.page.data[hdrOffFreeList:], id)
	h.updateChecksum()
}

func (h *HeaderPage) PageCount() uint32 {
	return binary.LittleEndian.Uint32(h.page.data[hdrOffPageCount:])
}

func (h *HeaderPage) SetPageCount(n uint32) {
	binary.LittleEndian.PutUint32(h.page.data[hdrOffPageCount:], n)
	h.updateChecksum()
}

func (h *HeaderPage) KeyCount() uint64 {
	return binary.LittleEndian.Uint64(h.page.data[hdrOffKeyCount:])
}

func (h *HeaderPage) SetKeyCount(n uint64) {
	binary.LittleEndian.PutUint64(h.page.data[hdrOffKeyCount:], n)
	h.updateChecksum()
}
