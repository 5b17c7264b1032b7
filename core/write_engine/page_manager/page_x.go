package pagemanager

import (
	"fmt"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
)

// Normal pages (every page but page one) are laid out as
// [FreeSpaceOffset:2][records...]. The offset only grows.
const (
	offsetFreeSpace = 0
	offsetData      = 2
	// MaxFreeSpace is the usable capacity of an empty normal page.
	MaxFreeSpace = PageSize - offsetData
)

// PageXInitRaw returns the content of an empty normal page.
func PageXInitRaw() []byte {
	raw := make([]byte, PageSize)
	setFSO(raw, offsetData)
	return raw
}

func setFSO(raw []byte, fso uint16) {
	commonutils.PutUint16(raw[offsetFreeSpace:], fso)
}

func getFSO(raw []byte) uint16 {
	return commonutils.Uint16(raw[offsetFreeSpace:])
}

// PageXGetFSO returns the free space offset of the page.
func PageXGetFSO(p *Page) uint16 {
	p.Lock()
	defer p.Unlock()
	return getFSO(p.data)
}

// PageXFreeSpace returns the number of free bytes left in the page.
func PageXFreeSpace(p *Page) int {
	return PageSize - int(PageXGetFSO(p))
}

// PageXInsert appends raw at the free space offset and returns the offset it
// was written at.
func PageXInsert(p *Page, raw []byte) (uint16, error) {
	p.Lock()
	defer p.Unlock()
	offset := getFSO(p.data)
	if int(offset)+len(raw) > PageSize {
		return 0, fmt.Errorf("%w: %d bytes do not fit page %d at offset %d", flushmanager.ErrInvalidPageData, len(raw), p.pgno, offset)
	}
	p.isDirty = true
	copy(p.data[offset:], raw)
	setFSO(p.data, offset+uint16(len(raw)))
	return offset, nil
}

// PageXRecoverInsert writes raw at offset and advances the free space offset
// past it if needed. Applying it twice yields the same page.
func PageXRecoverInsert(p *Page, raw []byte, offset uint16) {
	p.Lock()
	defer p.Unlock()
	p.isDirty = true
	copy(p.data[offset:], raw)
	if end := offset + uint16(len(raw)); getFSO(p.data) < end {
		setFSO(p.data, end)
	}
}

// PageXRecoverUpdate overwrites the bytes at offset without touching the
// free space offset.
func PageXRecoverUpdate(p *Page, raw []byte, offset uint16) {
	p.Lock()
	defer p.Unlock()
	p.isDirty = true
	copy(p.data[offset:], raw)
}
