package datamanager

import (
	"fmt"
	"sync"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
)

// DataItem layout inside a page: [ValidFlag:1][DataSize:2][Data].
// ValidFlag 0 means live, 1 means the item was invalidated by recovery.
const (
	offsetValid = 0
	offsetSize  = offsetValid + 1
	offsetData  = offsetSize + 2

	itemValid   byte = 0
	itemInvalid byte = 1
)

// DataItem is a record stored in a page, shared by every holder of its uid.
//
// In-place changes follow one protocol: Before takes the write lock and
// saves the old image, the caller mutates Data(), then After logs the
// change and unlocks, or UnBefore restores the old image and unlocks.
type DataItem struct {
	raw    []byte // aliases the page buffer
	oldRaw []byte
	rw     sync.RWMutex
	page   *pagemanager.Page
	uid    uint64
	dm     *DataManager
}

// WrapDataItemRaw frames data as a live DataItem.
func WrapDataItemRaw(data []byte) []byte {
	raw := make([]byte, offsetData+len(data))
	raw[offsetValid] = itemValid
	commonutils.PutUint16(raw[offsetSize:], uint16(len(data)))
	copy(raw[offsetData:], data)
	return raw
}

// parseDataItem builds the DataItem stored in page at offset.
func parseDataItem(page *pagemanager.Page, offset uint16, dm *DataManager) (*DataItem, error) {
	buf := page.GetData()
	if int(offset)+offsetData > len(buf) {
		return nil, fmt.Errorf("%w: item header at %d overruns page %d", flushmanager.ErrInvalidPageData, offset, page.GetPageNumber())
	}
	size := int(commonutils.Uint16(buf[int(offset)+offsetSize:]))
	end := int(offset) + offsetData + size
	if end > len(buf) {
		return nil, fmt.Errorf("%w: item of %d bytes at %d overruns page %d", flushmanager.ErrInvalidPageData, size, offset, page.GetPageNumber())
	}
	return &DataItem{
		raw:    buf[offset:end:end],
		oldRaw: make([]byte, end-int(offset)),
		page:   page,
		uid:    commonutils.AddressToUID(page.GetPageNumber(), offset),
		dm:     dm,
	}, nil
}

// setDataItemRawInvalid flips the valid flag of a framed item.
func setDataItemRawInvalid(raw []byte) {
	raw[offsetValid] = itemInvalid
}

func (di *DataItem) isValid() bool {
	return di.raw[offsetValid] == itemValid
}

// Data returns the payload. It aliases the page; hold RLock while reading it
// and mutate it only between Before and After/UnBefore.
func (di *DataItem) Data() []byte { return di.raw[offsetData:] }

func (di *DataItem) UID() uint64 { return di.uid }

// Before write-locks the item and saves its current image.
func (di *DataItem) Before() {
	di.rw.Lock()
	di.page.SetDirty(true)
	copy(di.oldRaw, di.raw)
}

// UnBefore restores the image saved by Before and unlocks.
func (di *DataItem) UnBefore() {
	copy(di.raw, di.oldRaw)
	di.rw.Unlock()
}

// After logs the change made since Before under xid and unlocks. If the
// log write fails the old image is restored.
func (di *DataItem) After(xid uint64) error {
	defer di.rw.Unlock()
	if err := di.dm.logDataItem(xid, di); err != nil {
		copy(di.raw, di.oldRaw)
		return err
	}
	return nil
}

// Release gives the item back to the data manager.
func (di *DataItem) Release() error {
	return di.dm.releaseDataItem(di)
}

func (di *DataItem) Lock()    { di.rw.Lock() }
func (di *DataItem) Unlock()  { di.rw.Unlock() }
func (di *DataItem) RLock()   { di.rw.RLock() }
func (di *DataItem) RUnlock() { di.rw.RUnlock() }
