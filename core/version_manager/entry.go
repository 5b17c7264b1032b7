package versionmanager

import (
	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
)

// Entry layout inside a DataItem: [XMIN:8][XMAX:8][data].
// XMIN is the creating transaction, XMAX the deleting one (0 while live).
const (
	offsetXMin = 0
	offsetXMax = offsetXMin + 8
	offsetData = offsetXMax + 8
)

// Entry is one version of a record.
type Entry struct {
	uid uint64
	di  *datamanager.DataItem
	vm  *VersionManager
}

func newEntry(vm *VersionManager, di *datamanager.DataItem, uid uint64) *Entry {
	return &Entry{uid: uid, di: di, vm: vm}
}

// wrapEntryRaw frames data as a version created by xid.
func wrapEntryRaw(xid uint64, data []byte) []byte {
	raw := make([]byte, offsetData+len(data))
	commonutils.PutUint64(raw[offsetXMin:], xid)
	copy(raw[offsetData:], data)
	return raw
}

// Data returns a copy of the payload.
func (e *Entry) Data() []byte {
	e.di.RLock()
	defer e.di.RUnlock()
	return append([]byte(nil), e.di.Data()[offsetData:]...)
}

func (e *Entry) XMin() uint64 {
	e.di.RLock()
	defer e.di.RUnlock()
	return commonutils.Uint64(e.di.Data()[offsetXMin:])
}

func (e *Entry) XMax() uint64 {
	e.di.RLock()
	defer e.di.RUnlock()
	return commonutils.Uint64(e.di.Data()[offsetXMax:])
}

// SetXMax marks the version deleted by xid and logs the change under xid.
func (e *Entry) SetXMax(xid uint64) error {
	e.di.Before()
	commonutils.PutUint64(e.di.Data()[offsetXMax:], xid)
	return e.di.After(xid)
}

func (e *Entry) UID() uint64 { return e.uid }

// Release gives the entry back to the version manager.
func (e *Entry) Release() error {
	return e.vm.releaseEntry(e)
}

func (e *Entry) remove() error {
	return e.di.Release()
}
