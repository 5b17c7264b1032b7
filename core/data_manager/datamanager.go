package datamanager

import (
	"errors"
	"fmt"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	"github.com/suxiao1228/mydb/core/write_engine/memtable"
	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	"github.com/suxiao1228/mydb/core/write_engine/wal"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// insertAttempts bounds how many fresh pages Insert allocates while looking
// for room.
const insertAttempts = 5

// DataManager is a transactional byte-record store keyed by uid, built on
// the page cache and the write-ahead log.
type DataManager struct {
	tm      TxnStatus
	pc      *pagemanager.PageCache
	lm      *wal.LogManager
	pIndex  *PageIndex
	pageOne *pagemanager.Page
	cache   *memtable.Cache[*DataItem]
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// dataItemLoader resolves uids to DataItems and releases their page on exit.
type dataItemLoader struct {
	dm *DataManager
}

func (l dataItemLoader) Load(uid uint64) (*DataItem, error) {
	pgno, offset := commonutils.UIDToAddress(uid)
	page, err := l.dm.pc.GetPage(pgno)
	if err != nil {
		return nil, err
	}
	di, err := parseDataItem(page, offset, l.dm)
	if err != nil {
		_ = page.Release()
		return nil, err
	}
	return di, nil
}

func (l dataItemLoader) Release(di *DataItem) error {
	return di.page.Release()
}

func newDataManager(pc *pagemanager.PageCache, lm *wal.LogManager, tm TxnStatus, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *DataManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &DataManager{
		tm:      tm,
		pc:      pc,
		lm:      lm,
		pIndex:  NewPageIndex(),
		logger:  logger.Named("dm"),
		metrics: metrics,
	}
	dm.cache = memtable.NewCache[*DataItem]("dataitem", 0, dataItemLoader{dm: dm}, logger, metrics)
	return dm
}

// Create creates the page file and the log of a new database at path.
func Create(path string, memory int64, tm TxnStatus, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*DataManager, error) {
	pc, err := pagemanager.CreatePageCache(path, memory, logger, metrics)
	if err != nil {
		return nil, err
	}
	lm, err := wal.CreateLogManager(path, logger, metrics)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	dm := newDataManager(pc, lm, tm, logger, metrics)
	if err := dm.initPageOne(); err != nil {
		_ = lm.Close()
		_ = pc.Close()
		return nil, err
	}
	dm.logger.Info("DataManager created", zap.String("path", path))
	return dm, nil
}

// Open opens an existing database at path. If the last shutdown was not
// clean, recovery runs before Open returns.
func Open(path string, memory int64, tm TxnStatus, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*DataManager, error) {
	pc, err := pagemanager.OpenPageCache(path, memory, logger, metrics)
	if err != nil {
		return nil, err
	}
	lm, err := wal.OpenLogManager(path, logger, metrics)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	dm := newDataManager(pc, lm, tm, logger, metrics)
	fail := func(err error) (*DataManager, error) {
		if dm.pageOne != nil {
			_ = dm.pageOne.Release()
		}
		_ = lm.Close()
		_ = pc.Close()
		return nil, err
	}

	clean, err := dm.loadCheckPageOne()
	if err != nil {
		return fail(err)
	}
	if !clean {
		dm.logger.Warn("Unclean shutdown detected, running recovery")
		if err := Recover(tm, lm, pc, logger, metrics); err != nil {
			return fail(err)
		}
	}
	if err := dm.fillPageIndex(); err != nil {
		return fail(err)
	}
	pagemanager.PageOneSetVcOpen(dm.pageOne)
	if err := pc.FlushPage(dm.pageOne); err != nil {
		return fail(err)
	}
	dm.logger.Info("DataManager opened", zap.String("path", path), zap.Bool("recovered", !clean), zap.Int("pages", pc.PageNumber()))
	return dm, nil
}

func (dm *DataManager) initPageOne() error {
	pgno, err := dm.pc.NewPage(pagemanager.PageOneInitRaw())
	if err != nil {
		return err
	}
	if pgno != 1 {
		return fmt.Errorf("%w: page one allocated as page %d", flushmanager.ErrInvalidPageData, pgno)
	}
	dm.pageOne, err = dm.pc.GetPage(pgno)
	if err != nil {
		return err
	}
	return dm.pc.FlushPage(dm.pageOne)
}

func (dm *DataManager) loadCheckPageOne() (bool, error) {
	page, err := dm.pc.GetPage(1)
	if err != nil {
		return false, err
	}
	dm.pageOne = page
	return pagemanager.PageOneCheckVc(page), nil
}

// fillPageIndex indexes the free space of every normal page.
func (dm *DataManager) fillPageIndex() error {
	pageNumber := dm.pc.PageNumber()
	for pgno := 2; pgno <= pageNumber; pgno++ {
		page, err := dm.pc.GetPage(pgno)
		if err != nil {
			return err
		}
		dm.pIndex.Add(pgno, pagemanager.PageXFreeSpace(page))
		if err := page.Release(); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the live DataItem at uid, or nil if it was invalidated. A
// non-nil item must be released by the caller.
func (dm *DataManager) Read(uid uint64) (*DataItem, error) {
	di, err := dm.cache.Get(uid)
	if err != nil {
		return nil, err
	}
	if !di.isValid() {
		_ = di.Release()
		return nil, nil
	}
	return di, nil
}

// Insert stores data as a new DataItem on behalf of xid and returns its uid.
func (dm *DataManager) Insert(xid uint64, data []byte) (uint64, error) {
	raw := WrapDataItemRaw(data)
	if len(raw) > pagemanager.MaxFreeSpace {
		return 0, fmt.Errorf("%w: %d bytes", flushmanager.ErrDataTooLarge, len(raw))
	}

	var (
		info PageInfo
		page *pagemanager.Page
	)
	for i := 0; i < insertAttempts && page == nil; i++ {
		var found bool
		if info, found = dm.pIndex.Select(len(raw)); !found {
			newPgno, err := dm.pc.NewPage(pagemanager.PageXInitRaw())
			if err != nil {
				return 0, err
			}
			dm.pIndex.Add(newPgno, pagemanager.MaxFreeSpace)
			continue
		}
		p, err := dm.pc.GetPage(info.Pgno)
		if err != nil {
			dm.pIndex.Add(info.Pgno, info.FreeSpace)
			return 0, err
		}
		// Nothing may reach the log unless the page can take the record.
		if free := pagemanager.PageXFreeSpace(p); free < len(raw) {
			dm.pIndex.Add(info.Pgno, free)
			_ = p.Release()
			continue
		}
		page = p
	}
	if page == nil {
		return 0, flushmanager.ErrDatabaseBusy
	}
	defer func() {
		dm.pIndex.Add(info.Pgno, pagemanager.PageXFreeSpace(page))
		_ = page.Release()
	}()

	// The record is logged before the page changes.
	log := EncodeInsertLog(xid, info.Pgno, pagemanager.PageXGetFSO(page), raw)
	if err := dm.lm.Log(log); err != nil {
		return 0, err
	}
	offset, err := pagemanager.PageXInsert(page, raw)
	if err != nil {
		return 0, err
	}
	return commonutils.AddressToUID(info.Pgno, offset), nil
}

func (dm *DataManager) logDataItem(xid uint64, di *DataItem) error {
	return dm.lm.Log(EncodeUpdateLog(xid, di.uid, di.oldRaw, di.raw))
}

func (dm *DataManager) releaseDataItem(di *DataItem) error {
	return dm.cache.Release(di.uid)
}

// Close releases every cached item, closes the log, records a clean
// shutdown on page one and closes the page file.
func (dm *DataManager) Close() error {
	var errs []error
	errs = append(errs, dm.cache.Close())
	errs = append(errs, dm.lm.Close())
	errs = append(errs, dm.pc.FlushAll())
	// Page one is only marked clean once every other page is on disk.
	if err := errors.Join(errs...); err == nil {
		pagemanager.PageOneSetVcClose(dm.pageOne)
	} else {
		dm.logger.Error("Leaving database marked open", zap.Error(err))
	}
	errs = append(errs, dm.pageOne.Release())
	errs = append(errs, dm.pc.Close())
	if err := errors.Join(errs...); err != nil {
		return err
	}
	dm.logger.Info("DataManager closed")
	return nil
}
