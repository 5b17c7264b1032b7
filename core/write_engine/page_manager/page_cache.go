package pagemanager

import (
	"errors"
	"fmt"
	"sync/atomic"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	"github.com/suxiao1228/mydb/core/write_engine/memtable"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// MemMinLim is the smallest number of pages a PageCache accepts.
	MemMinLim = 10
	// DBSuffix is appended to the database path to name the page file.
	DBSuffix = ".db"
)

// PageCache caches the pages of a single database file.
type PageCache struct {
	disk        *flushmanager.DiskManager
	cache       *memtable.Cache[*Page]
	pageNumbers atomic.Int32
	logger      *zap.Logger
}

// pageLoader reads pages on cache misses and writes dirty pages back on eviction.
type pageLoader struct {
	pc *PageCache
}

func (l pageLoader) Load(key uint64) (*Page, error) {
	pgno := int(key)
	data := make([]byte, PageSize)
	if err := l.pc.disk.ReadPage(pgno, data); err != nil {
		return nil, err
	}
	l.pc.logger.Debug("Loaded page from disk", zap.Int("pgno", pgno))
	return NewPage(pgno, data, l.pc), nil
}

func (l pageLoader) Release(p *Page) error {
	return l.pc.writeBack(p)
}

// writeBack flushes p if it is dirty. A page that fails to flush stays dirty.
func (pc *PageCache) writeBack(p *Page) error {
	if !p.IsDirty() {
		return nil
	}
	if err := pc.FlushPage(p); err != nil {
		return err
	}
	p.SetDirty(false)
	return nil
}

// CreatePageCache creates the database file <path>.db and a cache over it
// sized to memory bytes.
func CreatePageCache(path string, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	disk, err := flushmanager.CreateDiskFile(path+DBSuffix, PageSize)
	if err != nil {
		return nil, err
	}
	return newPageCache(disk, memory, logger, metrics)
}

// OpenPageCache opens the existing database file <path>.db.
func OpenPageCache(path string, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	disk, err := flushmanager.OpenDiskFile(path+DBSuffix, PageSize)
	if err != nil {
		return nil, err
	}
	return newPageCache(disk, memory, logger, metrics)
}

func newPageCache(disk *flushmanager.DiskManager, memory int64, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*PageCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxResources := int(memory / PageSize)
	if maxResources < MemMinLim {
		_ = disk.Close()
		return nil, fmt.Errorf("%w: %d bytes holds %d pages, need at least %d", flushmanager.ErrMemTooSmall, memory, maxResources, MemMinLim)
	}
	numPages, err := disk.NumPages()
	if err != nil {
		_ = disk.Close()
		return nil, err
	}
	pc := &PageCache{
		disk:   disk,
		logger: logger.Named("page_cache"),
	}
	pc.cache = memtable.NewCache[*Page]("page", maxResources, pageLoader{pc: pc}, logger, metrics)
	pc.pageNumbers.Store(int32(numPages))
	pc.logger.Info("PageCache initialized",
		zap.String("file", disk.GetFilePath()),
		zap.Int("max_pages", maxResources),
		zap.Int("num_pages", numPages))
	return pc, nil
}

// NewPage allocates the next page number and durably writes initData as
// its content.
func (pc *PageCache) NewPage(initData []byte) (int, error) {
	if len(initData) != PageSize {
		return 0, fmt.Errorf("%w: initial page data is %d bytes", flushmanager.ErrInvalidPageData, len(initData))
	}
	pgno := int(pc.pageNumbers.Add(1))
	if err := pc.disk.WritePage(pgno, initData); err != nil {
		return 0, err
	}
	pc.logger.Debug("Allocated new page", zap.Int("pgno", pgno))
	return pgno, nil
}

// GetPage returns page pgno with a reference taken on it.
func (pc *PageCache) GetPage(pgno int) (*Page, error) {
	if pgno <= 0 {
		return nil, fmt.Errorf("%w: page number %d", flushmanager.ErrInvalidPageData, pgno)
	}
	return pc.cache.Get(uint64(pgno))
}

// Release gives back a reference obtained from GetPage.
func (pc *PageCache) Release(p *Page) error {
	return pc.cache.Release(uint64(p.pgno))
}

// FlushPage writes the page through to disk.
func (pc *PageCache) FlushPage(p *Page) error {
	p.Lock()
	defer p.Unlock()
	return pc.disk.WritePage(p.pgno, p.data)
}

// FlushAll writes every dirty cached page to disk. Pages stay cached.
func (pc *PageCache) FlushAll() error {
	return pc.cache.Each(func(_ uint64, p *Page) error {
		return pc.writeBack(p)
	})
}

// TruncateByPgno cuts the file to exactly maxPgno pages. Used by recovery.
func (pc *PageCache) TruncateByPgno(maxPgno int) error {
	if err := pc.disk.Truncate(maxPgno); err != nil {
		return err
	}
	pc.pageNumbers.Store(int32(maxPgno))
	pc.logger.Info("Truncated database file", zap.Int("pages", maxPgno))
	return nil
}

// PageNumber returns the number of allocated pages.
func (pc *PageCache) PageNumber() int {
	return int(pc.pageNumbers.Load())
}

// Close writes back all cached pages and closes the file.
func (pc *PageCache) Close() error {
	cacheErr := pc.cache.Close()
	diskErr := pc.disk.Close()
	return errors.Join(cacheErr, diskErr)
}
