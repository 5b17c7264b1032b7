package pagemanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

const testMemory = MemMinLim * PageSize

func setupPageCache(t *testing.T) (*PageCache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pc")
	pc, err := CreatePageCache(path, testMemory, zap.NewNop(), nil)
	require.NoError(t, err)
	return pc, path
}

// --- Test Cases ---

func TestPageCache_NewPageIsDurable(t *testing.T) {
	pc, path := setupPageCache(t)

	raw := PageXInitRaw()
	raw[100] = 0xAB
	pgno, err := pc.NewPage(raw)
	require.NoError(t, err)
	require.Equal(t, 1, pgno)
	require.Equal(t, 1, pc.PageNumber())
	require.NoError(t, pc.Close())

	pc, err = OpenPageCache(path, testMemory, zap.NewNop(), nil)
	require.NoError(t, err)
	defer pc.Close()
	require.Equal(t, 1, pc.PageNumber(), "page counter is seeded from the file length")

	page, err := pc.GetPage(1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), page.GetData()[100])
	require.NoError(t, page.Release())
}

func TestPageCache_DirtyPageFlushedOnEviction(t *testing.T) {
	pc, path := setupPageCache(t)

	for i := 0; i < MemMinLim+2; i++ {
		_, err := pc.NewPage(PageXInitRaw())
		require.NoError(t, err)
	}

	page, err := pc.GetPage(1)
	require.NoError(t, err)
	_, err = PageXInsert(page, []byte("hello"))
	require.NoError(t, err)
	require.True(t, page.IsDirty())
	require.NoError(t, page.Release())

	// Touch every other page so that page 1 must be evicted.
	for pgno := 2; pgno <= MemMinLim+2; pgno++ {
		p, err := pc.GetPage(pgno)
		require.NoError(t, err)
		require.NoError(t, p.Release())
	}
	require.False(t, page.IsDirty(), "eviction writes the page back")

	dm, err := flushmanager.OpenDiskFile(path+DBSuffix, PageSize)
	require.NoError(t, err)
	buf := make([]byte, PageSize)
	require.NoError(t, dm.ReadPage(1, buf))
	require.Equal(t, []byte("hello"), buf[offsetData:offsetData+5])
	require.NoError(t, dm.Close())
	require.NoError(t, pc.Close())
}

func TestPageCache_CloseFlushesDirtyPages(t *testing.T) {
	pc, path := setupPageCache(t)
	pgno, err := pc.NewPage(PageXInitRaw())
	require.NoError(t, err)

	page, err := pc.GetPage(pgno)
	require.NoError(t, err)
	offset, err := PageXInsert(page, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, uint16(offsetData), offset)
	require.NoError(t, page.Release())
	require.NoError(t, pc.Close())

	pc, err = OpenPageCache(path, testMemory, zap.NewNop(), nil)
	require.NoError(t, err)
	defer pc.Close()
	page, err = pc.GetPage(pgno)
	require.NoError(t, err)
	defer page.Release()
	require.Equal(t, uint16(offsetData+3), PageXGetFSO(page))
}

func TestPageCache_FlushAllKeepsPagesCached(t *testing.T) {
	pc, path := setupPageCache(t)
	pgno, err := pc.NewPage(PageXInitRaw())
	require.NoError(t, err)

	page, err := pc.GetPage(pgno)
	require.NoError(t, err)
	_, err = PageXInsert(page, []byte("kept"))
	require.NoError(t, err)

	require.NoError(t, pc.FlushAll())
	require.False(t, page.IsDirty())
	require.Equal(t, 1, pc.cache.References(uint64(pgno)), "flushing does not drop references")

	dm, err := flushmanager.OpenDiskFile(path+DBSuffix, PageSize)
	require.NoError(t, err)
	buf := make([]byte, PageSize)
	require.NoError(t, dm.ReadPage(pgno, buf))
	require.Equal(t, []byte("kept"), buf[offsetData:offsetData+4])
	require.NoError(t, dm.Close())

	require.NoError(t, page.Release())
	require.NoError(t, pc.Close())
}

func TestPageCache_FailedWriteBackStaysDirty(t *testing.T) {
	pc, _ := setupPageCache(t)
	pgno, err := pc.NewPage(PageXInitRaw())
	require.NoError(t, err)

	page, err := pc.GetPage(pgno)
	require.NoError(t, err)
	_, err = PageXInsert(page, []byte("unsaved"))
	require.NoError(t, err)
	require.NoError(t, page.Release())

	require.NoError(t, pc.disk.Close())
	require.ErrorIs(t, pc.FlushAll(), flushmanager.ErrClosed)
	require.True(t, page.IsDirty())

	require.Error(t, pc.cache.Close())
	require.Equal(t, 1, pc.cache.Len(), "a page that could not be written is not dropped")
	require.True(t, page.IsDirty())
}

func TestPageCache_TruncateByPgno(t *testing.T) {
	pc, path := setupPageCache(t)
	for i := 0; i < 5; i++ {
		_, err := pc.NewPage(PageXInitRaw())
		require.NoError(t, err)
	}
	require.NoError(t, pc.TruncateByPgno(2))
	require.Equal(t, 2, pc.PageNumber())

	pgno, err := pc.NewPage(PageXInitRaw())
	require.NoError(t, err)
	require.Equal(t, 3, pgno)
	require.NoError(t, pc.Close())

	pc, err = OpenPageCache(path, testMemory, zap.NewNop(), nil)
	require.NoError(t, err)
	require.Equal(t, 3, pc.PageNumber())
	require.NoError(t, pc.Close())
}

func TestPageCache_OpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := CreatePageCache(filepath.Join(dir, "small"), PageSize, zap.NewNop(), nil)
	require.ErrorIs(t, err, flushmanager.ErrMemTooSmall)

	_, err = OpenPageCache(filepath.Join(dir, "missing"), testMemory, zap.NewNop(), nil)
	require.ErrorIs(t, err, flushmanager.ErrDBFileNotFound)

	pc, err := CreatePageCache(filepath.Join(dir, "db"), testMemory, zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, pc.Close())
	_, err = CreatePageCache(filepath.Join(dir, "db"), testMemory, zap.NewNop(), nil)
	require.ErrorIs(t, err, flushmanager.ErrDBFileExists)
}

func TestPageX_RecoverIsIdempotent(t *testing.T) {
	once := NewPage(2, PageXInitRaw(), nil)
	twice := NewPage(2, PageXInitRaw(), nil)

	raw := []byte("record")
	PageXRecoverInsert(once, raw, 40)
	PageXRecoverInsert(twice, raw, 40)
	PageXRecoverInsert(twice, raw, 40)
	require.Equal(t, once.GetData(), twice.GetData())
	require.Equal(t, uint16(46), PageXGetFSO(once))

	PageXRecoverUpdate(once, []byte("RECORD"), 40)
	PageXRecoverUpdate(twice, []byte("RECORD"), 40)
	PageXRecoverUpdate(twice, []byte("RECORD"), 40)
	require.Equal(t, once.GetData(), twice.GetData())
	require.Equal(t, uint16(46), PageXGetFSO(twice), "update leaves the free space offset alone")

	// A recovered insert before the free space offset does not move it back.
	PageXRecoverInsert(once, []byte{9}, 10)
	require.Equal(t, uint16(46), PageXGetFSO(once))
}

func TestPageX_InsertRejectsOverflow(t *testing.T) {
	page := NewPage(2, PageXInitRaw(), nil)
	_, err := PageXInsert(page, make([]byte, MaxFreeSpace))
	require.NoError(t, err)
	require.Equal(t, 0, PageXFreeSpace(page))

	_, err = PageXInsert(page, []byte{1})
	require.ErrorIs(t, err, flushmanager.ErrInvalidPageData)
}

func TestPageOne_ValidityCheck(t *testing.T) {
	page := NewPage(1, PageOneInitRaw(), nil)
	require.False(t, PageOneCheckVc(page), "freshly armed page one looks like an unclean shutdown")

	PageOneSetVcClose(page)
	require.True(t, PageOneCheckVc(page))

	PageOneSetVcOpen(page)
	require.False(t, PageOneCheckVc(page))
	require.True(t, page.IsDirty())
}
