package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// --- DiskManager ---

// DiskManager performs page-granular I/O on the database file. Pages are
// numbered from 1; page n lives at byte offset (n-1)*pageSize.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	mu       sync.Mutex
}

// CreateDiskFile creates a new, empty database file. It fails with
// ErrDBFileExists if the file is already present.
func CreateDiskFile(filePath string, pageSize int) (*DiskManager, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, filePath)
		}
		return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, filePath, err)
	}
	return &DiskManager{filePath: filePath, file: file, pageSize: pageSize}, nil
}

// OpenDiskFile opens an existing database file. It fails with
// ErrDBFileNotFound if the file does not exist.
func OpenDiskFile(filePath string, pageSize int) (*DiskManager, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, filePath)
		}
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	return &DiskManager{filePath: filePath, file: file, pageSize: pageSize}, nil
}

func (dm *DiskManager) GetPageSize() int    { return dm.pageSize }
func (dm *DiskManager) GetFilePath() string { return dm.filePath }

// Size returns the current length of the file in bytes.
func (dm *DiskManager) Size() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return 0, ErrClosed
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}
	return fi.Size(), nil
}

// NumPages returns the number of whole pages in the file.
func (dm *DiskManager) NumPages() (int, error) {
	size, err := dm.Size()
	if err != nil {
		return 0, err
	}
	return int(size / int64(dm.pageSize)), nil
}

func (dm *DiskManager) pageOffset(pgno int) int64 {
	return int64(pgno-1) * int64(dm.pageSize)
}

// ReadPage reads page pgno into pageData. Bytes past the end of the file
// read as zero.
func (dm *DiskManager) ReadPage(pgno int, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) != page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	offset := dm.pageOffset(pgno)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pgno, offset, err)
	}
	clear(pageData[n:])
	return nil
}

// WritePage writes pageData at page pgno and forces it to stable storage.
func (dm *DiskManager) WritePage(pgno int, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: page buffer size (%d) != page size (%d)", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	offset := dm.pageOffset(pgno)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pgno, offset, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing page %d: %v", ErrIO, pgno, err)
	}
	return nil
}

// Truncate sets the file length to exactly numPages pages.
func (dm *DiskManager) Truncate(numPages int) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	size := int64(numPages) * int64(dm.pageSize)
	if err := dm.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncating %s to %d pages: %v", ErrIO, dm.filePath, numPages, err)
	}
	return dm.file.Sync()
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, dm.filePath, syncErr)
	}
	return closeErr
}
