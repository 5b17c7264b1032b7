package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// --- Write-Ahead Logging (WAL) Constants ---
//
// Log file layout:
//
//	[XChecksum:4][Record1][Record2]...[RecordN][BadTail]
//
// XChecksum accumulates the checksum of every record byte written so far.
// Each record is [Size:4][Checksum:4][Data:Size], where Checksum covers Data.
const (
	LogSuffix = ".log"

	checksumSeed = 13331

	headerSize     = 4
	offsetSize     = 0
	offsetChecksum = offsetSize + 4
	offsetData     = offsetChecksum + 4
)

// LogManager is the append-only, checksummed write-ahead log of one database.
type LogManager struct {
	file      *os.File
	mu        sync.Mutex // Protects file, position, fileSize and xChecksum
	position  int64      // Read cursor used by Next
	fileSize  int64
	xChecksum int32

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// CreateLogManager creates <path>.log with an empty header.
func CreateLogManager(path string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	filePath := path + LogSuffix
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDBFileExists, filePath)
		}
		return nil, fmt.Errorf("%w: creating log file %s: %v", flushmanager.ErrIO, filePath, err)
	}
	if _, err := file.WriteAt(make([]byte, headerSize), 0); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: writing log header: %v", flushmanager.ErrIO, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: syncing log header: %v", flushmanager.ErrIO, err)
	}
	lm := newLogManager(file, logger, metrics)
	lm.fileSize = headerSize
	lm.Rewind()
	lm.logger.Info("LogManager created", zap.String("file", filePath))
	return lm, nil
}

// OpenLogManager opens <path>.log, verifies it and cuts any bad tail.
func OpenLogManager(path string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*LogManager, error) {
	filePath := path + LogSuffix
	file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDBFileNotFound, filePath)
		}
		return nil, fmt.Errorf("%w: opening log file %s: %v", flushmanager.ErrIO, filePath, err)
	}
	lm := newLogManager(file, logger, metrics)
	if err := lm.init(); err != nil {
		_ = file.Close()
		return nil, err
	}
	lm.logger.Info("LogManager opened", zap.String("file", filePath), zap.Int64("size", lm.fileSize))
	return lm, nil
}

func newLogManager(file *os.File, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LogManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogManager{
		file:    file,
		logger:  logger.Named("wal"),
		metrics: metrics,
	}
}

func (lm *LogManager) init() error {
	fi, err := lm.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: getting log file info: %v", flushmanager.ErrIO, err)
	}
	if fi.Size() < headerSize {
		return fmt.Errorf("%w: file is %d bytes, shorter than its header", flushmanager.ErrBadLogFile, fi.Size())
	}
	header := make([]byte, headerSize)
	if _, err := lm.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: reading log header: %v", flushmanager.ErrIO, err)
	}
	lm.fileSize = fi.Size()
	lm.xChecksum = int32(commonutils.Uint32(header))
	return lm.checkAndRemoveTail()
}

// checkAndRemoveTail replays every record and cuts the file after the
// longest record prefix whose accumulated checksum equals the header.
func (lm *LogManager) checkAndRemoveTail() error {
	lm.Rewind()
	var acc int32
	goodEnd := int64(-1)
	if acc == lm.xChecksum {
		goodEnd = headerSize
	}
	records := 0
	for {
		record, err := lm.internNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		acc = calChecksum(acc, record)
		records++
		if acc == lm.xChecksum {
			goodEnd = lm.position
		}
	}
	if goodEnd < 0 {
		return fmt.Errorf("%w: no record prefix matches header checksum %d", flushmanager.ErrBadLogFile, lm.xChecksum)
	}
	if goodEnd < lm.fileSize {
		lm.logger.Warn("Removing bad tail from log",
			zap.Int64("valid_end", goodEnd),
			zap.Int64("file_size", lm.fileSize),
			zap.Int("records_scanned", records))
		if err := lm.truncate(goodEnd); err != nil {
			return err
		}
	}
	lm.Rewind()
	return nil
}

// calChecksum folds log into acc with the rolling polynomial hash. Bytes
// are taken as signed values and the arithmetic wraps at 32 bits.
func calChecksum(acc int32, log []byte) int32 {
	for _, b := range log {
		acc = acc*checksumSeed + int32(int8(b))
	}
	return acc
}

func wrapLog(data []byte) []byte {
	record := make([]byte, offsetData+len(data))
	commonutils.PutUint32(record[offsetSize:], uint32(len(data)))
	commonutils.PutUint32(record[offsetChecksum:], uint32(calChecksum(0, data)))
	copy(record[offsetData:], data)
	return record
}

// Log appends data as one record and durably updates the header checksum.
func (lm *LogManager) Log(data []byte) error {
	record := wrapLog(data)

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return flushmanager.ErrClosed
	}
	if _, err := lm.file.WriteAt(record, lm.fileSize); err != nil {
		return fmt.Errorf("%w: appending log record: %v", flushmanager.ErrIO, err)
	}
	lm.fileSize += int64(len(record))

	lm.xChecksum = calChecksum(lm.xChecksum, record)
	header := make([]byte, headerSize)
	commonutils.PutUint32(header, uint32(lm.xChecksum))
	if _, err := lm.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("%w: writing log header: %v", flushmanager.ErrIO, err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing log: %v", flushmanager.ErrIO, err)
	}
	lm.metrics.WalAppend(len(record))
	return nil
}

// Truncate cuts the log file to x bytes.
func (lm *LogManager) Truncate(x int64) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return flushmanager.ErrClosed
	}
	return lm.truncate(x)
}

func (lm *LogManager) truncate(x int64) error {
	if err := lm.file.Truncate(x); err != nil {
		return fmt.Errorf("%w: truncating log to %d bytes: %v", flushmanager.ErrIO, x, err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing log: %v", flushmanager.ErrIO, err)
	}
	lm.fileSize = x
	return nil
}

// internNext reads the whole record at the cursor. It returns io.EOF at the
// end of the log or at the first truncated or corrupt record.
func (lm *LogManager) internNext() ([]byte, error) {
	if lm.position+offsetData > lm.fileSize {
		return nil, io.EOF
	}
	sizeBuf := make([]byte, 4)
	if _, err := lm.file.ReadAt(sizeBuf, lm.position); err != nil {
		return nil, fmt.Errorf("%w: reading record size at %d: %v", flushmanager.ErrIO, lm.position, err)
	}
	size := int64(commonutils.Uint32(sizeBuf))
	if lm.position+offsetData+size > lm.fileSize {
		return nil, io.EOF
	}
	record := make([]byte, offsetData+size)
	if _, err := lm.file.ReadAt(record, lm.position); err != nil {
		return nil, fmt.Errorf("%w: reading record at %d: %v", flushmanager.ErrIO, lm.position, err)
	}
	if calChecksum(0, record[offsetData:]) != int32(commonutils.Uint32(record[offsetChecksum:])) {
		return nil, io.EOF
	}
	lm.position += int64(len(record))
	return record, nil
}

// Next returns the data of the record at the cursor and advances it.
// It returns io.EOF when no further valid record exists.
func (lm *LogManager) Next() ([]byte, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil, flushmanager.ErrClosed
	}
	record, err := lm.internNext()
	if err != nil {
		return nil, err
	}
	return record[offsetData:], nil
}

// Rewind moves the cursor to the first record.
func (lm *LogManager) Rewind() {
	lm.mu.Lock()
	lm.position = headerSize
	lm.mu.Unlock()
}

// Close closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	err := lm.file.Close()
	lm.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing log: %v", flushmanager.ErrIO, err)
	}
	return nil
}
