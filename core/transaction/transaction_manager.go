package transaction

import (
	"errors"
	"fmt"
	"os"
	"sync"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
	"go.uber.org/zap"
)

// The .xid file is [XIDCounter:8] followed by one status byte per
// transaction id, id n stored at offset xidHeaderLength+n-1.
const (
	XIDSuffix       = ".xid"
	xidHeaderLength = 8
	xidFieldSize    = 1
)

// Manager is the durable transaction status store.
type Manager struct {
	file       *os.File
	xidCounter uint64
	counterMu  sync.Mutex // Serializes Begin
	stateMu    sync.Mutex // Serializes Commit and Abort
	logger     *zap.Logger
}

// CreateManager creates <path>.xid with a zero counter.
func CreateManager(path string, logger *zap.Logger) (*Manager, error) {
	filePath := path + XIDSuffix
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDBFileExists, filePath)
		}
		return nil, fmt.Errorf("%w: creating xid file %s: %v", flushmanager.ErrIO, filePath, err)
	}
	if _, err := file.WriteAt(make([]byte, xidHeaderLength), 0); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: writing xid header: %v", flushmanager.ErrIO, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: syncing xid header: %v", flushmanager.ErrIO, err)
	}
	tm := newManager(file, logger)
	tm.logger.Info("Transaction status file created", zap.String("file", filePath))
	return tm, nil
}

// OpenManager opens <path>.xid and checks that its length agrees with the
// stored counter.
func OpenManager(path string, logger *zap.Logger) (*Manager, error) {
	filePath := path + XIDSuffix
	file, err := os.OpenFile(filePath, os.O_RDWR, 0666)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDBFileNotFound, filePath)
		}
		return nil, fmt.Errorf("%w: opening xid file %s: %v", flushmanager.ErrIO, filePath, err)
	}
	tm := newManager(file, logger)
	if err := tm.checkXIDCounter(); err != nil {
		_ = file.Close()
		return nil, err
	}
	tm.logger.Info("Transaction status file opened", zap.String("file", filePath), zap.Uint64("xid_counter", tm.xidCounter))
	return tm, nil
}

func newManager(file *os.File, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{file: file, logger: logger.Named("tm")}
}

func (tm *Manager) checkXIDCounter() error {
	fi, err := tm.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: getting xid file info: %v", flushmanager.ErrIO, err)
	}
	if fi.Size() < xidHeaderLength {
		return fmt.Errorf("%w: file is %d bytes, shorter than its header", flushmanager.ErrBadXIDFile, fi.Size())
	}
	header := make([]byte, xidHeaderLength)
	if _, err := tm.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: reading xid header: %v", flushmanager.ErrIO, err)
	}
	tm.xidCounter = commonutils.Uint64(header)
	if end := xidPosition(tm.xidCounter + 1); end != fi.Size() {
		return fmt.Errorf("%w: counter %d implies %d bytes, file has %d", flushmanager.ErrBadXIDFile, tm.xidCounter, end, fi.Size())
	}
	return nil
}

func xidPosition(xid uint64) int64 {
	return xidHeaderLength + int64(xid-1)*xidFieldSize
}

func (tm *Manager) updateXID(xid uint64, state TransactionState) error {
	if _, err := tm.file.WriteAt([]byte{byte(state)}, xidPosition(xid)); err != nil {
		return fmt.Errorf("%w: writing state of xid %d: %v", flushmanager.ErrIO, xid, err)
	}
	if err := tm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing xid file: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (tm *Manager) incrXIDCounter() error {
	tm.xidCounter++
	if _, err := tm.file.WriteAt(commonutils.Uint64Bytes(tm.xidCounter), 0); err != nil {
		return fmt.Errorf("%w: writing xid counter: %v", flushmanager.ErrIO, err)
	}
	if err := tm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing xid file: %v", flushmanager.ErrIO, err)
	}
	return nil
}

// Begin starts a new transaction and returns its id.
func (tm *Manager) Begin() (uint64, error) {
	tm.counterMu.Lock()
	defer tm.counterMu.Unlock()
	xid := tm.xidCounter + 1
	if err := tm.updateXID(xid, TxnStateActive); err != nil {
		return 0, err
	}
	if err := tm.incrXIDCounter(); err != nil {
		return 0, err
	}
	tm.logger.Debug("Transaction begun", zap.Uint64("xid", xid))
	return xid, nil
}

// Commit marks xid committed.
func (tm *Manager) Commit(xid uint64) error {
	return tm.finish(xid, TxnStateCommitted)
}

// Abort marks xid aborted.
func (tm *Manager) Abort(xid uint64) error {
	return tm.finish(xid, TxnStateAborted)
}

// finish moves an active xid to its final state. Any other transition is
// ErrInvalidXID.
func (tm *Manager) finish(xid uint64, state TransactionState) error {
	if xid == SuperXID {
		return fmt.Errorf("%w: %d", flushmanager.ErrInvalidXID, xid)
	}
	tm.stateMu.Lock()
	defer tm.stateMu.Unlock()
	current, err := tm.State(xid)
	if err != nil {
		return err
	}
	if current != TxnStateActive {
		return fmt.Errorf("%w: xid %d is %s, cannot become %s", flushmanager.ErrInvalidXID, xid, current, state)
	}
	return tm.updateXID(xid, state)
}

// State returns the stored state of xid.
func (tm *Manager) State(xid uint64) (TransactionState, error) {
	if xid == SuperXID {
		return TxnStateCommitted, nil
	}
	if xid > tm.Counter() {
		return 0, fmt.Errorf("%w: %d", flushmanager.ErrInvalidXID, xid)
	}
	buf := make([]byte, xidFieldSize)
	if _, err := tm.file.ReadAt(buf, xidPosition(xid)); err != nil {
		return 0, fmt.Errorf("%w: reading state of xid %d: %v", flushmanager.ErrIO, xid, err)
	}
	return TransactionState(buf[0]), nil
}

func (tm *Manager) checkXID(xid uint64, state TransactionState) (bool, error) {
	got, err := tm.State(xid)
	if err != nil {
		return false, err
	}
	return got == state, nil
}

func (tm *Manager) IsActive(xid uint64) (bool, error) {
	if xid == SuperXID {
		return false, nil
	}
	return tm.checkXID(xid, TxnStateActive)
}

func (tm *Manager) IsCommitted(xid uint64) (bool, error) {
	if xid == SuperXID {
		return true, nil
	}
	return tm.checkXID(xid, TxnStateCommitted)
}

func (tm *Manager) IsAborted(xid uint64) (bool, error) {
	if xid == SuperXID {
		return false, nil
	}
	return tm.checkXID(xid, TxnStateAborted)
}

// Counter returns the number of transaction ids handed out so far.
func (tm *Manager) Counter() uint64 {
	tm.counterMu.Lock()
	defer tm.counterMu.Unlock()
	return tm.xidCounter
}

// Close closes the xid file.
func (tm *Manager) Close() error {
	if err := tm.file.Close(); err != nil {
		return fmt.Errorf("%w: closing xid file: %v", flushmanager.ErrIO, err)
	}
	return nil
}
