package versionmanager

import (
	"errors"
	"fmt"
	"sync"

	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/transaction"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	"github.com/suxiao1228/mydb/core/write_engine/memtable"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// TransactionManager is the transaction status store the version manager
// drives.
type TransactionManager interface {
	CommitStatus
	Begin() (uint64, error)
	Commit(xid uint64) error
	Abort(xid uint64) error
}

// VersionManager layers multi-version records and two isolation levels
// over the data manager.
type VersionManager struct {
	tm      TransactionManager
	dm      *datamanager.DataManager
	lt      *LockTable
	cache   *memtable.Cache[*Entry]
	mu      sync.Mutex
	active  map[uint64]*Transaction
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

type entryLoader struct {
	vm *VersionManager
}

func (l entryLoader) Load(uid uint64) (*Entry, error) {
	di, err := l.vm.dm.Read(uid)
	if err != nil {
		return nil, err
	}
	if di == nil {
		return nil, fmt.Errorf("%w: uid %d", flushmanager.ErrNullEntry, uid)
	}
	return newEntry(l.vm, di, uid), nil
}

func (l entryLoader) Release(e *Entry) error {
	return e.remove()
}

func New(tm TransactionManager, dm *datamanager.DataManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *VersionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	vm := &VersionManager{
		tm:      tm,
		dm:      dm,
		lt:      NewLockTable(logger, metrics),
		active:  make(map[uint64]*Transaction),
		logger:  logger.Named("vm"),
		metrics: metrics,
	}
	vm.active[transaction.SuperXID] = newTransaction(transaction.SuperXID, ReadCommitted, nil)
	vm.cache = memtable.NewCache[*Entry]("entry", 0, entryLoader{vm: vm}, logger, metrics)
	return vm
}

func (vm *VersionManager) transaction(xid uint64) (*Transaction, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	t, ok := vm.active[xid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", flushmanager.ErrTxnNotFound, xid)
	}
	return t, nil
}

// getEntry returns the entry at uid, or nil if the record does not exist.
func (vm *VersionManager) getEntry(uid uint64) (*Entry, error) {
	e, err := vm.cache.Get(uid)
	if errors.Is(err, flushmanager.ErrNullEntry) {
		return nil, nil
	}
	return e, err
}

func (vm *VersionManager) releaseEntry(e *Entry) error {
	return vm.cache.Release(e.uid)
}

// Begin starts a transaction at the given isolation level.
func (vm *VersionManager) Begin(level int) (uint64, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	xid, err := vm.tm.Begin()
	if err != nil {
		return 0, err
	}
	vm.active[xid] = newTransaction(xid, level, vm.active)
	vm.metrics.TxnBegin()
	vm.logger.Debug("Transaction begun", zap.Uint64("xid", xid), zap.Int("level", level))
	return xid, nil
}

// Read returns the data at uid as seen by xid, or nil if xid cannot see it.
func (vm *VersionManager) Read(xid, uid uint64) ([]byte, error) {
	t, err := vm.transaction(xid)
	if err != nil {
		return nil, err
	}
	if t.err != nil {
		return nil, t.err
	}
	e, err := vm.getEntry(uid)
	if err != nil || e == nil {
		return nil, err
	}
	defer e.Release()

	visible, err := IsVisible(vm.tm, t, e)
	if err != nil || !visible {
		return nil, err
	}
	return e.Data(), nil
}

// Insert stores data as a new version created by xid.
func (vm *VersionManager) Insert(xid uint64, data []byte) (uint64, error) {
	t, err := vm.transaction(xid)
	if err != nil {
		return 0, err
	}
	if t.err != nil {
		return 0, t.err
	}
	return vm.dm.Insert(xid, wrapEntryRaw(xid, data))
}

// Delete marks the version at uid deleted by xid. It reports false if xid
// cannot see the version or has already deleted it. A deadlock or a
// concurrent delete aborts xid and the error is returned from every later
// call on it.
func (vm *VersionManager) Delete(xid, uid uint64) (bool, error) {
	t, err := vm.transaction(xid)
	if err != nil {
		return false, err
	}
	if t.err != nil {
		return false, t.err
	}
	e, err := vm.getEntry(uid)
	if err != nil || e == nil {
		return false, err
	}
	defer e.Release()

	visible, err := IsVisible(vm.tm, t, e)
	if err != nil || !visible {
		return false, err
	}

	granted, err := vm.lt.Add(xid, uid)
	if err != nil {
		return false, vm.autoAbort(t, fmt.Errorf("%w: %w", flushmanager.ErrConcurrentUpdate, err))
	}
	if granted != nil {
		<-granted
		if !vm.lt.Holds(xid, uid) {
			return false, fmt.Errorf("%w: xid %d ended while waiting for uid %d", flushmanager.ErrTxnNotFound, xid, uid)
		}
	}

	if e.XMax() == xid {
		return false, nil
	}
	skip, err := IsVersionSkip(vm.tm, t, e)
	if err != nil {
		return false, err
	}
	if skip {
		return false, vm.autoAbort(t, fmt.Errorf("%w: uid %d deleted by a transaction invisible to %d", flushmanager.ErrConcurrentUpdate, uid, xid))
	}

	if err := e.SetXMax(xid); err != nil {
		return false, err
	}
	return true, nil
}

// autoAbort records cause on t and aborts it. The transaction stays known
// until the caller aborts it explicitly.
func (vm *VersionManager) autoAbort(t *Transaction, cause error) error {
	t.err = cause
	if err := vm.internAbort(t.xid, true); err != nil {
		vm.logger.Error("Automatic abort failed", zap.Uint64("xid", t.xid), zap.Error(err))
	}
	t.autoAborted = true
	vm.logger.Info("Transaction aborted automatically", zap.Uint64("xid", t.xid), zap.Error(cause))
	return cause
}

// Commit commits xid. A transaction carrying an error cannot commit.
func (vm *VersionManager) Commit(xid uint64) error {
	t, err := vm.transaction(xid)
	if err != nil {
		return err
	}
	if t.err != nil {
		return t.err
	}
	vm.mu.Lock()
	delete(vm.active, xid)
	vm.mu.Unlock()

	vm.lt.Remove(xid)
	if err := vm.tm.Commit(xid); err != nil {
		return err
	}
	vm.metrics.TxnCommit()
	return nil
}

// Abort aborts xid. Aborting a transaction that was already aborted
// automatically only forgets it.
func (vm *VersionManager) Abort(xid uint64) error {
	return vm.internAbort(xid, false)
}

func (vm *VersionManager) internAbort(xid uint64, auto bool) error {
	vm.mu.Lock()
	t, ok := vm.active[xid]
	if ok && !auto {
		delete(vm.active, xid)
	}
	vm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", flushmanager.ErrTxnNotFound, xid)
	}
	if t.autoAborted {
		return nil
	}

	vm.lt.Remove(xid)
	if err := vm.tm.Abort(xid); err != nil {
		return err
	}
	vm.metrics.TxnAbort(auto)
	return nil
}

// Close aborts every open transaction and releases every cached entry.
func (vm *VersionManager) Close() error {
	vm.mu.Lock()
	open := make([]uint64, 0, len(vm.active))
	for xid := range vm.active {
		if xid != transaction.SuperXID {
			open = append(open, xid)
		}
	}
	vm.mu.Unlock()

	var errs []error
	for _, xid := range open {
		errs = append(errs, vm.internAbort(xid, false))
	}
	if len(open) > 0 {
		vm.logger.Info("Aborted open transactions on close", zap.Int("count", len(open)))
	}
	errs = append(errs, vm.cache.Close())
	return errors.Join(errs...)
}
