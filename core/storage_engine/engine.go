// Package storageengine assembles one database instance: the transaction
// status store, the data manager, the version manager and its indexes.
package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/indexing/btree"
	"github.com/suxiao1228/mydb/core/indexmanager"
	"github.com/suxiao1228/mydb/core/transaction"
	versionmanager "github.com/suxiao1228/mydb/core/version_manager"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// Engine is an open database.
type Engine struct {
	cfg     Config
	tm      *transaction.Manager
	dm      *datamanager.DataManager
	vm      *versionmanager.VersionManager
	im      *indexmanager.BTreeIndexManager
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics

	mu     sync.Mutex
	closed bool
}

// Create creates the files of a new database and opens it.
func Create(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	tm, err := transaction.CreateManager(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	dm, err := datamanager.Create(cfg.Path, cfg.Memory, tm, logger, metrics)
	if err != nil {
		_ = tm.Close()
		return nil, err
	}
	e := newEngine(cfg, tm, dm, logger, metrics)
	e.logger.Info("Database created", zap.String("path", cfg.Path), zap.Int64("memory", cfg.Memory))
	return e, nil
}

// Open opens an existing database, recovering it if it was not closed.
func Open(cfg Config, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tm, err := transaction.OpenManager(cfg.Path, logger)
	if err != nil {
		return nil, err
	}
	dm, err := datamanager.Open(cfg.Path, cfg.Memory, tm, logger, metrics)
	if err != nil {
		_ = tm.Close()
		return nil, err
	}
	e := newEngine(cfg, tm, dm, logger, metrics)
	e.logger.Info("Database opened", zap.String("path", cfg.Path), zap.Uint64("xid_counter", tm.Counter()))
	return e, nil
}

func newEngine(cfg Config, tm *transaction.Manager, dm *datamanager.DataManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *Engine {
	return &Engine{
		cfg:     cfg,
		tm:      tm,
		dm:      dm,
		vm:      versionmanager.New(tm, dm, logger, metrics),
		im:      indexmanager.NewBTreeIndexManager(dm, logger, metrics),
		logger:  logger.Named("engine"),
		metrics: metrics,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// VersionManager is the transactional record interface of the database.
func (e *Engine) VersionManager() *versionmanager.VersionManager { return e.vm }

// DataManager is the untransactional item store underneath.
func (e *Engine) DataManager() *datamanager.DataManager { return e.dm }

// Indexes is the traced surface over the B+Trees of the database.
func (e *Engine) Indexes() *indexmanager.BTreeIndexManager { return e.im }

// CreateIndex creates an empty B+Tree and returns its boot uid.
func (e *Engine) CreateIndex(ctx context.Context) (uint64, error) {
	return e.im.Create(ctx)
}

// LoadIndex returns the B+Tree with the given boot uid. Trees stay loaded
// until the engine closes.
func (e *Engine) LoadIndex(boot uint64) (*btree.BPlusTree, error) {
	return e.im.Tree(boot)
}

// Close aborts open transactions and closes every file. The database is
// marked cleanly shut down.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := errors.Join(e.im.Close(), e.vm.Close(), e.dm.Close(), e.tm.Close()); err != nil {
		e.logger.Error("Database closed with errors", zap.Error(err))
		return err
	}
	e.logger.Info("Database closed", zap.String("path", e.cfg.Path))
	return nil
}
