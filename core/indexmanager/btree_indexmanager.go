package indexmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/indexing/btree"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var _ IndexManager = (*BTreeIndexManager)(nil)

// BTreeIndexManager keeps the B+Trees of one database loaded. A tree stays
// in memory from its first use until the manager closes.
type BTreeIndexManager struct {
	mu          sync.Mutex
	dm          *datamanager.DataManager
	trees       map[uint64]*btree.BPlusTree
	closed      bool
	tracer      trace.Tracer
	logger      *zap.Logger
	metrics     *internaltelemetry.StorageMetrics
	serviceName string
}

// NewBTreeIndexManager traces through the global tracer provider, which is
// a no-op until telemetry is set up.
func NewBTreeIndexManager(dm *datamanager.DataManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *BTreeIndexManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BTreeIndexManager{
		dm:          dm,
		trees:       make(map[uint64]*btree.BPlusTree),
		tracer:      otel.Tracer("github.com/suxiao1228/mydb/core/indexmanager"),
		logger:      logger.Named("index"),
		metrics:     metrics,
		serviceName: "btree_indexmanager",
	}
}

func (m *BTreeIndexManager) Name() string { return "btree" }

func (m *BTreeIndexManager) Create(ctx context.Context) (boot uint64, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Create")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Create", err) }()

	if boot, err = btree.Create(m.dm); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("index.boot_uid", int64(boot)))
	m.logger.Info("Index created", zap.Uint64("boot_uid", boot))
	return boot, nil
}

func (m *BTreeIndexManager) Insert(ctx context.Context, boot uint64, key int64, uid uint64) (err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "Insert")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "Insert", err) }()

	tree, err := m.Tree(boot)
	if err != nil {
		return err
	}
	return tree.Insert(key, uid)
}

func (m *BTreeIndexManager) Search(ctx context.Context, boot uint64, key int64) ([]uint64, error) {
	return m.SearchRange(ctx, boot, key, key)
}

func (m *BTreeIndexManager) SearchRange(ctx context.Context, boot uint64, left, right int64) (uids []uint64, err error) {
	ctx, span, startTime := m.StartMetricsAndTrace(ctx, "SearchRange")
	defer func() { m.EndMetricsAndTrace(ctx, span, startTime, "SearchRange", err) }()

	tree, err := m.Tree(boot)
	if err != nil {
		return nil, err
	}
	uids, err = tree.SearchRange(left, right)
	span.SetAttributes(attribute.Int("index.results", len(uids)))
	return uids, err
}

// Tree returns the loaded tree with the given boot uid, loading it on first
// use.
func (m *BTreeIndexManager) Tree(boot uint64) (*btree.BPlusTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, flushmanager.ErrClosed
	}
	if tree, ok := m.trees[boot]; ok {
		return tree, nil
	}
	tree, err := btree.Load(boot, m.dm, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	m.trees[boot] = tree
	return tree, nil
}

// Close is idempotent.
func (m *BTreeIndexManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for _, tree := range m.trees {
		errs = append(errs, tree.Close())
	}
	clear(m.trees)
	return errors.Join(errs...)
}

// StartMetricsAndTrace begins the telemetry recording for an index operation.
// It returns a new context, the trace span, and the start time.
func (m *BTreeIndexManager) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.op", op),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index operation.
func (m *BTreeIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, err error) {
	latency := time.Since(startTime).Milliseconds()

	statusCode := otelcodes.Ok
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.metrics.IndexOp(ctx, op, statusCode.String(), latency)
}
