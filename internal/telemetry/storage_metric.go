package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds all the metric instruments for the storage engine.
// A nil *StorageMetrics is valid and records nothing.
type StorageMetrics struct {
	CacheHitsCounter        metric.Int64Counter
	CacheMissesCounter      metric.Int64Counter
	CacheEvictionsCounter   metric.Int64Counter
	WalAppendsCounter       metric.Int64Counter
	WalBytesCounter         metric.Int64Counter
	TxnBegunCounter         metric.Int64Counter
	TxnCommittedCounter     metric.Int64Counter
	TxnAbortedCounter       metric.Int64Counter
	ActiveTxnsUpDownCounter metric.Int64UpDownCounter
	LockWaitsCounter        metric.Int64Counter
	DeadlocksCounter        metric.Int64Counter
	BTreeSplitsCounter      metric.Int64Counter
	RecoveryHistogram       metric.Int64Histogram
	IndexOpsCounter         metric.Int64Counter
	IndexLatencyHistogram   metric.Int64Histogram
}

// NewStorageMetrics creates and registers all the metrics for the storage engine.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.CacheHitsCounter, "mydb.cache.hits_total", "Cache lookups served by a resident resource.", "1"},
		{&m.CacheMissesCounter, "mydb.cache.misses_total", "Cache lookups that loaded the resource.", "1"},
		{&m.CacheEvictionsCounter, "mydb.cache.evictions_total", "Resources evicted to make room.", "1"},
		{&m.WalAppendsCounter, "mydb.wal.appends_total", "Records appended to the write-ahead log.", "1"},
		{&m.WalBytesCounter, "mydb.wal.bytes_total", "Bytes appended to the write-ahead log.", "By"},
		{&m.TxnBegunCounter, "mydb.txn.begun_total", "Transactions started.", "1"},
		{&m.TxnCommittedCounter, "mydb.txn.committed_total", "Transactions committed.", "1"},
		{&m.TxnAbortedCounter, "mydb.txn.aborted_total", "Transactions aborted.", "1"},
		{&m.LockWaitsCounter, "mydb.lock.waits_total", "Lock requests that had to wait.", "1"},
		{&m.DeadlocksCounter, "mydb.lock.deadlocks_total", "Lock requests rejected because of a deadlock.", "1"},
		{&m.BTreeSplitsCounter, "mydb.btree.splits_total", "B+Tree node splits.", "1"},
		{&m.IndexOpsCounter, "mydb.index.ops_total", "Index operations handled.", "1"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.ActiveTxnsUpDownCounter, err = meter.Int64UpDownCounter(
		"mydb.txn.active",
		metric.WithDescription("Number of active transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryHistogram, err = meter.Int64Histogram(
		"mydb.recovery.duration",
		metric.WithDescription("The duration of crash recovery."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.IndexLatencyHistogram, err = meter.Int64Histogram(
		"mydb.index.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *StorageMetrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache", cache)))
}

func (m *StorageMetrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache", cache)))
}

func (m *StorageMetrics) CacheEviction(cache string) {
	if m == nil {
		return
	}
	m.CacheEvictionsCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("cache", cache)))
}

func (m *StorageMetrics) WalAppend(bytes int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.WalAppendsCounter.Add(ctx, 1)
	m.WalBytesCounter.Add(ctx, int64(bytes))
}

func (m *StorageMetrics) TxnBegin() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.TxnBegunCounter.Add(ctx, 1)
	m.ActiveTxnsUpDownCounter.Add(ctx, 1)
}

func (m *StorageMetrics) TxnCommit() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.TxnCommittedCounter.Add(ctx, 1)
	m.ActiveTxnsUpDownCounter.Add(ctx, -1)
}

// TxnAbort records an abort. auto marks aborts forced by conflict detection.
func (m *StorageMetrics) TxnAbort(auto bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.TxnAbortedCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("auto", auto)))
	m.ActiveTxnsUpDownCounter.Add(ctx, -1)
}

func (m *StorageMetrics) LockWait() {
	if m == nil {
		return
	}
	m.LockWaitsCounter.Add(context.Background(), 1)
}

func (m *StorageMetrics) Deadlock() {
	if m == nil {
		return
	}
	m.DeadlocksCounter.Add(context.Background(), 1)
}

func (m *StorageMetrics) BTreeSplit() {
	if m == nil {
		return
	}
	m.BTreeSplitsCounter.Add(context.Background(), 1)
}

func (m *StorageMetrics) RecoveryDone(ms int64) {
	if m == nil {
		return
	}
	m.RecoveryHistogram.Record(context.Background(), ms)
}

// IndexOp records one finished index operation and its status code.
func (m *StorageMetrics) IndexOp(ctx context.Context, op, code string, ms int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("index.op", op),
		attribute.String("index.code", code),
	))
	m.IndexOpsCounter.Add(ctx, 1, attrs)
	m.IndexLatencyHistogram.Record(ctx, ms, attrs)
}
