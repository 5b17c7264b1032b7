package indexmanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/indexing/btree"
	"github.com/suxiao1228/mydb/core/transaction"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	m      *BTreeIndexManager
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func setupIndexManager(t *testing.T) fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx")
	logger := zaptest.NewLogger(t)

	reader := sdkmetric.NewManualReader()
	metrics, err := internaltelemetry.NewStorageMetrics(
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)

	tm, err := transaction.CreateManager(path, logger)
	require.NoError(t, err)
	dm, err := datamanager.Create(path, 64*pagemanager.PageSize, tm, logger, metrics)
	require.NoError(t, err)

	m := NewBTreeIndexManager(dm, logger, metrics)
	spans := tracetest.NewSpanRecorder()
	m.tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")

	t.Cleanup(func() {
		require.NoError(t, m.Close())
		require.NoError(t, dm.Close())
		require.NoError(t, tm.Close())
	})
	return fixture{m: m, spans: spans, reader: reader}
}

func TestBTreeIndexManager_InsertAndSearch(t *testing.T) {
	f := setupIndexManager(t)
	ctx := context.Background()

	boot, err := f.m.Create(ctx)
	require.NoError(t, err)
	for k := int64(0); k < 100; k++ {
		require.NoError(t, f.m.Insert(ctx, boot, k, uint64(1000+k)))
	}

	uids, err := f.m.Search(ctx, boot, 42)
	require.NoError(t, err)
	require.Equal(t, []uint64{1042}, uids)

	uids, err = f.m.SearchRange(ctx, boot, 10, 12)
	require.NoError(t, err)
	require.Equal(t, []uint64{1010, 1011, 1012}, uids)

	first, err := f.m.Tree(boot)
	require.NoError(t, err)
	second, err := f.m.Tree(boot)
	require.NoError(t, err)
	require.Same(t, first, second, "trees stay loaded")
}

func TestBTreeIndexManager_RecordsSpansAndMetrics(t *testing.T) {
	f := setupIndexManager(t)
	ctx := context.Background()

	boot, err := f.m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, f.m.Insert(ctx, boot, 1, 1))
	notBoot, err := f.m.dm.Insert(transaction.SuperXID, []byte("not a boot item"))
	require.NoError(t, err)
	_, err = f.m.Search(ctx, notBoot, 1)
	require.ErrorIs(t, err, btree.ErrInvalidBoot)

	ended := f.spans.Ended()
	require.Len(t, ended, 3)
	require.Equal(t, "Create", ended[0].Name())
	require.Equal(t, "Insert", ended[1].Name())
	require.Equal(t, "SearchRange", ended[2].Name())
	require.Equal(t, codes.Ok, ended[1].Status().Code)
	require.Equal(t, codes.Error, ended[2].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(ctx, &rm))
	var ops int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "mydb.index.ops_total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				ops += dp.Value
			}
		}
	}
	require.Equal(t, int64(3), ops)
}

func TestBTreeIndexManager_ClosedRejectsUse(t *testing.T) {
	f := setupIndexManager(t)
	ctx := context.Background()

	boot, err := f.m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, f.m.Close())
	require.NoError(t, f.m.Close())

	err = f.m.Insert(ctx, boot, 1, 1)
	require.ErrorIs(t, err, flushmanager.ErrClosed)
	require.Equal(t, "btree", f.m.Name())
}
