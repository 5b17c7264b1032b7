package storageengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	versionmanager "github.com/suxiao1228/mydb/core/version_manager"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

// --- Test Helpers ---

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{Path: filepath.Join(t.TempDir(), "data", "mydb"), Memory: 1 << 20}
}

func setupEngine(t *testing.T) (*Engine, Config) {
	t.Helper()
	cfg := testConfig(t)
	e, err := Create(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return e, cfg
}

// --- Test Cases ---

func TestEngine_RecordsAndIndexSurviveReopen(t *testing.T) {
	e, cfg := setupEngine(t)
	vm := e.VersionManager()

	xid, err := vm.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	uid, err := vm.Insert(xid, []byte("alice"))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(xid))

	boot, err := e.CreateIndex(context.Background())
	require.NoError(t, err)
	tree, err := e.LoadIndex(boot)
	require.NoError(t, err)
	require.NoError(t, tree.Insert(42, uid))
	again, err := e.LoadIndex(boot)
	require.NoError(t, err)
	require.Same(t, tree, again)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "closing twice is harmless")

	e, err = Open(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer e.Close()

	tree, err = e.LoadIndex(boot)
	require.NoError(t, err)
	uids, err := tree.Search(42)
	require.NoError(t, err)
	require.Equal(t, []uint64{uid}, uids)

	reader, err := e.VersionManager().Begin(versionmanager.RepeatableRead)
	require.NoError(t, err)
	data, err := e.VersionManager().Read(reader, uid)
	require.NoError(t, err)
	require.Equal(t, []byte("alice"), data)
}

func TestEngine_CreateTwiceFails(t *testing.T) {
	e, cfg := setupEngine(t)
	require.NoError(t, e.Close())

	_, err := Create(cfg, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrDBFileExists)

	_, err = Open(Config{Path: filepath.Join(t.TempDir(), "nothing")}, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrDBFileNotFound)
}

func TestEngine_CrashRecoveryAbortsOpenTransactions(t *testing.T) {
	e, cfg := setupEngine(t)
	vm := e.VersionManager()

	committed, err := vm.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	kept, err := vm.Insert(committed, []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(committed))

	open, err := vm.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	lost, err := vm.Insert(open, []byte("lost"))
	require.NoError(t, err)

	// Crash: the engine is dropped without Close.
	report, err := Inspect(cfg)
	require.NoError(t, err)
	require.False(t, report.CleanShutdown)

	e2, err := Open(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer e2.Close()
	vm2 := e2.VersionManager()
	reader, err := vm2.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)

	data, err := vm2.Read(reader, kept)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), data)
	data, err = vm2.Read(reader, lost)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestEngine_RecordsMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	metrics, err := internaltelemetry.NewStorageMetrics(provider.Meter("test"))
	require.NoError(t, err)

	e, err := Create(testConfig(t), zaptest.NewLogger(t), metrics)
	require.NoError(t, err)
	defer e.Close()
	vm := e.VersionManager()
	xid, err := vm.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	_, err = vm.Insert(xid, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(xid))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(1), sums["mydb.txn.begun_total"])
	require.Equal(t, int64(1), sums["mydb.txn.committed_total"])
	require.Equal(t, int64(0), sums["mydb.txn.active"])
	require.Positive(t, sums["mydb.wal.appends_total"])
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mydb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
path: /var/lib/mydb/main
memory: 1048576
logger:
  level: debug
telemetry:
  enabled: true
  prometheus_port: 9999
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/mydb/main", cfg.Path)
	require.Equal(t, int64(1<<20), cfg.Memory)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "json", cfg.Logger.Format)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9999, cfg.Telemetry.PrometheusPort)
	require.Equal(t, "mydb", cfg.Telemetry.ServiceName)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	cfg, err = LoadConfig(empty)
	require.NoError(t, err)
	require.Equal(t, DefaultPath, cfg.Path)
	require.Equal(t, int64(DefaultMemory), cfg.Memory)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("pth: typo\n"), 0644))
	_, err = LoadConfig(bad)
	require.Error(t, err)

	small := filepath.Join(dir, "small.yaml")
	require.NoError(t, os.WriteFile(small, []byte("memory: 4096\n"), 0644))
	_, err = LoadConfig(small)
	require.Error(t, err)
}

func TestBackup_CopiesClosedDatabase(t *testing.T) {
	e, cfg := setupEngine(t)
	vm := e.VersionManager()
	xid, err := vm.Begin(versionmanager.ReadCommitted)
	require.NoError(t, err)
	_, err = vm.Insert(xid, []byte("backed up"))
	require.NoError(t, err)
	require.NoError(t, vm.Commit(xid))

	dst := t.TempDir()
	_, err = Backup(context.Background(), cfg, dst, nil)
	require.ErrorIs(t, err, ErrNotClosed, "an open database is refused")

	require.NoError(t, e.Close())
	m, err := Backup(context.Background(), cfg, dst, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, m.Files, 3)
	require.Equal(t, filepath.Join(dst, m.ID), m.Dir)

	for _, f := range m.Files {
		raw, err := os.ReadFile(filepath.Join(m.Dir, f.Name))
		require.NoError(t, err)
		sum := sha256.Sum256(raw)
		require.Equal(t, hex.EncodeToString(sum[:]), f.SHA256, f.Name)
		require.Equal(t, int64(len(raw)), f.Bytes)
	}

	raw, err := os.ReadFile(filepath.Join(m.Dir, ManifestName))
	require.NoError(t, err)
	var onDisk BackupManifest
	require.NoError(t, yaml.Unmarshal(raw, &onDisk))
	require.Equal(t, m.ID, onDisk.ID)
	require.Equal(t, m.Files, onDisk.Files)

	// The copy opens as a database of its own.
	restored := Config{Path: filepath.Join(m.Dir, filepath.Base(cfg.Path)), Memory: cfg.Memory}
	report, err := Inspect(restored)
	require.NoError(t, err)
	require.True(t, report.CleanShutdown)
	require.Equal(t, uint64(1), report.XIDCounter)
	require.Positive(t, report.LogRecords)
	e2, err := Open(restored, nil, nil)
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}
