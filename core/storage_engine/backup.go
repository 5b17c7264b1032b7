package storageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/suxiao1228/mydb/core/storage_engine/common"
	"github.com/suxiao1228/mydb/core/transaction"
	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	"github.com/suxiao1228/mydb/core/write_engine/wal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ManifestName is the file describing a backup inside its directory.
const ManifestName = "manifest.yaml"

// ErrNotClosed is returned when an offline operation finds the database
// open or not cleanly shut down.
var ErrNotClosed = errors.New("database is open or was not shut down cleanly")

// BackupFile is one copied database file.
type BackupFile struct {
	Name   string `yaml:"name"`
	Bytes  int64  `yaml:"bytes"`
	SHA256 string `yaml:"sha256"`
}

// BackupManifest describes a finished backup.
type BackupManifest struct {
	ID        string       `yaml:"id"`
	Source    string       `yaml:"source"`
	CreatedAt time.Time    `yaml:"created_at"`
	Files     []BackupFile `yaml:"files"`
	Dir       string       `yaml:"-"`
}

// Backup copies the files of the closed database described by cfg into a
// new directory dstDir/<uuid>, throttled to cfg.BackupRateBytes per file,
// and writes a manifest with the SHA-256 of every file.
func Backup(ctx context.Context, cfg Config, dstDir string, logger *zap.Logger) (BackupManifest, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backup")

	report, err := Inspect(cfg)
	if err != nil {
		return BackupManifest{}, err
	}
	if !report.CleanShutdown {
		return BackupManifest{}, fmt.Errorf("%w: %s", ErrNotClosed, cfg.Path)
	}

	m := BackupManifest{
		ID:        uuid.NewString(),
		Source:    cfg.Path,
		CreatedAt: time.Now().UTC(),
	}
	m.Dir = filepath.Join(dstDir, m.ID)
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return BackupManifest{}, fmt.Errorf("creating backup directory: %w", err)
	}

	suffixes := []string{pagemanager.DBSuffix, wal.LogSuffix, transaction.XIDSuffix}
	files := make([]BackupFile, len(suffixes))
	g, gctx := errgroup.WithContext(ctx)
	for i, suffix := range suffixes {
		g.Go(func() error {
			src := cfg.Path + suffix
			name := filepath.Base(src)
			res, err := common.CopyThrottled(gctx, src, filepath.Join(m.Dir, name), cfg.BackupRateBytes)
			if err != nil {
				return fmt.Errorf("copying %s: %w", src, err)
			}
			files[i] = BackupFile{Name: name, Bytes: res.Bytes, SHA256: res.SHA256}
			logger.Debug("File copied", zap.String("file", name), zap.Int64("bytes", res.Bytes))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(m.Dir)
		return BackupManifest{}, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	m.Files = files

	raw, err := yaml.Marshal(&m)
	if err != nil {
		return BackupManifest{}, err
	}
	if err := os.WriteFile(filepath.Join(m.Dir, ManifestName), raw, 0644); err != nil {
		return BackupManifest{}, fmt.Errorf("writing manifest: %w", err)
	}
	logger.Info("Backup complete", zap.String("id", m.ID), zap.String("dir", m.Dir))
	return m, nil
}
