package storageengine

import (
	"errors"
	"fmt"
	"io"

	"github.com/suxiao1228/mydb/core/transaction"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	"github.com/suxiao1228/mydb/core/write_engine/wal"
)

// Report summarizes the files of a database.
type Report struct {
	Path          string `yaml:"path"`
	Pages         int    `yaml:"pages"`
	XIDCounter    uint64 `yaml:"xid_counter"`
	LogRecords    int    `yaml:"log_records"`
	CleanShutdown bool   `yaml:"clean_shutdown"`
}

// Inspect reads the files of the closed database described by cfg without
// running recovery. Opening the log still cuts off a torn tail.
func Inspect(cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	r := Report{Path: cfg.Path}

	disk, err := flushmanager.OpenDiskFile(cfg.Path+pagemanager.DBSuffix, pagemanager.PageSize)
	if err != nil {
		return r, err
	}
	defer disk.Close()
	if r.Pages, err = disk.NumPages(); err != nil {
		return r, err
	}
	if r.Pages > 0 {
		buf := make([]byte, pagemanager.PageSize)
		if err := disk.ReadPage(1, buf); err != nil {
			return r, err
		}
		r.CleanShutdown = pagemanager.PageOneCheckVc(pagemanager.NewPage(1, buf, nil))
	}

	tm, err := transaction.OpenManager(cfg.Path, nil)
	if err != nil {
		return r, err
	}
	r.XIDCounter = tm.Counter()
	if err := tm.Close(); err != nil {
		return r, err
	}

	lm, err := wal.OpenLogManager(cfg.Path, nil, nil)
	if err != nil {
		return r, err
	}
	defer lm.Close()
	lm.Rewind()
	for {
		_, err := lm.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r, fmt.Errorf("reading log: %w", err)
		}
		r.LogRecords++
	}
	return r, nil
}
