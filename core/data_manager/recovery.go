package datamanager

import (
	"errors"
	"fmt"
	"io"
	"time"

	pagemanager "github.com/suxiao1228/mydb/core/write_engine/page_manager"
	"github.com/suxiao1228/mydb/core/write_engine/wal"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// TxnStatus is the part of the transaction status store recovery and the
// data manager depend on.
type TxnStatus interface {
	IsActive(xid uint64) (bool, error)
	Abort(xid uint64) error
}

type recoveryMode int

const (
	redo recoveryMode = iota
	undo
)

// Recover brings the page file back to a consistent state after an unclean
// shutdown. It truncates the page file to the pages the log covers, redoes
// the records of every finished transaction in log order, then undoes the
// records of every still-active transaction in reverse order and marks it
// aborted.
func Recover(tm TxnStatus, lm *wal.LogManager, pc *pagemanager.PageCache, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")
	start := time.Now()
	logger.Info("Recovering...")

	maxPgno, records, err := scanMaxPgno(lm)
	if err != nil {
		return err
	}
	if maxPgno == 0 {
		maxPgno = 1
	}
	if err := pc.TruncateByPgno(maxPgno); err != nil {
		return fmt.Errorf("recovery truncate: %w", err)
	}
	logger.Info("Truncated page file", zap.Int("pages", maxPgno), zap.Int("records", records))

	redone, err := redoTransactions(tm, lm, pc)
	if err != nil {
		return fmt.Errorf("recovery redo: %w", err)
	}
	logger.Info("Redo transactions over", zap.Int("records", redone))

	undone, aborted, err := undoTransactions(tm, lm, pc)
	if err != nil {
		return fmt.Errorf("recovery undo: %w", err)
	}
	logger.Info("Undo transactions over", zap.Int("records", undone), zap.Int("aborted_txns", aborted))

	elapsed := time.Since(start)
	metrics.RecoveryDone(elapsed.Milliseconds())
	logger.Info("Recovery over", zap.Duration("elapsed", elapsed))
	return nil
}

// forEachLog calls fn for every record in the log, in order.
func forEachLog(lm *wal.LogManager, fn func(log []byte) error) error {
	lm.Rewind()
	for {
		log, err := lm.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(log); err != nil {
			return err
		}
	}
}

// logXIDAndPgno extracts the transaction id and the page of any log record.
func logXIDAndPgno(log []byte) (uint64, int, error) {
	if isInsertLog(log) {
		li, err := parseInsertLog(log)
		return li.XID, li.Pgno, err
	}
	ui, err := parseUpdateLog(log)
	return ui.XID, ui.Pgno, err
}

func scanMaxPgno(lm *wal.LogManager) (int, int, error) {
	maxPgno, records := 0, 0
	err := forEachLog(lm, func(log []byte) error {
		_, pgno, err := logXIDAndPgno(log)
		if err != nil {
			return err
		}
		records++
		if pgno > maxPgno {
			maxPgno = pgno
		}
		return nil
	})
	return maxPgno, records, err
}

func redoTransactions(tm TxnStatus, lm *wal.LogManager, pc *pagemanager.PageCache) (int, error) {
	redone := 0
	err := forEachLog(lm, func(log []byte) error {
		xid, _, err := logXIDAndPgno(log)
		if err != nil {
			return err
		}
		active, err := tm.IsActive(xid)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		redone++
		return applyLog(pc, log, redo)
	})
	return redone, err
}

func undoTransactions(tm TxnStatus, lm *wal.LogManager, pc *pagemanager.PageCache) (int, int, error) {
	logCache := make(map[uint64][][]byte)
	var order []uint64
	err := forEachLog(lm, func(log []byte) error {
		xid, _, err := logXIDAndPgno(log)
		if err != nil {
			return err
		}
		active, err := tm.IsActive(xid)
		if err != nil {
			return err
		}
		if !active {
			return nil
		}
		if _, seen := logCache[xid]; !seen {
			order = append(order, xid)
		}
		logCache[xid] = append(logCache[xid], log)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	undone := 0
	for _, xid := range order {
		logs := logCache[xid]
		for i := len(logs) - 1; i >= 0; i-- {
			if err := applyLog(pc, logs[i], undo); err != nil {
				return undone, 0, err
			}
			undone++
		}
		if err := tm.Abort(xid); err != nil {
			return undone, 0, err
		}
	}
	return undone, len(order), nil
}

func applyLog(pc *pagemanager.PageCache, log []byte, mode recoveryMode) error {
	if isInsertLog(log) {
		return doInsertLog(pc, log, mode)
	}
	return doUpdateLog(pc, log, mode)
}

// doInsertLog replays an insert. Undo keeps the bytes but marks the item invalid.
func doInsertLog(pc *pagemanager.PageCache, log []byte, mode recoveryMode) error {
	li, err := parseInsertLog(log)
	if err != nil {
		return err
	}
	page, err := pc.GetPage(li.Pgno)
	if err != nil {
		return err
	}
	if mode == undo {
		setDataItemRawInvalid(li.Raw)
	}
	pagemanager.PageXRecoverInsert(page, li.Raw, li.Offset)
	return page.Release()
}

// doUpdateLog writes the new image on redo and the old image on undo.
func doUpdateLog(pc *pagemanager.PageCache, log []byte, mode recoveryMode) error {
	ui, err := parseUpdateLog(log)
	if err != nil {
		return err
	}
	page, err := pc.GetPage(ui.Pgno)
	if err != nil {
		return err
	}
	raw := ui.NewRaw
	if mode == undo {
		raw = ui.OldRaw
	}
	pagemanager.PageXRecoverUpdate(page, raw, ui.Offset)
	return page.Release()
}
