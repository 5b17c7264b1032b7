package datamanager

import (
	"fmt"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
)

// Log record formats:
//
//	insert: [LogType=0][XID:8][Pgno:4][Offset:2][Raw]
//	update: [LogType=1][XID:8][UID:8][OldRaw][NewRaw]
//
// OldRaw and NewRaw of an update have the same length.
const (
	LogTypeInsert byte = 0
	LogTypeUpdate byte = 1

	offsetLogType    = 0
	offsetXID        = offsetLogType + 1
	offsetUpdateUID  = offsetXID + 8
	offsetUpdateRaw  = offsetUpdateUID + 8
	offsetInsertPgno = offsetXID + 8
	offsetInsertOff  = offsetInsertPgno + 4
	offsetInsertRaw  = offsetInsertOff + 2
)

// InsertLogRecord describes a record placed into a page.
type InsertLogRecord struct {
	XID    uint64
	Pgno   int
	Offset uint16
	Raw    []byte
}

// UpdateLogRecord describes an in-place change of a DataItem.
type UpdateLogRecord struct {
	XID    uint64
	Pgno   int
	Offset uint16
	OldRaw []byte
	NewRaw []byte
}

// EncodeInsertLog frames an insert log record.
func EncodeInsertLog(xid uint64, pgno int, offset uint16, raw []byte) []byte {
	log := make([]byte, offsetInsertRaw+len(raw))
	log[offsetLogType] = LogTypeInsert
	commonutils.PutUint64(log[offsetXID:], xid)
	commonutils.PutUint32(log[offsetInsertPgno:], uint32(pgno))
	commonutils.PutUint16(log[offsetInsertOff:], offset)
	copy(log[offsetInsertRaw:], raw)
	return log
}

// EncodeUpdateLog frames an update log record.
func EncodeUpdateLog(xid uint64, uid uint64, oldRaw, newRaw []byte) []byte {
	return commonutils.Concat(
		[]byte{LogTypeUpdate},
		commonutils.Uint64Bytes(xid),
		commonutils.Uint64Bytes(uid),
		oldRaw,
		newRaw,
	)
}

func isInsertLog(log []byte) bool {
	return len(log) > 0 && log[offsetLogType] == LogTypeInsert
}

func parseInsertLog(log []byte) (InsertLogRecord, error) {
	if len(log) < offsetInsertRaw || log[offsetLogType] != LogTypeInsert {
		return InsertLogRecord{}, fmt.Errorf("%w: malformed insert record of %d bytes", flushmanager.ErrInvalidLogRecord, len(log))
	}
	return InsertLogRecord{
		XID:    commonutils.Uint64(log[offsetXID:]),
		Pgno:   int(commonutils.Uint32(log[offsetInsertPgno:])),
		Offset: commonutils.Uint16(log[offsetInsertOff:]),
		Raw:    append([]byte(nil), log[offsetInsertRaw:]...),
	}, nil
}

func parseUpdateLog(log []byte) (UpdateLogRecord, error) {
	if len(log) < offsetUpdateRaw || log[offsetLogType] != LogTypeUpdate || (len(log)-offsetUpdateRaw)%2 != 0 {
		return UpdateLogRecord{}, fmt.Errorf("%w: malformed update record of %d bytes", flushmanager.ErrInvalidLogRecord, len(log))
	}
	pgno, offset := commonutils.UIDToAddress(commonutils.Uint64(log[offsetUpdateUID:]))
	length := (len(log) - offsetUpdateRaw) / 2
	return UpdateLogRecord{
		XID:    commonutils.Uint64(log[offsetXID:]),
		Pgno:   pgno,
		Offset: offset,
		OldRaw: append([]byte(nil), log[offsetUpdateRaw:offsetUpdateRaw+length]...),
		NewRaw: append([]byte(nil), log[offsetUpdateRaw+length:]...),
	}, nil
}
