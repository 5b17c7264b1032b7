package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrCacheFull        = errors.New("cache is full and no resource can be evicted")
	ErrMemTooSmall      = errors.New("memory budget too small for page cache")
	ErrIO               = errors.New("i/o error")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrDBFileExists     = errors.New("database file already exists")
	ErrDBFileNotFound   = errors.New("database file not found")
	ErrClosed           = errors.New("resource already closed")
	ErrBadLogFile       = errors.New("bad log file")
	ErrInvalidLogRecord = errors.New("invalid log record")
	ErrBadXIDFile       = errors.New("bad xid file")
	ErrInvalidXID       = errors.New("invalid transaction id")
	ErrDataTooLarge     = errors.New("data too large")
	ErrDatabaseBusy     = errors.New("database is busy")
	// --- MVCC Specific Errors ---
	ErrNullEntry        = errors.New("null entry")
	ErrTxnNotFound      = errors.New("transaction not found")
	ErrDeadlock         = errors.New("deadlock")
	ErrConcurrentUpdate = errors.New("concurrent update issue")
)
