package versionmanager

import "github.com/suxiao1228/mydb/core/transaction"

// Isolation levels.
const (
	ReadCommitted  = 0
	RepeatableRead = 1
)

// Transaction is the in-memory state of a transaction the version manager
// knows about.
type Transaction struct {
	xid         uint64
	level       int
	snapshot    map[uint64]struct{}
	err         error
	autoAborted bool
}

// newTransaction captures the currently active xids as the snapshot when
// level is above read committed.
func newTransaction(xid uint64, level int, active map[uint64]*Transaction) *Transaction {
	t := &Transaction{xid: xid, level: level}
	if level != ReadCommitted {
		t.snapshot = make(map[uint64]struct{}, len(active))
		for x := range active {
			t.snapshot[x] = struct{}{}
		}
	}
	return t
}

func (t *Transaction) isInSnapshot(xid uint64) bool {
	if xid == transaction.SuperXID {
		return false
	}
	_, ok := t.snapshot[xid]
	return ok
}

func (t *Transaction) XID() uint64 { return t.xid }
func (t *Transaction) Level() int  { return t.level }
