package transaction

// TransactionState is the durable state of a transaction id. The only
// transitions are Active -> Committed and Active -> Aborted.
type TransactionState byte

const (
	TxnStateActive    TransactionState = iota // Transaction is running
	TxnStateCommitted                         // Transaction committed
	TxnStateAborted                           // Transaction aborted, by the caller or by recovery
)

// SuperXID is the reserved transaction id used for bootstrap and index
// writes. It is always committed, never active and never aborted.
const SuperXID uint64 = 0

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
