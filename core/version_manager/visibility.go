package versionmanager

// CommitStatus reports whether a transaction has committed.
type CommitStatus interface {
	IsCommitted(xid uint64) (bool, error)
}

// IsVersionSkip reports whether deleting e from t would overwrite a delete
// t cannot see. Read committed transactions never skip.
func IsVersionSkip(tm CommitStatus, t *Transaction, e *Entry) (bool, error) {
	if t.level == ReadCommitted {
		return false, nil
	}
	xmax := e.XMax()
	committed, err := tm.IsCommitted(xmax)
	if err != nil {
		return false, err
	}
	return committed && (xmax > t.xid || t.isInSnapshot(xmax)), nil
}

// IsVisible reports whether version e is visible to t.
func IsVisible(tm CommitStatus, t *Transaction, e *Entry) (bool, error) {
	if t.level == ReadCommitted {
		return readCommitted(tm, t, e)
	}
	return repeatableRead(tm, t, e)
}

func readCommitted(tm CommitStatus, t *Transaction, e *Entry) (bool, error) {
	xid, xmin, xmax := t.xid, e.XMin(), e.XMax()
	if xmin == xid && xmax == 0 {
		return true, nil
	}
	committed, err := tm.IsCommitted(xmin)
	if err != nil || !committed {
		return false, err
	}
	if xmax == 0 {
		return true, nil
	}
	if xmax == xid {
		return false, nil
	}
	deleted, err := tm.IsCommitted(xmax)
	return !deleted && err == nil, err
}

func repeatableRead(tm CommitStatus, t *Transaction, e *Entry) (bool, error) {
	xid, xmin, xmax := t.xid, e.XMin(), e.XMax()
	if xmin == xid && xmax == 0 {
		return true, nil
	}
	committed, err := tm.IsCommitted(xmin)
	if err != nil {
		return false, err
	}
	if !committed || xmin >= xid || t.isInSnapshot(xmin) {
		return false, nil
	}
	if xmax == 0 {
		return true, nil
	}
	if xmax == xid {
		return false, nil
	}
	deleted, err := tm.IsCommitted(xmax)
	if err != nil {
		return false, err
	}
	return !deleted || xmax > xid || t.isInSnapshot(xmax), nil
}
