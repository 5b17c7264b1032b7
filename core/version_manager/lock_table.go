package versionmanager

import (
	"fmt"
	"sync"

	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// LockTable tracks which transaction holds which uid and who waits for it,
// and refuses any wait that would close a cycle in the wait-for graph.
type LockTable struct {
	mu       sync.Mutex
	x2u      map[uint64][]uint64          // uids held by an xid
	u2x      map[uint64]uint64            // holder of a uid
	wait     map[uint64][]uint64          // xids waiting for a uid, oldest first
	waitCh   map[uint64]chan struct{}     // closed when the waiting xid is granted
	waitU    map[uint64]uint64            // uid an xid is waiting for
	xidStamp map[uint64]int
	stamp    int
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
}

func NewLockTable(logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *LockTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LockTable{
		x2u:     make(map[uint64][]uint64),
		u2x:     make(map[uint64]uint64),
		wait:    make(map[uint64][]uint64),
		waitCh:  make(map[uint64]chan struct{}),
		waitU:   make(map[uint64]uint64),
		logger:  logger.Named("locktable"),
		metrics: metrics,
	}
}

// Add records that xid wants uid. A nil channel means the lock is held now.
// Otherwise the lock is granted when the channel is closed. ErrDeadlock is
// returned, and nothing recorded, if waiting would deadlock.
func (lt *LockTable) Add(xid, uid uint64) (<-chan struct{}, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if isInList(lt.x2u, xid, uid) {
		return nil, nil
	}
	if _, held := lt.u2x[uid]; !held {
		lt.u2x[uid] = xid
		putIntoList(lt.x2u, xid, uid)
		return nil, nil
	}

	lt.waitU[xid] = uid
	lt.wait[uid] = append(lt.wait[uid], xid)
	if lt.hasDeadLock() {
		delete(lt.waitU, xid)
		removeFromList(lt.wait, uid, xid)
		lt.metrics.Deadlock()
		lt.logger.Debug("Deadlock detected", zap.Uint64("xid", xid), zap.Uint64("uid", uid), zap.Uint64("holder", lt.u2x[uid]))
		return nil, fmt.Errorf("%w: xid %d waiting for uid %d", flushmanager.ErrDeadlock, xid, uid)
	}
	ch := make(chan struct{})
	lt.waitCh[xid] = ch
	lt.metrics.LockWait()
	return ch, nil
}

// Remove releases every uid xid holds, handing each to its oldest waiter.
// If xid is itself waiting, its channel is closed without a grant; Holds
// tells the two wake-ups apart.
func (lt *LockTable) Remove(xid uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for _, uid := range lt.x2u[xid] {
		lt.selectNewXID(uid)
	}
	if uid, waiting := lt.waitU[xid]; waiting {
		removeFromList(lt.wait, uid, xid)
	}
	if ch, ok := lt.waitCh[xid]; ok {
		close(ch)
	}
	delete(lt.waitU, xid)
	delete(lt.x2u, xid)
	delete(lt.waitCh, xid)
}

// Holds reports whether xid holds uid.
func (lt *LockTable) Holds(xid, uid uint64) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return isInList(lt.x2u, xid, uid)
}

// selectNewXID passes uid to the first waiter that is still waiting.
func (lt *LockTable) selectNewXID(uid uint64) {
	delete(lt.u2x, uid)
	waiters := lt.wait[uid]
	for len(waiters) > 0 {
		xid := waiters[0]
		waiters = waiters[1:]
		ch, ok := lt.waitCh[xid]
		if !ok {
			continue
		}
		lt.u2x[uid] = xid
		putIntoList(lt.x2u, xid, uid)
		delete(lt.waitCh, xid)
		delete(lt.waitU, xid)
		close(ch)
		break
	}
	if len(waiters) == 0 {
		delete(lt.wait, uid)
	} else {
		lt.wait[uid] = waiters
	}
}

// hasDeadLock searches the wait-for graph from every holder. Each search
// root gets a fresh stamp: meeting the current stamp again is a cycle,
// meeting an older one is a path already proven acyclic.
func (lt *LockTable) hasDeadLock() bool {
	lt.xidStamp = make(map[uint64]int)
	lt.stamp = 1
	for xid := range lt.x2u {
		if lt.xidStamp[xid] > 0 {
			continue
		}
		lt.stamp++
		if lt.dfs(xid) {
			return true
		}
	}
	return false
}

func (lt *LockTable) dfs(xid uint64) bool {
	stp, seen := lt.xidStamp[xid]
	if seen && stp == lt.stamp {
		return true
	}
	if seen && stp < lt.stamp {
		return false
	}
	lt.xidStamp[xid] = lt.stamp

	uid, waiting := lt.waitU[xid]
	if !waiting {
		return false
	}
	holder, held := lt.u2x[uid]
	if !held {
		return false
	}
	return lt.dfs(holder)
}

func putIntoList(listMap map[uint64][]uint64, key, value uint64) {
	listMap[key] = append([]uint64{value}, listMap[key]...)
}

func isInList(listMap map[uint64][]uint64, key, value uint64) bool {
	for _, v := range listMap[key] {
		if v == value {
			return true
		}
	}
	return false
}

func removeFromList(listMap map[uint64][]uint64, key, value uint64) {
	l := listMap[key]
	for i, v := range l {
		if v == value {
			l = append(l[:i], l[i+1:]...)
			break
		}
	}
	if len(l) == 0 {
		delete(listMap, key)
	} else {
		listMap[key] = l
	}
}
