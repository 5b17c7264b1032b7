package btree

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/transaction"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
	internaltelemetry "github.com/suxiao1228/mydb/internal/telemetry"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	ErrNodeNotFound = errors.New("btree node not found")
	ErrInvalidNode  = errors.New("invalid btree node data")
	ErrInvalidBoot  = errors.New("invalid btree boot item")
)

// --- BPlusTree ---

// BPlusTree is a B+Tree index from int64 keys to uids. Every node is a
// DataItem written under the super transaction, so the index is recovered
// with the data it points to. A boot item holds the uid of the current
// root and is the index's stable identity.
//
// Duplicate keys are allowed. Inserts are serialized; searches run
// concurrently with them under node read locks.
type BPlusTree struct {
	bootUID  uint64
	bootItem *datamanager.DataItem
	bootLock sync.Mutex
	writeMu  sync.Mutex
	dm       *datamanager.DataManager
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
}

// Create builds an empty tree and returns the uid of its boot item.
func Create(dm *datamanager.DataManager) (uint64, error) {
	rootUID, err := dm.Insert(transaction.SuperXID, newNilRootRaw())
	if err != nil {
		return 0, fmt.Errorf("inserting btree root: %w", err)
	}
	bootUID, err := dm.Insert(transaction.SuperXID, commonutils.Uint64Bytes(rootUID))
	if err != nil {
		return 0, fmt.Errorf("inserting btree boot item: %w", err)
	}
	return bootUID, nil
}

// Load opens the tree whose boot item is bootUID.
func Load(bootUID uint64, dm *datamanager.DataManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BPlusTree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bootItem, err := dm.Read(bootUID)
	if err != nil {
		return nil, err
	}
	if bootItem == nil {
		return nil, fmt.Errorf("%w: uid %d", ErrInvalidBoot, bootUID)
	}
	if len(bootItem.Data()) != 8 {
		_ = bootItem.Release()
		return nil, fmt.Errorf("%w: uid %d holds %d bytes", ErrInvalidBoot, bootUID, len(bootItem.Data()))
	}
	return &BPlusTree{
		bootUID:  bootUID,
		bootItem: bootItem,
		dm:       dm,
		logger:   logger.Named("btree").With(zap.Uint64("boot_uid", bootUID)),
		metrics:  metrics,
	}, nil
}

// BootUID returns the uid the tree is loaded by.
func (t *BPlusTree) BootUID() uint64 { return t.bootUID }

func (t *BPlusTree) rootUID() uint64 {
	t.bootLock.Lock()
	defer t.bootLock.Unlock()
	t.bootItem.RLock()
	defer t.bootItem.RUnlock()
	return commonutils.Uint64(t.bootItem.Data())
}

// updateRootUID grows the tree by one level above the split of left.
func (t *BPlusTree) updateRootUID(left, right uint64, rightKey int64) error {
	t.bootLock.Lock()
	defer t.bootLock.Unlock()
	newRootUID, err := t.dm.Insert(transaction.SuperXID, newRootRaw(left, right, rightKey))
	if err != nil {
		return err
	}
	t.bootItem.Before()
	commonutils.PutUint64(t.bootItem.Data(), newRootUID)
	if err := t.bootItem.After(transaction.SuperXID); err != nil {
		return err
	}
	t.logger.Debug("Root split", zap.Uint64("old_root", left), zap.Uint64("new_root", newRootUID))
	return nil
}

// --- Search ---

// Search returns the uids stored under key.
func (t *BPlusTree) Search(key int64) ([]uint64, error) {
	return t.SearchRange(key, key)
}

// SearchRange returns the uids of every key in [left, right], in key order.
func (t *BPlusTree) SearchRange(left, right int64) ([]uint64, error) {
	leafUID, err := t.searchLeaf(t.rootUID(), left)
	if err != nil {
		return nil, err
	}
	var uids []uint64
	for leafUID != 0 {
		leaf, err := loadNode(t, leafUID)
		if err != nil {
			return nil, err
		}
		found, next := leaf.leafSearchRange(left, right)
		leaf.release()
		uids = append(uids, found...)
		leafUID = next
	}
	return uids, nil
}

func (t *BPlusTree) searchLeaf(nodeUID uint64, key int64) (uint64, error) {
	for {
		n, err := loadNode(t, nodeUID)
		if err != nil {
			return 0, err
		}
		isLeaf := n.isLeaf()
		n.release()
		if isLeaf {
			return nodeUID, nil
		}
		if nodeUID, err = t.searchNext(nodeUID, key); err != nil {
			return 0, err
		}
	}
}

// searchNext finds the child for key on the level of nodeUID, moving right
// along siblings as needed.
func (t *BPlusTree) searchNext(nodeUID uint64, key int64) (uint64, error) {
	for {
		n, err := loadNode(t, nodeUID)
		if err != nil {
			return 0, err
		}
		son, sibling := n.searchNext(key)
		n.release()
		if son != 0 {
			return son, nil
		}
		if sibling == 0 {
			return 0, fmt.Errorf("%w: key %d beyond the last node of its level", ErrInvalidNode, key)
		}
		nodeUID = sibling
	}
}

// --- Insert ---

// Insert adds uid under key.
func (t *BPlusTree) Insert(key int64, uid uint64) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	rootUID := t.rootUID()
	newNode, newKey, err := t.insert(rootUID, uid, key)
	if err != nil {
		return err
	}
	if newNode != 0 {
		return t.updateRootUID(rootUID, newNode, newKey)
	}
	return nil
}

// insert places (uid, key) below nodeUID and reports a split of nodeUID's
// level back to the caller.
func (t *BPlusTree) insert(nodeUID, uid uint64, key int64) (uint64, int64, error) {
	n, err := loadNode(t, nodeUID)
	if err != nil {
		return 0, 0, err
	}
	isLeaf := n.isLeaf()
	n.release()

	if isLeaf {
		return t.insertAndSplit(nodeUID, uid, key)
	}
	next, err := t.searchNext(nodeUID, key)
	if err != nil {
		return 0, 0, err
	}
	newNode, newKey, err := t.insert(next, uid, key)
	if err != nil || newNode == 0 {
		return 0, 0, err
	}
	return t.insertAndSplit(nodeUID, newNode, newKey)
}

func (t *BPlusTree) insertAndSplit(nodeUID, uid uint64, key int64) (uint64, int64, error) {
	for {
		n, err := loadNode(t, nodeUID)
		if err != nil {
			return 0, 0, err
		}
		sibling, newSon, newKey, err := n.insertAndSplit(uid, key)
		n.release()
		if err != nil {
			return 0, 0, err
		}
		if sibling == 0 {
			return newSon, newKey, nil
		}
		nodeUID = sibling
	}
}

// Close releases the boot item.
func (t *BPlusTree) Close() error {
	return t.bootItem.Release()
}

// String renders every level of the tree, one node per line.
func (t *BPlusTree) String() string {
	var sb strings.Builder
	levelUID := t.rootUID()
	for level := 0; levelUID != 0; level++ {
		var firstChild uint64
		for uid := levelUID; uid != 0; {
			n, err := loadNode(t, uid)
			if err != nil {
				fmt.Fprintf(&sb, "level %d: %v\n", level, err)
				return sb.String()
			}
			fmt.Fprintf(&sb, "level %d: %s\n", level, n)
			if firstChild == 0 && !n.isLeaf() {
				n.di.RLock()
				firstChild = getRawKthSon(n.raw, 0)
				n.di.RUnlock()
			}
			n.di.RLock()
			uid = getRawSibling(n.raw)
			n.di.RUnlock()
			n.release()
		}
		levelUID = firstChild
	}
	return sb.String()
}
