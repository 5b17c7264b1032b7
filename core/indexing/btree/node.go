package btree

import (
	"fmt"
	"math"

	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/transaction"
	commonutils "github.com/suxiao1228/mydb/internal/common_utils"
)

// --- BTree Node Serialization ---

// Node layout inside a DataItem:
//
//	[LeafFlag:1][KeyNumber:2][SiblingUID:8]
//	[Son0:8][Key0:8][Son1:8][Key1:8]...
//
// In an internal node Key_i bounds the keys reachable through Son_i from
// above. The rightmost internal node of a level ends with math.MaxInt64.
const (
	isLeafOffset   = 0
	noKeysOffset   = isLeafOffset + 1
	siblingOffset  = noKeysOffset + 2
	nodeHeaderSize = siblingOffset + 8
	entrySize      = 8 + 8

	Balance  = 32
	NodeSize = nodeHeaderSize + entrySize*(Balance*2+2)
)

const (
	innerFlag byte = 0
	leafFlag  byte = 1
)

func setRawIsLeaf(raw []byte, isLeaf bool) {
	if isLeaf {
		raw[isLeafOffset] = leafFlag
	} else {
		raw[isLeafOffset] = innerFlag
	}
}

func getRawIfLeaf(raw []byte) bool { return raw[isLeafOffset] == leafFlag }

func setRawNoKeys(raw []byte, noKeys int) {
	commonutils.PutUint16(raw[noKeysOffset:], uint16(noKeys))
}

func getRawNoKeys(raw []byte) int { return int(commonutils.Uint16(raw[noKeysOffset:])) }

func setRawSibling(raw []byte, sibling uint64) { commonutils.PutUint64(raw[siblingOffset:], sibling) }

func getRawSibling(raw []byte) uint64 { return commonutils.Uint64(raw[siblingOffset:]) }

func setRawKthSon(raw []byte, uid uint64, kth int) {
	commonutils.PutUint64(raw[nodeHeaderSize+kth*entrySize:], uid)
}

func getRawKthSon(raw []byte, kth int) uint64 {
	return commonutils.Uint64(raw[nodeHeaderSize+kth*entrySize:])
}

func setRawKthKey(raw []byte, key int64, kth int) {
	commonutils.PutUint64(raw[nodeHeaderSize+kth*entrySize+8:], uint64(key))
}

func getRawKthKey(raw []byte, kth int) int64 {
	return int64(commonutils.Uint64(raw[nodeHeaderSize+kth*entrySize+8:]))
}

// copyRawFromKth copies the entries of from starting at kth to the start of to.
func copyRawFromKth(from, to []byte, kth int) {
	copy(to[nodeHeaderSize:], from[nodeHeaderSize+kth*entrySize:])
}

// shiftRawKth moves the entries from kth onwards one slot right.
func shiftRawKth(raw []byte, kth int) {
	begin := nodeHeaderSize + kth*entrySize
	copy(raw[begin+entrySize:], raw[begin:len(raw)-entrySize])
}

// newRootRaw builds an internal root over two children split at key.
func newRootRaw(left, right uint64, key int64) []byte {
	raw := make([]byte, NodeSize)
	setRawIsLeaf(raw, false)
	setRawNoKeys(raw, 2)
	setRawSibling(raw, 0)
	setRawKthSon(raw, left, 0)
	setRawKthKey(raw, key, 0)
	setRawKthSon(raw, right, 1)
	setRawKthKey(raw, math.MaxInt64, 1)
	return raw
}

// newNilRootRaw builds an empty leaf root.
func newNilRootRaw() []byte {
	raw := make([]byte, NodeSize)
	setRawIsLeaf(raw, true)
	setRawNoKeys(raw, 0)
	setRawSibling(raw, 0)
	return raw
}

// node is a B+Tree node backed by a DataItem.
type node struct {
	tree *BPlusTree
	di   *datamanager.DataItem
	raw  []byte
	uid  uint64
}

func loadNode(tree *BPlusTree, uid uint64) (*node, error) {
	di, err := tree.dm.Read(uid)
	if err != nil {
		return nil, err
	}
	if di == nil {
		return nil, fmt.Errorf("%w: uid %d", ErrNodeNotFound, uid)
	}
	raw := di.Data()
	if len(raw) != NodeSize {
		_ = di.Release()
		return nil, fmt.Errorf("%w: uid %d holds %d bytes", ErrInvalidNode, uid, len(raw))
	}
	return &node{tree: tree, di: di, raw: raw, uid: uid}, nil
}

func (n *node) release() {
	_ = n.di.Release()
}

func (n *node) isLeaf() bool {
	n.di.RLock()
	defer n.di.RUnlock()
	return getRawIfLeaf(n.raw)
}

// searchNext returns the child to descend into for key, or the sibling to
// move to when key is beyond this node. Equal keys descend left so that
// duplicates spread over a split are all reached through the sibling chain.
func (n *node) searchNext(key int64) (son uint64, sibling uint64) {
	n.di.RLock()
	defer n.di.RUnlock()
	noKeys := getRawNoKeys(n.raw)
	for i := 0; i < noKeys; i++ {
		if key <= getRawKthKey(n.raw, i) {
			return getRawKthSon(n.raw, i), 0
		}
	}
	return 0, getRawSibling(n.raw)
}

// leafSearchRange collects the uids with keys in [left, right]. The next
// leaf is returned when the range may continue past this one.
func (n *node) leafSearchRange(left, right int64) (uids []uint64, sibling uint64) {
	n.di.RLock()
	defer n.di.RUnlock()
	noKeys := getRawNoKeys(n.raw)
	kth := 0
	for kth < noKeys && getRawKthKey(n.raw, kth) < left {
		kth++
	}
	for kth < noKeys && getRawKthKey(n.raw, kth) <= right {
		uids = append(uids, getRawKthSon(n.raw, kth))
		kth++
	}
	if kth == noKeys {
		sibling = getRawSibling(n.raw)
	}
	return uids, sibling
}

// insertAndSplit inserts (uid, key) into this node, splitting it when full.
// A non-zero sibling means the key belongs further right. A non-zero newSon
// is the node split off with newKey as its first key.
func (n *node) insertAndSplit(uid uint64, key int64) (sibling, newSon uint64, newKey int64, err error) {
	n.di.Before()
	ok := false
	defer func() {
		if ok && err == nil {
			err = n.di.After(transaction.SuperXID)
		} else {
			n.di.UnBefore()
		}
	}()

	if !n.insert(uid, key) {
		return getRawSibling(n.raw), 0, 0, nil
	}
	if n.needSplit() {
		newSon, newKey, err = n.split()
		if err != nil {
			return 0, 0, 0, err
		}
	}
	ok = true
	return 0, newSon, newKey, nil
}

func (n *node) insert(uid uint64, key int64) bool {
	noKeys := getRawNoKeys(n.raw)
	kth := 0
	for kth < noKeys && getRawKthKey(n.raw, kth) < key {
		kth++
	}
	if kth == noKeys && getRawSibling(n.raw) != 0 {
		return false
	}

	if getRawIfLeaf(n.raw) {
		shiftRawKth(n.raw, kth)
		setRawKthKey(n.raw, key, kth)
		setRawKthSon(n.raw, uid, kth)
	} else {
		kk := getRawKthKey(n.raw, kth)
		setRawKthKey(n.raw, key, kth)
		shiftRawKth(n.raw, kth+1)
		setRawKthKey(n.raw, kk, kth+1)
		setRawKthSon(n.raw, uid, kth+1)
	}
	setRawNoKeys(n.raw, noKeys+1)
	return true
}

func (n *node) needSplit() bool {
	return getRawNoKeys(n.raw) == Balance*2
}

// split moves the upper half of the entries into a new right sibling.
func (n *node) split() (uint64, int64, error) {
	nodeRaw := make([]byte, NodeSize)
	setRawIsLeaf(nodeRaw, getRawIfLeaf(n.raw))
	setRawNoKeys(nodeRaw, Balance)
	setRawSibling(nodeRaw, getRawSibling(n.raw))
	copyRawFromKth(n.raw, nodeRaw, Balance)

	son, err := n.tree.dm.Insert(transaction.SuperXID, nodeRaw)
	if err != nil {
		return 0, 0, err
	}
	setRawNoKeys(n.raw, Balance)
	setRawSibling(n.raw, son)
	n.tree.metrics.BTreeSplit()
	return son, getRawKthKey(nodeRaw, 0), nil
}

// String renders the node for debugging.
func (n *node) String() string {
	n.di.RLock()
	defer n.di.RUnlock()
	noKeys := getRawNoKeys(n.raw)
	s := fmt.Sprintf("[uid %d leaf=%t keys=%d sibling=%d]", n.uid, getRawIfLeaf(n.raw), noKeys, getRawSibling(n.raw))
	for i := 0; i < noKeys; i++ {
		s += fmt.Sprintf(" (%d,%d)", getRawKthKey(n.raw, i), getRawKthSon(n.raw, i))
	}
	return s
}
