package btree

import (
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	datamanager "github.com/suxiao1228/mydb/core/data_manager"
	"github.com/suxiao1228/mydb/core/transaction"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// --- Test Helpers ---

const testMemory = 1 << 22

type testDB struct {
	path string
	tm   *transaction.Manager
	dm   *datamanager.DataManager
}

func setupTree(t *testing.T) (*BPlusTree, *testDB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idx")
	tm, err := transaction.CreateManager(path, zap.NewNop())
	require.NoError(t, err)
	dm, err := datamanager.Create(path, testMemory, tm, zap.NewNop(), nil)
	require.NoError(t, err)
	db := &testDB{path: path, tm: tm, dm: dm}

	boot, err := Create(dm)
	require.NoError(t, err)
	tree, err := Load(boot, dm, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.close(t, tree) })
	return tree, db
}

func (db *testDB) close(t *testing.T, tree *BPlusTree) {
	if db.dm == nil {
		return
	}
	require.NoError(t, tree.Close())
	require.NoError(t, db.dm.Close())
	require.NoError(t, db.tm.Close())
	db.dm, db.tm = nil, nil
}

// uidFor derives a distinct uid from a key and a copy number.
func uidFor(key int64, copyNo int) uint64 {
	return uint64(key)<<8 | uint64(copyNo) + 1
}

// --- Test Cases ---

func TestBPlusTree_EmptyTree(t *testing.T) {
	tree, _ := setupTree(t)
	uids, err := tree.Search(1)
	require.NoError(t, err)
	require.Empty(t, uids)
	uids, err = tree.SearchRange(math.MinInt64, math.MaxInt64)
	require.NoError(t, err)
	require.Empty(t, uids)
}

func TestBPlusTree_InsertSearchAcrossSplits(t *testing.T) {
	tree, _ := setupTree(t)

	const n = 3000
	keys := rand.New(rand.NewSource(1)).Perm(n)
	for _, k := range keys {
		require.NoError(t, tree.Insert(int64(k), uidFor(int64(k), 0)))
	}

	for k := 0; k < n; k++ {
		uids, err := tree.Search(int64(k))
		require.NoError(t, err)
		require.Equal(t, []uint64{uidFor(int64(k), 0)}, uids, "key %d", k)
	}
	uids, err := tree.Search(n + 1)
	require.NoError(t, err)
	require.Empty(t, uids)
}

func TestBPlusTree_RangeReturnsKeysInOrder(t *testing.T) {
	tree, _ := setupTree(t)

	r := rand.New(rand.NewSource(2))
	keys := make([]int64, 0, 3000)
	keyOf := make(map[uint64]int64)
	for i := 0; i < 3000; i++ {
		k := r.Int63n(2000) - 1000
		keys = append(keys, k)
		keyOf[uint64(i+1)] = k
		require.NoError(t, tree.Insert(k, uint64(i+1)))
	}

	for _, bounds := range [][2]int64{{-1000, 1000}, {-10, 10}, {500, 499}, {0, 0}, {math.MinInt64, math.MaxInt64 - 1}} {
		uids, err := tree.SearchRange(bounds[0], bounds[1])
		require.NoError(t, err)
		want := 0
		for _, k := range keys {
			if k >= bounds[0] && k <= bounds[1] {
				want++
			}
		}
		require.Len(t, uids, want, "range [%d, %d]", bounds[0], bounds[1])
		require.True(t, sort.SliceIsSorted(uids, func(i, j int) bool { return keyOf[uids[i]] < keyOf[uids[j]] }))
	}
}

func TestBPlusTree_DuplicateKeysSpanningSplits(t *testing.T) {
	tree, _ := setupTree(t)

	for i := int64(0); i < 50; i++ {
		require.NoError(t, tree.Insert(i, uidFor(i, 0)))
	}
	const copies = 300
	want := make([]uint64, 0, copies)
	for c := 0; c < copies; c++ {
		uid := uidFor(25, c+1)
		want = append(want, uid)
		require.NoError(t, tree.Insert(25, uid))
	}
	want = append(want, uidFor(25, 0))

	uids, err := tree.Search(25)
	require.NoError(t, err)
	require.ElementsMatch(t, want, uids)

	uids, err = tree.Search(26)
	require.NoError(t, err)
	require.Equal(t, []uint64{uidFor(26, 0)}, uids)
	uids, err = tree.Search(24)
	require.NoError(t, err)
	require.Equal(t, []uint64{uidFor(24, 0)}, uids)
}

func TestBPlusTree_SurvivesReopen(t *testing.T) {
	tree, db := setupTree(t)
	boot := tree.BootUID()
	for k := int64(0); k < 1000; k++ {
		require.NoError(t, tree.Insert(k*3, uint64(k+1)))
	}
	db.close(t, tree)

	tm, err := transaction.OpenManager(db.path, zap.NewNop())
	require.NoError(t, err)
	dm, err := datamanager.Open(db.path, testMemory, tm, zap.NewNop(), nil)
	require.NoError(t, err)
	tree, err = Load(boot, dm, zap.NewNop(), nil)
	require.NoError(t, err)
	db.tm, db.dm = tm, dm
	t.Cleanup(func() { db.close(t, tree) })

	uids, err := tree.Search(300)
	require.NoError(t, err)
	require.Equal(t, []uint64{101}, uids)
	uids, err = tree.SearchRange(0, 29)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, uids)
}

func TestBPlusTree_ConcurrentInsertAndSearch(t *testing.T) {
	tree, _ := setupTree(t)

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		base := int64(w * 1000)
		g.Go(func() error {
			for k := base; k < base+1000; k++ {
				if err := tree.Insert(k, uint64(k+1)); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for k := base; k < base+1000; k += 7 {
				if _, err := tree.Search(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	uids, err := tree.SearchRange(0, 3999)
	require.NoError(t, err)
	require.Len(t, uids, 4000)
}

func TestBPlusTree_LoadRejectsNonBootItem(t *testing.T) {
	_, db := setupTree(t)
	uid, err := db.dm.Insert(transaction.SuperXID, []byte("not a boot item"))
	require.NoError(t, err)
	_, err = Load(uid, db.dm, zap.NewNop(), nil)
	require.ErrorIs(t, err, ErrInvalidBoot)
}

func TestNodeRaw_InsertKeepsOrder(t *testing.T) {
	raw := newNilRootRaw()
	n := &node{raw: raw}
	for _, k := range []int64{5, 1, 3} {
		require.True(t, n.insert(uint64(k*10), k))
	}
	require.Equal(t, 3, getRawNoKeys(raw))
	for i, k := range []int64{1, 3, 5} {
		require.Equal(t, k, getRawKthKey(raw, i))
		require.Equal(t, uint64(k*10), getRawKthSon(raw, i))
	}

	root := newRootRaw(7, 8, 100)
	require.False(t, getRawIfLeaf(root))
	require.Equal(t, 2, getRawNoKeys(root))
	require.Equal(t, int64(math.MaxInt64), getRawKthKey(root, 1))

	// A leaf with a sibling hands keys beyond its last one to it.
	setRawSibling(raw, 99)
	require.False(t, n.insert(1, 6))
	require.True(t, n.insert(1, 4))
}
