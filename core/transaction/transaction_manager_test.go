package transaction

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/suxiao1228/mydb/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

func setupManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tm")
	tm, err := CreateManager(path, zap.NewNop())
	require.NoError(t, err)
	return tm, path
}

func TestManager_StateTransitions(t *testing.T) {
	tm, path := setupManager(t)

	xid1, err := tm.Begin()
	require.NoError(t, err)
	xid2, err := tm.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(1), xid1)
	require.Equal(t, uint64(2), xid2)

	active, err := tm.IsActive(xid1)
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, tm.Commit(xid1))
	require.NoError(t, tm.Abort(xid2))

	// Only active transactions change state.
	require.ErrorIs(t, tm.Commit(xid2), flushmanager.ErrInvalidXID)
	require.ErrorIs(t, tm.Abort(xid1), flushmanager.ErrInvalidXID)
	require.ErrorIs(t, tm.Commit(xid1), flushmanager.ErrInvalidXID)
	require.ErrorIs(t, tm.Commit(SuperXID), flushmanager.ErrInvalidXID)
	require.ErrorIs(t, tm.Abort(99), flushmanager.ErrInvalidXID)
	require.NoError(t, tm.Close())

	tm, err = OpenManager(path, zap.NewNop())
	require.NoError(t, err)
	defer tm.Close()
	require.Equal(t, uint64(2), tm.Counter())

	committed, err := tm.IsCommitted(xid1)
	require.NoError(t, err)
	require.True(t, committed)
	aborted, err := tm.IsAborted(xid2)
	require.NoError(t, err)
	require.True(t, aborted)
	active, err = tm.IsActive(xid2)
	require.NoError(t, err)
	require.False(t, active)

	xid3, err := tm.Begin()
	require.NoError(t, err)
	require.Equal(t, uint64(3), xid3)
}

func TestManager_SuperXID(t *testing.T) {
	tm, _ := setupManager(t)
	defer tm.Close()

	committed, err := tm.IsCommitted(SuperXID)
	require.NoError(t, err)
	require.True(t, committed)
	active, err := tm.IsActive(SuperXID)
	require.NoError(t, err)
	require.False(t, active)
	aborted, err := tm.IsAborted(SuperXID)
	require.NoError(t, err)
	require.False(t, aborted)

	require.ErrorIs(t, tm.Abort(SuperXID), flushmanager.ErrInvalidXID)
	require.ErrorIs(t, tm.Commit(7), flushmanager.ErrInvalidXID)
}

func TestManager_ConcurrentBeginHandsOutDistinctIDs(t *testing.T) {
	tm, _ := setupManager(t)
	defer tm.Close()

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			xid, err := tm.Begin()
			require.NoError(t, err)
			mu.Lock()
			seen[xid] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, 16)
	require.Equal(t, uint64(16), tm.Counter())
}

func TestManager_LengthMismatchIsFatal(t *testing.T) {
	tm, path := setupManager(t)
	_, err := tm.Begin()
	require.NoError(t, err)
	require.NoError(t, tm.Close())

	// A status byte written without the matching counter update.
	f, err := os.OpenFile(path+XIDSuffix, os.O_WRONLY|os.O_APPEND, 0666)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(TxnStateActive)})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenManager(path, zap.NewNop())
	require.ErrorIs(t, err, flushmanager.ErrBadXIDFile)
}
