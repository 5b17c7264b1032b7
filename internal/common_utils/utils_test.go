package commonutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUIDAddressPacking(t *testing.T) {
	uid := AddressToUID(3, 517)
	require.Equal(t, uint64(3)<<32|517, uid)

	pgno, offset := UIDToAddress(uid)
	require.Equal(t, 3, pgno)
	require.Equal(t, uint16(517), offset)
}

func TestConcat(t *testing.T) {
	out := Concat([]byte{1}, nil, []byte{2, 3}, Uint64Bytes(4))
	require.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 4}, out)
	require.Equal(t, uint64(4), Uint64(out[3:]))
}
