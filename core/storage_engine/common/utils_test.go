package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyThrottled_CopiesAndHashes(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, chunkSize+12345)
	rand.New(rand.NewSource(1)).Read(data)
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, data, 0644))

	dst := filepath.Join(dir, "dst")
	res, err := CopyThrottled(context.Background(), src, dst, 0)
	require.NoError(t, err)

	want := sha256.Sum256(data)
	require.Equal(t, int64(len(data)), res.Bytes)
	require.Equal(t, hex.EncodeToString(want[:]), res.SHA256)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCopyThrottled_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, nil, 0644))

	res, err := CopyThrottled(context.Background(), src, filepath.Join(dir, "dst"), 1024)
	require.NoError(t, err)
	require.Zero(t, res.Bytes)
}

func TestCopyThrottled_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst"), 0)
	require.ErrorIs(t, err, context.Canceled)

	_, err = CopyThrottled(context.Background(), filepath.Join(dir, "missing"), filepath.Join(dir, "dst"), 0)
	require.ErrorIs(t, err, os.ErrNotExist)
}
