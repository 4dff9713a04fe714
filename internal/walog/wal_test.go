package walog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	_, err = w.Append(OpPut, []byte("k1"), []byte("v1"))
	require.NoError(t, err)
	_, err = w.Append(OpPut, []byte("k2"), []byte("v2"))
	require.NoError(t, err)
	_, err = w.Append(OpDelete, []byte("k1"), nil)
	require.NoError(t, err)
	require.NoError(t, w.Fsync())
	require.NoError(t, w.Close())

	type row struct {
		op  byte
		key string
		val string
	}
	var got []row
	err = Replay(dir, func(op byte, key, value []byte) error {
		got = append(got, row{op: op, key: string(key), val: string(value)})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []row{
		{op: OpPut, key: "k1", val: "v1"},
		{op: OpPut, key: "k2", val: "v2"},
		{op: OpDelete, key: "k1", val: ""},
	}, got)
}

func TestReplayStopsOnTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	_, err = w.Append(OpPut, []byte("good"), []byte("value"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "wal.log")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x57, 0x41, 0x4C, 0x31, 1, 2, 3}) // magic then garbage
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seen int
	err = Replay(dir, func(op byte, key, value []byte) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen)
}

func TestRotateArchivesAndResetsActive(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	_, err = w.Append(OpPut, []byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, w.Rotate())

	matches, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	_, err = os.Stat(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)

	var seen int
	err = Replay(dir, func(op byte, key, value []byte) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, seen)
}
