package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	m := New()
	m.Put([]byte("k1"), []byte("v1"))
	v, ok := m.Get([]byte("k1"))
	require.True(t, ok)
	require.False(t, v.Tombstone)
	require.Equal(t, []byte("v1"), v.Bytes)

	m.Delete([]byte("k1"))
	v, ok = m.Get([]byte("k1"))
	require.True(t, ok)
	require.True(t, v.Tombstone)

	_, ok = m.Get([]byte("never-set"))
	require.False(t, ok)
}

func TestEmptyValueIsNotATombstone(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte{})
	v, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.False(t, v.Tombstone)
}

func TestSnapshotIsSortedAscending(t *testing.T) {
	m := New()
	m.Put([]byte("banana"), []byte("2"))
	m.Put([]byte("apple"), []byte("1"))
	m.Put([]byte("cherry"), []byte("3"))

	snap := m.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, []byte("apple"), snap[0].Key)
	require.Equal(t, []byte("banana"), snap[1].Key)
	require.Equal(t, []byte("cherry"), snap[2].Key)
}

func TestApproxSizeTracksReplacement(t *testing.T) {
	m := New()
	m.Put([]byte("k"), []byte("short"))
	first := m.ApproxSize()
	m.Put([]byte("k"), []byte("a much longer value"))
	require.Greater(t, m.ApproxSize(), first)
}

func TestRangeIterRespectsBounds(t *testing.T) {
	m := New()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		m.Put([]byte(k), []byte(k))
	}
	got := m.RangeIter([]byte("b"), []byte("d"))
	require.Len(t, got, 3)
	require.Equal(t, []byte("b"), got[0].Key)
	require.Equal(t, []byte("d"), got[2].Key)
}

func TestClearResetsInPlaceWithoutChangingIdentity(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("b"), []byte("2"))
	require.Equal(t, 2, m.Count())

	m.Clear()

	require.Equal(t, 0, m.Count())
	require.Equal(t, int64(0), m.ApproxSize())
	_, ok := m.Get([]byte("a"))
	require.False(t, ok)

	m.Put([]byte("c"), []byte("3"))
	v, ok := m.Get([]byte("c"))
	require.True(t, ok)
	require.Equal(t, []byte("3"), v.Bytes)
}
