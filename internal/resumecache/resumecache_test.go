package resumecache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resume.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoadMissingReturnsEmptySet(t *testing.T) {
	c := openTemp(t)
	var hash [20]byte
	completed, err := c.Load(hash)
	require.NoError(t, err)
	require.Empty(t, completed)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	c := openTemp(t)
	var hash [20]byte
	hash[0] = 0xAB

	require.NoError(t, c.Save(hash, []uint32{0, 3, 7}))
	completed, err := c.Load(hash)
	require.NoError(t, err)
	require.True(t, completed[0])
	require.True(t, completed[3])
	require.True(t, completed[7])
	require.False(t, completed[1])
}

func TestForgetRemovesRecord(t *testing.T) {
	c := openTemp(t)
	var hash [20]byte
	hash[0] = 0x01
	require.NoError(t, c.Save(hash, []uint32{1, 2}))
	require.NoError(t, c.Forget(hash))
	completed, err := c.Load(hash)
	require.NoError(t, err)
	require.Empty(t, completed)
}

func TestSaveOverwritesPriorRecord(t *testing.T) {
	c := openTemp(t)
	var hash [20]byte
	require.NoError(t, c.Save(hash, []uint32{1, 2, 3}))
	require.NoError(t, c.Save(hash, []uint32{9}))
	completed, err := c.Load(hash)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.True(t, completed[9])
}

func TestDistinctInfoHashesAreIndependent(t *testing.T) {
	c := openTemp(t)
	var h1, h2 [20]byte
	h1[0], h2[0] = 1, 2
	require.NoError(t, c.Save(h1, []uint32{1}))
	require.NoError(t, c.Save(h2, []uint32{2}))

	c1, err := c.Load(h1)
	require.NoError(t, err)
	c2, err := c.Load(h2)
	require.NoError(t, err)
	require.True(t, c1[1])
	require.False(t, c1[2])
	require.True(t, c2[2])
}
