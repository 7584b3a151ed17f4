package repcache

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/rcowham/svnfsfs/noderev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissReturnsNil(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "rep-cache.db"))
	require.NoError(t, err)
	defer c.Close()

	sum := sha1.Sum([]byte("nothing"))
	rep, err := c.Get(sum[:])
	assert.NoError(t, err)
	assert.Nil(t, rep)
}

func TestSetAllThenGet(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "rep-cache.db"))
	require.NoError(t, err)
	defer c.Close()

	sum := sha1.Sum([]byte("same\n"))
	reps := []*noderev.Rep{
		{Rev: 2, ItemIndex: 3, Size: 17, ExpandedSize: 5, SHA1: sum[:]},
	}
	require.NoError(t, c.SetAll(reps))

	got, err := c.Get(sum[:])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, reps[0].Rev, got.Rev)
	assert.Equal(t, reps[0].ItemIndex, got.ItemIndex)
	assert.Equal(t, reps[0].Size, got.Size)
	assert.Equal(t, reps[0].ExpandedSize, got.ExpandedSize)
}

// A second insert of the same hash must not fail and must not clobber the
// winning row: parallel commits race for the same content.
func TestDuplicateInsertIgnored(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "rep-cache.db"))
	require.NoError(t, err)
	defer c.Close()

	sum := sha1.Sum([]byte("dup"))
	first := &noderev.Rep{Rev: 1, ItemIndex: 4, Size: 9, ExpandedSize: 3, SHA1: sum[:]}
	second := &noderev.Rep{Rev: 2, ItemIndex: 8, Size: 9, ExpandedSize: 3, SHA1: sum[:]}
	require.NoError(t, c.SetAll([]*noderev.Rep{first}))
	require.NoError(t, c.SetAll([]*noderev.Rep{second}))

	got, err := c.Get(sum[:])
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Rev, got.Rev)
	assert.Equal(t, first.ItemIndex, got.ItemIndex)
}
