package inode_test

import (
	"testing"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/block"
	"github.com/blockimage/imagefs/imgtest"
	"github.com/blockimage/imagefs/inode"
	"github.com/blockimage/imagefs/super"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T) *inode.Table {
	layout := super.ComputeLayout(512, 64, 16)
	stream := imgtest.NewBlankImage(512, uint(layout.TotalImageBlocks()))
	dev := block.New(stream, 512, uint(layout.TotalImageBlocks()))

	s, err := super.Format(dev, layout)
	require.NoError(t, err)
	return inode.New(s)
}

func TestAllocatePutGetRoundTrip(t *testing.T) {
	tbl := newTable(t)

	idx, err := tbl.Allocate()
	require.NoError(t, err)

	raw := inode.Raw{
		TypePerm:  uint16(imagefs.KindFile)<<imagefs.KindShift | imagefs.S_IRUSR,
		HardLinks: 1,
		RawSize:   42,
	}
	require.NoError(t, tbl.Put(idx, raw))

	got, err := tbl.Get(idx)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	assert.Equal(t, imagefs.KindFile, got.Kind())
}

func TestGetOutOfRangeFails(t *testing.T) {
	tbl := newTable(t)
	_, err := tbl.Get(1000)
	assert.Error(t, err)
}

func TestIsFreeTracksHardLinks(t *testing.T) {
	raw := inode.Raw{HardLinks: 0}
	assert.True(t, raw.IsFree())
	raw.HardLinks = 2
	assert.False(t, raw.IsFree())
}
