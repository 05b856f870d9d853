package super_test

import (
	"testing"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/block"
	"github.com/blockimage/imagefs/imgtest"
	"github.com/blockimage/imagefs/super"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFormattedSuper(t *testing.T, blockSize, blockCount, inodeCount uint32) *super.Super {
	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	stream := imgtest.NewBlankImage(uint(blockSize), uint(layout.TotalImageBlocks()))
	dev := block.New(stream, uint(blockSize), uint(layout.TotalImageBlocks()))

	s, err := super.Format(dev, layout)
	require.NoError(t, err)
	return s
}

func TestFormatThenMountRoundTrips(t *testing.T) {
	s := newFormattedSuper(t, 512, 64, 16)
	stat := s.Stat()
	assert.EqualValues(t, 64, stat.FreeBlocks)
	assert.EqualValues(t, 16, stat.FreeInodes)

	s2, err := super.Mount(s.Device)
	require.NoError(t, err)
	assert.Equal(t, s.Layout, s2.Layout)
}

func TestMountRejectsBadMagic(t *testing.T) {
	stream := imgtest.NewBlankImage(512, 4)
	dev := block.New(stream, 512, 4)

	_, err := super.Mount(dev)
	assert.ErrorIs(t, err, imagefs.ErrBadImage)
}

func TestAllocateBlockUpdatesFreeCounterAndBitmap(t *testing.T) {
	s := newFormattedSuper(t, 512, 8, 4)

	abs, err := s.AllocateBlock()
	require.NoError(t, err)
	assert.EqualValues(t, s.Layout.DataRegionAt, abs)
	assert.EqualValues(t, 7, s.Stat().FreeBlocks)

	require.NoError(t, s.FreeBlock(abs))
	assert.EqualValues(t, 8, s.Stat().FreeBlocks)
}

func TestAllocateInodeUpdatesFreeCounter(t *testing.T) {
	s := newFormattedSuper(t, 512, 8, 4)

	i, err := s.AllocateInode()
	require.NoError(t, err)
	assert.EqualValues(t, 0, i)
	assert.EqualValues(t, 3, s.Stat().FreeInodes)

	require.NoError(t, s.FreeInode(i))
	assert.EqualValues(t, 4, s.Stat().FreeInodes)
}

func TestPeekAndOnDiskCounters(t *testing.T) {
	layout := super.ComputeLayout(512, 64, 16)
	stream := imgtest.NewBlankImage(512, uint(layout.TotalImageBlocks()))
	dev := block.New(stream, 512, uint(layout.TotalImageBlocks()))
	s, err := super.Format(dev, layout)
	require.NoError(t, err)

	blockSize, blockCount, inodeCount, err := super.Peek(stream)
	require.NoError(t, err)
	assert.EqualValues(t, 512, blockSize)
	assert.EqualValues(t, 64, blockCount)
	assert.EqualValues(t, 16, inodeCount)

	_, err = s.AllocateBlock()
	require.NoError(t, err)

	freeBlocks, freeInodes, err := s.OnDiskCounters()
	require.NoError(t, err)
	assert.EqualValues(t, 63, freeBlocks)
	assert.EqualValues(t, 16, freeInodes)
}

func TestFreeBlockRejectsBlockOutsideDataRegion(t *testing.T) {
	s := newFormattedSuper(t, 512, 8, 4)
	err := s.FreeBlock(0)
	assert.Error(t, err)
}
