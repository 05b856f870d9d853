// Package imgformat initializes a fresh image: superblock, zeroed bitmaps and a root
// directory inode carrying "." and "..".
package imgformat

import (
	"io"
	"time"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/addr"
	"github.com/blockimage/imagefs/block"
	"github.com/blockimage/imagefs/dirent"
	"github.com/blockimage/imagefs/engine"
	"github.com/blockimage/imagefs/inode"
	"github.com/blockimage/imagefs/super"
)

// DefaultDirMode is the permission bits given to the root directory at
// format time.
const DefaultDirMode = imagefs.S_IRWXU | imagefs.S_IRGRP | imagefs.S_IXGRP | imagefs.S_IROTH | imagefs.S_IXOTH

// Format lays out a brand-new filesystem on stream, which must already be
// sized to hold super.ComputeLayout(blockSize, blockCount,
// inodeCount).TotalImageBlocks() blocks; the caller (typically the CLI's
// format subcommand) is responsible for growing the backing file first.
// Inode index 0 is reserved and never used, so the root directory lands at
// index 1.
func Format(stream io.ReadWriteSeeker, blockSize, blockCount, inodeCount uint32) (*engine.FS, error) {
	if blockSize < dirent.EntrySize {
		return nil, imagefs.ErrInvalidArgument.WithMessage(
			"block_size must be at least the directory entry size (256 bytes), else no directory could ever hold an entry")
	}

	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	dev := block.New(stream, uint(blockSize), uint(layout.TotalImageBlocks()))

	s, err := super.Format(dev, layout)
	if err != nil {
		return nil, err
	}

	tbl := inode.New(s)
	a := addr.New(s)
	d := dirent.New(a)

	reservedIdx, err := tbl.Allocate()
	if err != nil {
		return nil, err
	}
	if reservedIdx != 0 {
		return nil, imagefs.ErrBadImage.WithMessage("inode 0 could not be reserved")
	}

	rootIdx, err := tbl.Allocate()
	if err != nil {
		return nil, err
	}
	if rootIdx != engine.RootInode {
		return nil, imagefs.ErrBadImage.WithMessage("root inode did not land at the expected index")
	}

	t := uint64(time.Now().Unix())
	root := inode.Raw{
		TypePerm:   imagefs.PackTypePerm(imagefs.KindDir, DefaultDirMode),
		HardLinks:  2,
		AccessTime: t,
		ModTime:    t,
		CreatTime:  t,
	}
	if err := d.InitEmpty(&root, rootIdx, rootIdx); err != nil {
		return nil, err
	}
	if err := tbl.Put(rootIdx, root); err != nil {
		return nil, err
	}

	return engine.Mount(dev)
}

// TotalImageSize returns the number of bytes a fresh image of the given
// geometry will occupy, for callers that
// need to size or truncate the backing file before calling Format.
func TotalImageSize(blockSize, blockCount, inodeCount uint32) int64 {
	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	return int64(layout.TotalImageBlocks()) * int64(blockSize)
}
