// Package consistency is an independent fsck-style checker: it re-derives
// the engine's structural invariants from a mounted engine.FS by
// walking the inode table and directory tree itself, rather than trusting
// the structures it is checking, and aggregates every violation found with
// github.com/hashicorp/go-multierror instead of stopping at the first one.
package consistency

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/engine"
)

type queueItem struct {
	idx, parent uint32
}

// Check walks fs from its root directory and reports every invariant
// violation found: reachable-but-not-marked-used inodes/blocks,
// marked-used-but-unreachable inodes/blocks, blocks claimed by more than
// one inode, free counters out of step with their bitmaps, and directories
// missing or misdirecting "." / "..". A nil return means every invariant
// held.
func Check(fs *engine.FS) error {
	var errs *multierror.Error

	visitedInodes := map[uint32]bool{}
	usedBlocks := map[uint32]bool{}

	queue := []queueItem{{engine.RootInode, engine.RootInode}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if visitedInodes[item.idx] {
			continue
		}
		visitedInodes[item.idx] = true

		raw, err := fs.Inodes.Get(item.idx)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("inode %d: %w", item.idx, err))
			continue
		}
		if !fs.Super.InodeAlloc.InUse(uint(item.idx)) {
			errs = multierror.Append(errs, fmt.Errorf(
				"inode %d is reachable from root but not marked used in the inode bitmap", item.idx))
		}

		blocks, err := fs.Addr.CollectBlocks(&raw)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("inode %d: collecting blocks: %w", item.idx, err))
			continue
		}
		for _, abs := range blocks {
			if usedBlocks[abs] {
				errs = multierror.Append(errs, fmt.Errorf(
					"block %d is referenced by more than one inode's tree", abs))
			}
			usedBlocks[abs] = true

			if abs < fs.Super.Layout.DataRegionAt {
				errs = multierror.Append(errs, fmt.Errorf(
					"inode %d references block %d outside the data region", item.idx, abs))
				continue
			}
			rel := abs - fs.Super.Layout.DataRegionAt
			if !fs.Super.BlockAlloc.InUse(uint(rel)) {
				errs = multierror.Append(errs, fmt.Errorf(
					"block %d is used by inode %d but not marked used in the block bitmap", abs, item.idx))
			}
		}

		if raw.Kind() == imagefs.KindDir {
			if raw.HardLinks < 2 {
				errs = multierror.Append(errs, fmt.Errorf(
					"directory inode %d has hard_links %d, want >= 2", item.idx, raw.HardLinks))
			}

			entries, err := fs.Dirs.Enumerate(&raw)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("directory inode %d: %w", item.idx, err))
				continue
			}
			if len(entries) < 2 || entries[0].Name != "." || entries[1].Name != ".." {
				errs = multierror.Append(errs, fmt.Errorf(
					"directory inode %d does not start with '.' and '..'", item.idx))
			} else {
				if entries[0].Inode != item.idx {
					errs = multierror.Append(errs, fmt.Errorf(
						"directory inode %d: '.' points to %d, want self", item.idx, entries[0].Inode))
				}
				if entries[1].Inode != item.parent {
					errs = multierror.Append(errs, fmt.Errorf(
						"directory inode %d: '..' points to %d, want parent %d", item.idx, entries[1].Inode, item.parent))
				}
			}

			for _, e := range entries {
				if e.Name == "." || e.Name == ".." {
					continue
				}
				queue = append(queue, queueItem{e.Inode, item.idx})
			}
		}
	}

	diskFreeBlocks, diskFreeInodes, err := fs.Super.OnDiskCounters()
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("reading superblock counters: %w", err))
	} else {
		if diskFreeBlocks != uint32(fs.Super.BlockAlloc.FreeCount()) {
			errs = multierror.Append(errs, fmt.Errorf(
				"on-disk free_blocks (%d) does not match zero bits in the block bitmap (%d)",
				diskFreeBlocks, fs.Super.BlockAlloc.FreeCount()))
		}
		if diskFreeInodes != uint32(fs.Super.InodeAlloc.FreeCount()) {
			errs = multierror.Append(errs, fmt.Errorf(
				"on-disk free_inodes (%d) does not match zero bits in the inode bitmap (%d)",
				diskFreeInodes, fs.Super.InodeAlloc.FreeCount()))
		}
	}

	for i := uint32(0); i < fs.Super.Layout.TotalInodes; i++ {
		if fs.Super.InodeAlloc.InUse(uint(i)) && !visitedInodes[i] && i != 0 {
			errs = multierror.Append(errs, fmt.Errorf(
				"inode %d is marked used but unreachable from root", i))
		}
	}
	for i := uint32(0); i < fs.Super.Layout.TotalBlocks; i++ {
		abs := fs.Super.Layout.DataRegionAt + i
		if fs.Super.BlockAlloc.InUse(uint(i)) && !usedBlocks[abs] {
			errs = multierror.Append(errs, fmt.Errorf(
				"block %d is marked used but unreachable from any inode", abs))
		}
	}

	if errs != nil {
		return errs
	}
	return nil
}
