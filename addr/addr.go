// Package addr implements block addressing: mapping a logical
// block number within a file to a physical block index via an inode's
// direct, single, double and triple indirect pointer trees. Traversal is
// one recursive function parameterized by indirection depth rather than
// three near-duplicate routines.
package addr

import (
	"bytes"
	"encoding/binary"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/inode"
	"github.com/blockimage/imagefs/super"
)

// Resolver maps logical block numbers to physical block indices against a
// mounted superblock's device and allocator.
type Resolver struct {
	Super *super.Super
}

func New(s *super.Super) *Resolver {
	return &Resolver{Super: s}
}

// PointersPerBlock is the number of 32-bit block pointers that fit in one
// block, N in the addressing arithmetic below.
func (r *Resolver) PointersPerBlock() uint32 {
	return r.Super.Layout.BlockSize / 4
}

// MaxLogicalBlock returns one past the highest logical block number this
// engine's indirection depth can address.
func (r *Resolver) MaxLogicalBlock() uint32 {
	n := r.PointersPerBlock()
	return inode.DirectBlocks + n + n*n + n*n*n
}

func (r *Resolver) readPtrBlock(abs uint32) ([]uint32, error) {
	raw, err := r.Super.Device.ReadBlock(uint(abs))
	if err != nil {
		return nil, err
	}
	n := r.PointersPerBlock()
	ptrs := make([]uint32, n)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ptrs); err != nil {
		return nil, imagefs.ErrIO.Wrap(err)
	}
	return ptrs, nil
}

func (r *Resolver) writePtrBlock(abs uint32, ptrs []uint32) error {
	buf := make([]byte, r.Super.Layout.BlockSize)
	w := bytes.NewBuffer(buf[:0])
	if err := binary.Write(w, binary.LittleEndian, ptrs); err != nil {
		return imagefs.ErrIO.Wrap(err)
	}
	out := make([]byte, r.Super.Layout.BlockSize)
	copy(out, w.Bytes())
	return r.Super.Device.WriteBlock(uint(abs), out)
}

// Resolve maps logical block L (0-based within the file) of raw to a
// physical block index. When allocateIfMissing is true, any zero pointer
// encountered along the way, including intermediate indirect blocks, is
// allocated, zeroed, and linked in, mutating raw and writing back any
// indirect blocks whose pointer arrays changed. When false, a zero pointer
// anywhere on the path yields (0, nil): the hole sentinel, since 0 is never
// a valid data-region block index. Fails imagefs.ErrTooLarge when L is
// beyond the triple-indirect range.
func (r *Resolver) Resolve(raw *inode.Raw, l uint32, allocateIfMissing bool) (uint32, error) {
	n := r.PointersPerBlock()
	direct := uint32(inode.DirectBlocks)
	single := n
	double := n * n
	triple := n * n * n

	switch {
	case l < direct:
		return r.resolveTree(&raw.Direct[l], 0, 0, allocateIfMissing)
	case l < direct+single:
		return r.resolveTree(&raw.Single, l-direct, 1, allocateIfMissing)
	case l < direct+single+double:
		return r.resolveTree(&raw.Double, l-direct-single, 2, allocateIfMissing)
	case l < direct+single+double+triple:
		return r.resolveTree(&raw.Triple, l-direct-single-double, 3, allocateIfMissing)
	default:
		return 0, imagefs.ErrTooLarge
	}
}

// resolveTree is the single recursive resolver behind Resolve. slot holds
// the on-disk pointer at the current level; when levels == 0, slot is
// itself the data block pointer. When levels > 0, slot points to an
// indirect block whose index-th entry (after decomposing the remaining
// index space by depth) leads to the next level down.
func (r *Resolver) resolveTree(slot *uint32, index uint32, levels int, allocate bool) (uint32, error) {
	if levels == 0 {
		if *slot == 0 {
			if !allocate {
				return 0, nil
			}
			abs, err := r.Super.AllocateBlock()
			if err != nil {
				return 0, err
			}
			*slot = abs
		}
		return *slot, nil
	}

	if *slot == 0 {
		if !allocate {
			return 0, nil
		}
		abs, err := r.Super.AllocateBlock()
		if err != nil {
			return 0, err
		}
		*slot = abs
	}

	blockAbs := *slot
	ptrs, err := r.readPtrBlock(blockAbs)
	if err != nil {
		return 0, err
	}

	n := r.PointersPerBlock()
	sub := pow32(n, levels-1)
	outer := index / sub
	inner := index % sub

	child := ptrs[outer]
	result, err := r.resolveTree(&child, inner, levels-1, allocate)
	if err != nil {
		return 0, err
	}
	if child != ptrs[outer] {
		ptrs[outer] = child
		if err := r.writePtrBlock(blockAbs, ptrs); err != nil {
			return 0, err
		}
	}
	return result, nil
}

// CollectBlocks returns every block index raw owns (direct data blocks,
// indirect blocks, and the data blocks they ultimately point to) without
// mutating raw or the image. Used by the consistency checker to verify
// bitmap/reachability invariants.
func (r *Resolver) CollectBlocks(raw *inode.Raw) ([]uint32, error) {
	var out []uint32
	for _, d := range raw.Direct {
		if d != 0 {
			out = append(out, d)
		}
	}

	for _, root := range []struct {
		abs    uint32
		levels int
	}{{raw.Single, 1}, {raw.Double, 2}, {raw.Triple, 3}} {
		if root.abs == 0 {
			continue
		}
		if err := r.collectTree(root.abs, root.levels, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Resolver) collectTree(blockAbs uint32, levels int, out *[]uint32) error {
	*out = append(*out, blockAbs)
	ptrs, err := r.readPtrBlock(blockAbs)
	if err != nil {
		return err
	}
	for _, child := range ptrs {
		if child == 0 {
			continue
		}
		if levels == 1 {
			*out = append(*out, child)
		} else if err := r.collectTree(child, levels-1, out); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll walks every direct and indirect pointer of raw, freeing the
// data blocks and the indirect blocks themselves, and zeroes every pointer
// field in raw. It is equivalent to FreeFrom(raw, 0).
func (r *Resolver) ReleaseAll(raw *inode.Raw) error {
	return r.FreeFrom(raw, 0)
}

// FreeFrom frees every logical block of raw at or beyond fromLogical,
// including any indirect block that becomes fully empty as a result, and
// zeroes the corresponding pointer fields in raw. Used by truncate when
// shrinking, and by ReleaseAll (fromLogical == 0) on unlink/rmdir.
func (r *Resolver) FreeFrom(raw *inode.Raw, fromLogical uint32) error {
	n := r.PointersPerBlock()
	single := n
	double := n * n
	triple := n * n * n

	for i := uint32(0); i < inode.DirectBlocks; i++ {
		if fromLogical <= i && raw.Direct[i] != 0 {
			if err := r.Super.FreeBlock(raw.Direct[i]); err != nil {
				return err
			}
			raw.Direct[i] = 0
		}
	}

	if _, err := r.freeFromLevel(&raw.Single, 1, subtractFloor(fromLogical, inode.DirectBlocks), single); err != nil {
		return err
	}
	if _, err := r.freeFromLevel(&raw.Double, 2, subtractFloor(fromLogical, inode.DirectBlocks+single), double); err != nil {
		return err
	}
	if _, err := r.freeFromLevel(&raw.Triple, 3, subtractFloor(fromLogical, inode.DirectBlocks+single+double), triple); err != nil {
		return err
	}
	return nil
}

func subtractFloor(a, b uint32) uint32 {
	if a <= b {
		return 0
	}
	return a - b
}

// freeFromLevel frees every logical block at or beyond fromIdx within the
// subtree rooted at slot, which addresses subtreeCount logical blocks.
// Returns whether the subtree (and, if so, slot itself) ended up empty.
func (r *Resolver) freeFromLevel(slot *uint32, levels int, fromIdx, subtreeCount uint32) (bool, error) {
	if *slot == 0 {
		return true, nil
	}
	if fromIdx >= subtreeCount {
		return false, nil
	}

	if levels == 0 {
		if err := r.Super.FreeBlock(*slot); err != nil {
			return false, err
		}
		*slot = 0
		return true, nil
	}

	blockAbs := *slot
	ptrs, err := r.readPtrBlock(blockAbs)
	if err != nil {
		return false, err
	}

	n := r.PointersPerBlock()
	sub := pow32(n, levels-1)
	outerFrom := fromIdx / sub

	changed := false
	allEmpty := true
	for outer := uint32(0); outer < n; outer++ {
		if outer < outerFrom {
			if ptrs[outer] != 0 {
				allEmpty = false
			}
			continue
		}
		innerFrom := uint32(0)
		if outer == outerFrom {
			innerFrom = fromIdx % sub
		}
		child := ptrs[outer]
		if _, err := r.freeFromLevel(&child, levels-1, innerFrom, sub); err != nil {
			return false, err
		}
		if child != ptrs[outer] {
			ptrs[outer] = child
			changed = true
		}
		if ptrs[outer] != 0 {
			allEmpty = false
		}
	}

	if changed {
		if err := r.writePtrBlock(blockAbs, ptrs); err != nil {
			return false, err
		}
	}
	if allEmpty {
		if err := r.Super.FreeBlock(blockAbs); err != nil {
			return false, err
		}
		*slot = 0
		return true, nil
	}
	return false, nil
}

func pow32(base uint32, exp int) uint32 {
	result := uint32(1)
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
