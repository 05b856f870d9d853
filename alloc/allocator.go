// Package alloc implements a first-fit free-bitmap allocator. The inode
// bitmap and the block bitmap are each one of these.
package alloc

import (
	"fmt"

	"github.com/blockimage/imagefs"
	"github.com/boljen/go-bitmap"
)

// Allocator is a first-fit allocator over a bit-packed free map: 0 means
// free, 1 means used. It is deliberately simple: first-fit is trivial to
// test and adequate at this scale.
type Allocator struct {
	Bitmap bitmap.Bitmap
	Total  uint
}

// New creates an Allocator over `total` units, all initially free.
func New(total uint) *Allocator {
	return &Allocator{Bitmap: bitmap.New(int(total)), Total: total}
}

// FromBytes wraps an existing bitmap loaded from the image.
func FromBytes(data []byte, total uint) *Allocator {
	return &Allocator{Bitmap: bitmap.Bitmap(data), Total: total}
}

// FreeCount returns the number of zero bits, which must always equal the
// free_blocks/free_inodes counter in the superblock.
func (a *Allocator) FreeCount() uint {
	free := uint(0)
	for i := uint(0); i < a.Total; i++ {
		if !a.Bitmap.Get(int(i)) {
			free++
		}
	}
	return free
}

// Allocate returns the lowest-indexed free unit and marks it used. It fails
// with imagefs.ErrNoSpace if every bit is set.
func (a *Allocator) Allocate() (uint, error) {
	for i := uint(0); i < a.Total; i++ {
		if !a.Bitmap.Get(int(i)) {
			a.Bitmap.Set(int(i), true)
			return i, nil
		}
	}
	return 0, imagefs.ErrNoSpace
}

// Free clears the bit for unit i. Freeing an already-free unit is a no-op.
func (a *Allocator) Free(i uint) error {
	if i >= a.Total {
		return imagefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unit %d not in range [0, %d)", i, a.Total))
	}
	a.Bitmap.Set(int(i), false)
	return nil
}

// InUse reports whether unit i is currently allocated.
func (a *Allocator) InUse(i uint) bool {
	if i >= a.Total {
		return false
	}
	return a.Bitmap.Get(int(i))
}

// MarkUsed forces unit i to the allocated state without going through
// Allocate, used by the formatter to reserve blocks ahead of time (e.g. the
// root directory's first data block).
func (a *Allocator) MarkUsed(i uint) {
	a.Bitmap.Set(int(i), true)
}

// Bytes returns the bitmap's packed byte representation for writing back to
// the image.
func (a *Allocator) Bytes() []byte {
	return a.Bitmap.Data(false)
}
