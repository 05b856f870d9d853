// Package inode implements the fixed-size inode table: lookup,
// allocation, and freeing of 128-byte on-disk inode records.
package inode

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/super"
	"github.com/noxer/bytewriter"
)

// DirectBlocks is the number of direct block pointers an inode carries
// before falling back to single/double/triple indirect trees.
const DirectBlocks = 12

// Size is the fixed on-disk size of one inode record, in bytes.
const Size = 128

// Raw is the exact on-disk layout of one inode record.
type Raw struct {
	TypePerm   uint16
	Uid        uint16
	Gid        uint16
	Pad1       uint16 // reserved, must be zero
	RawSize    uint32
	Pad2       uint32 // reserved, must be zero
	AccessTime uint64
	ModTime    uint64
	CreatTime  uint64
	HardLinks  uint32
	Direct     [DirectBlocks]uint32
	Single     uint32
	Double     uint32
	Triple     uint32
	Unused     [24]byte // reserved, must be zero
}

// Kind returns the inode's kind from type_perm's high bits.
func (r *Raw) Kind() imagefs.Kind {
	return imagefs.Kind(r.TypePerm >> imagefs.KindShift)
}

// Mode returns the inode's permission bits from type_perm's low bits.
func (r *Raw) Mode() uint16 {
	return r.TypePerm & imagefs.ModeMask
}

// IsFree reports whether this record represents an unallocated inode: a
// zero hard-link count, since an inode is freed when its link count
// drops to zero.
func (r *Raw) IsFree() bool {
	return r.HardLinks == 0
}

// ToAttr converts a raw on-disk record plus its index into the
// platform-independent Attr view.
func ToAttr(index uint32, r Raw) imagefs.Attr {
	return imagefs.Attr{
		InodeNumber: index,
		Kind:        r.Kind(),
		Mode:        r.Mode(),
		Uid:         r.Uid,
		Gid:         r.Gid,
		Size:        r.RawSize,
		Nlinks:      r.HardLinks,
		AccessedAt:  time.Unix(int64(r.AccessTime), 0).UTC(),
		ModifiedAt:  time.Unix(int64(r.ModTime), 0).UTC(),
		CreatedAt:   time.Unix(int64(r.CreatTime), 0).UTC(),
	}
}

// Table is the on-image array of inode records, layered over the mounted
// superblock so allocation stays in lockstep with the inode bitmap.
type Table struct {
	Super *super.Super
}

func New(s *super.Super) *Table {
	return &Table{Super: s}
}

func (t *Table) locate(index uint32) (blockIdx uint, offset int) {
	blockSize := t.Super.Layout.BlockSize
	perBlock := blockSize / Size
	blockIdx = uint(t.Super.Layout.InodeTableAt + index/perBlock)
	offset = int((index % perBlock) * Size)
	return
}

// Get reads the inode record at index.
func (t *Table) Get(index uint32) (Raw, error) {
	if index >= t.Super.Layout.TotalInodes {
		return Raw{}, imagefs.ErrInvalidArgument.WithMessage("inode index out of range")
	}

	blockIdx, offset := t.locate(index)
	blk, err := t.Super.Device.ReadBlock(blockIdx)
	if err != nil {
		return Raw{}, err
	}

	var raw Raw
	if err := binary.Read(bytes.NewReader(blk[offset:offset+Size]), binary.LittleEndian, &raw); err != nil {
		return Raw{}, imagefs.ErrIO.Wrap(err)
	}
	return raw, nil
}

// Put writes the inode record at index.
func (t *Table) Put(index uint32, raw Raw) error {
	if index >= t.Super.Layout.TotalInodes {
		return imagefs.ErrInvalidArgument.WithMessage("inode index out of range")
	}

	blockIdx, offset := t.locate(index)
	blk, err := t.Super.Device.ReadBlock(blockIdx)
	if err != nil {
		return err
	}

	record := make([]byte, Size)
	w := bytewriter.New(record)
	if err := binary.Write(w, binary.LittleEndian, &raw); err != nil {
		return imagefs.ErrIO.Wrap(err)
	}
	copy(blk[offset:offset+Size], record)
	return t.Super.Device.WriteBlock(blockIdx, blk)
}

// Allocate reserves the lowest-indexed free inode and returns
// its index; the caller is responsible for populating and writing the
// record with Put before relying on it.
func (t *Table) Allocate() (uint32, error) {
	return t.Super.AllocateInode()
}

// Free clears the inode's bit in the allocator. The caller must first
// release every data/indirect block the inode referenced.
func (t *Table) Free(index uint32) error {
	return t.Super.FreeInode(index)
}
