// Package super owns the on-image superblock and the inode/block free
// bitmaps for the lifetime of a mount, and implements the write-through
// update sequence: flip the bit, write the bitmap block,
// then adjust and write the superblock's counter. That ordering ensures a
// crash mid-operation can at worst leak one allocation, never make the
// counters claim more free space than actually exists.
package super

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/alloc"
	"github.com/blockimage/imagefs/block"
	"github.com/noxer/bytewriter"
)

// Magic is the fixed 8-byte literal identifying this image format.
var Magic = [8]byte{'I', 'M', 'G', 'F', 'S', '0', '0', '1'}

// rawHeader is the on-disk layout of block 0: magic, inode count, block
// count, block size, free blocks, free inodes, the rest reserved.
type rawHeader struct {
	Magic       [8]byte
	InodesNum   uint32
	BlocksNum   uint32
	BlockSize   uint32
	FreeBlocks  uint32
	FreeInodes  uint32
}

// Layout describes where each on-image region begins, in blocks:
// superblock, inode bitmap, block bitmap, inode table, data region.
type Layout struct {
	BlockSize       uint32
	TotalBlocks     uint32
	TotalInodes     uint32
	InodeBitmapAt   uint32
	InodeBitmapLen  uint32 // in blocks
	BlockBitmapAt   uint32
	BlockBitmapLen  uint32 // in blocks
	InodeTableAt    uint32
	InodeTableLen   uint32 // in blocks
	DataRegionAt    uint32
}

const inodeRecordSize = 128

// ComputeLayout derives the on-image block layout from the counts given to
// format.
func ComputeLayout(blockSize, totalBlocks, totalInodes uint32) Layout {
	blocksFor := func(bits uint32) uint32 {
		numBytes := (bits + 7) / 8
		return (numBytes + blockSize - 1) / blockSize
	}

	inodeBitmapLen := blocksFor(totalInodes)
	blockBitmapLen := blocksFor(totalBlocks)
	inodeTableLen := (totalInodes*inodeRecordSize + blockSize - 1) / blockSize

	l := Layout{
		BlockSize:      blockSize,
		TotalBlocks:    totalBlocks,
		TotalInodes:    totalInodes,
		InodeBitmapAt:  1,
		InodeBitmapLen: inodeBitmapLen,
	}
	l.BlockBitmapAt = l.InodeBitmapAt + l.InodeBitmapLen
	l.BlockBitmapLen = blockBitmapLen
	l.InodeTableAt = l.BlockBitmapAt + l.BlockBitmapLen
	l.InodeTableLen = inodeTableLen
	l.DataRegionAt = l.InodeTableAt + l.InodeTableLen
	return l
}

// TotalImageBlocks returns the total number of blocks the image occupies:
// 1 (superblock) + bitmaps + inode table + data blocks.
func (l Layout) TotalImageBlocks() uint32 {
	return 1 + l.InodeBitmapLen + l.BlockBitmapLen + l.InodeTableLen + l.TotalBlocks
}

// Super is the mounted superblock plus its two in-memory bitmaps.
type Super struct {
	Layout Layout
	Device *block.Device

	InodeAlloc *alloc.Allocator
	BlockAlloc *alloc.Allocator
}

// Mount reads block 0 from dev, validates the magic header, and loads both
// bitmaps into memory.
func Mount(dev *block.Device) (*Super, error) {
	raw, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}

	var hdr rawHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return nil, imagefs.ErrBadImage.Wrap(err)
	}
	if hdr.Magic != Magic {
		return nil, imagefs.ErrBadImage.WithMessage("superblock magic mismatch")
	}

	layout := ComputeLayout(hdr.BlockSize, hdr.BlocksNum, hdr.InodesNum)

	inodeBitmapBytes, err := readRegion(dev, layout.InodeBitmapAt, layout.InodeBitmapLen)
	if err != nil {
		return nil, err
	}
	blockBitmapBytes, err := readRegion(dev, layout.BlockBitmapAt, layout.BlockBitmapLen)
	if err != nil {
		return nil, err
	}

	return &Super{
		Layout:     layout,
		Device:     dev,
		InodeAlloc: alloc.FromBytes(inodeBitmapBytes, uint(hdr.InodesNum)),
		BlockAlloc: alloc.FromBytes(blockBitmapBytes, uint(hdr.BlocksNum)),
	}, nil
}

// Peek reads just the fixed-layout header fields from the start of stream,
// without requiring the caller to already know the block size a Device
// would need to be constructed with. It does not validate bitmap
// regions; callers still go through Mount for that once they have built a
// correctly sized block.Device from the returned geometry.
func Peek(stream io.ReadSeeker) (blockSize, totalBlocks, totalInodes uint32, err error) {
	if _, err = stream.Seek(0, io.SeekStart); err != nil {
		return 0, 0, 0, imagefs.ErrIO.Wrap(err)
	}

	var hdr rawHeader
	if err = binary.Read(stream, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, 0, imagefs.ErrBadImage.Wrap(err)
	}
	if hdr.Magic != Magic {
		return 0, 0, 0, imagefs.ErrBadImage.WithMessage("superblock magic mismatch")
	}
	return hdr.BlockSize, hdr.BlocksNum, hdr.InodesNum, nil
}

// OnDiskCounters re-reads block 0 and returns the persisted free_blocks
// and free_inodes counters, bypassing the in-memory bitmaps, so a checker
// can verify the write-through ordering actually kept them in step.
func (s *Super) OnDiskCounters() (freeBlocks, freeInodes uint32, err error) {
	raw, err := s.Device.ReadBlock(0)
	if err != nil {
		return 0, 0, err
	}
	var hdr rawHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &hdr); err != nil {
		return 0, 0, imagefs.ErrBadImage.Wrap(err)
	}
	return hdr.FreeBlocks, hdr.FreeInodes, nil
}

func readRegion(dev *block.Device, at, length uint32) ([]byte, error) {
	buf := make([]byte, 0, int(length)*int(dev.Size))
	for i := uint32(0); i < length; i++ {
		blk, err := dev.ReadBlock(uint(at + i))
		if err != nil {
			return nil, err
		}
		buf = append(buf, blk...)
	}
	return buf, nil
}

func writeRegion(dev *block.Device, at uint32, data []byte) error {
	for i := uint32(0); uint(i)*dev.Size < uint(len(data)); i++ {
		start := uint(i) * dev.Size
		end := start + dev.Size
		if end > uint(len(data)) {
			end = uint(len(data))
		}
		chunk := make([]byte, dev.Size)
		copy(chunk, data[start:end])
		if err := dev.WriteBlock(uint(at+i), chunk); err != nil {
			return err
		}
	}
	return nil
}

// writeSuperblock serializes the header fields and writes block 0.
func (s *Super) writeSuperblock() error {
	hdr := rawHeader{
		Magic:      Magic,
		InodesNum:  s.Layout.TotalInodes,
		BlocksNum:  s.Layout.TotalBlocks,
		BlockSize:  s.Layout.BlockSize,
		FreeBlocks: uint32(s.BlockAlloc.FreeCount()),
		FreeInodes: uint32(s.InodeAlloc.FreeCount()),
	}

	buf := make([]byte, s.Layout.BlockSize)
	w := bytewriter.New(buf)
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return imagefs.ErrIO.Wrap(err)
	}
	return s.Device.WriteBlock(0, buf)
}

// AllocateBlock allocates one data block, persists the bitmap and then the
// superblock's free_blocks counter (write-through), and returns its
// absolute block index within the image.
func (s *Super) AllocateBlock() (uint32, error) {
	idx, err := s.BlockAlloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := s.flushBlockBitmap(); err != nil {
		return 0, err
	}
	if err := s.writeSuperblock(); err != nil {
		return 0, err
	}

	abs := s.Layout.DataRegionAt + uint32(idx)
	if err := s.Device.ZeroBlock(uint(abs)); err != nil {
		return 0, err
	}
	return abs, nil
}

// FreeBlock releases the data block at absolute index abs back to the pool.
func (s *Super) FreeBlock(abs uint32) error {
	if abs < s.Layout.DataRegionAt {
		return imagefs.ErrInvalidArgument.WithMessage("block is not in the data region")
	}
	idx := uint(abs - s.Layout.DataRegionAt)
	if err := s.BlockAlloc.Free(idx); err != nil {
		return err
	}
	if err := s.flushBlockBitmap(); err != nil {
		return err
	}
	return s.writeSuperblock()
}

// AllocateInode allocates one inode index, persists the bitmap and the
// superblock's free_inodes counter in that order, and returns its index.
func (s *Super) AllocateInode() (uint32, error) {
	idx, err := s.InodeAlloc.Allocate()
	if err != nil {
		return 0, err
	}
	if err := s.flushInodeBitmap(); err != nil {
		return 0, err
	}
	if err := s.writeSuperblock(); err != nil {
		return 0, err
	}
	return uint32(idx), nil
}

// FreeInode releases inode index i back to the pool.
func (s *Super) FreeInode(i uint32) error {
	if err := s.InodeAlloc.Free(uint(i)); err != nil {
		return err
	}
	if err := s.flushInodeBitmap(); err != nil {
		return err
	}
	return s.writeSuperblock()
}

func (s *Super) flushBlockBitmap() error {
	return writeRegion(s.Device, s.Layout.BlockBitmapAt, s.BlockAlloc.Bytes())
}

func (s *Super) flushInodeBitmap() error {
	return writeRegion(s.Device, s.Layout.InodeBitmapAt, s.InodeAlloc.Bytes())
}

// Format lays out a brand-new superblock and zeroed bitmaps on dev, which
// must already be sized to hold layout.TotalImageBlocks() blocks. It returns the mounted Super, ready for the caller to
// allocate the root inode and its first data block through it.
func Format(dev *block.Device, layout Layout) (*Super, error) {
	s := &Super{
		Layout:     layout,
		Device:     dev,
		InodeAlloc: alloc.New(uint(layout.TotalInodes)),
		BlockAlloc: alloc.New(uint(layout.TotalBlocks)),
	}

	if err := s.flushInodeBitmap(); err != nil {
		return nil, err
	}
	if err := s.flushBlockBitmap(); err != nil {
		return nil, err
	}
	if err := s.writeSuperblock(); err != nil {
		return nil, err
	}
	return s, nil
}

// Stat returns the current, authoritative filesystem statistics.
func (s *Super) Stat() imagefs.FSStat {
	return imagefs.FSStat{
		BlockSize:   s.Layout.BlockSize,
		TotalBlocks: s.Layout.TotalBlocks,
		FreeBlocks:  uint32(s.BlockAlloc.FreeCount()),
		TotalInodes: s.Layout.TotalInodes,
		FreeInodes:  uint32(s.InodeAlloc.FreeCount()),
	}
}
