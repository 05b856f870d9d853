// Package block implements fixed-size block I/O against a backing stream,
// the foundation every other layer of the engine is built on.
package block

import (
	"fmt"
	"io"

	"github.com/blockimage/imagefs"
)

// Device is a fixed-block-size view over a backing io.ReadWriteSeeker, e.g.
// the open image file. Every read or write happens in whole multiples of
// Size; partial-block mutation goes through Device.WriteAt's
// read-modify-write helper rather than a raw seek+write.
type Device struct {
	Size   uint   // bytes per block
	Count  uint   // total number of blocks in the device
	stream io.ReadWriteSeeker
}

// New wraps stream as a Device of Count blocks of Size bytes each.
func New(stream io.ReadWriteSeeker, size, count uint) *Device {
	return &Device{Size: size, Count: count, stream: stream}
}

// CountFromStreamLength returns how many whole blocks of the given size fit
// in stream's current length.
func CountFromStreamLength(stream io.Seeker, size uint) (uint, error) {
	length, err := stream.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, imagefs.ErrIO.Wrap(err)
	}
	return uint(length) / size, nil
}

func (d *Device) offsetOf(index uint) (int64, error) {
	if index >= d.Count {
		return 0, imagefs.ErrIO.WithMessage(
			fmt.Sprintf("block %d out of range [0, %d)", index, d.Count))
	}
	return int64(index) * int64(d.Size), nil
}

// ReadBlock reads one whole block at the given index.
func (d *Device) ReadBlock(index uint) ([]byte, error) {
	offset, err := d.offsetOf(index)
	if err != nil {
		return nil, err
	}
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return nil, imagefs.ErrIO.Wrap(err)
	}

	buf := make([]byte, d.Size)
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return nil, imagefs.ErrIO.Wrap(err)
	}
	return buf, nil
}

// WriteBlock overwrites one whole block at the given index. data must be
// exactly Size bytes.
func (d *Device) WriteBlock(index uint, data []byte) error {
	if uint(len(data)) != d.Size {
		return imagefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block data must be %d bytes, got %d", d.Size, len(data)))
	}

	offset, err := d.offsetOf(index)
	if err != nil {
		return err
	}
	if _, err := d.stream.Seek(offset, io.SeekStart); err != nil {
		return imagefs.ErrIO.Wrap(err)
	}
	if _, err := d.stream.Write(data); err != nil {
		return imagefs.ErrIO.Wrap(err)
	}
	return nil
}

// ZeroBlock overwrites the block at index with all-zero bytes, used by the
// allocator so newly allocated blocks never leak prior contents.
func (d *Device) ZeroBlock(index uint) error {
	return d.WriteBlock(index, make([]byte, d.Size))
}

// WriteAt performs a read-modify-write of data into the block at index,
// starting at byte offset within that block. It is the mechanism every
// partial-block mutation in the engine goes through.
func (d *Device) WriteAt(index uint, offsetInBlock int, data []byte) error {
	if offsetInBlock < 0 || uint(offsetInBlock)+uint(len(data)) > d.Size {
		return imagefs.ErrInvalidArgument.WithMessage("write exceeds block bounds")
	}

	block, err := d.ReadBlock(index)
	if err != nil {
		return err
	}
	copy(block[offsetInBlock:], data)
	return d.WriteBlock(index, block)
}

// TotalBytes returns the size, in bytes, a Device of this Size/Count would
// occupy on its backing stream.
func (d *Device) TotalBytes() int64 {
	return int64(d.Size) * int64(d.Count)
}
