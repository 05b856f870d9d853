// Package imgtest provides helpers for building in-memory block images in
// tests, without touching the filesystem.
package imgtest

import (
	"bytes"
	"io"

	"github.com/blockimage/imagefs/imgtest/compression"
	"github.com/xaionaro-go/bytesextra"
)

// NewBlankImage returns an io.ReadWriteSeeker backed by blockSize*blockCount
// zeroed bytes, suitable for passing straight to block.New or imgformat.Format.
func NewBlankImage(blockSize, blockCount uint) io.ReadWriteSeeker {
	return bytesextra.NewReadWriteSeeker(make([]byte, blockSize*blockCount))
}

// SnapshotImage compresses the entire contents of an image stream into a
// compact byte slice: a cheap way to save a populated image between test
// stages, or to produce an embeddable fixture. The stream's position is
// left at the end of the image.
func SnapshotImage(stream io.ReadSeeker) ([]byte, error) {
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := compression.Compress(stream, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// RestoreImage expands a snapshot produced by SnapshotImage into a fresh,
// independent in-memory image stream. Mutating the restored stream never
// affects the snapshot, so one snapshot can seed any number of tests.
func RestoreImage(snapshot []byte) (io.ReadWriteSeeker, error) {
	raw, err := compression.DecompressToBytes(bytes.NewReader(snapshot))
	if err != nil {
		return nil, err
	}
	return bytesextra.NewReadWriteSeeker(raw), nil
}
