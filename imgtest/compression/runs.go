package compression

import (
	"bufio"
	"errors"
	"io"
)

// A run is a maximal stretch of one repeated byte value in a stream.
type run struct {
	value byte
	count int
}

// runReader yields successive runs from a byte stream, collapsing
// consecutive equal bytes the way uniq collapses lines.
type runReader struct {
	src *bufio.Reader
}

func newRunReader(src io.Reader) *runReader {
	return &runReader{src: bufio.NewReader(src)}
}

// next returns the next run, or io.EOF once the stream is exhausted.
func (r *runReader) next() (run, error) {
	value, err := r.src.ReadByte()
	if err != nil {
		return run{}, err
	}

	count := 1
	for {
		b, err := r.src.ReadByte()
		if errors.Is(err, io.EOF) {
			return run{value: value, count: count}, nil
		}
		if err != nil {
			return run{}, err
		}
		if b != value {
			r.src.UnreadByte()
			return run{value: value, count: count}, nil
		}
		count++
	}
}
