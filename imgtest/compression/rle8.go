package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxExtraRepeats is the largest repeat count one encoded group can carry
// beyond the two literal occurrences that introduce it; longer runs split
// into multiple groups.
const maxExtraRepeats = 255

// CompressRLE8 encodes everything from src onto dst and reports the number
// of encoded bytes written. Lone bytes are stored as themselves; a run of
// N >= 2 equal bytes becomes the byte twice followed by N-2 (chunked at
// maxExtraRepeats).
func CompressRLE8(src io.Reader, dst io.Writer) (int64, error) {
	runs := newRunReader(src)
	written := int64(0)

	for {
		r, err := runs.next()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		for r.count > 0 {
			var group []byte
			if r.count == 1 {
				group = []byte{r.value}
				r.count = 0
			} else {
				extra := r.count - 2
				if extra > maxExtraRepeats {
					extra = maxExtraRepeats
				}
				group = []byte{r.value, r.value, byte(extra)}
				r.count -= extra + 2
			}

			n, err := dst.Write(group)
			written += int64(n)
			if err != nil {
				return written, err
			}
		}
	}
}

// DecompressRLE8 decodes an RLE8 stream from src onto dst and reports the
// number of decoded bytes written. A repeated byte with no trailing count
// byte fails with io.ErrUnexpectedEOF.
func DecompressRLE8(src io.Reader, dst io.Writer) (int64, error) {
	in := bufio.NewReader(src)
	written := int64(0)

	for {
		first, err := in.ReadByte()
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}

		count := 1
		second, err := in.ReadByte()
		switch {
		case errors.Is(err, io.EOF):
			// Lone final byte, nothing follows it.
		case err != nil:
			return written, err
		case second == first:
			extra, err := in.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return written, fmt.Errorf("truncated repeat group for byte %#02x: %w", first, err)
			}
			count = 2 + int(extra)
		default:
			in.UnreadByte()
		}

		n, err := dst.Write(bytes.Repeat([]byte{first}, count))
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
}
