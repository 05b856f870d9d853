package compression

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Compress squeezes a raw image through RLE8 and then gzip. The two passes
// compose well on block images: RLE8 collapses the zero blocks, gzip takes
// care of whatever structure remains.
func Compress(src io.Reader, dst io.Writer) error {
	gz := gzip.NewWriter(dst)
	if _, err := CompressRLE8(src, gz); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// Decompress reverses Compress, writing the raw image bytes to dst.
func Decompress(src io.Reader, dst io.Writer) error {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer gz.Close()

	_, err = DecompressRLE8(gz, dst)
	return err
}

// DecompressToBytes is Decompress into a fresh byte slice.
func DecompressToBytes(src io.Reader) ([]byte, error) {
	var out bytes.Buffer
	if err := Decompress(src, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
