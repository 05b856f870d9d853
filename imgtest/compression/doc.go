// Package compression shrinks block-image snapshots for tests. A freshly
// formatted or lightly populated image is mostly zero blocks, so
// run-length encoding it and gzipping the result reduces it to a tiny
// fraction of its raw size. imgtest's SnapshotImage and RestoreImage are
// the intended entry points; the RLE8 codec underneath is the BMP-style
// one: a byte occurring N >= 2 times in a row is stored as the byte
// twice followed by a count of further repeats.
package compression
