// Package dirent implements the directory layer: a directory's
// data blocks hold a packed sequence of fixed-width entries, addressed by
// entry index through addr.Resolver rather than raw byte offset, so an
// entry never straddles a block boundary.
package dirent

import (
	"encoding/binary"
	"strings"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/addr"
	"github.com/blockimage/imagefs/inode"
)

// EntrySize is the fixed on-disk width of one directory entry.
const EntrySize = 256

// NameMaxLen is the largest name that fits in one entry.
const NameMaxLen = EntrySize - 4 - 2

// Entry is one directory entry: an inode index (0 = tombstone) and a name.
type Entry struct {
	Inode uint32
	Name  string
}

func (e Entry) isTombstone() bool { return e.Inode == 0 }

// Dir implements directory lookup, insert, remove and enumerate against a
// mounted addr.Resolver.
type Dir struct {
	Resolver *addr.Resolver
}

func New(r *addr.Resolver) *Dir {
	return &Dir{Resolver: r}
}

func (d *Dir) entriesPerBlock() uint32 {
	return d.Resolver.Super.Layout.BlockSize / EntrySize
}

func (d *Dir) numEntries(raw *inode.Raw) uint32 {
	return raw.RawSize / EntrySize
}

func validateName(name string) error {
	if name == "" {
		return imagefs.ErrInvalidArgument.WithMessage("directory entry name must not be empty")
	}
	if strings.Contains(name, "/") {
		return imagefs.ErrInvalidArgument.WithMessage("directory entry name must not contain '/'")
	}
	if len(name) > NameMaxLen {
		return imagefs.ErrInvalidArgument.WithMessage("directory entry name too long")
	}
	return nil
}

func decodeEntry(buf []byte) Entry {
	inodeIdx := binary.LittleEndian.Uint32(buf[0:4])
	nameLen := binary.LittleEndian.Uint16(buf[4:6])
	name := string(buf[6 : 6+int(nameLen)])
	return Entry{Inode: inodeIdx, Name: name}
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, EntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.Inode)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(e.Name)))
	copy(buf[6:6+len(e.Name)], e.Name)
	return buf
}

// readEntry reads entry index from raw's data blocks. An index beyond any
// allocated block (a hole) reads as a tombstone.
func (d *Dir) readEntry(raw *inode.Raw, index uint32) (Entry, error) {
	perBlock := d.entriesPerBlock()
	logical := index / perBlock
	offset := int(index%perBlock) * EntrySize

	abs, err := d.Resolver.Resolve(raw, logical, false)
	if err != nil {
		return Entry{}, err
	}
	if abs == 0 {
		return Entry{}, nil
	}

	blk, err := d.Resolver.Super.Device.ReadBlock(uint(abs))
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(blk[offset : offset+EntrySize]), nil
}

// writeEntry writes entry index into raw's data blocks, allocating a data
// block as needed. It does not change raw.RawSize; Insert grows it when
// appending.
func (d *Dir) writeEntry(raw *inode.Raw, index uint32, e Entry) error {
	perBlock := d.entriesPerBlock()
	logical := index / perBlock
	offset := int(index%perBlock) * EntrySize

	abs, err := d.Resolver.Resolve(raw, logical, true)
	if err != nil {
		return err
	}

	return d.Resolver.Super.Device.WriteAt(uint(abs), offset, encodeEntry(e))
}

// Lookup scans raw's entries for the first non-tombstone match of name,
// returning its inode index. Fails imagefs.ErrNotFound otherwise.
func (d *Dir) Lookup(raw *inode.Raw, name string) (uint32, error) {
	n := d.numEntries(raw)
	for i := uint32(0); i < n; i++ {
		e, err := d.readEntry(raw, i)
		if err != nil {
			return 0, err
		}
		if !e.isTombstone() && e.Name == name {
			return e.Inode, nil
		}
	}
	return 0, imagefs.ErrNotFound
}

// Insert adds a (name, childInode) entry to raw: into the first tombstone
// slot if one exists, otherwise appended at the current end, growing
// raw.RawSize. Fails imagefs.ErrExists if name is already present among
// non-tombstone entries.
func (d *Dir) Insert(raw *inode.Raw, name string, childInode uint32) error {
	if err := validateName(name); err != nil {
		return err
	}

	n := d.numEntries(raw)
	firstTombstone := int64(-1)
	for i := uint32(0); i < n; i++ {
		e, err := d.readEntry(raw, i)
		if err != nil {
			return err
		}
		if e.isTombstone() {
			if firstTombstone < 0 {
				firstTombstone = int64(i)
			}
			continue
		}
		if e.Name == name {
			return imagefs.ErrExists.WithMessage(name)
		}
	}

	entry := Entry{Inode: childInode, Name: name}
	if firstTombstone >= 0 {
		return d.writeEntry(raw, uint32(firstTombstone), entry)
	}

	if err := d.writeEntry(raw, n, entry); err != nil {
		return err
	}
	raw.RawSize = (n + 1) * EntrySize
	return nil
}

// Remove marks the entry matching name as a tombstone (inode index 0),
// without shrinking the directory, and returns the inode it pointed to.
// Fails imagefs.ErrNotFound if name is not present.
func (d *Dir) Remove(raw *inode.Raw, name string) (uint32, error) {
	n := d.numEntries(raw)
	for i := uint32(0); i < n; i++ {
		e, err := d.readEntry(raw, i)
		if err != nil {
			return 0, err
		}
		if !e.isTombstone() && e.Name == name {
			if err := d.writeEntry(raw, i, Entry{}); err != nil {
				return 0, err
			}
			return e.Inode, nil
		}
	}
	return 0, imagefs.ErrNotFound
}

// Enumerate returns every non-tombstone entry of raw in on-disk order.
// Since "." and ".." are always written first and never removed, they
// always appear first in the result.
func (d *Dir) Enumerate(raw *inode.Raw) ([]Entry, error) {
	n := d.numEntries(raw)
	out := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := d.readEntry(raw, i)
		if err != nil {
			return nil, err
		}
		if !e.isTombstone() {
			out = append(out, e)
		}
	}
	return out, nil
}

// InitEmpty links a freshly allocated directory's "." and ".." entries;
// every directory must contain them as its first two entries. Used by
// mkdir and the formatter's root directory.
func (d *Dir) InitEmpty(raw *inode.Raw, selfInode, parentInode uint32) error {
	if err := d.Insert(raw, ".", selfInode); err != nil {
		return err
	}
	return d.Insert(raw, "..", parentInode)
}

// IsEmpty reports whether raw's directory contains only "." and "..".
func (d *Dir) IsEmpty(raw *inode.Raw) (bool, error) {
	entries, err := d.Enumerate(raw)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}
