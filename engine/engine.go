// Package engine implements the public filesystem operations:
// getattr, open, read, write, create, mkdir, unlink, rmdir, rename,
// truncate, chmod and readdir, orchestrating super, inode, addr, dirent and
// respath. This is the surface a host-protocol shim sits on top of.
package engine

import (
	"errors"
	"time"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/addr"
	"github.com/blockimage/imagefs/block"
	"github.com/blockimage/imagefs/dirent"
	"github.com/blockimage/imagefs/inode"
	"github.com/blockimage/imagefs/respath"
	"github.com/blockimage/imagefs/super"
)

// RootInode is the inode index of the root directory by convention
//. Format always allocates it first, so it lands at index 1;
// inode index 0 is reserved and never used.
const RootInode = 1

// FS is one mounted image, holding the backing device, the
// superblock/bitmaps and every collaborator operations are expressed
// against. Dispatch is expected to be serial; it is not safe for
// concurrent use without external serialization.
type FS struct {
	Super  *super.Super
	Inodes *inode.Table
	Addr   *addr.Resolver
	Dirs   *dirent.Dir
	Paths  *respath.Resolver
	Flags  imagefs.MountFlags
}

// Mount opens an already-formatted image on dev read-write and loads its
// superblock and bitmaps.
func Mount(dev *block.Device) (*FS, error) {
	return MountWithFlags(dev, imagefs.MountFlagsAllowReadWrite)
}

// MountWithFlags mounts dev with an explicit permission mask. A mount
// without MountFlagsAllowWrite rejects every mutating operation with
// imagefs.ErrPermissionDenied and also suppresses access-time write-back
// on reads, so the image bytes never change under it.
func MountWithFlags(dev *block.Device, flags imagefs.MountFlags) (*FS, error) {
	s, err := super.Mount(dev)
	if err != nil {
		return nil, err
	}
	fs := newFS(s)
	fs.Flags = flags
	return fs, nil
}

func newFS(s *super.Super) *FS {
	tbl := inode.New(s)
	a := addr.New(s)
	d := dirent.New(a)
	p := respath.New(tbl, d, RootInode)
	return &FS{Super: s, Inodes: tbl, Addr: a, Dirs: d, Paths: p}
}

func (fs *FS) writable() error {
	if !fs.Flags.CanWrite() {
		return imagefs.ErrPermissionDenied.WithMessage("filesystem is mounted read-only")
	}
	return nil
}

func (fs *FS) readable() error {
	if !fs.Flags.CanRead() {
		return imagefs.ErrPermissionDenied.WithMessage("mount does not permit reads")
	}
	return nil
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

func (fs *FS) getDir(idx uint32) (inode.Raw, error) {
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return inode.Raw{}, err
	}
	if raw.Kind() != imagefs.KindDir {
		return inode.Raw{}, imagefs.ErrNotADirectory
	}
	return raw, nil
}

// GetAttr resolves path and returns its inode's attributes.
func (fs *FS) GetAttr(path string) (imagefs.Attr, error) {
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return imagefs.Attr{}, err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return imagefs.Attr{}, err
	}
	return inode.ToAttr(idx, raw), nil
}

// Open resolves path and verifies it names a regular file. No state is
// kept between Open and any later Read/Write/close call: every I/O
// operation at this layer is stateless.
func (fs *FS) Open(path string) error {
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return err
	}
	if raw.Kind() != imagefs.KindFile {
		return imagefs.ErrIsDirectory
	}
	return nil
}

// Read fills buf with bytes from path starting at offset, clipped at the
// file's size; logical blocks never written (holes) read as zero.
// Returns the number of bytes actually read and updates access_time.
func (fs *FS) Read(path string, buf []byte, offset uint32) (int, error) {
	if err := fs.readable(); err != nil {
		return 0, err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return 0, err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return 0, err
	}
	if raw.Kind() != imagefs.KindFile {
		return 0, imagefs.ErrIsDirectory
	}

	if offset >= raw.RawSize {
		return 0, nil
	}
	toRead := raw.RawSize - offset
	if uint32(len(buf)) < toRead {
		toRead = uint32(len(buf))
	}

	blockSize := fs.Super.Layout.BlockSize
	read := uint32(0)
	for read < toRead {
		logicalOffset := offset + read
		logicalBlock := logicalOffset / blockSize
		offsetInBlock := logicalOffset % blockSize

		abs, err := fs.Addr.Resolve(&raw, logicalBlock, false)
		if err != nil {
			return int(read), err
		}

		chunk := blockSize - offsetInBlock
		if remaining := toRead - read; chunk > remaining {
			chunk = remaining
		}

		if abs == 0 {
			for i := uint32(0); i < chunk; i++ {
				buf[read+i] = 0
			}
		} else {
			blk, err := fs.Super.Device.ReadBlock(uint(abs))
			if err != nil {
				return int(read), err
			}
			copy(buf[read:read+chunk], blk[offsetInBlock:offsetInBlock+chunk])
		}
		read += chunk
	}

	if fs.Flags.CanWrite() {
		raw.AccessTime = now()
		if err := fs.Inodes.Put(idx, raw); err != nil {
			return int(read), err
		}
	}
	return int(read), nil
}

// Write stores data into path at offset, allocating blocks (including
// indirect blocks) as needed, and extends the file's size if the write
// runs past the current end. Updates mod_time.
func (fs *FS) Write(path string, data []byte, offset uint32) (int, error) {
	if err := fs.writable(); err != nil {
		return 0, err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return 0, err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return 0, err
	}
	if raw.Kind() != imagefs.KindFile {
		return 0, imagefs.ErrIsDirectory
	}

	blockSize := fs.Super.Layout.BlockSize
	written := uint32(0)
	total := uint32(len(data))
	for written < total {
		logicalOffset := offset + written
		logicalBlock := logicalOffset / blockSize
		offsetInBlock := logicalOffset % blockSize

		abs, err := fs.Addr.Resolve(&raw, logicalBlock, true)
		if err != nil {
			return int(written), err
		}

		chunk := blockSize - offsetInBlock
		if remaining := total - written; chunk > remaining {
			chunk = remaining
		}

		if err := fs.Super.Device.WriteAt(uint(abs), int(offsetInBlock), data[written:written+chunk]); err != nil {
			return int(written), err
		}
		written += chunk
	}

	if newEnd := offset + written; newEnd > raw.RawSize {
		raw.RawSize = newEnd
	}
	raw.ModTime = now()
	if err := fs.Inodes.Put(idx, raw); err != nil {
		return int(written), err
	}
	return int(written), nil
}

// Create allocates a new regular-file inode and links it into path's
// parent directory. Fails imagefs.ErrExists if the name is
// already present, imagefs.ErrNotFound if the parent does not exist.
func (fs *FS) Create(path string, mode uint16) error {
	if err := fs.writable(); err != nil {
		return err
	}
	parentIdx, name, err := fs.Paths.ResolveParent(path)
	if err != nil {
		return err
	}
	parentRaw, err := fs.getDir(parentIdx)
	if err != nil {
		return err
	}

	idx, err := fs.Inodes.Allocate()
	if err != nil {
		return err
	}

	t := now()
	raw := inode.Raw{
		TypePerm:   imagefs.PackTypePerm(imagefs.KindFile, mode),
		HardLinks:  1,
		AccessTime: t,
		ModTime:    t,
		CreatTime:  t,
	}
	if err := fs.Inodes.Put(idx, raw); err != nil {
		fs.Inodes.Free(idx)
		return err
	}

	if err := fs.Dirs.Insert(&parentRaw, name, idx); err != nil {
		fs.Inodes.Free(idx)
		return err
	}
	return fs.Inodes.Put(parentIdx, parentRaw)
}

// Mkdir allocates a new directory inode, writes its "." and ".." entries,
// links it into path's parent, and increments the parent's link count
//.
func (fs *FS) Mkdir(path string, mode uint16) error {
	if err := fs.writable(); err != nil {
		return err
	}
	parentIdx, name, err := fs.Paths.ResolveParent(path)
	if err != nil {
		return err
	}
	parentRaw, err := fs.getDir(parentIdx)
	if err != nil {
		return err
	}

	idx, err := fs.Inodes.Allocate()
	if err != nil {
		return err
	}

	t := now()
	raw := inode.Raw{
		TypePerm:   imagefs.PackTypePerm(imagefs.KindDir, mode),
		HardLinks:  2,
		AccessTime: t,
		ModTime:    t,
		CreatTime:  t,
	}
	if err := fs.Dirs.InitEmpty(&raw, idx, parentIdx); err != nil {
		fs.Inodes.Free(idx)
		return err
	}
	if err := fs.Inodes.Put(idx, raw); err != nil {
		fs.Inodes.Free(idx)
		return err
	}

	if err := fs.Dirs.Insert(&parentRaw, name, idx); err != nil {
		fs.Inodes.Free(idx)
		return err
	}
	parentRaw.HardLinks++
	return fs.Inodes.Put(parentIdx, parentRaw)
}

// freeInode releases every block an inode owns and clears its bitmap bit.
func (fs *FS) freeInode(idx uint32, raw *inode.Raw) error {
	if err := fs.Addr.ReleaseAll(raw); err != nil {
		return err
	}
	if err := fs.Inodes.Put(idx, inode.Raw{}); err != nil {
		return err
	}
	return fs.Inodes.Free(idx)
}

// Unlink removes a regular file's directory entry and frees its inode once
// its link count drops to zero. Fails imagefs.ErrIsDirectory
// if path names a directory.
func (fs *FS) Unlink(path string) error {
	if err := fs.writable(); err != nil {
		return err
	}
	parentIdx, name, err := fs.Paths.ResolveParent(path)
	if err != nil {
		return err
	}
	parentRaw, err := fs.getDir(parentIdx)
	if err != nil {
		return err
	}

	childIdx, err := fs.Dirs.Lookup(&parentRaw, name)
	if err != nil {
		return err
	}
	childRaw, err := fs.Inodes.Get(childIdx)
	if err != nil {
		return err
	}
	if childRaw.Kind() != imagefs.KindFile {
		return imagefs.ErrIsDirectory
	}

	if _, err := fs.Dirs.Remove(&parentRaw, name); err != nil {
		return err
	}
	if err := fs.Inodes.Put(parentIdx, parentRaw); err != nil {
		return err
	}

	childRaw.HardLinks--
	if childRaw.HardLinks == 0 {
		return fs.freeInode(childIdx, &childRaw)
	}
	return fs.Inodes.Put(childIdx, childRaw)
}

// Rmdir removes an empty directory (only "." and ".." present), decrements
// the parent's link count, and frees the directory's inode and blocks
//. Fails imagefs.ErrNotEmpty if it holds other entries.
func (fs *FS) Rmdir(path string) error {
	if err := fs.writable(); err != nil {
		return err
	}
	parentIdx, name, err := fs.Paths.ResolveParent(path)
	if err != nil {
		return err
	}
	parentRaw, err := fs.getDir(parentIdx)
	if err != nil {
		return err
	}

	childIdx, err := fs.Dirs.Lookup(&parentRaw, name)
	if err != nil {
		return err
	}
	childRaw, err := fs.getDir(childIdx)
	if err != nil {
		return err
	}

	empty, err := fs.Dirs.IsEmpty(&childRaw)
	if err != nil {
		return err
	}
	if !empty {
		return imagefs.ErrNotEmpty
	}

	if _, err := fs.Dirs.Remove(&parentRaw, name); err != nil {
		return err
	}
	parentRaw.HardLinks--
	if err := fs.Inodes.Put(parentIdx, parentRaw); err != nil {
		return err
	}

	return fs.freeInode(childIdx, &childRaw)
}

// Truncate sets path's size to newSize. Shrinking frees every
// data block (and any indirect block left empty) whose first byte lands at
// or beyond newSize, and zeroes the bytes past newSize in the last kept
// block; growing is lazy, no block is pre-allocated, and reads
// over the new tail return zero until a write actually lands there.
func (fs *FS) Truncate(path string, newSize uint32) error {
	if err := fs.writable(); err != nil {
		return err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return err
	}
	if raw.Kind() != imagefs.KindFile {
		return imagefs.ErrIsDirectory
	}

	if newSize < raw.RawSize {
		blockSize := fs.Super.Layout.BlockSize
		fromBlock := (newSize + blockSize - 1) / blockSize
		if err := fs.Addr.FreeFrom(&raw, fromBlock); err != nil {
			return err
		}

		// The last kept block may hold bytes past newSize; zero them so a
		// later grow reads zeros there rather than the old contents.
		if rem := newSize % blockSize; rem != 0 {
			abs, err := fs.Addr.Resolve(&raw, newSize/blockSize, false)
			if err != nil {
				return err
			}
			if abs != 0 {
				if err := fs.Super.Device.WriteAt(uint(abs), int(rem), make([]byte, blockSize-rem)); err != nil {
					return err
				}
			}
		}
	}

	raw.RawSize = newSize
	raw.ModTime = now()
	return fs.Inodes.Put(idx, raw)
}

// Chmod updates the low (permission) bits of path's type_perm, preserving
// the kind bits.
func (fs *FS) Chmod(path string, mode uint16) error {
	if err := fs.writable(); err != nil {
		return err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return err
	}
	raw.TypePerm = imagefs.PackTypePerm(raw.Kind(), mode)
	return fs.Inodes.Put(idx, raw)
}

// Chown updates path's owner ids. Fails imagefs.ErrNotFound.
func (fs *FS) Chown(path string, uid, gid uint16) error {
	if err := fs.writable(); err != nil {
		return err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return err
	}
	raw.Uid = uid
	raw.Gid = gid
	return fs.Inodes.Put(idx, raw)
}

// Utimens sets path's access and modification times directly, for hosts
// that support explicit timestamp assignment. Fails imagefs.ErrNotFound.
func (fs *FS) Utimens(path string, atime, mtime time.Time) error {
	if err := fs.writable(); err != nil {
		return err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return err
	}
	raw, err := fs.Inodes.Get(idx)
	if err != nil {
		return err
	}
	raw.AccessTime = uint64(atime.Unix())
	raw.ModTime = uint64(mtime.Unix())
	return fs.Inodes.Put(idx, raw)
}

// Readdir resolves path, enumerates its entries in on-disk order, and
// delivers each (name, attr) pair to sink. Stops and returns
// early if sink returns an error.
func (fs *FS) Readdir(path string, sink func(name string, attr imagefs.Attr) error) error {
	if err := fs.readable(); err != nil {
		return err
	}
	idx, err := fs.Paths.Resolve(path)
	if err != nil {
		return err
	}
	raw, err := fs.getDir(idx)
	if err != nil {
		return err
	}

	entries, err := fs.Dirs.Enumerate(&raw)
	if err != nil {
		return err
	}
	for _, e := range entries {
		childRaw, err := fs.Inodes.Get(e.Inode)
		if err != nil {
			return err
		}
		if err := sink(e.Name, inode.ToAttr(e.Inode, childRaw)); err != nil {
			return err
		}
	}

	if !fs.Flags.CanWrite() {
		return nil
	}
	raw.AccessTime = now()
	return fs.Inodes.Put(idx, raw)
}

// Rename moves the entry at from to to. If to already exists,
// it is overwritten and its inode freed per unlink/rmdir rules, unless its
// kind mismatches from's (a file over a directory or vice versa), which
// fails imagefs.ErrIsDirectory. Implemented as a sequence of
// directory-entry mutations; readers never observe an intermediate state
// through the public operations.
func (fs *FS) Rename(from, to string) error {
	if err := fs.writable(); err != nil {
		return err
	}
	fromParentIdx, fromName, err := fs.Paths.ResolveParent(from)
	if err != nil {
		return err
	}
	fromParentRaw, err := fs.getDir(fromParentIdx)
	if err != nil {
		return err
	}
	srcIdx, err := fs.Dirs.Lookup(&fromParentRaw, fromName)
	if err != nil {
		return err
	}
	srcRaw, err := fs.Inodes.Get(srcIdx)
	if err != nil {
		return err
	}

	toParentIdx, toName, err := fs.Paths.ResolveParent(to)
	if err != nil {
		return err
	}
	// When from and to share a parent, every mutation must go through one
	// in-memory copy of that inode, or the second Put would clobber the
	// first (losing an appended entry's size growth).
	toParent := &fromParentRaw
	if toParentIdx != fromParentIdx {
		toParentRaw, err := fs.getDir(toParentIdx)
		if err != nil {
			return err
		}
		toParent = &toParentRaw
	}

	existingIdx, lookupErr := fs.Dirs.Lookup(toParent, toName)
	if lookupErr == nil && existingIdx == srcIdx {
		// Renaming a path onto itself: a no-op, not an overwrite-then-free.
		return nil
	}
	switch {
	case lookupErr == nil:
		existingRaw, err := fs.Inodes.Get(existingIdx)
		if err != nil {
			return err
		}
		if existingRaw.Kind() != srcRaw.Kind() {
			return imagefs.ErrIsDirectory
		}
		if existingRaw.Kind() == imagefs.KindDir {
			empty, err := fs.Dirs.IsEmpty(&existingRaw)
			if err != nil {
				return err
			}
			if !empty {
				return imagefs.ErrNotEmpty
			}
		}
		if _, err := fs.Dirs.Remove(toParent, toName); err != nil {
			return err
		}
		if existingRaw.Kind() == imagefs.KindDir {
			toParent.HardLinks--
			if err := fs.freeInode(existingIdx, &existingRaw); err != nil {
				return err
			}
		} else {
			existingRaw.HardLinks--
			if existingRaw.HardLinks == 0 {
				if err := fs.freeInode(existingIdx, &existingRaw); err != nil {
					return err
				}
			} else if err := fs.Inodes.Put(existingIdx, existingRaw); err != nil {
				return err
			}
		}
	case errors.Is(lookupErr, imagefs.ErrNotFound):
		// destination free, nothing to overwrite.
	default:
		return lookupErr
	}

	if srcRaw.Kind() == imagefs.KindDir && fromParentIdx != toParentIdx {
		if _, err := fs.Dirs.Remove(&srcRaw, ".."); err != nil {
			return err
		}
		if err := fs.Dirs.Insert(&srcRaw, "..", toParentIdx); err != nil {
			return err
		}
		fromParentRaw.HardLinks--
		toParent.HardLinks++
		if err := fs.Inodes.Put(srcIdx, srcRaw); err != nil {
			return err
		}
	}

	if err := fs.Dirs.Insert(toParent, toName, srcIdx); err != nil {
		return err
	}
	if toParentIdx != fromParentIdx {
		if err := fs.Inodes.Put(toParentIdx, *toParent); err != nil {
			return err
		}
	}

	if _, err := fs.Dirs.Remove(&fromParentRaw, fromName); err != nil {
		return err
	}
	return fs.Inodes.Put(fromParentIdx, fromParentRaw)
}

// Stat returns the mount's aggregate filesystem statistics.
func (fs *FS) Stat() imagefs.FSStat {
	return fs.Super.Stat()
}
