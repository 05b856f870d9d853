// Package imagefs implements a userspace inode filesystem persisted inside a
// single host file: a superblock, bitmap-backed inode and block allocators,
// indexed block addressing, a directory layer, a path resolver, and the set
// of filesystem operations that tie them together. See sub-packages block,
// alloc, super, inode, addr, dirent, respath and engine.
package imagefs

import "time"

// Attr is the platform-independent view of an on-disk inode,
// analogous to syscall.Stat_t.
type Attr struct {
	InodeNumber uint32
	Kind        Kind
	Mode        uint16 // permission bits only, kind bits stripped
	Uid         uint16
	Gid         uint16
	Size        uint32
	Nlinks      uint32

	AccessedAt time.Time
	ModifiedAt time.Time
	CreatedAt  time.Time
}

func (a *Attr) IsDir() bool  { return a.Kind == KindDir }
func (a *Attr) IsFile() bool { return a.Kind == KindFile }

// FSStat is the platform-independent view of the superblock,
// analogous to syscall.Statfs_t.
type FSStat struct {
	BlockSize    uint32
	TotalBlocks  uint32
	FreeBlocks   uint32
	TotalInodes  uint32
	FreeInodes   uint32
}
