//go:build fuse

// Package fusebridge is the thin host-integration shim: it adapts each
// engine.FS operation to the kernel-userspace filesystem protocol via
// github.com/hanwen/go-fuse/v2. Unlike the storage engine this package
// wraps, it carries no invariants of its own. It is gated behind the
// "fuse" build tag so the engine and its tests build without a kernel
// FUSE driver present.
package fusebridge

import (
	"context"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/engine"
)

// Root is a FUSE node. Every node of one mount shares a single mutex, and
// every operation takes it for its one engine.FS call: the engine expects
// serial dispatch, so one exclusive lock at this boundary is all the
// locking the mount needs.
type Root struct {
	fs.Inode
	FS   *engine.FS
	mu   *sync.Mutex
	Path string
}

var _ fs.NodeLookuper = (*Root)(nil)
var _ fs.NodeGetattrer = (*Root)(nil)
var _ fs.NodeReaddirer = (*Root)(nil)
var _ fs.NodeCreater = (*Root)(nil)
var _ fs.NodeMkdirer = (*Root)(nil)
var _ fs.NodeUnlinker = (*Root)(nil)
var _ fs.NodeRmdirer = (*Root)(nil)
var _ fs.NodeRenamer = (*Root)(nil)
var _ fs.NodeOpener = (*Root)(nil)
var _ fs.NodeReader = (*Root)(nil)
var _ fs.NodeWriter = (*Root)(nil)
var _ fs.NodeSetattrer = (*Root)(nil)

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *imagefs.Error
	if fe, ok := err.(*imagefs.Error); ok {
		e = fe
	} else {
		return syscall.EIO
	}
	return e.Errno
}

func (r *Root) child(name string) *Root {
	return &Root{FS: r.FS, mu: r.mu, Path: childPath(r.Path, name)}
}

func attrToFuse(a imagefs.Attr, out *fuse.Attr) {
	out.Ino = uint64(a.InodeNumber)
	out.Size = uint64(a.Size)
	out.Mode = uint32(a.Mode)
	if a.IsDir() {
		out.Mode |= syscall.S_IFDIR
	} else {
		out.Mode |= syscall.S_IFREG
	}
	out.Nlink = a.Nlinks
	out.Uid = uint32(a.Uid)
	out.Gid = uint32(a.Gid)
	out.Atime = uint64(a.AccessedAt.Unix())
	out.Mtime = uint64(a.ModifiedAt.Unix())
	out.Ctime = uint64(a.CreatedAt.Unix())
}

func (r *Root) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	child := r.child(name)
	attr, err := r.FS.GetAttr(child.Path)
	if err != nil {
		return nil, errnoOf(err)
	}
	attrToFuse(attr, &out.Attr)
	return r.NewInode(ctx, child, fs.StableAttr{Ino: uint64(attr.InodeNumber)}), 0
}

func (r *Root) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	attr, err := r.FS.GetAttr(r.Path)
	if err != nil {
		return errnoOf(err)
	}
	attrToFuse(attr, &out.Attr)
	return 0
}

func (r *Root) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []fuse.DirEntry
	err := r.FS.Readdir(r.Path, func(name string, attr imagefs.Attr) error {
		mode := uint32(syscall.S_IFREG)
		if attr.IsDir() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Ino: uint64(attr.InodeNumber), Mode: mode})
		return nil
	})
	if err != nil {
		return nil, errnoOf(err)
	}
	return fs.NewListDirStream(entries), 0
}

func (r *Root) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	child := r.child(name)
	if err := r.FS.Create(child.Path, uint16(mode)&imagefs.ModeMask); err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	attr, err := r.FS.GetAttr(child.Path)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	attrToFuse(attr, &out.Attr)
	return r.NewInode(ctx, child, fs.StableAttr{Ino: uint64(attr.InodeNumber)}), nil, 0, 0
}

func (r *Root) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	child := r.child(name)
	if err := r.FS.Mkdir(child.Path, uint16(mode)&imagefs.ModeMask); err != nil {
		return nil, errnoOf(err)
	}
	attr, err := r.FS.GetAttr(child.Path)
	if err != nil {
		return nil, errnoOf(err)
	}
	attrToFuse(attr, &out.Attr)
	return r.NewInode(ctx, child, fs.StableAttr{Ino: uint64(attr.InodeNumber)}), 0
}

func (r *Root) Unlink(ctx context.Context, name string) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errnoOf(r.FS.Unlink(childPath(r.Path, name)))
}

func (r *Root) Rmdir(ctx context.Context, name string) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errnoOf(r.FS.Rmdir(childPath(r.Path, name)))
}

func (r *Root) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	destParent, ok := newParent.(*Root)
	if !ok {
		return syscall.EINVAL
	}
	return errnoOf(r.FS.Rename(childPath(r.Path, name), childPath(destParent.Path, newName)))
}

func (r *Root) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return nil, 0, errnoOf(r.FS.Open(r.Path))
}

func (r *Root) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.FS.Read(r.Path, dest, uint32(off))
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (r *Root) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.FS.Write(r.Path, data, uint32(off))
	if err != nil {
		return uint32(n), errnoOf(err)
	}
	return uint32(n), 0
}

func (r *Root) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size, ok := in.GetSize(); ok {
		if err := r.FS.Truncate(r.Path, uint32(size)); err != nil {
			return errnoOf(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := r.FS.Chmod(r.Path, uint16(mode)&imagefs.ModeMask); err != nil {
			return errnoOf(err)
		}
	}
	uid, uidOK := in.GetUID()
	gid, gidOK := in.GetGID()
	if uidOK || gidOK {
		attr, err := r.FS.GetAttr(r.Path)
		if err != nil {
			return errnoOf(err)
		}
		newUID, newGID := attr.Uid, attr.Gid
		if uidOK {
			newUID = uint16(uid)
		}
		if gidOK {
			newGID = uint16(gid)
		}
		if err := r.FS.Chown(r.Path, newUID, newGID); err != nil {
			return errnoOf(err)
		}
	}

	attr, err := r.FS.GetAttr(r.Path)
	if err != nil {
		return errnoOf(err)
	}
	attrToFuse(attr, &out.Attr)
	return 0
}

// Mount starts serving fs at mountPoint, blocking until unmounted.
func Mount(mountPoint string, filesystem *engine.FS) error {
	root := &Root{FS: filesystem, mu: new(sync.Mutex), Path: "/"}
	server, err := fs.Mount(mountPoint, root, &fs.Options{})
	if err != nil {
		return err
	}
	server.Wait()
	return nil
}
