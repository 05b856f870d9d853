// Package respath implements the path resolver: walking an
// absolute path through directory inodes down to a target inode.
package respath

import (
	"strings"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/dirent"
	"github.com/blockimage/imagefs/inode"
)

// Resolver walks paths against a mounted inode table and directory layer,
// starting from a fixed root inode (conventionally index 1).
type Resolver struct {
	Inodes *inode.Table
	Dirs   *dirent.Dir
	Root   uint32
}

func New(inodes *inode.Table, dirs *dirent.Dir, root uint32) *Resolver {
	return &Resolver{Inodes: inodes, Dirs: dirs, Root: root}
}

// splitComponents splits an absolute path on '/', dropping empty components
// produced by "//" or a trailing slash.
func splitComponents(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, imagefs.ErrInvalidArgument.WithMessage("path must be absolute: " + path)
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// Resolve walks path from the root and returns the target inode index.
// Fails imagefs.ErrNotFound if any component is missing, or
// imagefs.ErrNotADirectory if a non-directory is encountered mid-path.
func (r *Resolver) Resolve(path string) (uint32, error) {
	comps, err := splitComponents(path)
	if err != nil {
		return 0, err
	}
	return r.resolveComponents(comps)
}

func (r *Resolver) resolveComponents(comps []string) (uint32, error) {
	cur := r.Root
	for i, c := range comps {
		raw, err := r.Inodes.Get(cur)
		if err != nil {
			return 0, err
		}
		if raw.Kind() != imagefs.KindDir {
			return 0, imagefs.ErrNotADirectory.WithMessage(strings.Join(comps[:i], "/"))
		}

		switch c {
		case ".":
			continue
		case "..":
			parent, err := r.Dirs.Lookup(&raw, "..")
			if err != nil {
				return 0, err
			}
			cur = parent
		default:
			child, err := r.Dirs.Lookup(&raw, c)
			if err != nil {
				return 0, err
			}
			cur = child
		}
	}
	return cur, nil
}

// ResolveParent resolves every component but the last, returning the
// parent directory's inode index and the unresolved final path component.
// Required by create/mkdir/unlink/rmdir/rename.
func (r *Resolver) ResolveParent(path string) (uint32, string, error) {
	comps, err := splitComponents(path)
	if err != nil {
		return 0, "", err
	}
	if len(comps) == 0 {
		return 0, "", imagefs.ErrInvalidArgument.WithMessage("root has no parent")
	}

	parentIdx, err := r.resolveComponents(comps[:len(comps)-1])
	if err != nil {
		return 0, "", err
	}
	return parentIdx, comps[len(comps)-1], nil
}
