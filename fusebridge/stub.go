//go:build !fuse

// Package fusebridge's default build excludes the real FUSE bindings
// (fuse.go, gated behind the "fuse" build tag) so the engine and its
// tests build without a kernel FUSE driver present.
package fusebridge

import (
	"fmt"

	"github.com/blockimage/imagefs/engine"
)

// Mount reports that this build was not compiled with FUSE support.
// Rebuild with `-tags fuse` to get the real kernel-integration shim.
func Mount(mountPoint string, filesystem *engine.FS) error {
	return fmt.Errorf("this build was compiled without FUSE support; rebuild with -tags fuse to mount %q", mountPoint)
}
