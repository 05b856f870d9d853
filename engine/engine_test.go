package engine_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/block"
	"github.com/blockimage/imagefs/consistency"
	"github.com/blockimage/imagefs/engine"
	"github.com/blockimage/imagefs/imgformat"
	"github.com/blockimage/imagefs/imgtest"
	"github.com/blockimage/imagefs/super"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFS(t *testing.T, blockSize, blockCount, inodeCount uint32) *engine.FS {
	t.Helper()
	size := imgformat.TotalImageSize(blockSize, blockCount, inodeCount)
	stream := imgtest.NewBlankImage(1, uint(size))
	fs, err := imgformat.Format(stream, blockSize, blockCount, inodeCount)
	require.NoError(t, err)
	return fs
}

func checkInvariants(t *testing.T, fs *engine.FS) {
	t.Helper()
	require.NoError(t, consistency.Check(fs))
}

func TestCreateWriteReadGetAttr(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/a", imagefs.S_IRUSR|imagefs.S_IWUSR))

	n, err := fs.Write("/a", []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	attr, err := fs.GetAttr("/a")
	require.NoError(t, err)
	assert.EqualValues(t, 5, attr.Size)
	assert.True(t, attr.IsFile())

	buf := make([]byte, 5)
	n, err = fs.Read("/a", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	checkInvariants(t, fs)
}

func TestMkdirCreateReaddirRmdir(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))
	require.NoError(t, fs.Create("/d/f", imagefs.S_IRUSR))

	var names []string
	require.NoError(t, fs.Readdir("/d", func(name string, _ imagefs.Attr) error {
		names = append(names, name)
		return nil
	}))
	assert.Equal(t, []string{".", "..", "f"}, names)

	err := fs.Rmdir("/d")
	assert.ErrorIs(t, err, imagefs.ErrNotEmpty)

	require.NoError(t, fs.Unlink("/d/f"))
	require.NoError(t, fs.Rmdir("/d"))

	_, err = fs.GetAttr("/d")
	assert.ErrorIs(t, err, imagefs.ErrNotFound)

	checkInvariants(t, fs)
}

func TestWriteForcesIndirectAllocationAndTruncateShrinks(t *testing.T) {
	fs := newFS(t, 512, 4096, 16)
	require.NoError(t, fs.Create("/x", imagefs.S_IRUSR|imagefs.S_IWUSR))

	// 16 blocks of 512 bytes, past the 12 direct slots.
	payload := bytes.Repeat([]byte{'A'}, 8192)
	n, err := fs.Write("/x", payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = fs.Read("/x", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	require.NoError(t, fs.Truncate("/x", 100))
	attr, err := fs.GetAttr("/x")
	require.NoError(t, err)
	assert.EqualValues(t, 100, attr.Size)

	// Reading past the new size returns nothing (clipped at size), not the
	// stale bytes that used to be there.
	n, err = fs.Read("/x", buf, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	checkInvariants(t, fs)
}

func TestTruncateGrowLeavesZeros(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/g", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err := fs.Write("/g", []byte("hi"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Truncate("/g", 20))

	buf := make([]byte, 18)
	n, err := fs.Read("/g", buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, make([]byte, 18), buf)
}

func TestSparseReadBeforeAnyWriteIsZero(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/s", imagefs.S_IRUSR|imagefs.S_IWUSR))
	require.NoError(t, fs.Truncate("/s", 50))

	buf := make([]byte, 50)
	n, err := fs.Read("/s", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, make([]byte, 50), buf)
}

func TestRenameMovesFileAndHidesSource(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/a", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err := fs.Write("/a", []byte("111"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Create("/b", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err = fs.Write("/b", []byte("222"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/a", "/b"))

	buf := make([]byte, 3)
	n, err := fs.Read("/b", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "111", string(buf[:n]))

	_, err = fs.GetAttr("/a")
	assert.ErrorIs(t, err, imagefs.ErrNotFound)

	checkInvariants(t, fs)
}

func TestRenameToNewNameInSameDirectory(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/old", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err := fs.Write("/old", []byte("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/old", "/new"))

	buf := make([]byte, 3)
	n, err := fs.Read("/new", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf[:n]))

	_, err = fs.GetAttr("/old")
	assert.ErrorIs(t, err, imagefs.ErrNotFound)

	checkInvariants(t, fs)
}

func TestRenameDirectoryAcrossParentsUpdatesDotDot(t *testing.T) {
	fs := newFS(t, 512, 128, 16)
	require.NoError(t, fs.Mkdir("/a", imagefs.S_IRWXU))
	require.NoError(t, fs.Mkdir("/b", imagefs.S_IRWXU))
	require.NoError(t, fs.Mkdir("/a/d", imagefs.S_IRWXU))
	require.NoError(t, fs.Create("/a/d/f", imagefs.S_IRUSR))

	require.NoError(t, fs.Rename("/a/d", "/b/d"))

	parentIdx, err := fs.Paths.Resolve("/b/d/..")
	require.NoError(t, err)
	bIdx, err := fs.Paths.Resolve("/b")
	require.NoError(t, err)
	assert.Equal(t, bIdx, parentIdx)

	_, err = fs.GetAttr("/a/d")
	assert.ErrorIs(t, err, imagefs.ErrNotFound)
	_, err = fs.GetAttr("/b/d/f")
	require.NoError(t, err)

	checkInvariants(t, fs)
}

func TestRenameKindMismatchFails(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/f", imagefs.S_IRUSR))
	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))

	assert.ErrorIs(t, fs.Rename("/f", "/d"), imagefs.ErrIsDirectory)
	assert.ErrorIs(t, fs.Rename("/d", "/f"), imagefs.ErrIsDirectory)
}

func TestStateSurvivesRemount(t *testing.T) {
	blockSize, blockCount, inodeCount := uint32(512), uint32(64), uint32(16)
	size := imgformat.TotalImageSize(blockSize, blockCount, inodeCount)
	stream := imgtest.NewBlankImage(1, uint(size))
	fs, err := imgformat.Format(stream, blockSize, blockCount, inodeCount)
	require.NoError(t, err)

	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))
	require.NoError(t, fs.Create("/d/f", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err = fs.Write("/d/f", []byte("persisted"), 0)
	require.NoError(t, err)

	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	dev := block.New(stream, uint(blockSize), uint(layout.TotalImageBlocks()))
	fs2, err := engine.Mount(dev)
	require.NoError(t, err)

	buf := make([]byte, 9)
	n, err := fs2.Read("/d/f", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf[:n]))
	assert.Equal(t, fs.Stat().FreeBlocks, fs2.Stat().FreeBlocks)
	assert.Equal(t, fs.Stat().FreeInodes, fs2.Stat().FreeInodes)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	blockSize, blockCount, inodeCount := uint32(512), uint32(64), uint32(16)
	size := imgformat.TotalImageSize(blockSize, blockCount, inodeCount)
	stream := imgtest.NewBlankImage(1, uint(size))
	fs, err := imgformat.Format(stream, blockSize, blockCount, inodeCount)
	require.NoError(t, err)

	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))
	require.NoError(t, fs.Create("/d/f", imagefs.S_IRUSR|imagefs.S_IWUSR))
	payload := []byte("snapshot me")
	_, err = fs.Write("/d/f", payload, 0)
	require.NoError(t, err)

	snap, err := imgtest.SnapshotImage(stream)
	require.NoError(t, err)
	assert.Less(t, len(snap), int(size), "a mostly-empty image should compress")

	restored, err := imgtest.RestoreImage(snap)
	require.NoError(t, err)

	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	dev := block.New(restored, uint(blockSize), uint(layout.TotalImageBlocks()))
	fs2, err := engine.Mount(dev)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	n, err := fs2.Read("/d/f", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(buf[:n]))

	// The restored copy is fully independent of the original.
	require.NoError(t, fs2.Unlink("/d/f"))
	_, err = fs.GetAttr("/d/f")
	require.NoError(t, err)

	checkInvariants(t, fs2)
}

func TestReadOnlyMountRejectsMutations(t *testing.T) {
	blockSize, blockCount, inodeCount := uint32(512), uint32(64), uint32(16)
	size := imgformat.TotalImageSize(blockSize, blockCount, inodeCount)
	stream := imgtest.NewBlankImage(1, uint(size))
	fs, err := imgformat.Format(stream, blockSize, blockCount, inodeCount)
	require.NoError(t, err)
	require.NoError(t, fs.Create("/f", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err = fs.Write("/f", []byte("data"), 0)
	require.NoError(t, err)

	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	dev := block.New(stream, uint(blockSize), uint(layout.TotalImageBlocks()))
	ro, err := engine.MountWithFlags(dev, imagefs.MountFlagsAllowRead)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := ro.Read("/f", buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))

	_, err = ro.Write("/f", []byte("x"), 0)
	assert.ErrorIs(t, err, imagefs.ErrPermissionDenied)
	assert.ErrorIs(t, ro.Create("/g", imagefs.S_IRUSR), imagefs.ErrPermissionDenied)
	assert.ErrorIs(t, ro.Unlink("/f"), imagefs.ErrPermissionDenied)
	assert.ErrorIs(t, ro.Truncate("/f", 0), imagefs.ErrPermissionDenied)
}

func TestUnlinkFreesBlocksAndInode(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/u", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err := fs.Write("/u", bytes.Repeat([]byte{'z'}, 1000), 0)
	require.NoError(t, err)

	statBefore := fs.Stat()
	require.NoError(t, fs.Unlink("/u"))
	statAfter := fs.Stat()

	assert.Greater(t, statAfter.FreeBlocks, statBefore.FreeBlocks)
	assert.Greater(t, statAfter.FreeInodes, statBefore.FreeInodes)

	_, err = fs.GetAttr("/u")
	assert.ErrorIs(t, err, imagefs.ErrNotFound)

	checkInvariants(t, fs)
}

func TestNoSpaceThenFreeSpaceRecovers(t *testing.T) {
	fs := newFS(t, 256, 8, 32)

	var names []string
	var lastErr error
	for i := 0; i < 32; i++ {
		name := "/f" + string(rune('a'+i))
		if err := fs.Create(name, imagefs.S_IRUSR); err != nil {
			lastErr = err
			break
		}
		if _, err := fs.Write(name, bytes.Repeat([]byte{'x'}, 64), 0); err != nil {
			lastErr = err
			break
		}
		names = append(names, name)
	}
	require.Error(t, lastErr)
	assert.ErrorIs(t, lastErr, imagefs.ErrNoSpace)
	require.NotEmpty(t, names)

	require.NoError(t, fs.Unlink(names[0]))
	require.NoError(t, fs.Create("/recovered", imagefs.S_IRUSR))
	_, err := fs.Write("/recovered", bytes.Repeat([]byte{'y'}, 64), 0)
	assert.NoError(t, err)

	checkInvariants(t, fs)
}

func TestChmodPreservesKind(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))

	require.NoError(t, fs.Chmod("/d", imagefs.S_IROTH))
	attr, err := fs.GetAttr("/d")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())
	assert.EqualValues(t, imagefs.S_IROTH, attr.Mode)
}

func TestCreateDuplicateNameFails(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/dup", imagefs.S_IRUSR))
	err := fs.Create("/dup", imagefs.S_IRUSR)
	assert.ErrorIs(t, err, imagefs.ErrExists)
}

func TestUnlinkDirectoryFails(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))
	err := fs.Unlink("/d")
	assert.ErrorIs(t, err, imagefs.ErrIsDirectory)
}

func TestRmdirNonDirectoryFails(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/f", imagefs.S_IRUSR))
	err := fs.Rmdir("/f")
	assert.ErrorIs(t, err, imagefs.ErrNotADirectory)
}

func TestChownAndUtimens(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	require.NoError(t, fs.Create("/o", imagefs.S_IRUSR))
	require.NoError(t, fs.Chown("/o", 42, 7))

	attr, err := fs.GetAttr("/o")
	require.NoError(t, err)
	assert.EqualValues(t, 42, attr.Uid)
	assert.EqualValues(t, 7, attr.Gid)

	require.NoError(t, fs.Utimens("/o", time.Unix(1000, 0), time.Unix(2000, 0)))
	attr, err = fs.GetAttr("/o")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, attr.AccessedAt.Unix())
	assert.EqualValues(t, 2000, attr.ModifiedAt.Unix())
}
