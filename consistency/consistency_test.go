package consistency_test

import (
	"bytes"
	"testing"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/consistency"
	"github.com/blockimage/imagefs/engine"
	"github.com/blockimage/imagefs/imgformat"
	"github.com/blockimage/imagefs/imgtest"
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

func TestCheckPassesOnFreshlyFormattedImage(t *testing.T) {
	fs := newFS(t, 512, 64, 16)
	assert.NoError(t, consistency.Check(fs))
}

func TestCheckPassesAfterWritesCreatesAndDeletes(t *testing.T) {
	fs := newFS(t, 512, 256, 32)

	require.NoError(t, fs.Mkdir("/d", imagefs.S_IRWXU))
	require.NoError(t, fs.Create("/d/a", imagefs.S_IRUSR|imagefs.S_IWUSR))
	_, err := fs.Write("/d/a", bytes.Repeat([]byte{'x'}, 5000), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Create("/b", imagefs.S_IRUSR))
	require.NoError(t, fs.Rename("/b", "/d/b"))
	require.NoError(t, fs.Unlink("/d/a"))

	assert.NoError(t, consistency.Check(fs))
}
