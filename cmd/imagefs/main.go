// Command imagefs formats, mounts, and checks single-file inode
// filesystem images. It is a thin wrapper over the imgformat,
// fusebridge, consistency, and presets packages: one urfave/cli/v2 App
// with one Action dispatching on the verb, rather than one Command per
// verb, since every verb takes the image path as its first argument
// rather than as a flag.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/blockimage/imagefs"
	"github.com/blockimage/imagefs/block"
	"github.com/blockimage/imagefs/consistency"
	"github.com/blockimage/imagefs/engine"
	"github.com/blockimage/imagefs/fusebridge"
	"github.com/blockimage/imagefs/imgformat"
	"github.com/blockimage/imagefs/presets"
	"github.com/blockimage/imagefs/super"
)

func main() {
	app := &cli.App{
		Name:      "imagefs",
		Usage:     "Format, mount, and check single-file inode filesystem images",
		Version:   "0.1.0",
		ArgsUsage: "<image> format <block_size> <block_count> <inode_count>\n   imagefs <image> format -preset <name>\n   imagefs <image> mount [-readonly] <mountpoint>\n   imagefs <image> fsck",
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func run(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) < 2 {
		return cli.Exit("usage: imagefs <image> <format|mount|fsck> [args...]", 1)
	}

	imagePath, verb, rest := args[0], args[1], args[2:]
	switch verb {
	case "format":
		return runFormat(imagePath, rest)
	case "mount":
		return runMount(imagePath, rest)
	case "fsck":
		return runFsck(imagePath)
	default:
		return cli.Exit(fmt.Sprintf("unknown subcommand %q (want format, mount, or fsck)", verb), 1)
	}
}

// runFormat lays out a fresh image at imagePath, either from an explicit
// <block_size> <block_count> <inode_count> triple or from a named preset
// geometry.
func runFormat(imagePath string, args []string) error {
	blockSize, blockCount, inodeCount, err := parseGeometry(args)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	size := imgformat.TotalImageSize(blockSize, blockCount, inodeCount)

	f, err := os.Create(imagePath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("creating %s: %s", imagePath, err), 1)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return cli.Exit(fmt.Sprintf("sizing %s to %d bytes: %s", imagePath, size, err), 1)
	}

	if _, err := imgformat.Format(f, blockSize, blockCount, inodeCount); err != nil {
		return cli.Exit(fmt.Sprintf("formatting %s: %s", imagePath, err), 1)
	}
	return nil
}

func parseGeometry(args []string) (blockSize, blockCount, inodeCount uint32, err error) {
	if len(args) >= 2 && args[0] == "-preset" {
		g, err := presets.Get(args[1])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w (known presets: %v)", err, presets.Names())
		}
		return g.BlockSize, g.BlockCount, g.InodeCount, nil
	}

	if len(args) < 3 {
		return 0, 0, 0, fmt.Errorf("format requires <block_size> <block_count> <inode_count>, or -preset <name>")
	}
	values := make([]uint32, 3)
	for i, s := range args[:3] {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid geometry value %q: %w", s, err)
		}
		values[i] = uint32(n)
	}
	return values[0], values[1], values[2], nil
}

// runMount opens an existing image, re-derives its geometry from the
// on-disk superblock via super.Peek (the CLI itself never needs to know
// block_size/block_count/inode_count for mount or fsck, only for the
// initial format), and serves it at the given mountpoint until unmounted.
func runMount(imagePath string, args []string) error {
	flags := imagefs.MountFlagsAllowReadWrite
	if len(args) > 0 && args[0] == "-readonly" {
		flags = imagefs.MountFlagsAllowRead
		args = args[1:]
	}
	if len(args) < 1 {
		return cli.Exit("mount requires a mountpoint argument", 1)
	}
	mountPoint := args[0]

	f, fs, err := openImageWithFlags(imagePath, flags)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer f.Close()

	if err := fusebridge.Mount(mountPoint, fs); err != nil {
		return cli.Exit(fmt.Sprintf("mounting %s at %s: %s", imagePath, mountPoint, err), 1)
	}
	return nil
}

// runFsck mounts the image read-write and runs the consistency checker
// against it, reporting every invariant violation
// found rather than stopping at the first one.
func runFsck(imagePath string) error {
	f, fs, err := openImage(imagePath)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer f.Close()

	if err := consistency.Check(fs); err != nil {
		return cli.Exit(fmt.Sprintf("%s: %s", imagePath, err), 1)
	}
	return nil
}

func openImage(imagePath string) (*os.File, *engine.FS, error) {
	return openImageWithFlags(imagePath, imagefs.MountFlagsAllowReadWrite)
}

func openImageWithFlags(imagePath string, flags imagefs.MountFlags) (*os.File, *engine.FS, error) {
	f, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", imagePath, err)
	}

	blockSize, blockCount, inodeCount, err := super.Peek(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("reading %s: %w", imagePath, err)
	}

	layout := super.ComputeLayout(blockSize, blockCount, inodeCount)
	dev := block.New(f, uint(blockSize), uint(layout.TotalImageBlocks()))

	fs, err := engine.MountWithFlags(dev, flags)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mounting %s: %w", imagePath, err)
	}
	return f, fs, nil
}
