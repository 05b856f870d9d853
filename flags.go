package imagefs

////////////////////////////////////////////////////////////////////////////////
// POSIX mode bits, used for the low bits of an on-disk inode's type_perm field.

const (
	S_IXOTH = 1 << iota
	S_IWOTH = 1 << iota
	S_IROTH = 1 << iota
	S_IXGRP = 1 << iota
	S_IWGRP = 1 << iota
	S_IRGRP = 1 << iota
	S_IXUSR = 1 << iota
	S_IWUSR = 1 << iota
	S_IRUSR = 1 << iota
)

const S_IEXEC = S_IXUSR
const S_IWRITE = S_IWUSR
const S_IREAD = S_IRUSR

const S_IRWXO = S_IXOTH | S_IWOTH | S_IROTH
const S_IRWXG = S_IXGRP | S_IWGRP | S_IRGRP
const S_IRWXU = S_IXUSR | S_IWUSR | S_IRUSR

// ModeMask isolates the permission bits of a type_perm field from its kind bits.
const ModeMask = 0x0FFF

////////////////////////////////////////////////////////////////////////////////
// Kind occupies the high bits of type_perm: 1 = regular file,
// 2 = directory.

type Kind uint16

const (
	KindFile Kind = 1
	KindDir  Kind = 2
)

// KindShift is the number of bits the permission field occupies; Kind is
// stored above it in type_perm.
const KindShift = 12

// PackTypePerm combines a kind and permission bits into an on-disk
// type_perm value.
func PackTypePerm(kind Kind, mode uint16) uint16 {
	return uint16(kind)<<KindShift | (mode & ModeMask)
}

// UnpackKind extracts the kind from an on-disk type_perm value.
func UnpackKind(typePerm uint16) Kind {
	return Kind(typePerm >> KindShift)
}

// UnpackMode extracts the permission bits from an on-disk type_perm value.
func UnpackMode(typePerm uint16) uint16 {
	return typePerm & ModeMask
}

////////////////////////////////////////////////////////////////////////////////
// MountFlags controls what a mount is permitted to do.

type MountFlags int

const (
	MountFlagsAllowRead  = MountFlags(1 << iota)
	MountFlagsAllowWrite = MountFlags(1 << iota)
)

const MountFlagsAllowReadWrite = MountFlagsAllowRead | MountFlagsAllowWrite

func (flags MountFlags) CanRead() bool {
	return flags&MountFlagsAllowRead != 0
}

func (flags MountFlags) CanWrite() bool {
	return flags&MountFlagsAllowWrite != 0
}
