package fusewire

import (
	"testing"
	"unsafe"
)

// These sizes are load-bearing: the kernel driver on the other end of the
// virtqueue computes offsets assuming the C struct layout, so any drift here
// silently corrupts every request after the first misread field.
func TestWireStructSizesMatchKernelABI(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"InHeader", unsafe.Sizeof(InHeader{}), 40},
		{"OutHeader", unsafe.Sizeof(OutHeader{}), 16},
		{"Attr", unsafe.Sizeof(Attr{}), 88},
		{"EntryOut", unsafe.Sizeof(EntryOut{}), 32 + 88},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: size = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestOpcodeConstantsAreDistinct(t *testing.T) {
	seen := map[Opcode]string{}
	ops := map[string]Opcode{
		"Lookup": OpLookup, "Forget": OpForget, "Getattr": OpGetattr,
		"Setattr": OpSetattr, "Readlink": OpReadlink, "Symlink": OpSymlink,
		"Mknod": OpMknod, "Mkdir": OpMkdir, "Unlink": OpUnlink, "Rmdir": OpRmdir,
		"Rename": OpRename, "Link": OpLink, "Open": OpOpen, "Read": OpRead,
		"Write": OpWrite, "Statfs": OpStatfs, "Release": OpRelease,
		"Fsync": OpFsync, "Setxattr": OpSetxattr, "Getxattr": OpGetxattr,
		"Listxattr": OpListxattr, "Removexattr": OpRemovexattr, "Flush": OpFlush,
		"Init": OpInit, "Opendir": OpOpendir, "Readdir": OpReaddir,
		"Releasedir": OpReleasedir, "Fsyncdir": OpFsyncdir, "Getlk": OpGetlk,
		"Setlk": OpSetlk, "Setlkw": OpSetlkw, "Access": OpAccess,
		"Create": OpCreate, "Interrupt": OpInterrupt, "Destroy": OpDestroy,
		"Fallocate": OpFallocate, "Readdirplus": OpReaddirplus,
		"Rename2": OpRename2, "Lseek": OpLseek, "CopyFileRange": OpCopyFileRange,
		"BatchForget": OpBatchForget,
	}
	for name, op := range ops {
		if prev, ok := seen[op]; ok {
			t.Fatalf("opcode collision: %s and %s both = %d", name, prev, op)
		}
		seen[op] = name
	}
}
