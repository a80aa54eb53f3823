// Package sandbox confines the server process to the exported directory
// tree before any request is processed: private mount/pid/net namespaces,
// a self bind-mount plus pivot_root into the export, and a raised
// RLIMIT_NOFILE.
//
// Grounded on original_source/tools/virtiofsd/passthrough_ll.c's startup
// sequence (setup_namespaces/setup_mounts/setup_pivot_root) and its
// rlimit-raising step; no Go example in the corpus mounts namespaces (gcsfuse
// mounts a kernel FUSE filesystem, it never re-roots its own process), so
// this is ported from the C source's syscall sequence rather than adapted
// from an existing Go analog.
package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Options configures how far the sandbox goes; every field defaults to the
// most restrictive behavior.
type Options struct {
	// Source is the absolute path of the directory to export. After Enter
	// returns successfully the process's root is this directory.
	Source string

	// RlimitNofile, if non-zero, overrides the computed
	// min(fs.file-max - 16384, 1_000_000) default.
	RlimitNofile uint64
}

// Enter performs the one-time namespace/pivot_root sequence. It must run
// before any virtqueue thread starts, and only once: pivot_root is not
// idempotent.
func Enter(opts Options) error {
	if err := unix.Unshare(unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("unshare(CLONE_NEWNS|CLONE_NEWPID|CLONE_NEWNET): %w", err)
	}

	// A private mount namespace still shares propagation with its parent by
	// default; make the whole tree private first so our bind mount and
	// pivot_root are invisible outside the sandbox.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mount namespace private: %w", err)
	}

	if err := unix.Mount(opts.Source, opts.Source, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mounting export %q onto itself: %w", opts.Source, err)
	}

	if err := pivotInto(opts.Source); err != nil {
		return err
	}

	return raiseRlimitNofile(opts.RlimitNofile)
}

// pivotInto changes the process root to newRoot using pivot_root, then
// lazily unmounts the old root so nothing outside the export remains
// reachable.
func pivotInto(newRoot string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir into export before pivot_root: %w", err)
	}
	// pivot_root(".", ".") is the standard trick for pivoting into the
	// current directory in place, avoiding the need for a separate put_old
	// mount point under the new root.
	if err := unix.PivotRoot(".", "."); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("lazily unmounting old root: %w", err)
	}
	return nil
}

// raiseRlimitNofile raises RLIMIT_NOFILE to configured, or else to
// min(fs.file-max - 16384, 1_000_000), leaving headroom under the kernel's
// global file-table ceiling for everything else on the host.
// Failure here is fatal at startup, never silently tolerated.
func raiseRlimitNofile(configured uint64) error {
	want := configured
	if want == 0 {
		fileMax, err := readFileMax()
		if err != nil {
			return fmt.Errorf("reading fs.file-max: %w", err)
		}
		want = fileMax - 16384
		if want > 1_000_000 {
			want = 1_000_000
		}
	}

	rlim := unix.Rlimit{Cur: want, Max: want}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_NOFILE, %d): %w", want, err)
	}
	return nil
}
